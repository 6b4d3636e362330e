package commands

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/datascout/datascout/internal/build"
)

var (
	fetchDurationHistogram = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:                       build.ProjectName,
		Name:                            "fetch_duration_ms",
		Help:                            "The duration (in ms) of a single dataset fetch, labeled by outcome.",
		Buckets:                         []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2000, 5000, 10000, 30000},
		NativeHistogramBucketFactor:     1.1,
		NativeHistogramMaxBucketNumber:  100,
		NativeHistogramMinResetDuration: time.Hour,
	}, []string{"status"})

	inFlightFetchesGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: build.ProjectName,
		Name:      "fetches_in_flight",
		Help:      "The number of provider fetches currently executing, including abandoned ones.",
	})

	abandonedFetchesCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "abandoned_fetches_total",
		Help:      "The number of fetches that hit their deadline and were left to finish in the background.",
	})

	runsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "auto_runs_total",
		Help:      "The number of orchestration runs, labeled by mode.",
	}, []string{"mode"})
)
