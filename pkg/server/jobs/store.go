package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sourcegraph/conc/panics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/datascout/datascout/pkg/cache"
	"github.com/datascout/datascout/pkg/id"
	"github.com/datascout/datascout/pkg/logger"
	"github.com/datascout/datascout/pkg/server/commands"
	"github.com/datascout/datascout/pkg/telemetry"
)

var tracer = otel.Tracer("datascout/pkg/server/jobs")

const (
	DefaultTTL     = time.Hour
	DefaultMaxJobs = 10_000
)

// RunFunc is the work of a job. It reports progress to observer and must call
// OnDone exactly once when it completes normally.
type RunFunc func(ctx context.Context, observer commands.Observer) error

type Store struct {
	jobs      cache.InMemoryCache[*Job]
	ttl       time.Duration
	queueSize int
	logger    logger.Logger

	wg sync.WaitGroup
}

type StoreOption func(*storeConfig)

type storeConfig struct {
	ttl       time.Duration
	maxJobs   int64
	queueSize int
	logger    logger.Logger
}

// WithTTL sets how long a job stays retrievable after it was created.
func WithTTL(ttl time.Duration) StoreOption {
	return func(c *storeConfig) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithMaxJobs bounds how many jobs are retained. The least recently used ones are
// evicted first.
func WithMaxJobs(n int64) StoreOption {
	return func(c *storeConfig) {
		if n > 0 {
			c.maxJobs = n
		}
	}
}

func WithQueueSize(n int) StoreOption {
	return func(c *storeConfig) {
		if n > 0 {
			c.queueSize = n
		}
	}
}

func WithLogger(l logger.Logger) StoreOption {
	return func(c *storeConfig) {
		c.logger = l
	}
}

func NewStore(opts ...StoreOption) *Store {
	cfg := &storeConfig{
		ttl:       DefaultTTL,
		maxJobs:   DefaultMaxJobs,
		queueSize: DefaultQueueSize,
		logger:    logger.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	return &Store{
		jobs:      cache.NewInMemoryLRUCache(cache.WithMaxCacheSize[*Job](cfg.maxJobs)),
		ttl:       cfg.ttl,
		queueSize: cfg.queueSize,
		logger:    cfg.logger,
	}
}

// Create registers a new job and starts run in the background. The run outlives
// ctx; only its values (trace, request id) are carried over.
func (s *Store) Create(ctx context.Context, run RunFunc) (*Job, error) {
	jobID, err := id.NewString()
	if err != nil {
		return nil, fmt.Errorf("failed to generate job id: %w", err)
	}

	job := newJob(jobID, time.Now().UTC(), s.queueSize)
	s.jobs.Set(jobID, job, s.ttl)
	jobsCreatedCounter.Inc()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.drive(context.WithoutCancel(ctx), job, run)
	}()

	return job, nil
}

func (s *Store) drive(ctx context.Context, job *Job, run RunFunc) {
	ctx, span := tracer.Start(ctx, "jobs.Run", trace.WithAttributes(attribute.String("query_id", job.ID)))
	defer span.End()

	start := time.Now()

	var err error
	recovered := panics.Try(func() {
		err = run(ctx, job)
	})
	if recovered != nil {
		err = fmt.Errorf("job run panicked: %v", recovered.Value)
	}

	if err != nil {
		telemetry.TraceError(span, err)
		s.logger.ErrorWithContext(ctx, "job run failed", zap.String("query_id", job.ID), zap.Error(err))
	}

	if !job.Done() {
		jobsFailedCounter.Inc()
		job.fail(time.Since(start))
	}
}

// Get returns the job with the given id. Expired and evicted jobs are not found.
func (s *Store) Get(jobID string) (*Job, bool) {
	job := s.jobs.Get(jobID)
	return job, job != nil
}

// Len is the number of jobs currently retained.
func (s *Store) Len() int {
	return s.jobs.Len()
}

// Close waits for every running job to finish and releases the store.
func (s *Store) Close() {
	s.wg.Wait()
	s.jobs.Stop()
}
