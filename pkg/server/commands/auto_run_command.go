package commands

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/sourcegraph/conc/panics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"gonum.org/v1/gonum/stat"

	"github.com/datascout/datascout/internal/concurrency"
	"github.com/datascout/datascout/internal/planner"
	"github.com/datascout/datascout/pkg/catalog"
	"github.com/datascout/datascout/pkg/logger"
	"github.com/datascout/datascout/pkg/provider"
	"github.com/datascout/datascout/pkg/telemetry"
)

var tracer = otel.Tracer("datascout/pkg/server/commands")

const (
	DefaultConcurrency  = 5
	DefaultFetchTimeout = 2 * time.Second

	ReasonNoProvider = "No provider available."
	ReasonTimeout    = "Timeout."
	reasonUnknown    = "Unknown error."
)

type RunStatus string

const (
	RunStatusSuccess RunStatus = "success"
	RunStatusNoData  RunStatus = "no_data"
	RunStatusError   RunStatus = "error"
)

// RunResult is the outcome of fetching one candidate. ErrorReason is set iff
// Status is RunStatusError.
type RunResult struct {
	DatasetID   string         `json:"dataset_id"`
	Status      RunStatus      `json:"status"`
	RowCount    int            `json:"row_count"`
	Preview     []provider.Row `json:"preview"`
	Metadata    map[string]any `json:"metadata"`
	TimingMs    float64        `json:"timing_ms"`
	ErrorReason string         `json:"error_reason,omitempty"`
}

type RunSummary struct {
	Success        int     `json:"success"`
	NoData         int     `json:"no_data"`
	Error          int     `json:"error"`
	TotalRuntimeMs float64 `json:"total_runtime_ms"`
	TimingP50Ms    float64 `json:"timing_p50_ms"`
	TimingP95Ms    float64 `json:"timing_p95_ms"`
}

// FailedRunSummary is the terminal summary of a run that broke down before
// finishing: every captured result counts as an error.
func FailedRunSummary(captured int, elapsed time.Duration) RunSummary {
	return RunSummary{
		Error:          captured,
		TotalRuntimeMs: milliseconds(elapsed),
	}
}

func (s *RunSummary) add(status RunStatus) {
	switch status {
	case RunStatusSuccess:
		s.Success++
	case RunStatusNoData:
		s.NoData++
	default:
		s.Error++
	}
}

// Total is the number of results the summary accounts for.
func (s RunSummary) Total() int {
	return s.Success + s.NoData + s.Error
}

func (s *RunSummary) setPercentiles(timings []float64) {
	if len(timings) == 0 {
		return
	}
	sorted := slices.Clone(timings)
	slices.Sort(sorted)
	s.TimingP50Ms = stat.Quantile(0.5, stat.Empirical, sorted, nil)
	s.TimingP95Ms = stat.Quantile(0.95, stat.Empirical, sorted, nil)
}

type AutoRunResult struct {
	Planned []planner.Candidate `json:"planned"`
	Results []RunResult         `json:"results"`
	Summary RunSummary          `json:"summary"`
}

// Observer receives the progress of a streaming run. OnPlanned is called once
// before any fetch starts, OnResult once per candidate in completion order and
// OnDone once after every candidate finished. Calls are never concurrent.
type Observer interface {
	OnPlanned(candidates []planner.Candidate)
	OnResult(result RunResult)
	OnDone(summary RunSummary)
}

type AutoRunQuery struct {
	resolver     provider.Resolver
	logger       logger.Logger
	concurrency  int
	fetchTimeout time.Duration
}

type AutoRunQueryOption func(*AutoRunQuery)

// WithConcurrency caps how many fetches run at once. Values below 1 are ignored.
func WithConcurrency(n int) AutoRunQueryOption {
	return func(q *AutoRunQuery) {
		if n >= 1 {
			q.concurrency = n
		}
	}
}

// WithFetchTimeout sets the deadline of each fetch. Non-positive values are ignored.
func WithFetchTimeout(d time.Duration) AutoRunQueryOption {
	return func(q *AutoRunQuery) {
		if d > 0 {
			q.fetchTimeout = d
		}
	}
}

func WithLogger(l logger.Logger) AutoRunQueryOption {
	return func(q *AutoRunQuery) {
		q.logger = l
	}
}

func NewAutoRunCommand(resolver provider.Resolver, opts ...AutoRunQueryOption) *AutoRunQuery {
	q := &AutoRunQuery{
		resolver:     resolver,
		logger:       logger.NewNoopLogger(),
		concurrency:  DefaultConcurrency,
		fetchTimeout: DefaultFetchTimeout,
	}

	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Execute fetches every candidate and waits for all of them. Results are ordered
// like candidates regardless of completion order.
func (q *AutoRunQuery) Execute(ctx context.Context, candidates []planner.Candidate, params *provider.FetchParams) *AutoRunResult {
	ctx, span := tracer.Start(ctx, "autoRun.Execute", trace.WithAttributes(
		attribute.Int("candidates", len(candidates)),
		attribute.Int("concurrency", q.concurrency),
	))
	defer span.End()
	runsCounter.WithLabelValues("batch").Inc()

	results := make([]RunResult, len(candidates))
	summary := q.run(ctx, candidates, params, func(i int, result RunResult) {
		results[i] = result
	})

	return &AutoRunResult{
		Planned: candidates,
		Results: results,
		Summary: summary,
	}
}

// Stream fetches every candidate and reports progress to observer as it happens.
func (q *AutoRunQuery) Stream(ctx context.Context, candidates []planner.Candidate, params *provider.FetchParams, observer Observer) RunSummary {
	ctx, span := tracer.Start(ctx, "autoRun.Stream", trace.WithAttributes(
		attribute.Int("candidates", len(candidates)),
		attribute.Int("concurrency", q.concurrency),
	))
	defer span.End()
	runsCounter.WithLabelValues("stream").Inc()

	observer.OnPlanned(candidates)
	summary := q.run(ctx, candidates, params, func(_ int, result RunResult) {
		observer.OnResult(result)
	})
	observer.OnDone(summary)

	return summary
}

// run fans out one goroutine per candidate. emit is called under a lock, once per
// candidate, as each one completes. The caller's cancellation does not stop a run:
// every candidate is bounded by the fetch timeout instead.
func (q *AutoRunQuery) run(ctx context.Context, candidates []planner.Candidate, params *provider.FetchParams, emit func(int, RunResult)) RunSummary {
	ctx = context.WithoutCancel(ctx)
	start := time.Now()

	sem := semaphore.NewWeighted(int64(q.concurrency))
	var (
		mu      sync.Mutex
		summary RunSummary
		timings = make([]float64, 0, len(candidates))
	)

	pool := concurrency.NewUnboundedPool()
	for i, candidate := range candidates {
		pool.Go(func() {
			// ctx is never cancelled, so Acquire only returns once a slot is free.
			_ = sem.Acquire(ctx, 1)
			result := q.fetch(ctx, candidate.DatasetID, params)
			sem.Release(1)

			mu.Lock()
			defer mu.Unlock()
			summary.add(result.Status)
			timings = append(timings, result.TimingMs)
			emit(i, result)
		})
	}
	pool.Wait()

	summary.TotalRuntimeMs = milliseconds(time.Since(start))
	summary.setPercentiles(timings)

	q.logger.DebugWithContext(ctx, "auto run finished",
		zap.Int("candidates", len(candidates)),
		zap.Int("success", summary.Success),
		zap.Int("no_data", summary.NoData),
		zap.Int("error", summary.Error),
		zap.Float64("total_runtime_ms", summary.TotalRuntimeMs),
	)

	return summary
}

type fetchOutcome struct {
	result *provider.DatasetResult
	err    error
}

// fetch resolves and fetches a single dataset. It never fails: every problem is
// reported in the returned result.
func (q *AutoRunQuery) fetch(ctx context.Context, datasetID string, params *provider.FetchParams) RunResult {
	ctx, span := tracer.Start(ctx, "fetchDataset", trace.WithAttributes(attribute.String("dataset_id", datasetID)))
	defer span.End()

	start := time.Now()

	p, ok := q.resolver.Get(datasetID)
	if !ok {
		return q.finish(ctx, span, errorResult(datasetID, ReasonNoProvider, time.Since(start)))
	}

	fetchCtx, cancel := context.WithTimeout(ctx, q.fetchTimeout)
	defer cancel()

	// buffered so an abandoned worker can always hand off its outcome and exit
	done := make(chan fetchOutcome, 1)
	inFlightFetchesGauge.Inc()
	go func() {
		defer inFlightFetchesGauge.Dec()
		done <- safeFetch(fetchCtx, p, datasetID, params)
	}()

	var outcome fetchOutcome
	select {
	case outcome = <-done:
	case <-fetchCtx.Done():
		select {
		case outcome = <-done:
		default:
			abandonedFetchesCounter.Inc()
			q.logger.WarnWithContext(ctx, "fetch abandoned after timeout",
				zap.String("dataset_id", datasetID),
				zap.Duration("timeout", q.fetchTimeout),
			)
			return q.finish(ctx, span, errorResult(datasetID, ReasonTimeout, time.Since(start)))
		}
	}
	elapsed := time.Since(start)

	switch {
	case outcome.err != nil && errors.Is(outcome.err, context.DeadlineExceeded) && fetchCtx.Err() != nil:
		return q.finish(ctx, span, errorResult(datasetID, ReasonTimeout, elapsed))
	case outcome.err != nil:
		telemetry.TraceError(span, outcome.err)
		return q.finish(ctx, span, errorResult(datasetID, outcome.err.Error(), elapsed))
	case outcome.result == nil:
		return q.finish(ctx, span, errorResult(datasetID, "provider returned no result", elapsed))
	}

	res := outcome.result
	status := RunStatusSuccess
	if res.NoData {
		status = RunStatusNoData
	}

	preview := res.RowsPreview
	if len(preview) > provider.MaxPreviewRows {
		preview = preview[:provider.MaxPreviewRows]
	}
	if preview == nil {
		preview = []provider.Row{}
	}

	metadata := res.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}

	return q.finish(ctx, span, RunResult{
		DatasetID: datasetID,
		Status:    status,
		RowCount:  res.RowCount,
		Preview:   preview,
		Metadata:  metadata,
		TimingMs:  milliseconds(elapsed),
	})
}

func (q *AutoRunQuery) finish(ctx context.Context, span trace.Span, result RunResult) RunResult {
	span.SetAttributes(
		attribute.String("status", string(result.Status)),
		attribute.Int("row_count", result.RowCount),
	)
	fetchDurationHistogram.WithLabelValues(string(result.Status)).Observe(result.TimingMs)

	if result.Status == RunStatusError {
		q.logger.DebugWithContext(ctx, "fetch failed",
			zap.String("dataset_id", result.DatasetID),
			zap.String("reason", result.ErrorReason),
		)
	}
	return result
}

func safeFetch(ctx context.Context, p provider.Provider, datasetID string, params *provider.FetchParams) fetchOutcome {
	var outcome fetchOutcome
	recovered := panics.Try(func() {
		outcome.result, outcome.err = p.Fetch(ctx, datasetID, params)
	})
	if recovered != nil {
		return fetchOutcome{err: fmt.Errorf("%v", recovered.Value)}
	}
	return outcome
}

func errorResult(datasetID, reason string, elapsed time.Duration) RunResult {
	if reason == "" {
		reason = reasonUnknown
	}
	return RunResult{
		DatasetID:   datasetID,
		Status:      RunStatusError,
		Preview:     []provider.Row{},
		Metadata:    map[string]any{},
		TimingMs:    milliseconds(elapsed),
		ErrorReason: reason,
	}
}

func milliseconds(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

type AutoRunCommandParams struct {
	Entries []catalog.Entry
	Query   planner.Query
	TopK    int
}

// ParamsFromQuery derives the fetch filters shared by every fetch of a run.
func ParamsFromQuery(query planner.Query) *provider.FetchParams {
	start := query.StartDate.StartOfDay()
	end := query.EndDate.StartOfDay()
	return &provider.FetchParams{
		GeoLevel:  query.GeoLevel,
		Metric:    query.MetricHint,
		StartDate: &start,
		EndDate:   &end,
	}
}

func (q *AutoRunQuery) plan(ctx context.Context, params *AutoRunCommandParams) []planner.Candidate {
	_, span := tracer.Start(ctx, "planner.Rank", trace.WithAttributes(
		attribute.Int("entries", len(params.Entries)),
		attribute.Int("top_k", params.TopK),
	))
	defer span.End()

	return planner.Rank(params.Entries, params.Query, params.TopK)
}

// PlanAndRun ranks the catalog snapshot and executes the candidates in batch.
func (q *AutoRunQuery) PlanAndRun(ctx context.Context, params *AutoRunCommandParams) *AutoRunResult {
	candidates := q.plan(ctx, params)
	return q.Execute(ctx, candidates, ParamsFromQuery(params.Query))
}

// PlanAndStream ranks the catalog snapshot and streams the candidates to observer.
func (q *AutoRunQuery) PlanAndStream(ctx context.Context, params *AutoRunCommandParams, observer Observer) RunSummary {
	candidates := q.plan(ctx, params)
	return q.Stream(ctx, candidates, ParamsFromQuery(params.Query), observer)
}
