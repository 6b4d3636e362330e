// Package server implements the datascout service: catalog inspection, ranking,
// single fetches, and batch or streamed orchestration runs.
package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/datascout/datascout/internal/planner"
	"github.com/datascout/datascout/pkg/catalog"
	"github.com/datascout/datascout/pkg/id"
	"github.com/datascout/datascout/pkg/logger"
	"github.com/datascout/datascout/pkg/provider"
	"github.com/datascout/datascout/pkg/server/commands"
	"github.com/datascout/datascout/pkg/server/config"
	serverErrors "github.com/datascout/datascout/pkg/server/errors"
	"github.com/datascout/datascout/pkg/server/jobs"
	"github.com/datascout/datascout/pkg/telemetry"
)

var tracer = otel.Tracer("datascout/pkg/server")

// A Server implements the datascout service backend. It is transport agnostic;
// NewHTTPHandler exposes it over HTTP.
type Server struct {
	logger    logger.Logger
	catalog   *catalog.Store
	providers provider.Resolver
	jobs      *jobs.Store
	readiness []ReadinessChecker
	config    *Config

	minStartDate *catalog.Date
}

// ReadinessChecker is a backend the server needs before it can serve. The message
// explains a false result.
type ReadinessChecker interface {
	IsReady(ctx context.Context) (bool, string, error)
}

type Dependencies struct {
	Catalog   *catalog.Store
	Providers provider.Resolver
	Jobs      *jobs.Store
	Logger    logger.Logger

	// Readiness lists the backends IsReady waits for, e.g. the SQL dataset store.
	Readiness []ReadinessChecker
}

type Config struct {
	Run                  config.RunConfig
	Keepalive            time.Duration
	CatalogReloadEnabled bool
}

// New creates a new Server which uses the supplied dependencies.
func New(dependencies *Dependencies, cfg *Config) (*Server, error) {
	s := &Server{
		logger:    dependencies.Logger,
		catalog:   dependencies.Catalog,
		providers: dependencies.Providers,
		jobs:      dependencies.Jobs,
		readiness: dependencies.Readiness,
		config:    cfg,
	}

	if s.logger == nil {
		s.logger = logger.NewNoopLogger()
	}

	if cfg.Run.MinStartDate != "" {
		floor, err := catalog.ParseDate(cfg.Run.MinStartDate)
		if err != nil {
			return nil, fmt.Errorf("parsing minimum start date: %w", err)
		}
		s.minStartDate = &floor
	}

	return s, nil
}

// IsReady reports whether the catalog has been loaded at least once and every
// backend is ready.
func (s *Server) IsReady(ctx context.Context) (bool, error) {
	if s.catalog.LastLoadedAt().IsZero() {
		return false, nil
	}

	for _, checker := range s.readiness {
		ready, message, err := checker.IsReady(ctx)
		if err != nil {
			return false, err
		}
		if !ready {
			s.logger.WarnWithContext(ctx, message)
			return false, nil
		}
	}

	return true, nil
}

type HealthResponse struct {
	Status string    `json:"status"`
	Time   time.Time `json:"time"`
}

func (s *Server) Health() *HealthResponse {
	return &HealthResponse{Status: "ok", Time: time.Now().UTC()}
}

// Catalog returns the current catalog snapshot.
func (s *Server) Catalog() []catalog.Entry {
	entries := s.catalog.Entries()
	if entries == nil {
		return []catalog.Entry{}
	}
	return entries
}

type ReloadCatalogResponse struct {
	Status string `json:"status"`
	Count  int    `json:"count"`
}

func (s *Server) ReloadCatalog(ctx context.Context) (*ReloadCatalogResponse, error) {
	if !s.config.CatalogReloadEnabled {
		return nil, serverErrors.ErrCatalogReloadDisabled
	}

	if err := s.catalog.Load(ctx); err != nil {
		return nil, serverErrors.NewInternalError("Catalog reload failed.", err)
	}

	return &ReloadCatalogResponse{Status: "ok", Count: len(s.catalog.Entries())}, nil
}

type FetchOneRequest struct {
	DatasetID string              `json:"dataset_id"`
	Params    *FetchParamsRequest `json:"params,omitempty"`
}

// FetchParamsRequest carries fetch filters as sent by callers. Dates are accepted
// as RFC 3339 instants, naive date-times, or plain dates; all are read as UTC.
type FetchParamsRequest struct {
	GeoLevel  string `json:"geo_level,omitempty"`
	GeoID     string `json:"geo_id,omitempty"`
	Metric    string `json:"metric,omitempty"`
	StartDate string `json:"start_date,omitempty"`
	EndDate   string `json:"end_date,omitempty"`
}

var instantLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04:05", catalog.DateLayout}

func parseInstant(field, value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	for _, layout := range instantLayouts {
		if t, err := time.ParseInLocation(layout, value, time.UTC); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, serverErrors.ValidationError(fmt.Errorf("%s must be a date or date-time, got %q.", field, value))
}

func (p *FetchParamsRequest) fetchParams() (*provider.FetchParams, error) {
	if p == nil {
		return nil, nil
	}

	start, err := parseInstant("start_date", p.StartDate)
	if err != nil {
		return nil, err
	}
	end, err := parseInstant("end_date", p.EndDate)
	if err != nil {
		return nil, err
	}

	return &provider.FetchParams{
		GeoLevel:  p.GeoLevel,
		GeoID:     p.GeoID,
		Metric:    p.Metric,
		StartDate: start,
		EndDate:   end,
	}, nil
}

// FetchOne fetches a single dataset through whichever provider serves it.
func (s *Server) FetchOne(ctx context.Context, req *FetchOneRequest) (*provider.DatasetResult, error) {
	ctx, span := tracer.Start(ctx, "FetchOne", trace.WithAttributes(
		attribute.String("dataset_id", req.DatasetID),
	))
	defer span.End()

	if req.DatasetID == "" {
		return nil, serverErrors.ValidationError(errors.New("dataset_id is required."))
	}

	params, err := req.Params.fetchParams()
	if err != nil {
		return nil, err
	}

	p, ok := s.providers.Get(req.DatasetID)
	if !ok {
		return nil, serverErrors.ErrNoProvider
	}

	result, err := p.Fetch(ctx, req.DatasetID, params)
	if err != nil {
		telemetry.TraceError(span, err)
		return nil, serverErrors.NewInternalError("", fmt.Errorf("fetching %s: %w", req.DatasetID, err))
	}
	if result == nil {
		return nil, serverErrors.NewInternalError("", fmt.Errorf("fetching %s: provider returned no result", req.DatasetID))
	}

	return result, nil
}

func (s *Server) validateQuery(query *planner.Query) error {
	if query.GeoLevel == "" {
		return serverErrors.ValidationError(errors.New("geo_level is required."))
	}
	if query.StartDate.IsZero() || query.EndDate.IsZero() {
		return serverErrors.ValidationError(errors.New("start_date and end_date are required."))
	}
	if s.minStartDate != nil && query.StartDate.Before(*s.minStartDate) {
		return serverErrors.StartDateTooEarlyError(s.minStartDate.String())
	}
	if query.EndDate.Before(query.StartDate) {
		return serverErrors.ErrEndBeforeStart
	}
	return nil
}

type PlanResponse struct {
	TopK       int                 `json:"top_k"`
	Candidates []planner.Candidate `json:"candidates"`
}

// Plan ranks the catalog against query without fetching anything.
func (s *Server) Plan(ctx context.Context, query *planner.Query, topK *int) (*PlanResponse, error) {
	_, span := tracer.Start(ctx, "Plan")
	defer span.End()

	if err := s.validateQuery(query); err != nil {
		return nil, err
	}

	k := s.config.Run.TopK(topK)
	span.SetAttributes(attribute.Int("top_k", k))

	return &PlanResponse{
		TopK:       k,
		Candidates: planner.Rank(s.catalog.Entries(), *query, k),
	}, nil
}

// AutoRunRequest asks for a ranked orchestration run. Unset limits take the
// configured defaults; set ones are clamped to the configured bounds.
type AutoRunRequest struct {
	Query       planner.Query `json:"query"`
	K           *int          `json:"k,omitempty"`
	Concurrency *int          `json:"concurrency,omitempty"`
	TimeoutMs   *int          `json:"timeout_ms,omitempty"`
}

func (s *Server) autoRun(req *AutoRunRequest) (*commands.AutoRunQuery, *commands.AutoRunCommandParams, error) {
	if err := s.validateQuery(&req.Query); err != nil {
		return nil, nil, err
	}

	q := commands.NewAutoRunCommand(s.providers,
		commands.WithConcurrency(s.config.Run.Concurrency(req.Concurrency)),
		commands.WithFetchTimeout(s.config.Run.Timeout(req.TimeoutMs)),
		commands.WithLogger(s.logger),
	)

	return q, &commands.AutoRunCommandParams{
		Entries: s.catalog.Entries(),
		Query:   req.Query,
		TopK:    s.config.Run.TopK(req.K),
	}, nil
}

// RunAuto ranks the catalog and fetches the candidates, returning once every
// fetch has finished or timed out.
func (s *Server) RunAuto(ctx context.Context, req *AutoRunRequest) (*commands.AutoRunResult, error) {
	ctx, span := tracer.Start(ctx, "RunAuto")
	defer span.End()

	q, params, err := s.autoRun(req)
	if err != nil {
		return nil, err
	}

	return q.PlanAndRun(ctx, params), nil
}

type StartAutoResponse struct {
	QueryID string `json:"query_id"`
}

// StartAuto starts a streamed run in the background. Its events are read with
// Job and Subscribe.
func (s *Server) StartAuto(ctx context.Context, req *AutoRunRequest) (*StartAutoResponse, error) {
	ctx, span := tracer.Start(ctx, "StartAuto")
	defer span.End()

	q, params, err := s.autoRun(req)
	if err != nil {
		return nil, err
	}

	job, err := s.jobs.Create(ctx, func(ctx context.Context, observer commands.Observer) error {
		q.PlanAndStream(ctx, params, observer)
		return nil
	})
	if err != nil {
		return nil, serverErrors.NewInternalError("", err)
	}

	span.SetAttributes(attribute.String("query_id", job.ID))
	s.logger.DebugWithContext(ctx, "streamed run started", zap.String("query_id", job.ID))

	return &StartAutoResponse{QueryID: job.ID}, nil
}

// Job returns the streamed run with the given id.
func (s *Server) Job(queryID string) (*jobs.Job, error) {
	if !id.IsValid(queryID) {
		return nil, serverErrors.ErrJobNotFound
	}
	job, ok := s.jobs.Get(queryID)
	if !ok {
		return nil, serverErrors.ErrJobNotFound
	}
	return job, nil
}

// Keepalive is the idle interval after which streams send a keepalive event.
func (s *Server) Keepalive() time.Duration {
	if s.config.Keepalive <= 0 {
		return jobs.DefaultKeepalive
	}
	return s.config.Keepalive
}
