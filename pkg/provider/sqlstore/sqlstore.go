// Package sqlstore serves datasets stored as rows of a dataset_rows table in
// PostgreSQL, MySQL or SQLite.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/cenkalti/backoff/v4"
	"github.com/pressly/goose/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/datascout/datascout/internal/build"
	"github.com/datascout/datascout/pkg/logger"
	"github.com/datascout/datascout/pkg/provider"
)

var tracer = otel.Tracer("datascout/pkg/provider/sqlstore")

const (
	// Prefix marks dataset ids served by this provider.
	Prefix = "sql:"

	providerName = "sql"
	tableName    = "dataset_rows"
)

func startTrace(ctx context.Context, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "sqlstore."+name)
}

// Provider reads dataset rows from a SQL database.
type Provider struct {
	stbl             sq.StatementBuilderType
	db               *sql.DB
	engine           Engine
	logger           logger.Logger
	dbStatsCollector prometheus.Collector
}

var _ provider.Provider = (*Provider)(nil)

// New opens a connection pool for engine and waits, with exponential backoff, for
// the database to answer a ping.
func New(engineName, uri string, opts ...Option) (*Provider, error) {
	cfg := NewConfig(opts...)

	engine, err := LookupEngine(engineName)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(engine.Driver, uri)
	if err != nil {
		return nil, fmt.Errorf("initialize %s connection: %w", engine.Name, err)
	}

	if cfg.MaxOpenConns != 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns != 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxIdleTime != 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}
	if cfg.ConnMaxLifetime != 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = cfg.ConnectTimeout
	attempt := 1
	err = backoff.Retry(func() error {
		err := db.PingContext(context.Background())
		if err != nil {
			cfg.Logger.Info("waiting for dataset store", zap.String("engine", engine.Name), zap.Int("attempt", attempt))
			attempt++
			return err
		}
		return nil
	}, policy)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping dataset store: %w", err)
	}

	var collector prometheus.Collector
	if cfg.ExportMetrics {
		collector = collectors.NewDBStatsCollector(db, build.ProjectName)
		if err := prometheus.Register(collector); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("initialize metrics: %w", err)
		}
	}

	p := NewWithDB(db, engine, cfg.Logger)
	p.dbStatsCollector = collector
	return p, nil
}

// NewWithDB wraps an open database handle.
func NewWithDB(db *sql.DB, engine Engine, l logger.Logger) *Provider {
	var placeholder sq.PlaceholderFormat = sq.Question
	if engine.Name == EnginePostgres {
		placeholder = sq.Dollar
	}

	return &Provider{
		stbl:   sq.StatementBuilder.PlaceholderFormat(placeholder).RunWith(db),
		db:     db,
		engine: engine,
		logger: l,
	}
}

func (p *Provider) Supports(datasetID string) bool {
	return strings.HasPrefix(datasetID, Prefix) && len(datasetID) > len(Prefix)
}

func (p *Provider) Fetch(ctx context.Context, datasetID string, params *provider.FetchParams) (*provider.DatasetResult, error) {
	ctx, span := startTrace(ctx, "Fetch")
	defer span.End()
	span.SetAttributes(attribute.String("dataset_id", datasetID))

	where := whereClause(strings.TrimPrefix(datasetID, Prefix), params)
	metadata := map[string]any{
		"provider":        providerName,
		"engine":          p.engine.Name,
		"table":           tableName,
		"applied_filters": params.AppliedFilters(),
	}

	var count int
	err := p.stbl.
		Select("COUNT(*)").
		From(tableName).
		Where(where).
		QueryRowContext(ctx).
		Scan(&count)
	if err != nil {
		return nil, fmt.Errorf("counting rows of %s: %w", datasetID, err)
	}

	if count == 0 {
		return provider.NoDataResult(datasetID, metadata), nil
	}

	rows, err := p.stbl.
		Select("geo_level", "geo_id", "geo_name", "observed_on", "metric", "value").
		From(tableName).
		Where(where).
		OrderBy("observed_on", "geo_id").
		Limit(provider.MaxPreviewRows).
		QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading rows of %s: %w", datasetID, err)
	}
	defer rows.Close()

	preview := make([]provider.Row, 0, min(count, provider.MaxPreviewRows))
	for rows.Next() {
		var (
			geoLevel, geoID, metric string
			geoName                 sql.NullString
			observedOn              any
			value                   float64
		)
		if err := rows.Scan(&geoLevel, &geoID, &geoName, &observedOn, &metric, &value); err != nil {
			return nil, fmt.Errorf("scanning row of %s: %w", datasetID, err)
		}

		row := provider.Row{
			"geo_level": geoLevel,
			"geo_id":    geoID,
			"geo_name":  nil,
			"date":      formatDate(observedOn),
			"metric":    metric,
			"value":     value,
		}
		if geoName.Valid {
			row["geo_name"] = geoName.String
		}
		preview = append(preview, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading rows of %s: %w", datasetID, err)
	}

	return &provider.DatasetResult{
		DatasetID:   datasetID,
		RowCount:    count,
		RowsPreview: preview,
		Metadata:    metadata,
	}, nil
}

func whereClause(dataset string, params *provider.FetchParams) sq.And {
	where := sq.And{sq.Eq{"dataset_id": dataset}}
	if params == nil {
		return where
	}

	if params.GeoLevel != "" {
		where = append(where, sq.Eq{"geo_level": params.GeoLevel})
	}
	if params.GeoID != "" {
		where = append(where, sq.Eq{"geo_id": params.GeoID})
	}
	if params.Metric != "" {
		where = append(where, sq.Eq{"metric": params.Metric})
	}
	if params.StartDate != nil {
		where = append(where, sq.GtOrEq{"observed_on": params.StartDate.UTC().Format(time.DateOnly)})
	}
	if params.EndDate != nil {
		where = append(where, sq.LtOrEq{"observed_on": params.EndDate.UTC().Format(time.DateOnly)})
	}

	return where
}

// formatDate renders a DATE column as YYYY-MM-DD whichever Go type the driver
// scanned it into.
func formatDate(v any) any {
	switch d := v.(type) {
	case time.Time:
		return d.UTC().Format(time.DateOnly)
	case []byte:
		return dateOnly(string(d))
	case string:
		return dateOnly(d)
	case nil:
		return nil
	default:
		return fmt.Sprint(d)
	}
}

func dateOnly(s string) string {
	n := len(time.DateOnly)
	if len(s) > n && (s[n] == 'T' || s[n] == ' ') {
		return s[:n]
	}
	return s
}

// IsReady reports whether the database answers and carries at least the minimum
// supported schema revision. The message explains a false result.
func (p *Provider) IsReady(ctx context.Context) (bool, string, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := p.db.PingContext(ctx); err != nil {
		return false, "", err
	}

	if err := goose.SetDialect(p.engine.Dialect); err != nil {
		return false, "", err
	}
	revision, err := goose.GetDBVersionContext(ctx, p.db)
	if err != nil {
		return false, "", err
	}

	if revision < build.MinimumSupportedDatastoreSchemaRevision {
		return false, "dataset store requires migrations: at revision '" +
			strconv.FormatInt(revision, 10) +
			"', but requires '" +
			strconv.FormatInt(build.MinimumSupportedDatastoreSchemaRevision, 10) +
			"'. Run 'datascout migrate'.", nil
	}

	return true, "", nil
}

// Close releases the connection pool.
func (p *Provider) Close() {
	if p.dbStatsCollector != nil {
		prometheus.Unregister(p.dbStatsCollector)
	}
	if err := p.db.Close(); err != nil {
		p.logger.Warn("closing dataset store", zap.Error(err))
	}
}
