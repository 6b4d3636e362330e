// Package localcsv serves datasets stored as CSV files in a local directory.
package localcsv

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/datascout/datascout/pkg/provider"
)

const (
	// Prefix marks dataset ids served by this provider.
	Prefix = "local:csv/"

	providerName = "local_csv"

	// ctxCheckInterval is how many rows are read between context checks.
	ctxCheckInterval = 1000
)

var ErrPathEscapesDataDir = errors.New("dataset path escapes the data directory")

// Provider reads <dataDir>/<name>.csv for a dataset id local:csv/<name>. Files
// are expected to carry the columns geo_level, geo_id, geo_name, date, metric and value.
type Provider struct {
	dataDir string
}

var _ provider.Provider = (*Provider)(nil)

func New(dataDir string) *Provider {
	return &Provider{dataDir: dataDir}
}

// Supports claims every id with the local:csv/ prefix, and any other id that
// names an existing file in the data directory.
func (p *Provider) Supports(datasetID string) bool {
	if strings.HasPrefix(strings.ReplaceAll(datasetID, `\`, "/"), Prefix) {
		return true
	}

	path, err := p.datasetPath(datasetID)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

func (p *Provider) Fetch(ctx context.Context, datasetID string, params *provider.FetchParams) (*provider.DatasetResult, error) {
	path, err := p.datasetPath(datasetID)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return provider.NoDataResult(datasetID, map[string]any{
				"provider": providerName,
				"path":     path,
			}), nil
		}
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("reading header of %s: %w", path, err)
	}
	columns := make(map[string]int, len(header))
	for i, name := range header {
		columns[strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))] = i
	}

	rowCount := 0
	preview := make([]provider.Row, 0)
	for line := 0; ; line++ {
		if line%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}

		row := csvRow{columns: columns, record: record}
		ok, err := row.matches(params)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}

		normalized, err := row.normalize()
		if err != nil {
			return nil, err
		}
		rowCount++
		if len(preview) < provider.MaxPreviewRows {
			preview = append(preview, normalized)
		}
	}

	return &provider.DatasetResult{
		DatasetID:   datasetID,
		RowCount:    rowCount,
		RowsPreview: preview,
		Metadata: map[string]any{
			"provider":        providerName,
			"path":            path,
			"applied_filters": params.AppliedFilters(),
		},
		NoData: rowCount == 0,
	}, nil
}

func (p *Provider) datasetPath(datasetID string) (string, error) {
	name := strings.ReplaceAll(datasetID, `\`, "/")
	name = strings.TrimPrefix(name, Prefix)
	if strings.HasSuffix(strings.ToLower(name), ".csv") {
		name = name[:len(name)-len(".csv")]
	}

	if !filepath.IsLocal(filepath.FromSlash(name + ".csv")) {
		return "", fmt.Errorf("%w: %s", ErrPathEscapesDataDir, datasetID)
	}

	return filepath.Join(p.dataDir, filepath.FromSlash(name)+".csv"), nil
}

type csvRow struct {
	columns map[string]int
	record  []string
}

// get returns the value of the named column and whether the column is present.
func (r csvRow) get(column string) (string, bool) {
	i, ok := r.columns[column]
	if !ok || i >= len(r.record) {
		return "", false
	}
	return r.record[i], true
}

func (r csvRow) getOrNil(column string) any {
	v, ok := r.get(column)
	if !ok {
		return nil
	}
	return v
}

func (r csvRow) matches(params *provider.FetchParams) (bool, error) {
	if params == nil {
		return true, nil
	}

	for column, want := range map[string]string{
		"geo_level": params.GeoLevel,
		"geo_id":    params.GeoID,
		"metric":    params.Metric,
	} {
		if want == "" {
			continue
		}
		if got, ok := r.get(column); !ok || got != want {
			return false, nil
		}
	}

	if params.StartDate == nil && params.EndDate == nil {
		return true, nil
	}

	raw, _ := r.get("date")
	if raw == "" {
		return false, nil
	}
	date, err := parseDate(raw)
	if err != nil {
		return false, err
	}
	if params.StartDate != nil && date.Before(*params.StartDate) {
		return false, nil
	}
	if params.EndDate != nil && date.After(*params.EndDate) {
		return false, nil
	}

	return true, nil
}

func (r csvRow) normalize() (provider.Row, error) {
	value := 0.0
	if raw, _ := r.get("value"); raw != "" {
		parsed, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return nil, fmt.Errorf("could not convert value %q to float", raw)
		}
		value = parsed
	}

	return provider.Row{
		"geo_level": r.getOrNil("geo_level"),
		"geo_id":    r.getOrNil("geo_id"),
		"geo_name":  r.getOrNil("geo_name"),
		"date":      r.getOrNil("date"),
		"metric":    r.getOrNil("metric"),
		"value":     value,
	}, nil
}

var dateLayouts = []string{
	"2006-01-02",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	time.RFC3339Nano,
}

// parseDate accepts a calendar date or an ISO 8601 date-time. Values without a
// zone are read as UTC.
func parseDate(raw string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, raw, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid isoformat string: %q", raw)
}
