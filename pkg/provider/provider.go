// Package provider defines the capability the executor uses to fetch a dataset,
// along with the registry that routes a dataset id to the provider serving it.
package provider

import (
	"context"
	"time"
)

//go:generate mockgen -source provider.go -destination ../../internal/mocks/mock_provider.go -package mocks

// MaxPreviewRows bounds how many rows a provider returns in a preview.
const MaxPreviewRows = 50

// Row is one flat record as returned by a provider.
type Row = map[string]any

// FetchParams narrows a fetch. Empty fields and nil dates apply no filter. A single
// FetchParams is shared read-only by every fetch of a run.
type FetchParams struct {
	GeoLevel  string     `json:"geo_level,omitempty"`
	GeoID     string     `json:"geo_id,omitempty"`
	Metric    string     `json:"metric,omitempty"`
	StartDate *time.Time `json:"start_date,omitempty"`
	EndDate   *time.Time `json:"end_date,omitempty"`
}

// AppliedFilters reports the filters in params as a flat map. Unset filters are nil.
func (p *FetchParams) AppliedFilters() map[string]any {
	filters := map[string]any{
		"geo_level":  nil,
		"geo_id":     nil,
		"metric":     nil,
		"start_date": nil,
		"end_date":   nil,
	}
	if p == nil {
		return filters
	}

	if p.GeoLevel != "" {
		filters["geo_level"] = p.GeoLevel
	}
	if p.GeoID != "" {
		filters["geo_id"] = p.GeoID
	}
	if p.Metric != "" {
		filters["metric"] = p.Metric
	}
	if p.StartDate != nil {
		filters["start_date"] = p.StartDate.Format("2006-01-02T15:04:05")
	}
	if p.EndDate != nil {
		filters["end_date"] = p.EndDate.Format("2006-01-02T15:04:05")
	}

	return filters
}

// DatasetResult is what a provider returns for one dataset.
type DatasetResult struct {
	DatasetID   string         `json:"dataset_id"`
	RowCount    int            `json:"row_count"`
	RowsPreview []Row          `json:"rows_preview"`
	Metadata    map[string]any `json:"metadata"`
	NoData      bool           `json:"no_data"`
}

// NoDataResult is the result for a dataset that has no rows matching the request.
func NoDataResult(datasetID string, metadata map[string]any) *DatasetResult {
	return &DatasetResult{
		DatasetID:   datasetID,
		RowsPreview: []Row{},
		Metadata:    metadata,
		NoData:      true,
	}
}

// Provider fetches datasets from one kind of source. Fetch may block; it should
// return early when ctx is done, though callers do not rely on it.
type Provider interface {
	// Supports reports whether this provider serves the dataset id.
	Supports(datasetID string) bool
	Fetch(ctx context.Context, datasetID string, params *FetchParams) (*DatasetResult, error)
}

// Resolver maps a dataset id to the provider serving it.
type Resolver interface {
	Get(datasetID string) (Provider, bool)
}
