package catalog

import (
	"errors"
	"fmt"
)

// Entry describes one dataset the planner can pick. Entries are immutable once
// loaded; readers share them without copying.
type Entry struct {
	DatasetID     string   `json:"dataset_id"`
	ProviderID    string   `json:"provider_id"`
	Name          string   `json:"name"`
	Description   string   `json:"description"`
	Tags          []string `json:"tags"`
	SupportedGeos []string `json:"supported_geos"`
	MinDate       Date     `json:"min_date"`
	MaxDate       Date     `json:"max_date"`
	Metrics       []string `json:"metrics"`
	Source        string   `json:"source"`
}

var (
	ErrMissingDatasetID  = errors.New("dataset_id must not be empty")
	ErrMissingProviderID = errors.New("provider_id must not be empty")
	ErrMissingDateRange  = errors.New("min_date and max_date are required")
	ErrInvalidDateRange  = errors.New("min_date must not be after max_date")
)

// Validate checks the invariants every catalog entry must hold.
func (e *Entry) Validate() error {
	if e.DatasetID == "" {
		return ErrMissingDatasetID
	}
	if e.ProviderID == "" {
		return fmt.Errorf("%s: %w", e.DatasetID, ErrMissingProviderID)
	}
	if e.MinDate.IsZero() || e.MaxDate.IsZero() {
		return fmt.Errorf("%s: %w", e.DatasetID, ErrMissingDateRange)
	}
	if e.MinDate.After(e.MaxDate) {
		return fmt.Errorf("%s: %w", e.DatasetID, ErrInvalidDateRange)
	}

	return nil
}
