package provider

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAppliedFilters(t *testing.T) {
	t.Run("nil_params", func(t *testing.T) {
		var params *FetchParams
		require.Equal(t, map[string]any{
			"geo_level":  nil,
			"geo_id":     nil,
			"metric":     nil,
			"start_date": nil,
			"end_date":   nil,
		}, params.AppliedFilters())
	})

	t.Run("all_set", func(t *testing.T) {
		start := time.Date(2020, time.January, 1, 0, 0, 0, 0, time.UTC)
		end := time.Date(2020, time.December, 31, 0, 0, 0, 0, time.UTC)
		params := &FetchParams{
			GeoLevel:  "state",
			GeoID:     "06",
			Metric:    "population",
			StartDate: &start,
			EndDate:   &end,
		}

		require.Equal(t, map[string]any{
			"geo_level":  "state",
			"geo_id":     "06",
			"metric":     "population",
			"start_date": "2020-01-01T00:00:00",
			"end_date":   "2020-12-31T00:00:00",
		}, params.AppliedFilters())
	})
}

func TestNoDataResult(t *testing.T) {
	res := NoDataResult("sql:x", map[string]any{"provider": "sql"})
	require.True(t, res.NoData)
	require.Zero(t, res.RowCount)
	require.NotNil(t, res.RowsPreview)
	require.Empty(t, res.RowsPreview)
}
