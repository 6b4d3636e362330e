// Package remote serves datasets from an HTTP service exposing
// GET <base>/datasets/<dataset>/rows.
package remote

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/tidwall/gjson"

	"github.com/datascout/datascout/pkg/provider"
)

const (
	// Prefix marks dataset ids served by this provider.
	Prefix = "http:"

	providerName = "remote"

	// maxBodyBytes caps how much of a response body is read.
	maxBodyBytes = 8 << 20
)

// Provider fetches rows from a remote dataset service. The response body is a JSON
// object with a "rows" array and optional "row_count", "metadata" and "no_data".
type Provider struct {
	baseURL *url.URL
	client  *retryablehttp.Client
}

var _ provider.Provider = (*Provider)(nil)

func New(baseURL string, client *retryablehttp.Client) (*Provider, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid remote provider base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid remote provider base url %q: scheme must be http or https", baseURL)
	}

	return &Provider{baseURL: u, client: client}, nil
}

func (p *Provider) Supports(datasetID string) bool {
	return strings.HasPrefix(datasetID, Prefix) && len(datasetID) > len(Prefix)
}

func (p *Provider) Fetch(ctx context.Context, datasetID string, params *provider.FetchParams) (*provider.DatasetResult, error) {
	endpoint := p.rowsURL(strings.TrimPrefix(datasetID, Prefix), params)

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response of %s: %w", endpoint, err)
	}

	metadata := map[string]any{
		"provider":        providerName,
		"url":             endpoint,
		"applied_filters": params.AppliedFilters(),
	}

	if resp.StatusCode == http.StatusNotFound {
		return provider.NoDataResult(datasetID, metadata), nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("remote provider returned status %d%s", resp.StatusCode, errorDetail(body))
	}

	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("remote provider returned invalid JSON")
	}
	doc := gjson.ParseBytes(body)

	rows := doc.Get("rows")
	if !rows.IsArray() {
		return nil, fmt.Errorf("remote provider response has no rows array")
	}
	all := rows.Array()

	preview := make([]provider.Row, 0, min(len(all), provider.MaxPreviewRows))
	for _, r := range all[:min(len(all), provider.MaxPreviewRows)] {
		row, ok := r.Value().(map[string]any)
		if !ok {
			return nil, fmt.Errorf("remote provider returned a non-object row: %s", r.Raw)
		}
		preview = append(preview, row)
	}

	rowCount := len(all)
	if rc := doc.Get("row_count"); rc.Exists() {
		rowCount = int(rc.Int())
	}

	if remoteMetadata, ok := doc.Get("metadata").Value().(map[string]any); ok {
		for k, v := range remoteMetadata {
			if _, reserved := metadata[k]; !reserved {
				metadata[k] = v
			}
		}
	}

	return &provider.DatasetResult{
		DatasetID:   datasetID,
		RowCount:    rowCount,
		RowsPreview: preview,
		Metadata:    metadata,
		NoData:      rowCount == 0 || doc.Get("no_data").Bool(),
	}, nil
}

func (p *Provider) rowsURL(dataset string, params *provider.FetchParams) string {
	u := p.baseURL.JoinPath("datasets", dataset, "rows")

	q := url.Values{}
	if params != nil {
		if params.GeoLevel != "" {
			q.Set("geo_level", params.GeoLevel)
		}
		if params.GeoID != "" {
			q.Set("geo_id", params.GeoID)
		}
		if params.Metric != "" {
			q.Set("metric", params.Metric)
		}
		if params.StartDate != nil {
			q.Set("start_date", params.StartDate.UTC().Format(time.DateOnly))
		}
		if params.EndDate != nil {
			q.Set("end_date", params.EndDate.UTC().Format(time.DateOnly))
		}
	}
	u.RawQuery = q.Encode()

	return u.String()
}

// errorDetail extracts a short message from an error body, if it carries one.
func errorDetail(body []byte) string {
	for _, path := range []string{"detail", "message", "error"} {
		if v := gjson.GetBytes(body, path); v.Type == gjson.String && v.Str != "" {
			return ": " + v.Str
		}
	}
	return ""
}
