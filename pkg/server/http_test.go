package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func newTestHandler(t *testing.T, opts ...serverOption) http.Handler {
	t.Helper()
	handler, err := NewHTTPHandler(newTestServer(t, opts...))
	require.NoError(t, err)
	return handler
}

func do(t *testing.T, handler http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

const queryBody = `{"text":"population","geo_level":"county","start_date":"2020-01-01","end_date":"2020-12-31"}`

func TestHTTPHealth(t *testing.T) {
	rec := do(t, newTestHandler(t), http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", gjson.Get(rec.Body.String(), "status").String())

	_, err := time.Parse(time.RFC3339Nano, gjson.Get(rec.Body.String(), "time").String())
	require.NoError(t, err)
}

func TestHTTPCatalog(t *testing.T) {
	rec := do(t, newTestHandler(t), http.MethodGet, "/catalog", "")
	require.Equal(t, http.StatusOK, rec.Code)

	ids := gjson.Get(rec.Body.String(), "#.dataset_id").Array()
	require.Len(t, ids, 3)
	require.Equal(t, "fake:population", ids[0].String())
	require.Equal(t, "2020-01-01", gjson.Get(rec.Body.String(), "0.min_date").String())
}

func TestHTTPReloadCatalog(t *testing.T) {
	rec := do(t, newTestHandler(t), http.MethodPost, "/catalog/reload", "")
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.JSONEq(t, `{"detail":"Catalog reload is disabled."}`, rec.Body.String())

	rec = do(t, newTestHandler(t, withReload()), http.MethodPost, "/catalog/reload", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok","count":3}`, rec.Body.String())
}

func TestHTTPFetchOne(t *testing.T) {
	handler := newTestHandler(t)

	rec := do(t, handler, http.MethodPost, "/datasets/fetch-one", `{"dataset_id":"fake:population","params":{"geo_level":"county"}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, int64(1), gjson.Get(rec.Body.String(), "row_count").Int())
	require.False(t, gjson.Get(rec.Body.String(), "no_data").Bool())
	require.Equal(t, "county", gjson.Get(rec.Body.String(), "metadata.applied_filters.geo_level").String())

	rec = do(t, handler, http.MethodPost, "/datasets/fetch-one", `{"dataset_id":"missing:unemployment"}`)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.JSONEq(t, `{"detail":"No provider found."}`, rec.Body.String())

	rec = do(t, handler, http.MethodPost, "/datasets/fetch-one", `{"dataset_id":`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.True(t, strings.HasPrefix(gjson.Get(rec.Body.String(), "detail").String(), "Invalid request body"))
}

func TestHTTPPlan(t *testing.T) {
	handler := newTestHandler(t)

	rec := do(t, handler, http.MethodPost, "/planner/plan?top_k=2", queryBody)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, int64(2), gjson.Get(rec.Body.String(), "top_k").Int())
	require.Equal(t, []any{"fake:population", "fake:income"}, gjson.Get(rec.Body.String(), "candidates.#.dataset_id").Value())
	require.InDelta(t, 8.0, gjson.Get(rec.Body.String(), "candidates.0.score.total").Float(), 1e-9)

	rec = do(t, handler, http.MethodPost, "/planner/plan?top_k=many", queryBody)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, handler, http.MethodPost, "/planner/plan", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.JSONEq(t, `{"detail":"Request body is required."}`, rec.Body.String())

	rec = do(t, handler, http.MethodPost, "/planner/plan",
		`{"text":"x","geo_level":"county","start_date":"2020-02-01","end_date":"2020-01-01"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.JSONEq(t, `{"detail":"end_date must be >= start_date."}`, rec.Body.String())

	rec = do(t, handler, http.MethodPost, "/planner/plan",
		`{"text":"x","geo_level":"county","start_date":"2020-13-01","end_date":"2020-01-01"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHTTPRunAuto(t *testing.T) {
	rec := do(t, newTestHandler(t), http.MethodPost, "/query/run-auto",
		`{"query":`+queryBody+`,"k":3,"concurrency":50,"timeout_ms":1}`)
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	require.Len(t, gjson.Get(body, "planned").Array(), 3)
	require.Equal(t, []any{"success", "success", "error"}, gjson.Get(body, "results.#.status").Value())
	require.Equal(t, "No provider available.", gjson.Get(body, "results.2.error_reason").String())
	require.False(t, gjson.Get(body, "results.0.error_reason").Exists())
	require.Equal(t, int64(2), gjson.Get(body, "summary.success").Int())
	require.Equal(t, int64(0), gjson.Get(body, "summary.no_data").Int())
	require.Equal(t, int64(1), gjson.Get(body, "summary.error").Int())
}

type sseEvent struct {
	id    string
	event string
	data  string
}

func parseSSE(t *testing.T, body string) []sseEvent {
	t.Helper()
	var events []sseEvent
	for _, block := range strings.Split(strings.TrimSpace(body), "\n\n") {
		var ev sseEvent
		for _, line := range strings.Split(block, "\n") {
			field, value, ok := strings.Cut(line, ": ")
			require.True(t, ok, "malformed line %q", line)
			switch field {
			case "id":
				ev.id = value
			case "event":
				ev.event = value
			case "data":
				ev.data = value
			}
		}
		events = append(events, ev)
	}
	return events
}

func startAuto(t *testing.T, handler http.Handler) string {
	t.Helper()
	rec := do(t, handler, http.MethodPost, "/query/start-auto", `{"query":`+queryBody+`,"k":2}`)
	require.Equal(t, http.StatusOK, rec.Code)

	queryID := gjson.Get(rec.Body.String(), "query_id").String()
	require.NotEmpty(t, queryID)
	return queryID
}

func TestHTTPStream(t *testing.T) {
	handler := newTestHandler(t)
	queryID := startAuto(t, handler)

	rec := do(t, handler, http.MethodGet, "/query/stream/"+queryID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	require.True(t, rec.Flushed)

	events := parseSSE(t, rec.Body.String())
	require.Len(t, events, 4)

	var kinds []string
	for i, ev := range events {
		kinds = append(kinds, ev.event)
		require.Equal(t, strconv.Itoa(i+1), ev.id)
		require.True(t, json.Valid([]byte(ev.data)))
	}
	require.Equal(t, []string{"planned", "result", "result", "done"}, kinds)

	require.Len(t, gjson.Get(events[0].data, "#.dataset_id").Array(), 2)
	require.Equal(t, "success", gjson.Get(events[1].data, "status").String())
	require.Equal(t, int64(2), gjson.Get(events[3].data, "success").Int())
}

func TestHTTPStreamResume(t *testing.T) {
	handler := newTestHandler(t)
	queryID := startAuto(t, handler)

	// drain once so the job is known to be complete
	do(t, handler, http.MethodGet, "/query/stream/"+queryID, "")

	rec := do(t, handler, http.MethodGet, "/query/stream/"+queryID+"?after=2", "")
	events := parseSSE(t, rec.Body.String())
	require.Len(t, events, 2)
	require.Equal(t, "3", events[0].id)
	require.Equal(t, "done", events[1].event)

	req := httptest.NewRequest(http.MethodGet, "/query/stream/"+queryID, nil)
	req.Header.Set(lastEventIDHeader, "3")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	events = parseSSE(t, rec.Body.String())
	require.Len(t, events, 1)
	require.Equal(t, "4", events[0].id)

	rec = do(t, handler, http.MethodGet, "/query/stream/"+queryID+"?after=-1", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHTTPStreamUnknownQuery(t *testing.T) {
	rec := do(t, newTestHandler(t), http.MethodGet, "/query/stream/01ARZ3NDEKTSV4RRFFQ69G5FAV", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.JSONEq(t, `{"detail":"Query not found."}`, rec.Body.String())
}

func TestHTTPQuerySnapshot(t *testing.T) {
	handler := newTestHandler(t)
	queryID := startAuto(t, handler)

	var body string
	require.Eventually(t, func() bool {
		rec := do(t, handler, http.MethodGet, "/query/"+queryID, "")
		body = rec.Body.String()
		return rec.Code == http.StatusOK && gjson.Get(body, "done").Bool()
	}, 5*time.Second, 10*time.Millisecond)

	require.Equal(t, queryID, gjson.Get(body, "query_id").String())
	require.Len(t, gjson.Get(body, "planned").Array(), 2)
	require.Len(t, gjson.Get(body, "results").Array(), 2)
	require.Equal(t, int64(2), gjson.Get(body, "summary.success").Int())
	require.Equal(t, int64(4), gjson.Get(body, "last_seq").Int())

	for _, unknown := range []string{"01ARZ3NDEKTSV4RRFFQ69G5FAV", "not-a-query-id"} {
		rec := do(t, handler, http.MethodGet, "/query/"+unknown, "")
		require.Equal(t, http.StatusNotFound, rec.Code)
		require.JSONEq(t, `{"detail":"Query not found."}`, rec.Body.String())
	}
}

func TestHTTPUnknownRoute(t *testing.T) {
	rec := do(t, newTestHandler(t), http.MethodGet, "/nope", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.JSONEq(t, `{"detail":"Not Found"}`, rec.Body.String())
}
