package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"go.uber.org/zap"

	"github.com/datascout/datascout/internal/planner"
	"github.com/datascout/datascout/pkg/logger"
	serverErrors "github.com/datascout/datascout/pkg/server/errors"
	"github.com/datascout/datascout/pkg/server/jobs"
)

const (
	lastEventIDHeader = "Last-Event-ID"
	afterQueryParam   = "after"
	topKQueryParam    = "top_k"
)

type errorResponse struct {
	Detail string `json:"detail"`
}

type httpHandlers struct {
	server    *Server
	logger    logger.Logger
	marshaler runtime.Marshaler
}

// NewHTTPHandler returns the HTTP surface of s. Extra mux options are applied
// after the defaults.
func NewHTTPHandler(s *Server, opts ...runtime.ServeMuxOption) (http.Handler, error) {
	h := &httpHandlers{
		server:    s,
		logger:    s.logger,
		marshaler: &runtime.JSONBuiltin{},
	}

	mux := runtime.NewServeMux(append([]runtime.ServeMuxOption{
		runtime.WithRoutingErrorHandler(h.routingError),
	}, opts...)...)

	routes := []struct {
		method  string
		pattern string
		handler runtime.HandlerFunc
	}{
		{http.MethodGet, "/health", h.health},
		{http.MethodGet, "/catalog", h.catalog},
		{http.MethodPost, "/catalog/reload", h.reloadCatalog},
		{http.MethodPost, "/datasets/fetch-one", h.fetchOne},
		{http.MethodPost, "/planner/plan", h.plan},
		{http.MethodPost, "/query/run-auto", h.runAuto},
		{http.MethodPost, "/query/start-auto", h.startAuto},
		{http.MethodGet, "/query/stream/{query_id}", h.stream},
		{http.MethodGet, "/query/{query_id}", h.snapshot},
	}
	for _, route := range routes {
		if err := mux.HandlePath(route.method, route.pattern, route.handler); err != nil {
			return nil, fmt.Errorf("registering %s %s: %w", route.method, route.pattern, err)
		}
	}

	return mux, nil
}

func (h *httpHandlers) health(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	h.writeJSON(w, r, http.StatusOK, h.server.Health())
}

func (h *httpHandlers) catalog(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	h.writeJSON(w, r, http.StatusOK, h.server.Catalog())
}

func (h *httpHandlers) reloadCatalog(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	resp, err := h.server.ReloadCatalog(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, resp)
}

func (h *httpHandlers) fetchOne(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req FetchOneRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	resp, err := h.server.FetchOne(r.Context(), &req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, resp)
}

func (h *httpHandlers) plan(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	topK, err := optionalInt(r, topKQueryParam)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var query planner.Query
	if err := h.decode(r, &query); err != nil {
		h.writeError(w, r, err)
		return
	}

	resp, err := h.server.Plan(r.Context(), &query, topK)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, resp)
}

func (h *httpHandlers) runAuto(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req AutoRunRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	resp, err := h.server.RunAuto(r.Context(), &req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, resp)
}

func (h *httpHandlers) startAuto(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req AutoRunRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	resp, err := h.server.StartAuto(r.Context(), &req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, resp)
}

// snapshot returns what a job has accumulated so far. Clients that missed stream
// events read the authoritative state here.
func (h *httpHandlers) snapshot(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	job, err := h.server.Job(pathParams["query_id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, job.Snapshot())
}

// stream serves a job's feed as server-sent events. A client resumes with the
// 'after' query parameter or the Last-Event-ID header; the former wins.
func (h *httpHandlers) stream(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	job, err := h.server.Job(pathParams["query_id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	after, err := resumePoint(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	sse := newSSEWriter(w, h.marshaler)
	if err := sse.start(); err != nil {
		h.logger.WarnWithContext(r.Context(), "starting event stream failed", zap.Error(err))
		return
	}

	err = job.Subscribe(r.Context(), after, h.server.Keepalive(), sse.send)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
	default:
		h.logger.WarnWithContext(r.Context(), "event stream ended early",
			zap.String("query_id", job.ID),
			zap.Error(err),
		)
	}
}

func resumePoint(r *http.Request) (uint64, error) {
	raw := r.URL.Query().Get(afterQueryParam)
	if raw == "" {
		raw = r.Header.Get(lastEventIDHeader)
	}
	if raw == "" {
		return 0, nil
	}

	after, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, serverErrors.ValidationError(fmt.Errorf("after must be a non-negative integer, got %q.", raw))
	}
	return after, nil
}

func optionalInt(r *http.Request, name string) (*int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}

	v, err := strconv.Atoi(raw)
	if err != nil {
		return nil, serverErrors.ValidationError(fmt.Errorf("%s must be an integer, got %q.", name, raw))
	}
	return &v, nil
}

func (h *httpHandlers) decode(r *http.Request, v any) error {
	if err := h.marshaler.NewDecoder(r.Body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return serverErrors.ValidationError(errors.New("Request body is required."))
		}
		return serverErrors.ValidationError(fmt.Errorf("Invalid request body: %v", err))
	}
	return nil
}

func (h *httpHandlers) writeJSON(w http.ResponseWriter, r *http.Request, code int, v any) {
	body, err := h.marshaler.Marshal(v)
	if err != nil {
		h.logger.ErrorWithContext(r.Context(), "encoding response failed", zap.Error(err))
		code = http.StatusInternalServerError
		body, _ = h.marshaler.Marshal(errorResponse{Detail: serverErrors.InternalServerErrorMsg})
	}

	w.Header().Set("Content-Type", h.marshaler.ContentType(v))
	w.WriteHeader(code)
	_, _ = w.Write(body)
}

func (h *httpHandlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := serverErrors.HTTPStatus(err)
	if code >= http.StatusInternalServerError {
		fields := []zap.Field{zap.Error(err)}
		var internalError serverErrors.InternalError
		if errors.As(err, &internalError) && internalError.Unwrap() != nil {
			fields = append(fields, zap.NamedError("internal_error", internalError.Unwrap()))
		}
		h.logger.ErrorWithContext(r.Context(), "request failed", fields...)
	}

	h.writeJSON(w, r, code, errorResponse{Detail: serverErrors.Detail(err)})
}

func (h *httpHandlers) routingError(_ context.Context, _ *runtime.ServeMux, _ runtime.Marshaler, w http.ResponseWriter, r *http.Request, code int) {
	h.writeJSON(w, r, code, errorResponse{Detail: http.StatusText(code)})
}

// sseWriter writes job events in the text/event-stream format.
type sseWriter struct {
	w          http.ResponseWriter
	controller *http.ResponseController
	marshaler  runtime.Marshaler
}

func newSSEWriter(w http.ResponseWriter, marshaler runtime.Marshaler) *sseWriter {
	return &sseWriter{
		w:          w,
		controller: http.NewResponseController(w),
		marshaler:  marshaler,
	}
}

func (s *sseWriter) start() error {
	header := s.w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
	return s.controller.Flush()
}

// send writes one event. Keepalives carry no id so they never move a client's
// resume point.
func (s *sseWriter) send(ev jobs.Event) error {
	data, err := s.marshaler.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("encoding %s event: %w", ev.Kind, err)
	}

	if ev.Seq > 0 {
		if _, err := fmt.Fprintf(s.w, "id: %d\n", ev.Seq); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", ev.Kind, data); err != nil {
		return err
	}

	return s.controller.Flush()
}
