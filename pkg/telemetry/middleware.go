package telemetry

import (
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// HTTPServerTraceExtractor extracts the caller's trace context from the request
// headers without starting a span of its own. The HTTP server uses it in place of
// otelhttp when tracing is disabled, so that log lines still carry the caller's
// trace id.
func HTTPServerTraceExtractor(h http.Handler) http.Handler {
	propagator := otel.GetTextMapPropagator()

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		h.ServeHTTP(w, r.WithContext(ctx))
	})
}
