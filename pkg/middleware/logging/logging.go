// Package logging writes one structured log line per completed request.
package logging

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/datascout/datascout/pkg/logger"
	"github.com/datascout/datascout/pkg/middleware/requestid"
	serverErrors "github.com/datascout/datascout/pkg/server/errors"
)

const (
	grpcServiceKey     = "grpc_service"
	grpcMethodKey      = "grpc_method"
	grpcTypeKey        = "grpc_type"
	grpcCodeKey        = "grpc_code"
	httpMethodKey      = "http_method"
	httpPathKey        = "http_path"
	httpStatusKey      = "http_status"
	responseBytesKey   = "response_bytes"
	requestIDKey       = "request_id"
	traceIDKey         = "trace_id"
	internalErrorKey   = "internal_error"
	grpcReqCompleteKey = "grpc_req_complete"
	httpReqCompleteKey = "http_req_complete"
	userAgentKey       = "user_agent"
	queryDurationKey   = "query_duration_ms"

	userAgentHeader string = "user-agent"
)

// NewHTTPHandler logs every request served by next. The wrapped writer keeps
// the optional interfaces of the original one, so streaming responses still flush.
func NewHTTPHandler(next http.Handler, l logger.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := httpsnoop.CaptureMetrics(next, w, r)

		fields := []zap.Field{
			zap.String(httpMethodKey, r.Method),
			zap.String(httpPathKey, r.URL.Path),
			zap.Int(httpStatusKey, m.Code),
			zap.Int64(responseBytesKey, m.Written),
			zap.String(queryDurationKey, strconv.FormatInt(m.Duration.Milliseconds(), 10)),
		}
		fields = append(fields, contextFields(r.Context())...)
		if userAgent := r.UserAgent(); userAgent != "" {
			fields = append(fields, zap.String(userAgentKey, userAgent))
		}

		if m.Code >= http.StatusInternalServerError {
			l.Error(httpReqCompleteKey, fields...)
			return
		}
		l.Info(httpReqCompleteKey, fields...)
	})
}

// NewLoggingInterceptor creates a new logging interceptor for gRPC unary server requests.
func NewLoggingInterceptor(logger logger.Logger) grpc.UnaryServerInterceptor {
	return interceptors.UnaryServerInterceptor(reportable(logger))
}

// NewStreamingLoggingInterceptor creates a new streaming logging interceptor for gRPC stream server requests.
func NewStreamingLoggingInterceptor(logger logger.Logger) grpc.StreamServerInterceptor {
	return interceptors.StreamServerInterceptor(reportable(logger))
}

type reporter struct {
	interceptors.NoopReporter

	ctx    context.Context
	logger logger.Logger
	fields []zap.Field
}

// PostCall is invoked after all PostMsgSend operations.
func (r *reporter) PostCall(err error, rpcDuration time.Duration) {
	r.fields = append(r.fields, zap.String(queryDurationKey, strconv.FormatInt(rpcDuration.Milliseconds(), 10)))
	r.fields = append(r.fields, contextFields(r.ctx)...)
	r.fields = append(r.fields, zap.String(grpcCodeKey, status.Code(err).String()))

	if err != nil {
		var internalError serverErrors.InternalError
		if errors.As(err, &internalError) {
			r.fields = append(r.fields, zap.String(internalErrorKey, internalError.Unwrap().Error()))
			r.logger.Error(err.Error(), r.fields...)
			return
		}
		r.fields = append(r.fields, zap.Error(err))
	}

	r.logger.Info(grpcReqCompleteKey, r.fields...)
}

func contextFields(ctx context.Context) []zap.Field {
	var fields []zap.Field
	if requestID, ok := requestid.FromContext(ctx); ok {
		fields = append(fields, zap.String(requestIDKey, requestID))
	}
	if spanCtx := trace.SpanContextFromContext(ctx); spanCtx.HasTraceID() {
		fields = append(fields, zap.String(traceIDKey, spanCtx.TraceID().String()))
	}
	return fields
}

func userAgentFromContext(ctx context.Context) (string, bool) {
	if headers, ok := metadata.FromIncomingContext(ctx); ok {
		if header := headers.Get(userAgentHeader); len(header) > 0 {
			return header[0], true
		}
	}
	return "", false
}

func reportable(l logger.Logger) interceptors.CommonReportableFunc {
	return func(ctx context.Context, c interceptors.CallMeta) (interceptors.Reporter, context.Context) {
		fields := []zap.Field{
			zap.String(grpcServiceKey, c.Service),
			zap.String(grpcMethodKey, c.Method),
			zap.String(grpcTypeKey, string(c.Typ)),
		}

		if userAgent, ok := userAgentFromContext(ctx); ok {
			fields = append(fields, zap.String(userAgentKey, userAgent))
		}

		return &reporter{ctx: ctx, logger: l, fields: fields}, ctx
	}
}
