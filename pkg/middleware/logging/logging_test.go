package logging

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthv1pb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"github.com/datascout/datascout/pkg/logger"
	"github.com/datascout/datascout/pkg/middleware/requestid"
)

func TestHTTPHandlerLogsRequest(t *testing.T) {
	l, logs := logger.NewObserverLogger("debug")

	handler := requestid.NewHTTPHandler(NewHTTPHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte("ok"))
	}), l))

	req := httptest.NewRequest(http.MethodPost, "/query/run-auto", nil)
	req.Header.Set("User-Agent", "test-client")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, 1, logs.Len())

	entry := logs.All()[0]
	require.Equal(t, httpReqCompleteKey, entry.Message)
	require.Equal(t, zapcore.InfoLevel, entry.Level)

	fields := entry.ContextMap()
	require.Equal(t, http.MethodPost, fields[httpMethodKey])
	require.Equal(t, "/query/run-auto", fields[httpPathKey])
	require.EqualValues(t, http.StatusAccepted, fields[httpStatusKey])
	require.EqualValues(t, 2, fields[responseBytesKey])
	require.Equal(t, "test-client", fields[userAgentKey])
	require.Equal(t, rec.Header().Get(requestid.RequestIDHeader), fields[requestIDKey])
	require.Contains(t, fields, queryDurationKey)
}

func TestHTTPHandlerLogsServerErrorsAtErrorLevel(t *testing.T) {
	l, logs := logger.NewObserverLogger("debug")

	handler := NewHTTPHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}), l)
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/catalog", nil))

	require.Equal(t, 1, logs.Len())
	require.Equal(t, zapcore.ErrorLevel, logs.All()[0].Level)
}

func TestHTTPHandlerKeepsFlusher(t *testing.T) {
	l, _ := logger.NewObserverLogger("debug")

	var flushable bool
	handler := NewHTTPHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, flushable = w.(http.Flusher)
	}), l)
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/query/stream/x", nil))

	require.True(t, flushable)
}

func TestLoggingInterceptor(t *testing.T) {
	l, logs := logger.NewObserverLogger("debug")

	listener := bufconn.Listen(1024 * 1024)
	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(
		requestid.NewUnaryInterceptor(),
		NewLoggingInterceptor(l),
	))
	t.Cleanup(srv.Stop)

	healthv1pb.RegisterHealthServer(srv, health.NewServer())

	go func() {
		_ = srv.Serve(listener)
	}()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) {
			return listener.Dial()
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		conn.Close()
	})

	_, err = healthv1pb.NewHealthClient(conn).Check(context.Background(), &healthv1pb.HealthCheckRequest{})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return logs.Len() == 1 }, time.Second, 5*time.Millisecond)

	entry := logs.All()[0]
	require.Equal(t, grpcReqCompleteKey, entry.Message)

	fields := entry.ContextMap()
	require.Equal(t, "grpc.health.v1.Health", fields[grpcServiceKey])
	require.Equal(t, "Check", fields[grpcMethodKey])
	require.Equal(t, "OK", fields[grpcCodeKey])
	require.Contains(t, fields, requestIDKey)
}
