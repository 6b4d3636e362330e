package recovery

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	grpc_recovery "github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/recovery"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthv1pb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/datascout/datascout/pkg/logger"
)

func TestPanic(t *testing.T) {
	panicHandlerFunc := http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		panic("Unexpected error!")
	})

	handler := HTTPPanicRecoveryHandler(panicHandlerFunc, logger.MustNewLogger("text", "info", "Unix"))

	req, err := http.NewRequest(http.MethodGet, "/", nil)
	require.NoError(t, err)

	resp := httptest.NewRecorder()
	require.NotPanics(t, func() {
		handler.ServeHTTP(resp, req)
	})

	require.Equal(t, http.StatusInternalServerError, resp.Code)
	require.JSONEq(t, `{"detail":"Internal Server Error"}`, resp.Body.String())
}

type panickingHealthServer struct {
	healthv1pb.UnimplementedHealthServer
}

func (panickingHealthServer) Check(context.Context, *healthv1pb.HealthCheckRequest) (*healthv1pb.HealthCheckResponse, error) {
	panic("unexpected")
}

func (panickingHealthServer) Watch(*healthv1pb.HealthCheckRequest, healthv1pb.Health_WatchServer) error {
	panic("unexpected")
}

func dialPanickingServer(t *testing.T, opts ...grpc.ServerOption) healthv1pb.HealthClient {
	t.Helper()

	listener := bufconn.Listen(1024 * 1024)
	t.Cleanup(func() {
		listener.Close()
		goleak.VerifyNone(t)
	})

	srv := grpc.NewServer(opts...)
	t.Cleanup(srv.Stop)

	healthv1pb.RegisterHealthServer(srv, panickingHealthServer{})

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

	return healthv1pb.NewHealthClient(conn)
}

func TestUnaryPanicInterceptor(t *testing.T) {
	cli := dialPanickingServer(t, grpc.ChainUnaryInterceptor(
		grpc_recovery.UnaryServerInterceptor(
			grpc_recovery.WithRecoveryHandlerContext(PanicRecoveryHandler(logger.NewNoopLogger())),
		),
	))

	_, err := cli.Check(context.Background(), &healthv1pb.HealthCheckRequest{})
	st, ok := status.FromError(err)
	require.True(t, ok)
	require.Equal(t, codes.Internal, st.Code())
}

func TestStreamPanicInterceptor(t *testing.T) {
	cli := dialPanickingServer(t, grpc.ChainStreamInterceptor(
		grpc_recovery.StreamServerInterceptor(
			grpc_recovery.WithRecoveryHandlerContext(PanicRecoveryHandler(logger.NewNoopLogger())),
		),
	))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	stream, err := cli.Watch(ctx, &healthv1pb.HealthCheckRequest{})
	require.NoError(t, err)

	_, err = stream.Recv()
	st, ok := status.FromError(err)
	require.True(t, ok)
	require.Equal(t, codes.Internal, st.Code())
}
