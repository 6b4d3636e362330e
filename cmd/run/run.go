// Package run contains the command to run a datascout server.
package run

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	goruntime "runtime"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	grpc_recovery "github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/recovery"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	healthv1pb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"sigs.k8s.io/controller-runtime/pkg/certwatcher"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/datascout/datascout/internal/build"
	"github.com/datascout/datascout/pkg/catalog"
	"github.com/datascout/datascout/pkg/logger"
	"github.com/datascout/datascout/pkg/middleware/logging"
	"github.com/datascout/datascout/pkg/middleware/recovery"
	"github.com/datascout/datascout/pkg/middleware/requestid"
	"github.com/datascout/datascout/pkg/provider"
	"github.com/datascout/datascout/pkg/provider/localcsv"
	"github.com/datascout/datascout/pkg/provider/remote"
	"github.com/datascout/datascout/pkg/provider/sqlstore"
	"github.com/datascout/datascout/pkg/retryablehttp"
	"github.com/datascout/datascout/pkg/server"
	serverconfig "github.com/datascout/datascout/pkg/server/config"
	"github.com/datascout/datascout/pkg/server/health"
	"github.com/datascout/datascout/pkg/server/jobs"
	"github.com/datascout/datascout/pkg/telemetry"
)

// healthServiceName is the service name the gRPC health checker answers for.
const healthServiceName = "datascout.v1.DatascoutService"

func NewRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the datascout server",
		Long:  "Run the datascout server.",
		Run:   run,
		Args:  cobra.NoArgs,
	}

	defineRunFlags(cmd)

	cmd.PreRun = bindRunFlagsFunc(cmd.Flags())

	return cmd
}

// ReadConfig returns the datascout server configuration based on the values provided in the server's 'config.yaml' file.
// The 'config.yaml' file is loaded from '/etc/datascout', '$HOME/.datascout', or the current working directory. If no configuration
// file is present, the default values are returned.
func ReadConfig() (*serverconfig.Config, error) {
	config := serverconfig.DefaultConfig()

	viper.SetTypeByDefaultValue(true)
	err := viper.ReadInConfig()
	if err != nil {
		if !errors.As(err, &viper.ConfigFileNotFoundError{}) {
			return nil, fmt.Errorf("failed to load server config: %w", err)
		}
	}

	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal server config: %w", err)
	}

	return config, nil
}

func run(_ *cobra.Command, _ []string) {
	config, err := ReadConfig()
	if err != nil {
		panic(err)
	}

	if err := config.Verify(); err != nil {
		panic(err)
	}

	logger := logger.MustNewLogger(config.Log.Format, config.Log.Level, config.Log.TimestampFormat)
	serverCtx := &ServerContext{Logger: logger}
	if err := serverCtx.Run(context.Background(), config); err != nil {
		panic(err)
	}
}

type ServerContext struct {
	Logger logger.Logger
}

// telemetryConfig installs the global tracer provider. Close must be called on the
// result with an error-free context, or shut down will be incomplete.
func (s *ServerContext) telemetryConfig(config *serverconfig.Config) telemetry.TracerProvider {
	if !config.Trace.Enabled {
		return telemetry.Noop()
	}

	s.Logger.Info(fmt.Sprintf("🕵 tracing enabled: sampling ratio is %v and sending traces to '%s', tls: %t",
		config.Trace.SampleRatio, config.Trace.OTLP.Endpoint, config.Trace.OTLP.TLS.Enabled))

	options := []telemetry.TracerOption{
		telemetry.WithOTLPEndpoint(config.Trace.OTLP.Endpoint),
		telemetry.WithAttributes(
			semconv.ServiceNameKey.String(config.Trace.ServiceName),
			semconv.ServiceVersionKey.String(build.Version),
		),
		telemetry.WithSamplingRatio(config.Trace.SampleRatio),
		telemetry.WithSlowTraceThreshold(config.Trace.SlowThreshold),
	}

	if !config.Trace.OTLP.TLS.Enabled {
		options = append(options, telemetry.WithOTLPInsecure())
	}

	return telemetry.MustNewTracerProvider(options...)
}

// providers holds the dataset providers built from config along with what the
// server needs to wait for and release at shutdown.
type providers struct {
	registry  *provider.Registry
	readiness []server.ReadinessChecker
	closers   []func()
}

func (p *providers) Close() {
	for _, closer := range p.closers {
		closer()
	}
}

// providersConfig builds the provider registry. Providers are tried in the order
// local CSV, SQL, remote.
func (s *ServerContext) providersConfig(config *serverconfig.Config) (*providers, error) {
	out := &providers{}
	var list []provider.Provider

	if config.Providers.LocalCSV.Enabled {
		list = append(list, localcsv.New(config.Providers.LocalCSV.DataDir))
		s.Logger.Info("local CSV provider enabled", zap.String("data_dir", config.Providers.LocalCSV.DataDir))
	}

	if sqlConfig := config.Providers.SQL; sqlConfig.Enabled {
		opts := []sqlstore.Option{
			sqlstore.WithLogger(s.Logger),
			sqlstore.WithMaxOpenConns(sqlConfig.MaxOpenConns),
			sqlstore.WithMaxIdleConns(sqlConfig.MaxIdleConns),
			sqlstore.WithConnMaxIdleTime(sqlConfig.ConnMaxIdleTime),
			sqlstore.WithConnMaxLifetime(sqlConfig.ConnMaxLifetime),
		}
		if sqlConfig.Metrics.Enabled {
			opts = append(opts, sqlstore.WithMetrics())
		}

		store, err := sqlstore.New(sqlConfig.Engine, sqlConfig.URI, opts...)
		if err != nil {
			return nil, fmt.Errorf("initialize %s dataset store: %w", sqlConfig.Engine, err)
		}

		list = append(list, store)
		out.readiness = append(out.readiness, store)
		out.closers = append(out.closers, store.Close)
		s.Logger.Info("SQL provider enabled", zap.String("engine", sqlConfig.Engine))
	}

	if remoteConfig := config.Providers.Remote; remoteConfig.Enabled {
		clientOpts := []retryablehttp.Option{
			retryablehttp.WithRetryMax(remoteConfig.RetryMax),
			retryablehttp.WithLogger(s.Logger),
		}
		if config.Trace.Enabled {
			clientOpts = append(clientOpts, retryablehttp.WithTransport(otelhttp.NewTransport(http.DefaultTransport)))
		}

		p, err := remote.New(remoteConfig.BaseURL, retryablehttp.New(clientOpts...))
		if err != nil {
			out.Close()
			return nil, fmt.Errorf("initialize remote provider: %w", err)
		}

		list = append(list, p)
		s.Logger.Info("remote provider enabled", zap.String("base_url", remoteConfig.BaseURL))
	}

	if len(list) == 0 {
		s.Logger.Warn("no dataset providers are enabled, every fetch will report 'No provider available.'")
	}

	out.registry = provider.NewRegistry(list...)
	return out, nil
}

func (s *ServerContext) buildServerOpts(ctx context.Context, config *serverconfig.Config) ([]grpc.ServerOption, error) {
	serverOpts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(
			[]grpc.UnaryServerInterceptor{
				grpc_recovery.UnaryServerInterceptor( // panic middleware must be 1st in chain
					grpc_recovery.WithRecoveryHandlerContext(
						recovery.PanicRecoveryHandler(s.Logger),
					),
				),
				requestid.NewUnaryInterceptor(),
				logging.NewLoggingInterceptor(s.Logger),
			}...,
		),
		grpc.ChainStreamInterceptor(
			[]grpc.StreamServerInterceptor{
				grpc_recovery.StreamServerInterceptor(
					grpc_recovery.WithRecoveryHandlerContext(
						recovery.PanicRecoveryHandler(s.Logger),
					),
				),
				requestid.NewStreamingInterceptor(),
				logging.NewStreamingLoggingInterceptor(s.Logger),
			}...,
		),
	}

	if config.Trace.Enabled {
		serverOpts = append(serverOpts, grpc.StatsHandler(otelgrpc.NewServerHandler()))
	}

	if config.GRPC.TLS != nil && config.GRPC.TLS.Enabled {
		getCertificate, err := watchAndLoadCertificateWithCertWatcher(ctx, config.GRPC.TLS.CertPath, config.GRPC.TLS.KeyPath, s.Logger)
		if err != nil {
			return nil, err
		}
		creds := credentials.NewTLS(&tls.Config{
			GetCertificate: getCertificate,
		})

		serverOpts = append(serverOpts, grpc.Creds(creds))

		s.Logger.Info("gRPC TLS is enabled, serving connections using the provided certificate")
	} else {
		s.Logger.Warn("gRPC TLS is disabled, serving connections using insecure plaintext")
	}

	return serverOpts, nil
}

func (s *ServerContext) dialGrpc(udsPath string, config *serverconfig.Config) (*grpc.ClientConn, error) {
	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}

	if config.Trace.Enabled {
		dialOpts = append(dialOpts, grpc.WithStatsHandler(otelgrpc.NewClientHandler()))
	}

	conn, err := grpc.NewClient("unix://"+udsPath, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC client connection: %w", err)
	}
	return conn, nil
}

// httpHandler assembles the HTTP middleware chain around the server's routes. The
// gRPC health service backs '/healthz' when a connection to it is given.
func (s *ServerContext) httpHandler(svr *server.Server, config *serverconfig.Config, grpcConn *grpc.ClientConn) (http.Handler, error) {
	var muxOpts []runtime.ServeMuxOption
	if grpcConn != nil {
		muxOpts = append(muxOpts, runtime.WithHealthzEndpoint(healthv1pb.NewHealthClient(grpcConn)))
	}

	handler, err := server.NewHTTPHandler(svr, muxOpts...)
	if err != nil {
		return nil, err
	}

	handler = logging.NewHTTPHandler(handler, s.Logger)
	handler = requestid.NewHTTPHandler(handler)

	if config.Trace.Enabled {
		handler = otelhttp.NewHandler(handler, "datascout-http")
	} else {
		handler = telemetry.HTTPServerTraceExtractor(handler)
	}

	handler = cors.New(cors.Options{
		AllowedOrigins:   config.HTTP.CORSAllowedOrigins,
		AllowCredentials: true,
		AllowedHeaders:   config.HTTP.CORSAllowedHeaders,
		AllowedMethods: []string{
			http.MethodGet, http.MethodPost, http.MethodHead,
		},
	}).Handler(handler)

	return recovery.HTTPPanicRecoveryHandler(handler, s.Logger), nil
}

func (s *ServerContext) runHTTPServer(ctx context.Context, config *serverconfig.Config, handler http.Handler) (*http.Server, error) {
	httpServer := &http.Server{
		Addr:    config.HTTP.Addr,
		Handler: handler,
	}

	listener, err := net.Listen("tcp", config.HTTP.Addr)
	if err != nil {
		return nil, err
	}

	if config.HTTP.TLS != nil && config.HTTP.TLS.Enabled {
		getCertificate, err := watchAndLoadCertificateWithCertWatcher(ctx, config.HTTP.TLS.CertPath, config.HTTP.TLS.KeyPath, s.Logger)
		if err != nil {
			_ = listener.Close()
			return nil, err
		}
		listener = tls.NewListener(listener, &tls.Config{
			GetCertificate: getCertificate,
		})

		s.Logger.Info("HTTP TLS is enabled, serving connections using the provided certificate")
	} else {
		s.Logger.Warn("HTTP TLS is disabled, serving connections using insecure plaintext")
	}

	go func() {
		s.Logger.Info(fmt.Sprintf("🚀 starting HTTP server on '%s'...", listener.Addr().String()))
		if err := httpServer.Serve(listener); err != nil {
			if !errors.Is(err, http.ErrServerClosed) {
				s.Logger.Fatal("HTTP server closed with unexpected error", zap.Error(err))
			}
		}
		s.Logger.Info("HTTP server shut down.")
	}()
	return httpServer, nil
}

func (s *ServerContext) runProfilerServer(config *serverconfig.Config) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	profilerServer := &http.Server{Addr: config.Profiler.Addr, Handler: mux}

	go func() {
		s.Logger.Info(fmt.Sprintf("🔬 starting pprof profiler on '%s'", config.Profiler.Addr))

		if err := profilerServer.ListenAndServe(); err != nil {
			if !errors.Is(err, http.ErrServerClosed) {
				s.Logger.Fatal("failed to start pprof profiler", zap.Error(err))
			}
		}
		s.Logger.Info("profiler shut down.")
	}()
	return profilerServer
}

func (s *ServerContext) runMetricsServer(config *serverconfig.Config) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	metricsServer := &http.Server{Addr: config.Metrics.Addr, Handler: mux}

	go func() {
		s.Logger.Info(fmt.Sprintf("📈 starting prometheus metrics server on '%s'", config.Metrics.Addr))
		if err := metricsServer.ListenAndServe(); err != nil {
			if !errors.Is(err, http.ErrServerClosed) {
				s.Logger.Fatal("failed to start prometheus metrics server", zap.Error(err))
			}
		}
		s.Logger.Info("metrics server shut down.")
	}()
	return metricsServer
}

// runGRPCServer serves the health service on the configured address and on a
// unix socket used by the HTTP '/healthz' endpoint.
func (s *ServerContext) runGRPCServer(ctx context.Context, config *serverconfig.Config, svr *server.Server) (*grpc.Server, string, error) {
	serverOpts, err := s.buildServerOpts(ctx, config)
	if err != nil {
		return nil, "", err
	}

	// nosemgrep: grpc-server-insecure-connection
	grpcServer := grpc.NewServer(serverOpts...)
	healthServer := &health.Checker{TargetService: svr, TargetServiceName: healthServiceName}
	healthv1pb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)

	lis, err := net.Listen("tcp", config.GRPC.Addr)
	if err != nil {
		return nil, "", fmt.Errorf("failed to listen: %w", err)
	}

	go func() {
		s.Logger.Info(fmt.Sprintf("🚀 starting gRPC server on '%s'...", lis.Addr().String()))
		if err := grpcServer.Serve(lis); err != nil {
			if !errors.Is(err, grpc.ErrServerStopped) {
				s.Logger.Fatal("failed to start gRPC server", zap.Error(err))
			}
		}
		s.Logger.Info("gRPC server shut down.")
	}()

	udsPath := filepath.Join(os.TempDir(), fmt.Sprintf("%s-grpc-%d.sock", build.ProjectName, os.Getpid()))
	_ = os.Remove(udsPath) // stale socket from a previous run
	udsLis, err := net.Listen("unix", udsPath)
	if err != nil {
		grpcServer.Stop()
		return nil, "", fmt.Errorf("failed to listen on unix socket: %w", err)
	}

	go func() {
		if err := grpcServer.Serve(udsLis); err != nil {
			if !errors.Is(err, grpc.ErrServerStopped) {
				s.Logger.Fatal("failed to start gRPC server on unix socket", zap.Error(err))
			}
		}
	}()

	return grpcServer, udsPath, nil
}

// Run returns an error if the server was unable to start successfully.
// If it started and terminated successfully, it returns a nil error.
func (s *ServerContext) Run(ctx context.Context, config *serverconfig.Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracerProvider := s.telemetryConfig(config)

	catalogStore := catalog.NewStore(config.Catalog.Dir, catalog.WithLogger(s.Logger))
	if err := catalogStore.Load(ctx); err != nil {
		return fmt.Errorf("failed to load catalog: %w", err)
	}

	var catalogWatchDone <-chan struct{}
	if config.Catalog.Watch {
		done, err := catalogStore.Watch(ctx)
		if err != nil {
			return err
		}
		catalogWatchDone = done
	}

	datasetProviders, err := s.providersConfig(config)
	if err != nil {
		return err
	}

	jobStore := jobs.NewStore(
		jobs.WithTTL(config.Jobs.TTL),
		jobs.WithMaxJobs(config.Jobs.MaxJobs),
		jobs.WithQueueSize(config.Jobs.QueueSize),
		jobs.WithLogger(s.Logger),
	)

	svr, err := server.New(&server.Dependencies{
		Catalog:   catalogStore,
		Providers: datasetProviders.registry,
		Jobs:      jobStore,
		Logger:    s.Logger,
		Readiness: datasetProviders.readiness,
	}, &server.Config{
		Run:                  config.Run,
		Keepalive:            config.Jobs.Keepalive,
		CatalogReloadEnabled: config.Catalog.ReloadEnabled,
	})
	if err != nil {
		jobStore.Close()
		datasetProviders.Close()
		return err
	}

	var profilerServer *http.Server
	if config.Profiler.Enabled {
		profilerServer = s.runProfilerServer(config)
	}

	var metricsServer *http.Server
	if config.Metrics.Enabled {
		metricsServer = s.runMetricsServer(config)
	}

	s.Logger.Info(
		"starting datascout service...",
		zap.String("version", build.Version),
		zap.String("date", build.Date),
		zap.String("commit", build.Commit),
		zap.String("go-version", goruntime.Version()),
		zap.Any("config", config),
	)

	var (
		grpcServer *grpc.Server
		grpcConn   *grpc.ClientConn
		udsPath    string
	)
	if config.GRPC.Enabled {
		grpcServer, udsPath, err = s.runGRPCServer(ctx, config, svr)
		if err != nil {
			return err
		}

		grpcConn, err = s.dialGrpc(udsPath, config)
		if err != nil {
			return err
		}
		defer grpcConn.Close()
	}

	var httpServer *http.Server
	if config.HTTP.Enabled {
		handler, err := s.httpHandler(svr, config, grpcConn)
		if err != nil {
			return err
		}

		httpServer, err = s.runHTTPServer(ctx, config, handler)
		if err != nil {
			return err
		}
	}

	// wait for cancellation signal
	<-ctx.Done()
	s.Logger.Info("attempting to shutdown gracefully...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if httpServer != nil {
		if err := httpServer.Shutdown(ctx); err != nil {
			s.Logger.Info("failed to shutdown the http server", zap.Error(err))
		}
	}

	if profilerServer != nil {
		if err := profilerServer.Shutdown(ctx); err != nil {
			s.Logger.Info("failed to shutdown the profiler", zap.Error(err))
		}
	}

	if metricsServer != nil {
		if err := metricsServer.Shutdown(ctx); err != nil {
			s.Logger.Info("failed to shutdown the prometheus metrics server", zap.Error(err))
		}
	}

	if grpcServer != nil {
		grpcServer.GracefulStop()

		if err := os.Remove(udsPath); err != nil && !os.IsNotExist(err) {
			s.Logger.Warn("failed to remove unix socket file", zap.Error(err))
		}
	}

	if catalogWatchDone != nil {
		<-catalogWatchDone
	}

	jobStore.Close()
	datasetProviders.Close()

	// can take up to 5 seconds to complete
	traceCtx, traceCancel := context.WithTimeout(context.Background(), 6*time.Second)
	defer traceCancel()
	if err := tracerProvider.Close(traceCtx); err != nil {
		s.Logger.Error("failed to shutdown tracing", zap.Error(err))
	}

	s.Logger.Info("server exited. goodbye 👋")

	return nil
}

func watchAndLoadCertificateWithCertWatcher(ctx context.Context, certPath, keyPath string, logger logger.Logger) (func(*tls.ClientHelloInfo) (*tls.Certificate, error), error) {
	log.SetLogger(logr.New(nil))

	watcher, err := certwatcher.New(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create certwatcher: %w", err)
	}

	if err := watcher.ReadCertificate(); err != nil {
		return nil, fmt.Errorf("failed to load initial certificate: %w", err)
	}
	logger.Info("Initial TLS certificate loaded.", zap.String("certPath", certPath), zap.String("keyPath", keyPath))

	go func() {
		logger.Info("Starting certificate watcher...", zap.String("certPath", certPath), zap.String("keyPath", keyPath))
		if err := watcher.Start(ctx); err != nil {
			logger.Error("Certwatcher encountered an error", zap.Error(err))
		}
	}()

	getCertificate := func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
		return watcher.GetCertificate(nil)
	}

	return getCertificate, nil
}
