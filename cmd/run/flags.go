package run

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/datascout/datascout/cmd/util"
	serverconfig "github.com/datascout/datascout/pkg/server/config"
)

// defineRunFlags declares the run command flags with the server defaults.
func defineRunFlags(cmd *cobra.Command) {
	defaultConfig := serverconfig.DefaultConfig()
	flags := cmd.Flags()

	flags.String("catalog-dir", defaultConfig.Catalog.Dir, "the directory holding the dataset catalog (*.json, *.yaml, *.yml)")
	flags.Bool("catalog-reload-enabled", defaultConfig.Catalog.ReloadEnabled, "enable/disable the POST /catalog/reload endpoint")
	flags.Bool("catalog-watch", defaultConfig.Catalog.Watch, "reload the catalog whenever a file in the catalog directory changes")

	flags.Bool("localcsv-enabled", defaultConfig.Providers.LocalCSV.Enabled, "enable/disable the local CSV provider")
	flags.String("localcsv-data-dir", defaultConfig.Providers.LocalCSV.DataDir, "the directory the local CSV provider reads '<name>.csv' files from")

	flags.Bool("sql-enabled", defaultConfig.Providers.SQL.Enabled, "enable/disable the SQL dataset store provider")
	flags.String("sql-engine", defaultConfig.Providers.SQL.Engine, "the SQL dataset store engine ('postgres', 'mysql' or 'sqlite')")
	flags.String("sql-uri", defaultConfig.Providers.SQL.URI, "the connection uri of the SQL dataset store")
	flags.Int("sql-max-open-conns", defaultConfig.Providers.SQL.MaxOpenConns, "the maximum number of open connections to the SQL dataset store")
	flags.Int("sql-max-idle-conns", defaultConfig.Providers.SQL.MaxIdleConns, "the maximum number of connections to the SQL dataset store in the idle connection pool")
	flags.Duration("sql-conn-max-idle-time", defaultConfig.Providers.SQL.ConnMaxIdleTime, "the maximum amount of time a connection to the SQL dataset store may be idle")
	flags.Duration("sql-conn-max-lifetime", defaultConfig.Providers.SQL.ConnMaxLifetime, "the maximum amount of time a connection to the SQL dataset store may be reused")
	flags.Bool("sql-metrics-enabled", defaultConfig.Providers.SQL.Metrics.Enabled, "enable/disable export of the SQL connection pool metrics")

	flags.Bool("remote-enabled", defaultConfig.Providers.Remote.Enabled, "enable/disable the remote HTTP dataset provider")
	flags.String("remote-base-url", defaultConfig.Providers.Remote.BaseURL, "the base URL of the remote dataset service")
	flags.Int("remote-retry-max", defaultConfig.Providers.Remote.RetryMax, "the maximum number of retries for a remote fetch")

	flags.Int("run-default-top-k", defaultConfig.Run.DefaultTopK, "the number of candidates ranked when a request does not ask for a number")
	flags.Int("run-max-top-k", defaultConfig.Run.MaxTopK, "the maximum number of candidates a request may ask for")
	flags.Int("run-default-concurrency", defaultConfig.Run.DefaultConcurrency, "the number of concurrent fetches when a request does not ask for a number")
	flags.Int("run-max-concurrency", defaultConfig.Run.MaxConcurrency, "the maximum number of concurrent fetches a request may ask for")
	flags.Duration("run-default-timeout", defaultConfig.Run.DefaultTimeout, "the per-fetch timeout when a request does not ask for one")
	flags.Duration("run-min-timeout", defaultConfig.Run.MinTimeout, "the smallest per-fetch timeout a request may ask for")
	flags.Duration("run-max-timeout", defaultConfig.Run.MaxTimeout, "the largest per-fetch timeout a request may ask for")
	flags.String("run-min-start-date", defaultConfig.Run.MinStartDate, "reject queries starting before this YYYY-MM-DD date (empty disables the check)")

	flags.Duration("jobs-ttl", defaultConfig.Jobs.TTL, "how long a streamed run stays retrievable after it was started")
	flags.Int64("jobs-max-jobs", defaultConfig.Jobs.MaxJobs, "the maximum number of streamed runs retained at once")
	flags.Int("jobs-queue-size", defaultConfig.Jobs.QueueSize, "the number of undelivered notifications buffered per streamed run")
	flags.Duration("jobs-keepalive", defaultConfig.Jobs.Keepalive, "the idle interval after which a stream sends a keepalive event")

	flags.Bool("grpc-enabled", defaultConfig.GRPC.Enabled, "enable/disable the gRPC health server")
	flags.String("grpc-addr", defaultConfig.GRPC.Addr, "the host:port address to serve the grpc server on")
	flags.Bool("grpc-tls-enabled", defaultConfig.GRPC.TLS.Enabled, "enable/disable transport layer security (TLS)")
	flags.String("grpc-tls-cert", defaultConfig.GRPC.TLS.CertPath, "the (absolute) file path of the certificate to use for the TLS connection")
	flags.String("grpc-tls-key", defaultConfig.GRPC.TLS.KeyPath, "the (absolute) file path of the TLS key that should be used for the TLS connection")
	cmd.MarkFlagsRequiredTogether("grpc-tls-enabled", "grpc-tls-cert", "grpc-tls-key")

	flags.Bool("http-enabled", defaultConfig.HTTP.Enabled, "enable/disable the datascout HTTP server")
	flags.String("http-addr", defaultConfig.HTTP.Addr, "the host:port address to serve the HTTP server on")
	flags.Bool("http-tls-enabled", defaultConfig.HTTP.TLS.Enabled, "enable/disable transport layer security (TLS)")
	flags.String("http-tls-cert", defaultConfig.HTTP.TLS.CertPath, "the (absolute) file path of the certificate to use for the TLS connection")
	flags.String("http-tls-key", defaultConfig.HTTP.TLS.KeyPath, "the (absolute) file path of the TLS key that should be used for the TLS connection")
	cmd.MarkFlagsRequiredTogether("http-tls-enabled", "http-tls-cert", "http-tls-key")
	flags.StringSlice("http-cors-allowed-origins", defaultConfig.HTTP.CORSAllowedOrigins, "specifies the CORS allowed origins")
	flags.StringSlice("http-cors-allowed-headers", defaultConfig.HTTP.CORSAllowedHeaders, "specifies the CORS allowed headers")

	flags.String("log-format", defaultConfig.Log.Format, "the log format to output logs in")
	flags.String("log-level", defaultConfig.Log.Level, "the log level to use")
	flags.String("log-timestamp-format", defaultConfig.Log.TimestampFormat, "the timestamp format to use for log messages")

	flags.Bool("trace-enabled", defaultConfig.Trace.Enabled, "enable tracing")
	flags.String("trace-otlp-endpoint", defaultConfig.Trace.OTLP.Endpoint, "the endpoint of the trace collector")
	flags.Bool("trace-otlp-tls-enabled", defaultConfig.Trace.OTLP.TLS.Enabled, "use TLS connection for trace collector")
	flags.Float64("trace-sample-ratio", defaultConfig.Trace.SampleRatio, "the fraction of traces to sample. 1 means all, 0 means none.")
	flags.String("trace-service-name", defaultConfig.Trace.ServiceName, "the service name included in sampled traces")
	flags.Duration("trace-slow-threshold", defaultConfig.Trace.SlowThreshold, "only export traces at least this slow (0 exports all sampled traces)")

	flags.Bool("profiler-enabled", defaultConfig.Profiler.Enabled, "enable/disable pprof profiling")
	flags.String("profiler-addr", defaultConfig.Profiler.Addr, "the host:port address to serve the pprof profiler server on")

	flags.Bool("metrics-enabled", defaultConfig.Metrics.Enabled, "enable/disable prometheus metrics on the '/metrics' endpoint")
	flags.String("metrics-addr", defaultConfig.Metrics.Addr, "the host:port address to serve the prometheus metrics server on")

	// NOTE: if you add a new flag here, update the binding table below, too
}

// runFlagBindings maps each flag to its config key and the environment variables
// that set it.
var runFlagBindings = []struct {
	flag string
	key  string
	envs []string
}{
	{"catalog-dir", "catalog.dir", []string{"DATASCOUT_CATALOG_DIR"}},
	{"catalog-reload-enabled", "catalog.reloadEnabled", []string{"DATASCOUT_CATALOG_RELOAD_ENABLED", "DATASCOUT_CATALOG_RELOADENABLED"}},
	{"catalog-watch", "catalog.watch", []string{"DATASCOUT_CATALOG_WATCH"}},

	{"localcsv-enabled", "providers.localCSV.enabled", []string{"DATASCOUT_PROVIDERS_LOCALCSV_ENABLED"}},
	{"localcsv-data-dir", "providers.localCSV.dataDir", []string{"DATASCOUT_PROVIDERS_LOCALCSV_DATA_DIR", "DATASCOUT_PROVIDERS_LOCALCSV_DATADIR"}},

	{"sql-enabled", "providers.sql.enabled", []string{"DATASCOUT_PROVIDERS_SQL_ENABLED"}},
	{"sql-engine", "providers.sql.engine", []string{"DATASCOUT_PROVIDERS_SQL_ENGINE"}},
	{"sql-uri", "providers.sql.uri", []string{"DATASCOUT_PROVIDERS_SQL_URI"}},
	{"sql-max-open-conns", "providers.sql.maxOpenConns", []string{"DATASCOUT_PROVIDERS_SQL_MAX_OPEN_CONNS", "DATASCOUT_PROVIDERS_SQL_MAXOPENCONNS"}},
	{"sql-max-idle-conns", "providers.sql.maxIdleConns", []string{"DATASCOUT_PROVIDERS_SQL_MAX_IDLE_CONNS", "DATASCOUT_PROVIDERS_SQL_MAXIDLECONNS"}},
	{"sql-conn-max-idle-time", "providers.sql.connMaxIdleTime", []string{"DATASCOUT_PROVIDERS_SQL_CONN_MAX_IDLE_TIME", "DATASCOUT_PROVIDERS_SQL_CONNMAXIDLETIME"}},
	{"sql-conn-max-lifetime", "providers.sql.connMaxLifetime", []string{"DATASCOUT_PROVIDERS_SQL_CONN_MAX_LIFETIME", "DATASCOUT_PROVIDERS_SQL_CONNMAXLIFETIME"}},
	{"sql-metrics-enabled", "providers.sql.metrics.enabled", []string{"DATASCOUT_PROVIDERS_SQL_METRICS_ENABLED"}},

	{"remote-enabled", "providers.remote.enabled", []string{"DATASCOUT_PROVIDERS_REMOTE_ENABLED"}},
	{"remote-base-url", "providers.remote.baseURL", []string{"DATASCOUT_PROVIDERS_REMOTE_BASE_URL", "DATASCOUT_PROVIDERS_REMOTE_BASEURL"}},
	{"remote-retry-max", "providers.remote.retryMax", []string{"DATASCOUT_PROVIDERS_REMOTE_RETRY_MAX", "DATASCOUT_PROVIDERS_REMOTE_RETRYMAX"}},

	{"run-default-top-k", "run.defaultTopK", []string{"DATASCOUT_RUN_DEFAULT_TOP_K", "DATASCOUT_RUN_DEFAULTTOPK"}},
	{"run-max-top-k", "run.maxTopK", []string{"DATASCOUT_RUN_MAX_TOP_K", "DATASCOUT_RUN_MAXTOPK"}},
	{"run-default-concurrency", "run.defaultConcurrency", []string{"DATASCOUT_RUN_DEFAULT_CONCURRENCY", "DATASCOUT_RUN_DEFAULTCONCURRENCY"}},
	{"run-max-concurrency", "run.maxConcurrency", []string{"DATASCOUT_RUN_MAX_CONCURRENCY", "DATASCOUT_RUN_MAXCONCURRENCY"}},
	{"run-default-timeout", "run.defaultTimeout", []string{"DATASCOUT_RUN_DEFAULT_TIMEOUT", "DATASCOUT_RUN_DEFAULTTIMEOUT"}},
	{"run-min-timeout", "run.minTimeout", []string{"DATASCOUT_RUN_MIN_TIMEOUT", "DATASCOUT_RUN_MINTIMEOUT"}},
	{"run-max-timeout", "run.maxTimeout", []string{"DATASCOUT_RUN_MAX_TIMEOUT", "DATASCOUT_RUN_MAXTIMEOUT"}},
	{"run-min-start-date", "run.minStartDate", []string{"DATASCOUT_RUN_MIN_START_DATE", "DATASCOUT_RUN_MINSTARTDATE"}},

	{"jobs-ttl", "jobs.ttl", []string{"DATASCOUT_JOBS_TTL"}},
	{"jobs-max-jobs", "jobs.maxJobs", []string{"DATASCOUT_JOBS_MAX_JOBS", "DATASCOUT_JOBS_MAXJOBS"}},
	{"jobs-queue-size", "jobs.queueSize", []string{"DATASCOUT_JOBS_QUEUE_SIZE", "DATASCOUT_JOBS_QUEUESIZE"}},
	{"jobs-keepalive", "jobs.keepalive", []string{"DATASCOUT_JOBS_KEEPALIVE"}},

	{"grpc-enabled", "grpc.enabled", []string{"DATASCOUT_GRPC_ENABLED"}},
	{"grpc-addr", "grpc.addr", []string{"DATASCOUT_GRPC_ADDR"}},
	{"grpc-tls-enabled", "grpc.tls.enabled", []string{"DATASCOUT_GRPC_TLS_ENABLED"}},
	{"grpc-tls-cert", "grpc.tls.cert", []string{"DATASCOUT_GRPC_TLS_CERT"}},
	{"grpc-tls-key", "grpc.tls.key", []string{"DATASCOUT_GRPC_TLS_KEY"}},

	{"http-enabled", "http.enabled", []string{"DATASCOUT_HTTP_ENABLED"}},
	{"http-addr", "http.addr", []string{"DATASCOUT_HTTP_ADDR"}},
	{"http-tls-enabled", "http.tls.enabled", []string{"DATASCOUT_HTTP_TLS_ENABLED"}},
	{"http-tls-cert", "http.tls.cert", []string{"DATASCOUT_HTTP_TLS_CERT"}},
	{"http-tls-key", "http.tls.key", []string{"DATASCOUT_HTTP_TLS_KEY"}},
	{"http-cors-allowed-origins", "http.corsAllowedOrigins", []string{"DATASCOUT_HTTP_CORS_ALLOWED_ORIGINS", "DATASCOUT_HTTP_CORSALLOWEDORIGINS"}},
	{"http-cors-allowed-headers", "http.corsAllowedHeaders", []string{"DATASCOUT_HTTP_CORS_ALLOWED_HEADERS", "DATASCOUT_HTTP_CORSALLOWEDHEADERS"}},

	{"log-format", "log.format", []string{"DATASCOUT_LOG_FORMAT"}},
	{"log-level", "log.level", []string{"DATASCOUT_LOG_LEVEL"}},
	{"log-timestamp-format", "log.timestampFormat", []string{"DATASCOUT_LOG_TIMESTAMP_FORMAT", "DATASCOUT_LOG_TIMESTAMPFORMAT"}},

	{"trace-enabled", "trace.enabled", []string{"DATASCOUT_TRACE_ENABLED"}},
	{"trace-otlp-endpoint", "trace.otlp.endpoint", []string{"DATASCOUT_TRACE_OTLP_ENDPOINT"}},
	{"trace-otlp-tls-enabled", "trace.otlp.tls.enabled", []string{"DATASCOUT_TRACE_OTLP_TLS_ENABLED"}},
	{"trace-sample-ratio", "trace.sampleRatio", []string{"DATASCOUT_TRACE_SAMPLE_RATIO", "DATASCOUT_TRACE_SAMPLERATIO"}},
	{"trace-service-name", "trace.serviceName", []string{"DATASCOUT_TRACE_SERVICE_NAME", "DATASCOUT_TRACE_SERVICENAME"}},
	{"trace-slow-threshold", "trace.slowThreshold", []string{"DATASCOUT_TRACE_SLOW_THRESHOLD", "DATASCOUT_TRACE_SLOWTHRESHOLD"}},

	{"profiler-enabled", "profiler.enabled", []string{"DATASCOUT_PROFILER_ENABLED"}},
	{"profiler-addr", "profiler.addr", []string{"DATASCOUT_PROFILER_ADDRESS", "DATASCOUT_PROFILER_ADDR"}},

	{"metrics-enabled", "metrics.enabled", []string{"DATASCOUT_METRICS_ENABLED"}},
	{"metrics-addr", "metrics.addr", []string{"DATASCOUT_METRICS_ADDR"}},
}

// bindRunFlagsFunc binds the cobra cmd flags to the equivalent config value being managed
// by viper. This bridges the config between cobra flags and viper flags.
func bindRunFlagsFunc(flags *pflag.FlagSet) func(*cobra.Command, []string) {
	return func(_ *cobra.Command, _ []string) {
		for _, binding := range runFlagBindings {
			util.MustBindPFlag(binding.key, flags.Lookup(binding.flag))
			util.MustBindEnv(append([]string{binding.key}, binding.envs...)...)
		}
	}
}
