// Package config contains all knobs and defaults used to configure datascout when
// running as a standalone server.
package config

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/datascout/datascout/pkg/catalog"
)

const (
	DefaultTopK = 25
	MaxTopK     = 100

	DefaultConcurrency = 5
	MaxConcurrency     = 10

	DefaultFetchTimeout = 2 * time.Second
	MinFetchTimeout     = 100 * time.Millisecond
	MaxFetchTimeout     = 30 * time.Second

	DefaultJobTTL       = time.Hour
	DefaultMaxJobs      = 10_000
	DefaultJobQueueSize = 500
	DefaultKeepalive    = 30 * time.Second
)

// CatalogConfig defines where dataset descriptions are loaded from.
type CatalogConfig struct {
	Dir string

	// ReloadEnabled exposes POST /catalog/reload. Meant for development.
	ReloadEnabled bool

	// Watch reloads the catalog whenever a file in Dir changes.
	Watch bool
}

type LocalCSVConfig struct {
	Enabled bool
	DataDir string
}

type SQLProviderMetricsConfig struct {
	// Enabled enables export of the database/sql connection pool metrics.
	Enabled bool
}

// SQLProviderConfig defines the SQL dataset store serving 'sql:' dataset ids.
type SQLProviderConfig struct {
	Enabled bool

	// Engine is the database engine to use (e.g. 'postgres', 'mysql', 'sqlite')
	Engine string
	URI    string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration

	Metrics SQLProviderMetricsConfig
}

// RemoteProviderConfig defines the HTTP dataset service serving 'http:' dataset ids.
type RemoteProviderConfig struct {
	Enabled  bool
	BaseURL  string `mapstructure:"baseURL"`
	RetryMax int
}

// ProvidersConfig lists the providers in the order the registry tries them.
type ProvidersConfig struct {
	LocalCSV LocalCSVConfig `mapstructure:"localCSV"`
	SQL      SQLProviderConfig
	Remote   RemoteProviderConfig
}

// RunConfig bounds what a single orchestration request may ask for. Requested
// values outside [min, max] are clamped.
type RunConfig struct {
	DefaultTopK        int
	MaxTopK            int
	DefaultConcurrency int
	MaxConcurrency     int

	DefaultTimeout time.Duration
	MinTimeout     time.Duration
	MaxTimeout     time.Duration

	// MinStartDate rejects queries starting before it (YYYY-MM-DD). Empty disables
	// the check.
	MinStartDate string
}

type JobsConfig struct {
	TTL       time.Duration
	MaxJobs   int64
	QueueSize int
	Keepalive time.Duration
}

type GRPCConfig struct {
	Enabled bool
	Addr    string
	TLS     *TLSConfig
}

type HTTPConfig struct {
	Enabled bool
	Addr    string
	TLS     *TLSConfig

	CORSAllowedOrigins []string
	CORSAllowedHeaders []string
}

// TLSConfig defines configuration specific to Transport Layer Security (TLS) settings.
type TLSConfig struct {
	Enabled  bool
	CertPath string `mapstructure:"cert"`
	KeyPath  string `mapstructure:"key"`
}

// LogConfig defines server configurations for log specific settings. For production we
// recommend using the 'json' log format.
type LogConfig struct {
	// Format is the log format to use in the log output (e.g. 'text' or 'json')
	Format string

	// Level is the log level to use in the log output (e.g. 'none', 'debug', or 'info')
	Level string

	// Format of the timestamp in the log output (e.g. 'Unix'(default) or 'ISO8601')
	TimestampFormat string
}

type TraceConfig struct {
	Enabled     bool
	OTLP        OTLPTraceConfig `mapstructure:"otlp"`
	SampleRatio float64
	ServiceName string

	// SlowThreshold only exports traces at least this slow. Zero exports all.
	SlowThreshold time.Duration
}

type OTLPTraceConfig struct {
	Endpoint string
	TLS      OTLPTraceTLSConfig
}

type OTLPTraceTLSConfig struct {
	Enabled bool
}

// ProfilerConfig defines server configurations specific to pprof profiling.
type ProfilerConfig struct {
	Enabled bool
	Addr    string
}

// MetricConfig defines configurations for serving custom metrics from datascout.
type MetricConfig struct {
	Enabled bool
	Addr    string
}

type Config struct {
	Catalog   CatalogConfig
	Providers ProvidersConfig
	Run       RunConfig
	Jobs      JobsConfig

	GRPC     GRPCConfig
	HTTP     HTTPConfig
	Log      LogConfig
	Trace    TraceConfig
	Profiler ProfilerConfig
	Metrics  MetricConfig
}

func (cfg *Config) Verify() error {
	if cfg.Log.Format != "text" && cfg.Log.Format != "json" {
		return fmt.Errorf("config 'log.format' must be one of ['text', 'json']")
	}

	if cfg.Log.Level != "none" &&
		cfg.Log.Level != "debug" &&
		cfg.Log.Level != "info" &&
		cfg.Log.Level != "warn" &&
		cfg.Log.Level != "error" &&
		cfg.Log.Level != "panic" &&
		cfg.Log.Level != "fatal" {
		return fmt.Errorf(
			"config 'log.level' must be one of ['none', 'debug', 'info', 'warn', 'error', 'panic', 'fatal']",
		)
	}

	if cfg.Log.TimestampFormat != "Unix" && cfg.Log.TimestampFormat != "ISO8601" {
		return fmt.Errorf("config 'log.TimestampFormat' must be one of ['Unix', 'ISO8601']")
	}

	if !cfg.HTTP.Enabled && !cfg.GRPC.Enabled {
		return errors.New("at least one of the HTTP or gRPC servers must be enabled")
	}

	if cfg.HTTP.TLS != nil && cfg.HTTP.TLS.Enabled {
		if cfg.HTTP.TLS.CertPath == "" || cfg.HTTP.TLS.KeyPath == "" {
			return errors.New("'http.tls.cert' and 'http.tls.key' configs must be set")
		}
	}

	if cfg.GRPC.TLS != nil && cfg.GRPC.TLS.Enabled {
		if cfg.GRPC.TLS.CertPath == "" || cfg.GRPC.TLS.KeyPath == "" {
			return errors.New("'grpc.tls.cert' and 'grpc.tls.key' configs must be set")
		}
	}

	if err := cfg.Run.verify(); err != nil {
		return err
	}

	if cfg.Jobs.TTL <= 0 || cfg.Jobs.MaxJobs <= 0 || cfg.Jobs.QueueSize <= 0 || cfg.Jobs.Keepalive <= 0 {
		return errors.New("config 'jobs.ttl', 'jobs.maxJobs', 'jobs.queueSize' and 'jobs.keepalive' must be positive")
	}

	if cfg.Providers.LocalCSV.Enabled && cfg.Providers.LocalCSV.DataDir == "" {
		return errors.New("config 'providers.localCSV.dataDir' must be set when the local CSV provider is enabled")
	}

	if cfg.Providers.SQL.Enabled {
		if cfg.Providers.SQL.Engine == "" || cfg.Providers.SQL.URI == "" {
			return errors.New("config 'providers.sql.engine' and 'providers.sql.uri' must be set when the SQL provider is enabled")
		}
	}

	if cfg.Providers.Remote.Enabled && cfg.Providers.Remote.BaseURL == "" {
		return errors.New("config 'providers.remote.baseURL' must be set when the remote provider is enabled")
	}

	if cfg.Trace.Enabled && (cfg.Trace.SampleRatio < 0 || cfg.Trace.SampleRatio > 1) {
		return fmt.Errorf("config 'trace.sampleRatio' must be within [0, 1], got %v", cfg.Trace.SampleRatio)
	}

	return nil
}

func (r *RunConfig) verify() error {
	if r.MaxTopK < 1 || r.DefaultTopK < 1 || r.DefaultTopK > r.MaxTopK {
		return fmt.Errorf("config 'run.defaultTopK' (%d) must be within [1, 'run.maxTopK' (%d)]", r.DefaultTopK, r.MaxTopK)
	}

	if r.MaxConcurrency < 1 || r.DefaultConcurrency < 1 || r.DefaultConcurrency > r.MaxConcurrency {
		return fmt.Errorf(
			"config 'run.defaultConcurrency' (%d) must be within [1, 'run.maxConcurrency' (%d)]",
			r.DefaultConcurrency, r.MaxConcurrency,
		)
	}

	if r.MinTimeout <= 0 || r.MinTimeout > r.DefaultTimeout || r.DefaultTimeout > r.MaxTimeout {
		return fmt.Errorf(
			"config 'run.defaultTimeout' (%s) must be within ['run.minTimeout' (%s), 'run.maxTimeout' (%s)]",
			r.DefaultTimeout, r.MinTimeout, r.MaxTimeout,
		)
	}

	if r.MinStartDate != "" {
		if _, err := catalog.ParseDate(r.MinStartDate); err != nil {
			return fmt.Errorf("config 'run.minStartDate' must be a YYYY-MM-DD date: %w", err)
		}
	}

	return nil
}

// DefaultConfig is the datascout server default configuration.
func DefaultConfig() *Config {
	return &Config{
		Catalog: CatalogConfig{
			Dir: "./data/catalog",
		},
		Providers: ProvidersConfig{
			LocalCSV: LocalCSVConfig{
				Enabled: true,
				DataDir: "./data",
			},
			SQL: SQLProviderConfig{
				Engine:       "postgres",
				MaxIdleConns: 10,
				MaxOpenConns: 30,
			},
			Remote: RemoteProviderConfig{
				RetryMax: 2,
			},
		},
		Run: RunConfig{
			DefaultTopK:        DefaultTopK,
			MaxTopK:            MaxTopK,
			DefaultConcurrency: DefaultConcurrency,
			MaxConcurrency:     MaxConcurrency,
			DefaultTimeout:     DefaultFetchTimeout,
			MinTimeout:         MinFetchTimeout,
			MaxTimeout:         MaxFetchTimeout,
		},
		Jobs: JobsConfig{
			TTL:       DefaultJobTTL,
			MaxJobs:   DefaultMaxJobs,
			QueueSize: DefaultJobQueueSize,
			Keepalive: DefaultKeepalive,
		},
		GRPC: GRPCConfig{
			Enabled: true,
			Addr:    "0.0.0.0:8081",
			TLS:     &TLSConfig{Enabled: false},
		},
		HTTP: HTTPConfig{
			Enabled:            true,
			Addr:               "0.0.0.0:8080",
			TLS:                &TLSConfig{Enabled: false},
			CORSAllowedOrigins: []string{"*"},
			CORSAllowedHeaders: []string{"*"},
		},
		Log: LogConfig{
			Format:          "text",
			Level:           "info",
			TimestampFormat: "Unix",
		},
		Trace: TraceConfig{
			Enabled: false,
			OTLP: OTLPTraceConfig{
				Endpoint: "0.0.0.0:4317",
				TLS: OTLPTraceTLSConfig{
					Enabled: false,
				},
			},
			SampleRatio: 0.2,
			ServiceName: "datascout",
		},
		Profiler: ProfilerConfig{
			Enabled: false,
			Addr:    ":3001",
		},
		Metrics: MetricConfig{
			Enabled: true,
			Addr:    "0.0.0.0:2112",
		},
	}
}

// MustDefaultConfig returns default server config with metrics turned off.
func MustDefaultConfig() *Config {
	config := DefaultConfig()

	config.Metrics.Enabled = false

	return config
}

// MustDefaultConfigWithRandomPorts returns default server config but with random ports for the grpc and http addresses
// and with metrics turned off.
// This function may panic if somehow a random port cannot be chosen.
func MustDefaultConfigWithRandomPorts() *Config {
	config := MustDefaultConfig()

	httpPort, httpPortReleaser := TCPRandomPort()
	defer httpPortReleaser()
	grpcPort, grpcPortReleaser := TCPRandomPort()
	defer grpcPortReleaser()

	config.GRPC.Addr = fmt.Sprintf("0.0.0.0:%d", grpcPort)
	config.HTTP.Addr = fmt.Sprintf("0.0.0.0:%d", httpPort)

	return config
}

// TCPRandomPort tries to find a random TCP Port. If it can't find one, it panics. Else, it returns the port and a function that releases the port.
// It is the responsibility of the caller to call the release function right before trying to listen on the given port.
func TCPRandomPort() (int, func()) {
	l, err := net.Listen("tcp", "")
	if err != nil {
		panic(err)
	}
	return l.Addr().(*net.TCPAddr).Port, func() {
		l.Close()
	}
}
