package sqlstore

import (
	"time"

	"github.com/datascout/datascout/pkg/logger"
)

// Config defines the configuration parameters for setting up and managing the
// connection to the dataset store.
type Config struct {
	Logger logger.Logger

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration

	// ConnectTimeout bounds how long New keeps retrying the initial ping.
	ConnectTimeout time.Duration

	ExportMetrics bool
}

type Option func(*Config)

func WithLogger(l logger.Logger) Option {
	return func(cfg *Config) {
		cfg.Logger = l
	}
}

func WithMaxOpenConns(c int) Option {
	return func(cfg *Config) {
		cfg.MaxOpenConns = c
	}
}

func WithMaxIdleConns(c int) Option {
	return func(cfg *Config) {
		cfg.MaxIdleConns = c
	}
}

func WithConnMaxIdleTime(d time.Duration) Option {
	return func(cfg *Config) {
		cfg.ConnMaxIdleTime = d
	}
}

func WithConnMaxLifetime(d time.Duration) Option {
	return func(cfg *Config) {
		cfg.ConnMaxLifetime = d
	}
}

func WithConnectTimeout(d time.Duration) Option {
	return func(cfg *Config) {
		cfg.ConnectTimeout = d
	}
}

// WithMetrics exports connection pool statistics to prometheus.
func WithMetrics() Option {
	return func(cfg *Config) {
		cfg.ExportMetrics = true
	}
}

func NewConfig(opts ...Option) *Config {
	cfg := &Config{
		ConnectTimeout: 30 * time.Second,
	}

	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.Logger == nil {
		cfg.Logger = logger.NewNoopLogger()
	}

	return cfg
}
