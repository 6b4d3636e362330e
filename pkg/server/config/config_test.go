package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	require.NoError(t, DefaultConfig().Verify())
	require.NoError(t, MustDefaultConfigWithRandomPorts().Verify())
}

func TestVerifyConfig(t *testing.T) {
	tests := map[string]struct {
		mutate      func(cfg *Config)
		expectedErr string
	}{
		`unknown_log_format`: {
			mutate:      func(cfg *Config) { cfg.Log.Format = "xml" },
			expectedErr: "config 'log.format' must be one of ['text', 'json']",
		},
		`unknown_log_level`: {
			mutate:      func(cfg *Config) { cfg.Log.Level = "verbose" },
			expectedErr: "config 'log.level' must be one of ['none', 'debug', 'info', 'warn', 'error', 'panic', 'fatal']",
		},
		`unknown_timestamp_format`: {
			mutate:      func(cfg *Config) { cfg.Log.TimestampFormat = "RFC3339" },
			expectedErr: "config 'log.TimestampFormat' must be one of ['Unix', 'ISO8601']",
		},
		`no_server_enabled`: {
			mutate: func(cfg *Config) {
				cfg.HTTP.Enabled = false
				cfg.GRPC.Enabled = false
			},
			expectedErr: "at least one of the HTTP or gRPC servers must be enabled",
		},
		`http_tls_without_cert`: {
			mutate:      func(cfg *Config) { cfg.HTTP.TLS = &TLSConfig{Enabled: true, KeyPath: "some/path"} },
			expectedErr: "'http.tls.cert' and 'http.tls.key' configs must be set",
		},
		`grpc_tls_without_key`: {
			mutate:      func(cfg *Config) { cfg.GRPC.TLS = &TLSConfig{Enabled: true, CertPath: "some/path"} },
			expectedErr: "'grpc.tls.cert' and 'grpc.tls.key' configs must be set",
		},
		`default_top_k_above_max`: {
			mutate:      func(cfg *Config) { cfg.Run.DefaultTopK = 200 },
			expectedErr: "config 'run.defaultTopK' (200) must be within [1, 'run.maxTopK' (100)]",
		},
		`zero_concurrency`: {
			mutate:      func(cfg *Config) { cfg.Run.DefaultConcurrency = 0 },
			expectedErr: "config 'run.defaultConcurrency' (0) must be within [1, 'run.maxConcurrency' (10)]",
		},
		`default_timeout_below_min`: {
			mutate:      func(cfg *Config) { cfg.Run.DefaultTimeout = time.Millisecond },
			expectedErr: "config 'run.defaultTimeout' (1ms) must be within ['run.minTimeout' (100ms), 'run.maxTimeout' (30s)]",
		},
		`bad_min_start_date`: {
			mutate:      func(cfg *Config) { cfg.Run.MinStartDate = "01/01/2020" },
			expectedErr: "config 'run.minStartDate' must be a YYYY-MM-DD date",
		},
		`jobs_without_ttl`: {
			mutate:      func(cfg *Config) { cfg.Jobs.TTL = 0 },
			expectedErr: "config 'jobs.ttl', 'jobs.maxJobs', 'jobs.queueSize' and 'jobs.keepalive' must be positive",
		},
		`sql_without_uri`: {
			mutate:      func(cfg *Config) { cfg.Providers.SQL.Enabled = true },
			expectedErr: "config 'providers.sql.engine' and 'providers.sql.uri' must be set when the SQL provider is enabled",
		},
		`remote_without_base_url`: {
			mutate:      func(cfg *Config) { cfg.Providers.Remote.Enabled = true },
			expectedErr: "config 'providers.remote.baseURL' must be set when the remote provider is enabled",
		},
		`csv_without_data_dir`: {
			mutate:      func(cfg *Config) { cfg.Providers.LocalCSV.DataDir = "" },
			expectedErr: "config 'providers.localCSV.dataDir' must be set when the local CSV provider is enabled",
		},
		`sample_ratio_out_of_range`: {
			mutate: func(cfg *Config) {
				cfg.Trace.Enabled = true
				cfg.Trace.SampleRatio = 1.5
			},
			expectedErr: "config 'trace.sampleRatio' must be within [0, 1], got 1.5",
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			test.mutate(cfg)

			err := cfg.Verify()
			require.ErrorContains(t, err, test.expectedErr)
		})
	}
}

func TestVerifyAcceptsMinStartDate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Run.MinStartDate = "2020-01-01"
	require.NoError(t, cfg.Verify())
}

func intPtr(i int) *int {
	return &i
}

func TestRunClamps(t *testing.T) {
	run := DefaultConfig().Run

	require.Equal(t, 25, run.TopK(nil))
	require.Equal(t, 1, run.TopK(intPtr(0)))
	require.Equal(t, 1, run.TopK(intPtr(-4)))
	require.Equal(t, 7, run.TopK(intPtr(7)))
	require.Equal(t, 100, run.TopK(intPtr(1000)))

	require.Equal(t, 5, run.Concurrency(nil))
	require.Equal(t, 1, run.Concurrency(intPtr(0)))
	require.Equal(t, 10, run.Concurrency(intPtr(50)))

	require.Equal(t, 2*time.Second, run.Timeout(nil))
	require.Equal(t, 100*time.Millisecond, run.Timeout(intPtr(5)))
	require.Equal(t, 750*time.Millisecond, run.Timeout(intPtr(750)))
	require.Equal(t, 30*time.Second, run.Timeout(intPtr(60_000)))
}
