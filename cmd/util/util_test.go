package util

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func TestMustBindPFlag(t *testing.T) {
	t.Cleanup(viper.Reset)

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Int("run-max-top-k", 100, "")
	require.NoError(t, flags.Parse([]string{"--run-max-top-k=7"}))

	MustBindPFlag("run.maxTopK", flags.Lookup("run-max-top-k"))
	require.Equal(t, 7, viper.GetInt("run.maxTopK"))

	require.Panics(t, func() {
		MustBindPFlag("run.maxTopK", nil)
	})
}

func TestMustBindEnv(t *testing.T) {
	t.Cleanup(viper.Reset)
	t.Setenv("DATASCOUT_RUN_MAX_TOP_K", "9")

	MustBindEnv("run.maxTopK", "DATASCOUT_RUN_MAX_TOP_K")
	require.Equal(t, 9, viper.GetInt("run.maxTopK"))

	require.Panics(t, func() {
		MustBindEnv()
	})
}

func TestPrepareTempConfigFile(t *testing.T) {
	PrepareTempConfigFile(t, "log:\n  level: debug\n")

	body, err := os.ReadFile(filepath.Join(os.Getenv("HOME"), ".datascout", "config.yaml"))
	require.NoError(t, err)
	require.Equal(t, "log:\n  level: debug\n", string(body))
}
