// Package cmd contains all the commands included in the binary file.
package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/datascout/datascout/internal/build"
)

// NewRootCommand enables all children commands to read flags from CLI flags, environment variables prefixed with DATASCOUT, or config.yaml (in that order).
func NewRootCommand() *cobra.Command {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetEnvPrefix("DATASCOUT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	configPaths := []string{"/etc/" + build.ProjectName, "$HOME/." + build.ProjectName, "."}
	for _, path := range configPaths {
		viper.AddConfigPath(path)
	}

	return &cobra.Command{
		Use:   build.ProjectName,
		Short: "A dataset orchestration engine that ranks a catalog against a query and fetches the best matches concurrently",
		Long: `A dataset orchestration engine that ranks a catalog against a query and fetches the best matches concurrently.

Results are returned either as a single batch or as a resumable stream of server-sent events.`,
		SilenceUsage: true,
	}
}
