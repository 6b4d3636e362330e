package migrate

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/datascout/datascout/cmd/util"
)

// bindRunFlags binds the cobra cmd flags to the equivalent config value being managed
// by viper. This bridges the config between cobra flags and viper flags.
func bindRunFlags(command *cobra.Command, _ []string) error {
	flags := command.Flags()

	util.MustBindPFlag(engineKey, flags.Lookup(engineFlag))
	util.MustBindEnv(engineKey, "DATASCOUT_PROVIDERS_SQL_ENGINE")

	util.MustBindPFlag(uriKey, flags.Lookup(uriFlag))
	util.MustBindEnv(uriKey, "DATASCOUT_PROVIDERS_SQL_URI")

	util.MustBindPFlag(usernameFlag, flags.Lookup(usernameFlag))
	util.MustBindPFlag(passwordFlag, flags.Lookup(passwordFlag))
	util.MustBindPFlag(versionFlag, flags.Lookup(versionFlag))
	util.MustBindPFlag(timeoutFlag, flags.Lookup(timeoutFlag))
	util.MustBindPFlag(verboseMigrationFlag, flags.Lookup(verboseMigrationFlag))

	util.MustBindPFlag(logFormatFlag, flags.Lookup(logFormatFlag))
	util.MustBindEnv(logFormatFlag, "DATASCOUT_LOG_FORMAT")

	util.MustBindPFlag(logLevelFlag, flags.Lookup(logLevelFlag))
	util.MustBindEnv(logLevelFlag, "DATASCOUT_LOG_LEVEL")

	util.MustBindPFlag(logTimestampFormatFlag, flags.Lookup(logTimestampFormatFlag))
	util.MustBindEnv(logTimestampFormatFlag, "DATASCOUT_LOG_TIMESTAMP_FORMAT")

	if err := viper.ReadInConfig(); err != nil {
		if !errors.As(err, &viper.ConfigFileNotFoundError{}) {
			return fmt.Errorf("failed to load config: %w", err)
		}
	}

	return nil
}
