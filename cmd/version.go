package cmd

import (
	"github.com/spf13/cobra"

	"github.com/datascout/datascout/internal/build"
)

// NewVersionCommand returns the command to get the datascout version
func NewVersionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Return the datascout version",
		Long:  "Return the datascout version.",
		RunE:  version,
		Args:  cobra.NoArgs,
	}

	return cmd
}

// print out the built version
func version(cmd *cobra.Command, _ []string) error {
	cmd.Printf("datascout version %s date %s commit id %s\n", build.Version, build.Date, build.Commit)
	return nil
}
