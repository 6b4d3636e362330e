package cmd

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/datascout/datascout/internal/build"
)

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer

	root := NewRootCommand()
	root.AddCommand(NewVersionCommand())
	root.SetOut(&out)
	root.SetArgs([]string{"version"})

	require.NoError(t, root.Execute())
	require.Contains(t, out.String(), "datascout version "+build.Version)
	require.Contains(t, out.String(), "commit id "+build.Commit)
}
