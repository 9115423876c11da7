package main

import (
	"fmt"

	"foreman/internal/appversion"

	"github.com/spf13/cobra"
)

// newRootCmd creates the root foreman command with all subcommands attached.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "foreman",
		Short:         "Foreman agent task orchestrator",
		Long:          "foreman dispatches agent sessions for board tasks,\nisolating parallel work in git worktrees and merging it back.",
		Version:       fmt.Sprintf("foreman %s", appversion.String()),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("{{.Version}}\n")

	cmd.AddCommand(
		newServeCmd(),
		newStatusCmd(),
		newModeCmd(),
		newMoveCmd(),
		newSeedCmd(),
		newCleanupCmd(),
	)

	return cmd
}
