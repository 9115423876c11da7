package main

import (
	"fmt"

	"foreman/pkg/protocol"
	"foreman/pkg/taskstore"

	"github.com/spf13/cobra"
)

// newModeCmd creates the "foreman mode" subcommand.
func newModeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mode <project-id> [sequential|parallel]",
		Short: "Show or set a project's execution mode",
		Long: `With one argument, prints the project's execution mode. With two,
sets it. Sequential projects run one agent session at a time; parallel
projects run every in-progress task concurrently, each isolated in its
own git worktree.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := ResolvePaths()
			if err != nil {
				return fmt.Errorf("resolve paths: %w", err)
			}
			store, err := taskstore.Open(paths.DBPath)
			if err != nil {
				return fmt.Errorf("open task store: %w", err)
			}
			defer func() { _ = store.DB().Close() }()

			if len(args) == 1 {
				mode, err := store.ExecutionMode(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), mode)
				return nil
			}

			mode := protocol.ExecutionMode(args[1])
			if err := store.SetExecutionMode(cmd.Context(), args[0], mode); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is now %s\n", args[0], mode)
			// Switching to parallel may admit queued tasks immediately.
			return signalDispatch(paths.SignalsDir)
		},
	}
}
