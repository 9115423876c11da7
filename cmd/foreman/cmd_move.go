package main

import (
	"fmt"

	"foreman/pkg/protocol"
	"foreman/pkg/taskstore"

	"github.com/spf13/cobra"
)

var validStatuses = map[protocol.TaskStatus]bool{
	protocol.StatusTodo:       true,
	protocol.StatusInProgress: true,
	protocol.StatusVerify:     true,
	protocol.StatusDone:       true,
}

// newMoveCmd creates the "foreman move" subcommand.
func newMoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "move <task-id> <todo|in-progress|verify|done>",
		Short: "Move a task to another board column",
		Long: `Updates the task's status and wakes the orchestrator. Moving a task
to in-progress queues it for an agent session; moving it out triggers
session teardown and, for parallel work, the merge back to the primary
branch.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			status := protocol.TaskStatus(args[1])
			if !validStatuses[status] {
				return fmt.Errorf("invalid status %q", args[1])
			}

			paths, err := ResolvePaths()
			if err != nil {
				return fmt.Errorf("resolve paths: %w", err)
			}
			store, err := taskstore.Open(paths.DBPath)
			if err != nil {
				return fmt.Errorf("open task store: %w", err)
			}
			defer func() { _ = store.DB().Close() }()

			task, err := store.UpdateTask(cmd.Context(), args[0], taskstore.TaskUpdate{Status: &status})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s → %s\n", protocol.ShortID(task.ID), status)
			return signalDispatch(paths.SignalsDir)
		},
	}
}
