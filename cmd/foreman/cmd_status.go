package main

import (
	"fmt"

	"foreman/pkg/taskstore"

	"github.com/spf13/cobra"
)

// newStatusCmd creates the "foreman status" subcommand.
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show every project's task board",
		RunE: func(cmd *cobra.Command, _ []string) error {
			paths, err := ResolvePaths()
			if err != nil {
				return fmt.Errorf("resolve paths: %w", err)
			}
			cfg, err := LoadConfig(paths.ConfigPath)
			if err != nil {
				return err
			}
			grace, _, _, _, err := cfg.Durations()
			if err != nil {
				return err
			}

			store, err := taskstore.Open(paths.DBPath)
			if err != nil {
				return fmt.Errorf("open task store: %w", err)
			}
			defer func() { _ = store.DB().Close() }()

			projects, err := store.ListProjects(cmd.Context())
			if err != nil {
				return err
			}
			if len(projects) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no projects; run `foreman seed` to import some")
				return nil
			}

			for _, project := range projects {
				tasks, err := store.AllTasks(cmd.Context(), project.ID)
				if err != nil {
					return err
				}
				board := NewBoardModel(project, tasks, grace)
				fmt.Fprintln(cmd.OutOrStdout(), board.Render())
			}
			return nil
		},
	}
}
