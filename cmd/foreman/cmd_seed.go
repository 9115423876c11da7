package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"foreman/pkg/protocol"
	"foreman/pkg/taskstore"

	"github.com/spf13/cobra"
)

// seedFile is the YAML import format.
type seedFile struct {
	Projects []seedProject `yaml:"projects"`
}

type seedProject struct {
	ID            string     `yaml:"id"`
	Name          string     `yaml:"name"`
	Path          string     `yaml:"path"`
	ExecutionMode string     `yaml:"execution_mode"`
	Tasks         []seedTask `yaml:"tasks"`
}

type seedTask struct {
	Title       string `yaml:"title"`
	Description string `yaml:"description"`
	Status      string `yaml:"status"`
	Mode        string `yaml:"mode"`
}

// seedStore is the store surface the seed command needs.
type seedStore interface {
	CreateProject(ctx context.Context, id, name, path string, mode protocol.ExecutionMode) (*taskstore.Project, error)
	CreateTask(ctx context.Context, t taskstore.Task) (*taskstore.Task, error)
}

// newSeedCmd creates the "foreman seed" subcommand.
func newSeedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed <file.yaml>",
		Short: "Import projects and tasks from a YAML file",
		Args:  cobra.ExactArgs(1),
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

			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read seed file: %w", err)
			}
			if err := runSeed(cmd.Context(), store, data, cmd.OutOrStdout()); err != nil {
				return err
			}
			return signalDispatch(paths.SignalsDir)
		},
	}
}

// runSeed imports the parsed seed file into the store.
func runSeed(ctx context.Context, store seedStore, data []byte, w io.Writer) error {
	var seed seedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return fmt.Errorf("parse seed file: %w", err)
	}
	if len(seed.Projects) == 0 {
		return fmt.Errorf("seed file contains no projects")
	}

	for _, sp := range seed.Projects {
		if sp.Name == "" || sp.Path == "" {
			return fmt.Errorf("project %q: name and path are required", sp.ID)
		}
		mode := protocol.ExecutionMode(sp.ExecutionMode)
		if sp.ExecutionMode == "" {
			mode = protocol.ExecSequential
		}
		if !mode.Valid() {
			return fmt.Errorf("project %q: invalid execution_mode %q", sp.Name, sp.ExecutionMode)
		}

		project, err := store.CreateProject(ctx, sp.ID, sp.Name, sp.Path, mode)
		if err != nil {
			return fmt.Errorf("create project %q: %w", sp.Name, err)
		}

		for _, st := range sp.Tasks {
			if st.Title == "" {
				return fmt.Errorf("project %q: task with empty title", sp.Name)
			}
			task := taskstore.Task{
				ProjectID:   project.ID,
				Title:       st.Title,
				Description: st.Description,
				Status:      protocol.TaskStatus(st.Status),
				Mode:        protocol.TaskMode(st.Mode),
			}
			if _, err := store.CreateTask(ctx, task); err != nil {
				return fmt.Errorf("create task %q: %w", st.Title, err)
			}
		}
		fmt.Fprintf(w, "imported %s (%d tasks)\n", project.Name, len(sp.Tasks))
	}
	return nil
}
