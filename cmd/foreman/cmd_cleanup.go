package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"foreman/pkg/taskstore"
	"foreman/pkg/worktree"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

// cleanupConfig holds injectable dependencies for the cleanup command.
type cleanupConfig struct {
	w          io.Writer
	sockPath   string
	dbPath     string
	signalsDir string
	isTTY      func() bool               // returns true if stdin is a TTY; injectable for testing
	probe      func(sock string) bool    // true when an orchestrator is serving on sock
	openStore  func() (cleanupStore, error)
	pruner     worktreePruner
}

// cleanupStore is the store surface the cleanup command needs.
type cleanupStore interface {
	ListProjects(ctx context.Context) ([]taskstore.Project, error)
	ResetOrphanedDispatch(ctx context.Context) (int64, error)
	Close() error
}

type worktreePruner interface {
	Prune(ctx context.Context, projectPath string) error
}

// newCleanupCmd creates the "foreman cleanup" subcommand.
func newCleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Clean all stale state after a crash",
		Long: `Idempotently cleans up state an interrupted orchestrator left behind:
removes the stale socket and dispatch-signal files, prunes git
worktrees, and requeues tasks stranded mid-dispatch.

Refuses to run while an orchestrator is serving. Safe to run anytime
otherwise; if nothing is stale, reports "nothing to clean".`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			paths, err := ResolvePaths()
			if err != nil {
				return fmt.Errorf("resolve paths: %w", err)
			}

			cfg := &cleanupConfig{
				w:          cmd.OutOrStdout(),
				sockPath:   paths.SocketPath,
				dbPath:     paths.DBPath,
				signalsDir: paths.SignalsDir,
				isTTY:      isStdinTTY,
				probe:      probeSocket,
				openStore: func() (cleanupStore, error) {
					store, err := taskstore.Open(paths.DBPath)
					if err != nil {
						return nil, err
					}
					return &closableStore{store}, nil
				},
				pruner: worktree.NewManager(&worktree.ExecGitRunner{}, nil),
			}
			return runCleanup(cmd.Context(), cfg)
		},
	}
}

// closableStore adapts *taskstore.Store to cleanupStore.
type closableStore struct {
	*taskstore.Store
}

func (c *closableStore) Close() error { return c.DB().Close() }

// runCleanup performs best-effort cleanup of stale foreman state. Each
// step continues on error, reporting warnings. Returns nil on success
// even if individual steps had warnings.
func runCleanup(ctx context.Context, cfg *cleanupConfig) error {
	if cfg.isTTY != nil && !cfg.isTTY() {
		return fmt.Errorf("foreman cleanup requires an interactive terminal (stdin is not a TTY)")
	}
	if cfg.probe != nil && cfg.probe(cfg.sockPath) {
		return fmt.Errorf("an orchestrator is serving on %s; stop it first", cfg.sockPath)
	}

	cleaned := false

	if cleanupStaleFile(cfg.w, "socket", cfg.sockPath) {
		cleaned = true
	}
	if cleanupSignals(cfg) {
		cleaned = true
	}
	if cleanupTasks(ctx, cfg) {
		cleaned = true
	}

	if !cleaned {
		fmt.Fprintln(cfg.w, "nothing to clean")
	}
	return nil
}

// cleanupStaleFile removes one stale file. Returns true if it existed.
func cleanupStaleFile(w io.Writer, kind, path string) bool {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return false
	}
	fmt.Fprintf(w, "removing stale %s file %s\n", kind, path)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(w, "warning: remove %s: %v\n", kind, err)
	}
	return true
}

// cleanupSignals clears leftover dispatch-signal files.
func cleanupSignals(cfg *cleanupConfig) bool {
	entries, err := os.ReadDir(cfg.signalsDir)
	if err != nil {
		return false
	}
	cleaned := false
	for _, e := range entries {
		path := filepath.Join(cfg.signalsDir, e.Name())
		fmt.Fprintf(cfg.w, "removing stale signal %s\n", path)
		if err := os.Remove(path); err != nil {
			fmt.Fprintf(cfg.w, "warning: remove signal: %v\n", err)
			continue
		}
		cleaned = true
	}
	return cleaned
}

// cleanupTasks requeues tasks stranded mid-dispatch and prunes worktree
// metadata in every project. Returns true if anything changed.
func cleanupTasks(ctx context.Context, cfg *cleanupConfig) bool {
	store, err := cfg.openStore()
	if err != nil {
		fmt.Fprintf(cfg.w, "warning: open store: %v\n", err)
		return false
	}
	defer func() { _ = store.Close() }()

	cleaned := false
	if reset, err := store.ResetOrphanedDispatch(ctx); err != nil {
		fmt.Fprintf(cfg.w, "warning: reset orphaned dispatch: %v\n", err)
	} else if reset > 0 {
		fmt.Fprintf(cfg.w, "requeued %d task(s) stranded mid-dispatch\n", reset)
		cleaned = true
	}

	projects, err := store.ListProjects(ctx)
	if err != nil {
		fmt.Fprintf(cfg.w, "warning: list projects: %v\n", err)
		return cleaned
	}
	for _, p := range projects {
		if err := cfg.pruner.Prune(ctx, p.Path); err != nil {
			fmt.Fprintf(cfg.w, "warning: prune worktrees in %s: %v\n", p.Path, err)
		}
	}
	return cleaned
}

// probeSocket reports whether something is accepting on the socket.
func probeSocket(path string) bool {
	conn, err := net.DialTimeout("unix", path, 500*time.Millisecond)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// isStdinTTY reports whether stdin is an interactive terminal.
func isStdinTTY() bool {
	return isatty.IsTerminal(os.Stdin.Fd()) || isatty.IsCygwinTerminal(os.Stdin.Fd())
}
