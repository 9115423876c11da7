package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"foreman/pkg/cleanup"
	"foreman/pkg/dispatch"
	"foreman/pkg/protocol"
	"foreman/pkg/session"
	"foreman/pkg/taskstore"
	"foreman/pkg/worktree"

	"github.com/spf13/cobra"
)

// newServeCmd creates the "foreman serve" subcommand.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator",
		Long: `Runs the orchestrator until interrupted: dispatches agent sessions for
in-progress tasks, serves session observers over the Unix socket, and
tears down finished sessions after the configured grace period.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			paths, err := ResolvePaths()
			if err != nil {
				return fmt.Errorf("resolve paths: %w", err)
			}
			cfg, err := LoadConfig(paths.ConfigPath)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), paths, cfg)
		},
	}
}

func runServe(parent context.Context, paths *Paths, cfg *Config) error {
	cleanupGrace, stopGrace, liveness, fallbackPoll, err := cfg.Durations()
	if err != nil {
		return err
	}

	for _, dir := range []string{paths.ForemanHome, paths.SignalsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	store, err := taskstore.Open(paths.DBPath)
	if err != nil {
		return fmt.Errorf("open task store: %w", err)
	}
	defer func() { _ = store.DB().Close() }()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Crash recovery: sessions do not survive a restart, so any task left
	// mid-dispatch goes back to the queue, and stale worktree metadata is
	// pruned before new isolation is handed out.
	reset, err := store.ResetOrphanedDispatch(ctx)
	if err != nil {
		return fmt.Errorf("reset orphaned dispatch: %w", err)
	}
	if reset > 0 {
		log.Info("requeued orphaned tasks", "count", reset)
	}
	wt := worktree.NewManager(&worktree.ExecGitRunner{}, log)
	if projects, perr := store.ListProjects(ctx); perr == nil {
		for _, p := range projects {
			if err := wt.Prune(ctx, p.Path); err != nil {
				log.Warn("prune worktrees", "project", p.ID, "err", err)
			}
		}
	}

	spawner := session.NewAgentSpawner(cfg.AgentCommand, cfg.AgentArgs)
	runtime := session.NewRuntime(session.Config{StopGrace: stopGrace, Liveness: liveness}, spawner, store, log)
	cleaner := cleanup.NewManager(cleanupGrace,
		cleanup.NewTmuxController(cfg.TmuxPrefix, cleanup.ExecRunner{}), store, log)
	defer cleaner.Stop()

	sched := dispatch.NewScheduler(dispatch.Config{
		SignalsDir:           paths.SignalsDir,
		FallbackPollInterval: fallbackPoll,
	}, store, wt, runtime, cleaner, log)

	// A session ending is itself a dispatch trigger: tear the finished
	// task down and admit the next queued one without waiting for the
	// poll interval.
	runtime.SetTerminalHook(func(taskID string, _ protocol.SessionStatus) {
		sched.HandleSessionTerminal(ctx, taskID)
	})

	go sched.Run(ctx)

	log.Info("foreman serving", "socket", paths.SocketPath, "db", paths.DBPath)
	server := session.NewServer(runtime, store, paths.SocketPath, log)
	if err := server.Run(ctx); err != nil {
		return fmt.Errorf("observer server: %w", err)
	}
	return nil
}
