package cleanup

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"foreman/pkg/protocol"
)

// CommandRunner abstracts command execution for testability.
// Production implementation uses os/exec; tests provide a mock.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run executes the command and returns its combined output.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), err)
	}
	return out, nil
}

// TmuxController is the production TerminalController: each task's
// terminal is a tmux session named <prefix><short-id>. A task whose
// session is gone is treated as already cleaned up.
type TmuxController struct {
	prefix string
	runner CommandRunner
}

// NewTmuxController creates a TmuxController. An empty prefix defaults
// to "foreman-".
func NewTmuxController(prefix string, runner CommandRunner) *TmuxController {
	if prefix == "" {
		prefix = "foreman-"
	}
	return &TmuxController{prefix: prefix, runner: runner}
}

func (t *TmuxController) target(taskID string) string {
	return t.prefix + protocol.ShortID(taskID)
}

// Capture returns the visible scrollback of the task's terminal, or ""
// when the terminal no longer exists.
func (t *TmuxController) Capture(ctx context.Context, taskID string) (string, error) {
	target := t.target(taskID)
	if _, err := t.runner.Run(ctx, "tmux", "has-session", "-t", target); err != nil {
		return "", nil //nolint:nilerr // absent terminal means nothing to capture
	}
	out, err := t.runner.Run(ctx, "tmux", "capture-pane", "-p", "-t", target)
	if err != nil {
		return "", fmt.Errorf("tmux capture-pane %s: %w", target, err)
	}
	return string(out), nil
}

// Kill removes the task's terminal session. A no-op when it is already
// gone.
func (t *TmuxController) Kill(ctx context.Context, taskID string) error {
	target := t.target(taskID)
	if _, err := t.runner.Run(ctx, "tmux", "has-session", "-t", target); err != nil {
		return nil //nolint:nilerr // absent terminal is already cleaned up
	}
	if _, err := t.runner.Run(ctx, "tmux", "kill-session", "-t", target); err != nil {
		return fmt.Errorf("tmux kill-session %s: %w", target, err)
	}
	return nil
}
