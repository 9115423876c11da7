package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"syscall"
	"time"
)

// SpawnOpts describes one agent process launch.
type SpawnOpts struct {
	Prompt string
	Dir    string
	Model  string
	Resume string // continuation token; empty starts a fresh session
}

// Process abstracts a running agent subprocess.
type Process interface {
	// Stdout is the agent's event stream: newline-delimited JSON.
	Stdout() io.Reader
	// Stderr carries incidental diagnostics, captured for error reporting.
	Stderr() io.Reader
	// Wait blocks until the process exits.
	Wait() error
	// Terminate requests shutdown: SIGTERM to the process group, then
	// SIGKILL once the grace period expires.
	Terminate(grace time.Duration) error
}

// Spawner abstracts agent process invocation for testing.
type Spawner interface {
	Spawn(ctx context.Context, opts SpawnOpts) (Process, error)
}

// AgentSpawner is the production Spawner. It invokes the configured agent
// CLI in stream-JSON mode with its own process group so Terminate can take
// down the whole descendant tree.
type AgentSpawner struct {
	// Command is the agent binary (default "claude").
	Command string
	// BaseArgs are prepended to every invocation.
	BaseArgs []string
}

// NewAgentSpawner returns an AgentSpawner for the given binary. An empty
// command defaults to "claude".
func NewAgentSpawner(command string, baseArgs []string) *AgentSpawner {
	if command == "" {
		command = "claude"
	}
	return &AgentSpawner{Command: command, BaseArgs: baseArgs}
}

// Spawn starts the agent process with the given prompt and working
// directory, wiring stdout and stderr as pipes.
func (s *AgentSpawner) Spawn(ctx context.Context, opts SpawnOpts) (Process, error) {
	args := make([]string, 0, len(s.BaseArgs)+8)
	args = append(args, s.BaseArgs...)
	args = append(args, "-p", opts.Prompt, "--output-format", "stream-json", "--verbose")
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.Resume != "" {
		args = append(args, "--resume", opts.Resume)
	}

	cmd := exec.CommandContext(ctx, s.Command, args...)
	cmd.Dir = opts.Dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", s.Command, err)
	}

	return &cmdProcess{cmd: cmd, stdout: stdout, stderr: stderr}, nil
}

// cmdProcess wraps *exec.Cmd to implement the Process interface.
type cmdProcess struct {
	cmd    *exec.Cmd
	stdout io.Reader
	stderr io.Reader
}

func (p *cmdProcess) Stdout() io.Reader { return p.stdout }
func (p *cmdProcess) Stderr() io.Reader { return p.stderr }

// Wait blocks until the subprocess exits.
func (p *cmdProcess) Wait() error {
	if err := p.cmd.Wait(); err != nil {
		return fmt.Errorf("agent process wait: %w", err)
	}
	return nil
}

// Terminate sends SIGTERM to the entire process group (negative PID) so
// descendant processes are also terminated, then SIGKILL after the grace
// period if the group is still alive.
func (p *cmdProcess) Terminate(grace time.Duration) error {
	if p.cmd.Process == nil {
		return nil
	}
	pgid := p.cmd.Process.Pid
	if err := syscall.Kill(-pgid, syscall.SIGTERM); err != nil {
		// SIGTERM failure means the process already exited.
		_ = p.cmd.Process.Kill()
		return nil //nolint:nilerr // already-exited is not an error
	}

	go func() {
		time.Sleep(grace)
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
	}()
	return nil
}

// exitCode extracts the process exit code from a Wait error. Returns 0 for
// nil, -1 when no code is available.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
