// Package worktree gives each dispatched task its own working copy of a
// project's source tree: a git worktree under .worktrees/<shortID> checked
// out on a task/<shortID> branch. The Manager serializes merge-backs
// behind a mutex, detects conflicts, and never partially applies a merge —
// a conflicting merge is aborted and reported as a *ConflictError carrying
// the conflicting files and a bounded diff excerpt.
package worktree

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"foreman/pkg/protocol"
)

// maxDiffExcerpt bounds the conflict diff carried on a MergeConflict
// record. The full diff stays in the worktree; the excerpt is for review.
const maxDiffExcerpt = 4096

// MergeResult holds the outcome of a successful merge-back.
type MergeResult struct {
	CommitSHA string
}

// ConflictError is returned when a merge-back hits conflicts. The merge is
// aborted before this error is returned; the primary copy is left clean.
type ConflictError struct {
	Files       []string
	DiffExcerpt string
	Branch      string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("merge conflict on %s: conflicting files: %s",
		e.Branch, strings.Join(e.Files, ", "))
}

// Manager creates, merges, and removes per-task worktrees. Merge-backs are
// serialized: the primary working copy is shared state and two concurrent
// merges would race on its index.
type Manager struct {
	git GitRunner
	log *slog.Logger

	mergeMu sync.Mutex
}

// NewManager returns a Manager backed by the given GitRunner.
func NewManager(git GitRunner, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{git: git, log: log}
}

// Create provisions a worktree at <projectPath>/.worktrees/<shortID> on a
// fresh task/<shortID> branch cut from the primary branch tip. Calling it
// again for an existing worktree returns the existing path.
func (m *Manager) Create(ctx context.Context, projectPath, shortID string) (path, branch string, err error) {
	if err := protocol.ValidateShortID(shortID); err != nil {
		return "", "", fmt.Errorf("invalid task short id: %w", err)
	}

	path = filepath.Join(projectPath, protocol.WorktreesDir, shortID)
	branch = protocol.BranchPrefix + shortID

	if _, statErr := os.Stat(path); statErr == nil {
		return path, branch, nil
	}

	primary, err := m.primaryBranch(ctx, projectPath)
	if err != nil {
		return "", "", err
	}

	if _, stderr, err := m.git.Run(ctx, projectPath,
		"worktree", "add", path, "-b", branch, primary,
	); err != nil {
		return "", "", fmt.Errorf("worktree add %s: %w: %s", shortID, err, strings.TrimSpace(stderr))
	}

	return path, branch, nil
}

// Merge merges task/<shortID> back into the primary branch. It is safe to
// call while the primary copy is checked out on the task branch itself or
// on a preview/<shortID> branch: the primary copy is first switched back
// to the primary branch (auto-stashing local changes and restoring them
// afterward) and the preview branch is deleted.
//
// A conflicting merge is fully aborted and reported as *ConflictError;
// the primary copy is never left with a half-applied merge.
func (m *Manager) Merge(ctx context.Context, projectPath, shortID string) (*MergeResult, error) {
	if err := protocol.ValidateShortID(shortID); err != nil {
		return nil, fmt.Errorf("invalid task short id: %w", err)
	}

	m.mergeMu.Lock()
	defer m.mergeMu.Unlock()

	branch := protocol.BranchPrefix + shortID
	preview := protocol.PreviewBranchPrefix + shortID

	primary, err := m.primaryBranch(ctx, projectPath)
	if err != nil {
		return nil, err
	}

	restore, err := m.switchOffTaskBranch(ctx, projectPath, primary, branch, preview)
	if err != nil {
		return nil, err
	}
	defer restore()

	// Branch already gone: a prior merge completed and removed it.
	if !m.branchExists(ctx, projectPath, branch) {
		sha, _, err := m.git.Run(ctx, projectPath, "rev-parse", "HEAD")
		if err != nil {
			return nil, fmt.Errorf("rev-parse HEAD: %w", err)
		}
		return &MergeResult{CommitSHA: strings.TrimSpace(sha)}, nil
	}

	// Nothing to merge: every branch commit is already reachable from the
	// primary branch.
	count, _, err := m.git.Run(ctx, projectPath, "rev-list", "--count", primary+".."+branch)
	if err == nil && strings.TrimSpace(count) == "0" {
		sha, _, err := m.git.Run(ctx, projectPath, "rev-parse", primary)
		if err != nil {
			return nil, fmt.Errorf("rev-parse %s: %w", primary, err)
		}
		return &MergeResult{CommitSHA: strings.TrimSpace(sha)}, nil
	}

	_, stderr, err := m.git.Run(ctx, projectPath,
		"merge", "--no-ff", "--no-edit", branch)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("merge cancelled: %w", ctx.Err())
		}
		return nil, m.handleMergeFailure(ctx, projectPath, branch, stderr)
	}

	sha, _, err := m.git.Run(ctx, projectPath, "rev-parse", "HEAD")
	if err != nil {
		return nil, fmt.Errorf("rev-parse HEAD: %w", err)
	}
	return &MergeResult{CommitSHA: strings.TrimSpace(sha)}, nil
}

// MergeMainIntoWorktree merges the primary branch into the task's isolated
// copy. On conflict the markers are deliberately left in place so a
// follow-up agent session can resolve them where they sit; the returned
// list names the conflicting files. A clean merge returns (nil, nil).
func (m *Manager) MergeMainIntoWorktree(ctx context.Context, projectPath, shortID string) ([]string, error) {
	if err := protocol.ValidateShortID(shortID); err != nil {
		return nil, fmt.Errorf("invalid task short id: %w", err)
	}

	wt := filepath.Join(projectPath, protocol.WorktreesDir, shortID)
	primary, err := m.primaryBranch(ctx, projectPath)
	if err != nil {
		return nil, err
	}

	_, stderr, err := m.git.Run(ctx, wt, "merge", "--no-edit", primary)
	if err == nil {
		return nil, nil
	}

	files := m.conflictFiles(ctx, wt)
	if len(files) == 0 {
		return nil, fmt.Errorf("merge %s into worktree %s: %s", primary, shortID, strings.TrimSpace(stderr))
	}
	return files, nil
}

// Remove tears down the task's worktree and branch. Best-effort: every
// step is attempted, failures are logged, and an already-absent worktree
// is a no-op. Only an invalid short id is reported as an error.
func (m *Manager) Remove(ctx context.Context, projectPath, shortID string) error {
	if err := protocol.ValidateShortID(shortID); err != nil {
		return fmt.Errorf("invalid task short id: %w", err)
	}

	path := filepath.Join(projectPath, protocol.WorktreesDir, shortID)
	branch := protocol.BranchPrefix + shortID

	if _, _, err := m.git.Run(ctx, projectPath, "worktree", "remove", path, "--force"); err != nil {
		if _, statErr := os.Stat(path); statErr == nil {
			m.log.Warn("worktree remove failed, falling back to rm", "path", path, "err", err)
			_ = os.RemoveAll(path)
			_, _, _ = m.git.Run(ctx, projectPath, "worktree", "prune")
		}
	}

	if m.branchExists(ctx, projectPath, branch) {
		if _, _, err := m.git.Run(ctx, projectPath, "branch", "-D", branch); err != nil {
			m.log.Warn("branch delete failed", "branch", branch, "err", err)
		}
	}
	return nil
}

// Prune cleans up orphaned worktree state left by a previous crash. It
// runs `git worktree prune`, then removes everything under .worktrees/.
// Always returns nil; a missing directory means nothing to clean.
func (m *Manager) Prune(ctx context.Context, projectPath string) error {
	_, _, _ = m.git.Run(ctx, projectPath, "worktree", "prune")

	worktreesDir := filepath.Join(projectPath, protocol.WorktreesDir)
	entries, err := os.ReadDir(worktreesDir)
	if err != nil {
		return nil //nolint:nilerr // missing dir is expected, not an error
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		_ = os.RemoveAll(filepath.Join(worktreesDir, entry.Name()))
	}
	return nil
}

// --- helpers ---

// switchOffTaskBranch moves the primary working copy off the task or
// preview branch so the merge can run against the primary branch. Local
// changes are auto-stashed; the returned restore func pops them after the
// merge. When the primary copy is already on the primary branch the
// restore func is a no-op.
func (m *Manager) switchOffTaskBranch(ctx context.Context, projectPath, primary, branch, preview string) (restore func(), err error) {
	noop := func() {}

	current, _, err := m.git.Run(ctx, projectPath, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return noop, fmt.Errorf("resolve current branch: %w", err)
	}
	current = strings.TrimSpace(current)
	if current != branch && current != preview {
		return noop, nil
	}

	stashOut, _, _ := m.git.Run(ctx, projectPath,
		"stash", "push", "--include-untracked", "-m", "foreman-merge-autostash")
	stashed := !strings.Contains(stashOut, "No local changes")

	if _, stderr, err := m.git.Run(ctx, projectPath, "checkout", primary); err != nil {
		if stashed {
			_, _, _ = m.git.Run(ctx, projectPath, "stash", "pop")
		}
		return noop, fmt.Errorf("checkout %s: %w: %s", primary, err, strings.TrimSpace(stderr))
	}

	if current == preview || m.branchExists(ctx, projectPath, preview) {
		_, _, _ = m.git.Run(ctx, projectPath, "branch", "-D", preview)
	}

	return func() {
		if stashed {
			if _, _, err := m.git.Run(ctx, projectPath, "stash", "pop"); err != nil {
				m.log.Warn("restore auto-stash failed", "project", projectPath, "err", err)
			}
		}
	}, nil
}

// primaryBranch resolves the branch merges target: origin's HEAD when a
// remote is configured, otherwise local main or master.
func (m *Manager) primaryBranch(ctx context.Context, dir string) (string, error) {
	out, _, err := m.git.Run(ctx, dir, "symbolic-ref", "--short", "refs/remotes/origin/HEAD")
	if err == nil {
		return strings.TrimPrefix(strings.TrimSpace(out), "origin/"), nil
	}
	for _, name := range []string{"main", "master"} {
		if m.branchExists(ctx, dir, name) {
			return name, nil
		}
	}
	return "", fmt.Errorf("cannot determine primary branch in %s", dir)
}

func (m *Manager) branchExists(ctx context.Context, dir, branch string) bool {
	_, _, err := m.git.Run(ctx, dir, "rev-parse", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil
}

// handleMergeFailure aborts the in-progress merge and returns a
// *ConflictError with the conflicting files and a bounded diff excerpt,
// or a plain error when the failure was not a content conflict.
func (m *Manager) handleMergeFailure(ctx context.Context, projectPath, branch, mergeStderr string) error {
	files := m.conflictFiles(ctx, projectPath)

	var excerpt string
	if len(files) > 0 {
		diff, _, _ := m.git.Run(ctx, projectPath, "diff")
		excerpt = truncate(diff, maxDiffExcerpt)
	}

	// Abort before reporting — the primary copy must never be left with a
	// half-applied merge.
	_, _, _ = m.git.Run(ctx, projectPath, "merge", "--abort")

	if len(files) == 0 {
		return fmt.Errorf("merge %s failed: %s", branch, strings.TrimSpace(mergeStderr))
	}
	return &ConflictError{Files: files, DiffExcerpt: excerpt, Branch: branch}
}

func (m *Manager) conflictFiles(ctx context.Context, dir string) []string {
	out, _, err := m.git.Run(ctx, dir, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			files = append(files, line)
		}
	}
	return files
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "\n[diff truncated]"
}
