package protocol

import (
	"fmt"
	"strings"
)

// Directory and path constants used throughout Foreman.
const (
	// WorktreesDir is the directory (relative to a project root) where
	// per-task git worktrees are created.
	WorktreesDir = ".worktrees"

	// BranchPrefix is the git branch prefix for task worktrees.
	BranchPrefix = "task/"

	// PreviewBranchPrefix is the git branch prefix for preview checkouts
	// of a task branch in the primary working copy.
	PreviewBranchPrefix = "preview/"
)

// ShortID derives the filesystem/branch-safe short id from a task id.
// Task ids are UUIDs; the first segment is unique enough per project and
// keeps branch names readable.
func ShortID(taskID string) string {
	if i := strings.IndexByte(taskID, '-'); i > 0 {
		return taskID[:i]
	}
	return taskID
}

// ValidateShortID rejects ids that could escape the worktrees directory
// when joined into a path or branch name.
func ValidateShortID(id string) error {
	if id == "" {
		return fmt.Errorf("empty id")
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_':
		default:
			return fmt.Errorf("id %q contains invalid character %q", id, r)
		}
	}
	return nil
}
