// Package cleanup tears down the resources of finished sessions after a
// grace period. Teardown is delayed, not immediate: a task that resumes
// within the window keeps its terminal scrollback and worktree, and the
// countdown is surfaced to users so the delay is visible rather than
// mysterious.
package cleanup

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"foreman/pkg/taskstore"
)

// DefaultGrace is the teardown delay applied when none is configured.
const DefaultGrace = time.Hour

// TaskStore persists captured terminal output onto the task.
type TaskStore interface {
	UpdateTask(ctx context.Context, id string, upd taskstore.TaskUpdate) (*taskstore.Task, error)
	LogEvent(ctx context.Context, evType, source, taskID, projectID, payload string) error
}

// TerminalController manages the lingering terminal attached to a task's
// session. Capture returns the terminal's final visible output; Kill
// removes the terminal. Both are no-ops when no terminal exists.
type TerminalController interface {
	Capture(ctx context.Context, taskID string) (string, error)
	Kill(ctx context.Context, taskID string) error
}

type entry struct {
	timer     *time.Timer
	expiresAt time.Time
}

// Manager owns the per-task teardown timers. A timer exists only for a
// task whose session has gone terminally idle; scheduling is idempotent
// (a new schedule replaces the old deadline) and cancellation of an
// unknown task is a safe no-op.
type Manager struct {
	grace time.Duration
	term  TerminalController
	store TaskStore
	log   *slog.Logger

	mu     sync.Mutex
	timers map[string]*entry

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// NewManager creates a Manager. A zero grace falls back to DefaultGrace;
// term may be nil when no terminal integration is configured.
func NewManager(grace time.Duration, term TerminalController, store TaskStore, log *slog.Logger) *Manager {
	if grace <= 0 {
		grace = DefaultGrace
	}
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		grace:   grace,
		term:    term,
		store:   store,
		log:     log,
		timers:  make(map[string]*entry),
		nowFunc: time.Now,
	}
}

// Schedule arms (or re-arms) the teardown timer for a task. Scheduling a
// task that already has a timer replaces the deadline, so repeated
// terminal transitions never stack timers.
func (m *Manager) Schedule(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prior, ok := m.timers[taskID]; ok {
		prior.timer.Stop()
	}
	m.timers[taskID] = &entry{
		timer:     time.AfterFunc(m.grace, func() { m.fire(taskID) }),
		expiresAt: m.nowFunc().Add(m.grace),
	}
}

// Cancel disarms a task's teardown timer. A task without a timer is a
// no-op; together with Schedule this makes schedule-then-cancel leave no
// trace.
func (m *Manager) Cancel(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.timers[taskID]; ok {
		e.timer.Stop()
		delete(m.timers, taskID)
	}
}

// ExpiresAt reports when a task's pending teardown fires, for countdown
// display. ok is false when no teardown is pending.
func (m *Manager) ExpiresAt(taskID string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.timers[taskID]
	if !ok {
		return time.Time{}, false
	}
	return e.expiresAt, true
}

// Pending returns the task ids with an armed teardown timer.
func (m *Manager) Pending() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.timers))
	for id := range m.timers {
		out = append(out, id)
	}
	return out
}

// Stop drains every pending timer without firing it. Called on shutdown;
// the startup crash-recovery pass covers whatever was left behind.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, e := range m.timers {
		e.timer.Stop()
		delete(m.timers, id)
	}
}

// fire performs the delayed teardown: capture the terminal's final
// output into the task's findings, then kill the terminal. A teardown
// canceled between the timer firing and this running is skipped.
func (m *Manager) fire(taskID string) {
	m.mu.Lock()
	if _, ok := m.timers[taskID]; !ok {
		m.mu.Unlock()
		return
	}
	delete(m.timers, taskID)
	m.mu.Unlock()

	ctx := context.Background()
	if m.term != nil {
		if output, err := m.term.Capture(ctx, taskID); err != nil {
			m.log.Warn("cleanup: capture terminal", "task", taskID, "err", err)
		} else if text := strings.TrimSpace(output); text != "" {
			captured := "Final terminal output:\n" + text
			if _, err := m.store.UpdateTask(ctx, taskID, taskstore.TaskUpdate{AppendFindings: &captured}); err != nil {
				m.log.Warn("cleanup: persist terminal output", "task", taskID, "err", err)
			}
		}
		if err := m.term.Kill(ctx, taskID); err != nil {
			m.log.Warn("cleanup: kill terminal", "task", taskID, "err", err)
		}
	}

	_ = m.store.LogEvent(ctx, "cleanup_fired", "cleanup", taskID, "", "")
	m.log.Info("cleanup fired", "task", taskID)
}
