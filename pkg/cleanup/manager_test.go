package cleanup

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"foreman/pkg/taskstore"
)

type fakeStore struct {
	mu       sync.Mutex
	findings map[string]string
	events   []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{findings: make(map[string]string)}
}

func (f *fakeStore) UpdateTask(_ context.Context, id string, upd taskstore.TaskUpdate) (*taskstore.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if upd.AppendFindings != nil {
		if f.findings[id] != "" {
			f.findings[id] += "\n"
		}
		f.findings[id] += *upd.AppendFindings
	}
	return &taskstore.Task{ID: id, Findings: f.findings[id]}, nil
}

func (f *fakeStore) LogEvent(_ context.Context, evType, _, taskID, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, evType+":"+taskID)
	return nil
}

func (f *fakeStore) taskFindings(id string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.findings[id]
}

type fakeTerminal struct {
	mu       sync.Mutex
	output   string
	captured []string
	killed   []string
}

func (f *fakeTerminal) Capture(_ context.Context, taskID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.captured = append(f.captured, taskID)
	return f.output, nil
}

func (f *fakeTerminal) Kill(_ context.Context, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, taskID)
	return nil
}

func (f *fakeTerminal) killCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.killed)
}

func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

func TestScheduleThenCancelLeavesNothing(t *testing.T) {
	t.Parallel()

	term := &fakeTerminal{}
	m := NewManager(20*time.Millisecond, term, newFakeStore(), nil)

	m.Schedule("t1")
	if _, ok := m.ExpiresAt("t1"); !ok {
		t.Fatal("no deadline after schedule")
	}
	m.Cancel("t1")
	if _, ok := m.ExpiresAt("t1"); ok {
		t.Fatal("deadline survived cancel")
	}

	time.Sleep(60 * time.Millisecond)
	if term.killCount() != 0 {
		t.Error("canceled teardown still fired")
	}
}

func TestCancelWithoutTimerIsNoOp(t *testing.T) {
	t.Parallel()

	m := NewManager(time.Hour, &fakeTerminal{}, newFakeStore(), nil)
	m.Cancel("never-scheduled")
}

func TestRescheduleReplacesDeadline(t *testing.T) {
	t.Parallel()

	term := &fakeTerminal{}
	m := NewManager(30*time.Millisecond, term, newFakeStore(), nil)

	m.Schedule("t1")
	first, _ := m.ExpiresAt("t1")
	time.Sleep(10 * time.Millisecond)
	m.Schedule("t1")
	second, _ := m.ExpiresAt("t1")
	if !second.After(first) {
		t.Errorf("reschedule did not push the deadline: %v -> %v", first, second)
	}

	waitFor(t, "teardown", func() bool { return term.killCount() > 0 })
	time.Sleep(60 * time.Millisecond)
	if term.killCount() != 1 {
		t.Errorf("stacked timers fired %d teardowns", term.killCount())
	}
	if len(m.Pending()) != 0 {
		t.Error("fired timer still pending")
	}
}

func TestFireCapturesTerminalIntoFindings(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	term := &fakeTerminal{output: "$ go test ./...\nok  \tfooman\t0.3s\n"}
	m := NewManager(10*time.Millisecond, term, store, nil)

	m.Schedule("t1")
	waitFor(t, "capture persisted", func() bool {
		return strings.Contains(store.taskFindings("t1"), "go test ./...")
	})
	if !strings.HasPrefix(store.taskFindings("t1"), "Final terminal output:") {
		t.Errorf("findings = %q", store.taskFindings("t1"))
	}
	waitFor(t, "terminal killed", func() bool { return term.killCount() == 1 })
}

func TestStopDrainsAllTimers(t *testing.T) {
	t.Parallel()

	term := &fakeTerminal{}
	m := NewManager(20*time.Millisecond, term, newFakeStore(), nil)
	for i := 0; i < 5; i++ {
		m.Schedule(fmt.Sprintf("t%d", i))
	}
	m.Stop()
	if got := len(m.Pending()); got != 0 {
		t.Fatalf("%d timers survived Stop", got)
	}
	time.Sleep(60 * time.Millisecond)
	if term.killCount() != 0 {
		t.Error("drained timer still fired")
	}
}

type scriptedRunner struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]error
}

func (r *scriptedRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	call := name + " " + strings.Join(args, " ")
	r.mu.Lock()
	r.calls = append(r.calls, call)
	r.mu.Unlock()
	for prefix, err := range r.fail {
		if strings.HasPrefix(call, prefix) {
			return nil, err
		}
	}
	if strings.HasPrefix(call, "tmux capture-pane") {
		return []byte("scrollback\n"), nil
	}
	return nil, nil
}

func (r *scriptedRunner) called(prefix string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.calls {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

func TestTmuxController_AbsentSessionIsNoOp(t *testing.T) {
	t.Parallel()

	runner := &scriptedRunner{fail: map[string]error{"tmux has-session": errors.New("no session")}}
	c := NewTmuxController("", runner)

	out, err := c.Capture(context.Background(), "abc123-rest")
	if err != nil || out != "" {
		t.Errorf("capture of absent terminal: %q, %v", out, err)
	}
	if err := c.Kill(context.Background(), "abc123-rest"); err != nil {
		t.Errorf("kill of absent terminal: %v", err)
	}
	if runner.called("tmux kill-session") {
		t.Error("kill-session issued for absent terminal")
	}
}

func TestTmuxController_CaptureAndKillTargetShortID(t *testing.T) {
	t.Parallel()

	runner := &scriptedRunner{}
	c := NewTmuxController("foreman-", runner)

	out, err := c.Capture(context.Background(), "abc123-def-456")
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if out != "scrollback\n" {
		t.Errorf("capture output = %q", out)
	}
	if err := c.Kill(context.Background(), "abc123-def-456"); err != nil {
		t.Fatalf("kill: %v", err)
	}
	if !runner.called("tmux capture-pane -p -t foreman-abc123") {
		t.Errorf("capture target wrong; calls: %v", runner.calls)
	}
	if !runner.called("tmux kill-session -t foreman-abc123") {
		t.Errorf("kill target wrong; calls: %v", runner.calls)
	}
}
