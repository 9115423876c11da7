package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"foreman/pkg/protocol"
	"foreman/pkg/taskstore"
)

// fakeProcess is a scriptable agent process: tests push stdout lines and
// decide when and how it exits.
type fakeProcess struct {
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderr  io.Reader

	exited  chan struct{}
	exitErr error
	once    sync.Once

	mu            sync.Mutex
	terminated    bool
	stdoutDrained bool
	waitEarly     bool
}

func newFakeProcess(stderrText string) *fakeProcess {
	r, w := io.Pipe()
	return &fakeProcess{
		stdoutR: r,
		stdoutW: w,
		stderr:  strings.NewReader(stderrText),
		exited:  make(chan struct{}),
	}
}

func (p *fakeProcess) emit(line string) {
	_, _ = p.stdoutW.Write([]byte(line + "\n"))
}

func (p *fakeProcess) exitWith(err error) {
	p.once.Do(func() {
		p.exitErr = err
		_ = p.stdoutW.Close()
		close(p.exited)
	})
}

func (p *fakeProcess) Stdout() io.Reader { return &drainTracker{p: p} }
func (p *fakeProcess) Stderr() io.Reader { return p.stderr }

// drainTracker flags the process once its stdout has been read to EOF, so
// tests can check that Wait never ran with output still in flight.
type drainTracker struct{ p *fakeProcess }

func (d *drainTracker) Read(b []byte) (int, error) {
	n, err := d.p.stdoutR.Read(b)
	if err != nil {
		d.p.mu.Lock()
		d.p.stdoutDrained = true
		d.p.mu.Unlock()
	}
	return n, err
}

func (p *fakeProcess) Wait() error {
	<-p.exited
	p.mu.Lock()
	if !p.stdoutDrained {
		p.waitEarly = true
	}
	p.mu.Unlock()
	return p.exitErr
}

func (p *fakeProcess) waitRanEarly() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitEarly
}

func (p *fakeProcess) Terminate(time.Duration) error {
	p.mu.Lock()
	p.terminated = true
	p.mu.Unlock()
	p.exitWith(nil)
	return nil
}

func (p *fakeProcess) wasTerminated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminated
}

// fakeSpawner hands out pre-created processes in order and records every
// SpawnOpts it sees.
type fakeSpawner struct {
	mu    sync.Mutex
	queue []*fakeProcess
	opts  []SpawnOpts
	err   error
}

func (f *fakeSpawner) Spawn(_ context.Context, opts SpawnOpts) (Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.opts = append(f.opts, opts)
	if len(f.queue) == 0 {
		return nil, errors.New("no scripted process")
	}
	p := f.queue[0]
	f.queue = f.queue[1:]
	return p, nil
}

func (f *fakeSpawner) lastOpts() SpawnOpts {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opts[len(f.opts)-1]
}

// fakeTaskStore is an in-memory TaskStore applying the same merge
// semantics as the SQLite store.
type fakeTaskStore struct {
	mu     sync.Mutex
	tasks  map[string]*taskstore.Task
	events []string
}

func newFakeTaskStore(tasks ...*taskstore.Task) *fakeTaskStore {
	f := &fakeTaskStore{tasks: make(map[string]*taskstore.Task)}
	for _, t := range tasks {
		f.tasks[t.ID] = t
	}
	return f
}

func (f *fakeTaskStore) GetTask(_ context.Context, id string) (*taskstore.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: not found", id)
	}
	cp := *t
	return &cp, nil
}

func (f *fakeTaskStore) UpdateTask(_ context.Context, id string, upd taskstore.TaskUpdate) (*taskstore.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: not found", id)
	}
	if upd.Status != nil {
		t.Status = *upd.Status
	}
	if upd.Dispatch != nil {
		t.Dispatch = *upd.Dispatch
	}
	if upd.SessionID != nil {
		t.SessionID = *upd.SessionID
	}
	if upd.ContinuationToken != nil {
		t.ContinuationToken = *upd.ContinuationToken
	}
	if upd.SetBlocks {
		t.Blocks = upd.Blocks
	}
	if upd.AppendFindings != nil {
		if t.Findings != "" {
			t.Findings += "\n"
		}
		t.Findings += *upd.AppendFindings
	}
	if upd.AppendHumanSteps != nil {
		if t.HumanSteps != "" {
			t.HumanSteps += "\n"
		}
		t.HumanSteps += *upd.AppendHumanSteps
	}
	cp := *t
	return &cp, nil
}

func (f *fakeTaskStore) LogEvent(_ context.Context, evType, _, taskID, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, evType+":"+taskID)
	return nil
}

func (f *fakeTaskStore) task(id string) taskstore.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.tasks[id]
}

// recObserver records replay and live phases separately.
type recObserver struct {
	mu     sync.Mutex
	replay []protocol.Block
	live   []protocol.Block
}

func (o *recObserver) OnReplay(blocks []protocol.Block) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.replay = append([]protocol.Block(nil), blocks...)
}

func (o *recObserver) OnBlock(b protocol.Block) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.live = append(o.live, b)
}

func (o *recObserver) all() []protocol.Block {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := append([]protocol.Block(nil), o.replay...)
	return append(out, o.live...)
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

func newTestRuntime(store TaskStore, procs ...*fakeProcess) (*Runtime, *fakeSpawner) {
	sp := &fakeSpawner{queue: procs}
	return NewRuntime(Config{StopGrace: time.Millisecond}, sp, store, nil), sp
}

func blockTypes(blocks []protocol.Block) []protocol.BlockType {
	out := make([]protocol.BlockType, len(blocks))
	for i, b := range blocks {
		out[i] = b.Type
	}
	return out
}

func TestStart_NormalizesEventStream(t *testing.T) {
	t.Parallel()

	store := newFakeTaskStore(&taskstore.Task{ID: "t1", ProjectID: "p1", Status: protocol.StatusTodo})
	proc := newFakeProcess("")
	rt, _ := newTestRuntime(store, proc)

	s, err := rt.Start(context.Background(), StartOpts{TaskID: "t1", ProjectID: "p1", Prompt: "fix the bug"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	proc.emit(`{"type":"system","subtype":"init","session_id":"tok-1","model":"opus"}`)
	proc.emit(`{"type":"assistant","message":{"content":[` +
		`{"type":"thinking","thinking":"hmm"},` +
		`{"type":"text","text":"on it"},` +
		`{"type":"tool_use","id":"tu1","name":"Bash","input":{"command":"ls"}}]}}`)
	proc.emit(`{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"tu1","content":"a.go"}]}}`)
	proc.emit(`not json, ignore me`)
	proc.emit(`{"type":"result","subtype":"success","total_cost_usd":0.42,"duration_ms":900,"num_turns":3}`)
	proc.exitWith(nil)

	waitFor(t, "session done", func() bool { return s.Status() == protocol.SessionDone })

	blocks := s.Blocks()
	want := []protocol.BlockType{
		protocol.BlockStatus, protocol.BlockUser,
		protocol.BlockThinking, protocol.BlockText, protocol.BlockToolUse,
		protocol.BlockToolResult, protocol.BlockStatus,
	}
	got := blockTypes(blocks)
	if len(got) != len(want) {
		t.Fatalf("block types = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("block types = %v, want %v", got, want)
		}
	}

	if blocks[0].Status.Subtype != protocol.StatusInit || blocks[0].Status.Model != "opus" ||
		blocks[0].Status.Token != "tok-1" {
		t.Errorf("init block not annotated with model and token: %+v", blocks[0].Status)
	}
	final := blocks[len(blocks)-1].Status
	if final.Subtype != protocol.StatusComplete || final.CostUSD != 0.42 || final.NumTurns != 3 {
		t.Errorf("final status = %+v", final)
	}

	waitFor(t, "persistence", func() bool { return store.task("t1").ContinuationToken == "tok-1" })
	persisted := store.task("t1")
	if len(persisted.Blocks) != len(blocks) {
		t.Errorf("persisted %d blocks, session has %d", len(persisted.Blocks), len(blocks))
	}
	if persisted.SessionID != s.ID {
		t.Errorf("session id not persisted")
	}
}

func TestStart_SecondStartWhileRunningFails(t *testing.T) {
	t.Parallel()

	store := newFakeTaskStore(&taskstore.Task{ID: "t1", ProjectID: "p1"})
	proc := newFakeProcess("")
	rt, _ := newTestRuntime(store, proc)

	if _, err := rt.Start(context.Background(), StartOpts{TaskID: "t1", ProjectID: "p1", Prompt: "go"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	_, err := rt.Start(context.Background(), StartOpts{TaskID: "t1", ProjectID: "p1", Prompt: "again"})
	var already *protocol.AlreadyRunningError
	if !errors.As(err, &already) {
		t.Fatalf("expected AlreadyRunningError, got %v", err)
	}
	proc.exitWith(nil)
}

func TestStart_SpawnFailureLeavesNoSession(t *testing.T) {
	t.Parallel()

	store := newFakeTaskStore(&taskstore.Task{ID: "t1", ProjectID: "p1"})
	rt, sp := newTestRuntime(store)
	sp.err = errors.New("claude: command not found")

	_, err := rt.Start(context.Background(), StartOpts{TaskID: "t1", ProjectID: "p1", Prompt: "go"})
	var spawnErr *protocol.SpawnError
	if !errors.As(err, &spawnErr) {
		t.Fatalf("expected SpawnError, got %v", err)
	}
	if rt.Get("t1") != nil {
		t.Error("failed spawn left a session registered")
	}
}

func TestAttach_ReplayThenLiveCoversEveryBlockOnce(t *testing.T) {
	t.Parallel()

	store := newFakeTaskStore(&taskstore.Task{ID: "t1", ProjectID: "p1"})
	proc := newFakeProcess("")
	rt, _ := newTestRuntime(store, proc)

	s, err := rt.Start(context.Background(), StartOpts{TaskID: "t1", ProjectID: "p1", Prompt: "go"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	proc.emit(`{"type":"assistant","message":{"content":[{"type":"text","text":"one"}]}}`)
	proc.emit(`{"type":"assistant","message":{"content":[{"type":"text","text":"two"}]}}`)
	waitFor(t, "first blocks", func() bool { return len(s.Blocks()) >= 4 })

	obs := &recObserver{}
	detach, err := rt.Attach(context.Background(), "t1", obs)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	defer detach()

	proc.emit(`{"type":"assistant","message":{"content":[{"type":"text","text":"three"}]}}`)
	proc.emit(`{"type":"result","subtype":"success"}`)
	proc.exitWith(nil)
	waitFor(t, "session done", func() bool { return s.Status() == protocol.SessionDone })

	log := s.Blocks()
	seen := obs.all()
	if len(seen) != len(log) {
		t.Fatalf("observer saw %d blocks, log has %d", len(seen), len(log))
	}
	for i := range log {
		if seen[i].Type != log[i].Type {
			t.Fatalf("observer order diverges at %d: %s vs %s", i, seen[i].Type, log[i].Type)
		}
	}
}

func TestStop_AbortsOnceAndIgnoresLateResult(t *testing.T) {
	t.Parallel()

	store := newFakeTaskStore(&taskstore.Task{
		ID: "t1", ProjectID: "p1",
		Status: protocol.StatusInProgress, Dispatch: protocol.DispatchRunning,
	})
	proc := newFakeProcess("")
	rt, _ := newTestRuntime(store, proc)

	s, err := rt.Start(context.Background(), StartOpts{TaskID: "t1", ProjectID: "p1", Prompt: "go"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := rt.Stop("t1"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if s.Status() != protocol.SessionAborted {
		t.Fatalf("status = %s, want aborted", s.Status())
	}
	waitFor(t, "process terminated", proc.wasTerminated)

	blocks := s.Blocks()
	last := blocks[len(blocks)-1]
	if last.Type != protocol.BlockStatus || last.Status.Subtype != protocol.StatusAbort {
		t.Errorf("last block = %+v, want abort status", last)
	}

	// A result arriving after the stop must not re-finalize.
	proc.emit(`{"type":"result","subtype":"success"}`)
	proc.exitWith(nil)
	time.Sleep(50 * time.Millisecond)
	if s.Status() != protocol.SessionAborted {
		t.Errorf("late result overrode abort: %s", s.Status())
	}
	if got := len(s.Blocks()); got != len(blocks) {
		t.Errorf("late result appended blocks: %d -> %d", len(blocks), got)
	}

	// Stop is a no-op on a session that is not running.
	if err := rt.Stop("t1"); err != nil {
		t.Errorf("second stop: %v", err)
	}

	// An aborted session still settles its task; otherwise a sequential
	// project would never admit the next queued task.
	waitFor(t, "task settled", func() bool { return store.task("t1").Status == protocol.StatusVerify })
	if task := store.task("t1"); task.Dispatch != protocol.DispatchNone {
		t.Errorf("dispatch = %q, want cleared after abort", task.Dispatch)
	}
}

func TestStop_TerminalHookSeesSettledTask(t *testing.T) {
	t.Parallel()

	store := newFakeTaskStore(&taskstore.Task{
		ID: "t1", ProjectID: "p1",
		Status: protocol.StatusInProgress, Dispatch: protocol.DispatchRunning,
	})
	proc := newFakeProcess("")
	rt, _ := newTestRuntime(store, proc)

	type settled struct {
		status   protocol.TaskStatus
		dispatch protocol.DispatchState
		session  protocol.SessionStatus
	}
	got := make(chan settled, 1)
	rt.SetTerminalHook(func(taskID string, status protocol.SessionStatus) {
		task := store.task(taskID)
		got <- settled{task.Status, task.Dispatch, status}
	})

	if _, err := rt.Start(context.Background(), StartOpts{TaskID: "t1", ProjectID: "p1", Prompt: "go"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := rt.Stop("t1"); err != nil {
		t.Fatalf("stop: %v", err)
	}

	select {
	case ev := <-got:
		if ev.session != protocol.SessionAborted {
			t.Errorf("hook status = %s, want aborted", ev.session)
		}
		if ev.status != protocol.StatusVerify || ev.dispatch != protocol.DispatchNone {
			t.Errorf("hook saw unsettled task: status=%s dispatch=%q", ev.status, ev.dispatch)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("terminal hook never fired after stop")
	}
}

func TestExit_TerminalHookSeesSettledTask(t *testing.T) {
	t.Parallel()

	store := newFakeTaskStore(&taskstore.Task{
		ID: "t1", ProjectID: "p1",
		Status: protocol.StatusInProgress, Dispatch: protocol.DispatchRunning,
	})
	proc := newFakeProcess("")
	rt, _ := newTestRuntime(store, proc)

	type settled struct {
		status   protocol.TaskStatus
		dispatch protocol.DispatchState
	}
	got := make(chan settled, 1)
	rt.SetTerminalHook(func(taskID string, _ protocol.SessionStatus) {
		task := store.task(taskID)
		got <- settled{task.Status, task.Dispatch}
	})

	if _, err := rt.Start(context.Background(), StartOpts{TaskID: "t1", ProjectID: "p1", Prompt: "go"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	proc.emit(`{"type":"result","subtype":"success"}`)
	proc.exitWith(nil)

	select {
	case ev := <-got:
		if ev.status != protocol.StatusVerify || ev.dispatch != protocol.DispatchNone {
			t.Errorf("hook saw unsettled task: status=%s dispatch=%q", ev.status, ev.dispatch)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("terminal hook never fired")
	}
}

func TestExit_WaitsForStdoutBeforeReapingProcess(t *testing.T) {
	t.Parallel()

	store := newFakeTaskStore(&taskstore.Task{ID: "t1", ProjectID: "p1"})
	proc := newFakeProcess("")
	rt, _ := newTestRuntime(store, proc)

	s, err := rt.Start(context.Background(), StartOpts{TaskID: "t1", ProjectID: "p1", Prompt: "go"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	// The result line and the exit land back to back; the final block
	// must come from the result event, never from exit synthesis.
	proc.emit(`{"type":"result","subtype":"success","total_cost_usd":0.07,"num_turns":2}`)
	proc.exitWith(nil)
	waitFor(t, "session done", func() bool { return s.Status() == protocol.SessionDone })

	final := s.Blocks()[len(s.Blocks())-1].Status
	if final.Subtype != protocol.StatusComplete || final.NumTurns != 2 {
		t.Errorf("final status = %+v, want the result event's payload", final)
	}
	if proc.waitRanEarly() {
		t.Error("process reaped before its stdout was drained")
	}
}

func TestExit_SafetyNetMovesInProgressTaskToVerify(t *testing.T) {
	t.Parallel()

	store := newFakeTaskStore(&taskstore.Task{
		ID: "t1", ProjectID: "p1",
		Status: protocol.StatusInProgress, Dispatch: protocol.DispatchRunning,
	})
	proc := newFakeProcess("panic: nil deref\n")
	rt, _ := newTestRuntime(store, proc)

	s, err := rt.Start(context.Background(), StartOpts{TaskID: "t1", ProjectID: "p1", Prompt: "go"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	proc.exitWith(errors.New("exit status 2"))
	waitFor(t, "safety net", func() bool { return store.task("t1").Status == protocol.StatusVerify })

	task := store.task("t1")
	if task.Dispatch != protocol.DispatchNone {
		t.Errorf("dispatch = %q, want cleared", task.Dispatch)
	}
	if !strings.Contains(task.Findings, "panic: nil deref") {
		t.Errorf("stderr not captured into findings: %q", task.Findings)
	}
	if s.Status() != protocol.SessionError {
		t.Errorf("session status = %s, want error", s.Status())
	}
	final := s.Blocks()[len(s.Blocks())-1].Status
	if final.Subtype != protocol.StatusError || !strings.Contains(final.ErrorText, "panic") {
		t.Errorf("final status = %+v", final)
	}
}

func TestExit_UnansweredQuestionBecomesHumanStep(t *testing.T) {
	t.Parallel()

	store := newFakeTaskStore(&taskstore.Task{ID: "t1", ProjectID: "p1", Status: protocol.StatusInProgress})
	proc := newFakeProcess("")
	rt, _ := newTestRuntime(store, proc)

	if _, err := rt.Start(context.Background(), StartOpts{TaskID: "t1", ProjectID: "p1", Prompt: "go"}); err != nil {
		t.Fatalf("start: %v", err)
	}

	proc.emit(`{"type":"assistant","message":{"content":[` +
		`{"type":"tool_use","id":"q1","name":"AskUserQuestion","input":{"question":"Deploy to prod?"}}]}}`)
	proc.exitWith(nil)

	waitFor(t, "safety net", func() bool { return store.task("t1").Status == protocol.StatusVerify })
	if steps := store.task("t1").HumanSteps; !strings.Contains(steps, "Deploy to prod?") {
		t.Errorf("unanswered question not surfaced: %q", steps)
	}
}

func TestContinue_WithoutTokenFails(t *testing.T) {
	t.Parallel()

	store := newFakeTaskStore(&taskstore.Task{ID: "t1", ProjectID: "p1"})
	rt, _ := newTestRuntime(store)

	_, err := rt.Continue(context.Background(), ContinueOpts{TaskID: "t1", Text: "and then?"})
	var noSession *protocol.NoSessionError
	if !errors.As(err, &noSession) {
		t.Fatalf("expected NoSessionError, got %v", err)
	}
}

func TestContinue_ResumesFromPersistedToken(t *testing.T) {
	t.Parallel()

	prior := []protocol.Block{
		protocol.NewUserBlock("fix the bug", nil),
		protocol.NewTextBlock("done"),
	}
	store := newFakeTaskStore(&taskstore.Task{
		ID: "t1", ProjectID: "p1",
		SessionID: "s-old", ContinuationToken: "tok-9", Blocks: prior,
	})
	proc := newFakeProcess("")
	rt, sp := newTestRuntime(store, proc)

	s, err := rt.Continue(context.Background(), ContinueOpts{
		TaskID: "t1", Text: "also update the docs", Dir: "/work/t1",
		Attachments: []string{"notes.md"},
	})
	if err != nil {
		t.Fatalf("continue: %v", err)
	}

	opts := sp.lastOpts()
	if opts.Resume != "tok-9" {
		t.Errorf("resume token = %q, want tok-9", opts.Resume)
	}
	if opts.Dir != "/work/t1" || !strings.Contains(opts.Prompt, "also update the docs") {
		t.Errorf("spawn opts = %+v", opts)
	}
	if !strings.Contains(opts.Prompt, "notes.md") {
		t.Errorf("attachments missing from prompt: %q", opts.Prompt)
	}

	blocks := s.Blocks()
	if len(blocks) != 3 || blocks[0].Type != protocol.BlockUser || blocks[2].Type != protocol.BlockUser {
		t.Fatalf("history not reconstructed: %v", blockTypes(blocks))
	}
	if blocks[2].User.Text != "also update the docs" || len(blocks[2].User.Attachments) != 1 {
		t.Errorf("followup block = %+v", blocks[2].User)
	}

	proc.emit(`{"type":"result","subtype":"success"}`)
	proc.exitWith(nil)
	waitFor(t, "session done", func() bool { return s.Status() == protocol.SessionDone })
}

func TestContinue_WhileRunningFails(t *testing.T) {
	t.Parallel()

	store := newFakeTaskStore(&taskstore.Task{ID: "t1", ProjectID: "p1"})
	proc := newFakeProcess("")
	rt, _ := newTestRuntime(store, proc)

	if _, err := rt.Start(context.Background(), StartOpts{TaskID: "t1", ProjectID: "p1", Prompt: "go"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	_, err := rt.Continue(context.Background(), ContinueOpts{TaskID: "t1", Text: "more"})
	var already *protocol.AlreadyRunningError
	if !errors.As(err, &already) {
		t.Fatalf("expected AlreadyRunningError, got %v", err)
	}
	proc.exitWith(nil)
}

func TestAttach_AfterClearReplaysPersistedLog(t *testing.T) {
	t.Parallel()

	store := newFakeTaskStore(&taskstore.Task{ID: "t1", ProjectID: "p1"})
	proc := newFakeProcess("")
	rt, _ := newTestRuntime(store, proc)

	s, err := rt.Start(context.Background(), StartOpts{TaskID: "t1", ProjectID: "p1", Prompt: "go"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	proc.emit(`{"type":"result","subtype":"success"}`)
	proc.exitWith(nil)
	waitFor(t, "session done", func() bool { return s.Status() == protocol.SessionDone })
	want := len(s.Blocks())

	rt.Clear("t1")
	if rt.Get("t1") != nil {
		t.Fatal("clear left the session registered")
	}

	obs := &recObserver{}
	detach, err := rt.Attach(context.Background(), "t1", obs)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	detach()
	if len(obs.all()) != want {
		t.Errorf("replayed %d blocks, want %d", len(obs.all()), want)
	}
}

func TestTerminalHookFires(t *testing.T) {
	t.Parallel()

	store := newFakeTaskStore(&taskstore.Task{ID: "t1", ProjectID: "p1"})
	proc := newFakeProcess("")
	rt, _ := newTestRuntime(store, proc)

	type terminal struct {
		taskID string
		status protocol.SessionStatus
	}
	got := make(chan terminal, 1)
	rt.SetTerminalHook(func(taskID string, status protocol.SessionStatus) {
		got <- terminal{taskID, status}
	})

	if _, err := rt.Start(context.Background(), StartOpts{TaskID: "t1", ProjectID: "p1", Prompt: "go"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	proc.emit(`{"type":"result","subtype":"success"}`)
	proc.exitWith(nil)

	select {
	case ev := <-got:
		if ev.taskID != "t1" || ev.status != protocol.SessionDone {
			t.Errorf("hook got %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("terminal hook never fired")
	}
}

func TestQuestionText(t *testing.T) {
	t.Parallel()

	single := &protocol.ToolUsePayload{Input: []byte(`{"question":"Which DB?"}`)}
	if got := questionText(single); got != "Which DB?" {
		t.Errorf("single = %q", got)
	}
	multi := &protocol.ToolUsePayload{Input: []byte(`{"questions":[{"question":"A?"},{"question":"B?"}]}`)}
	if got := questionText(multi); got != "A?; B?" {
		t.Errorf("multi = %q", got)
	}
	opaque := &protocol.ToolUsePayload{Input: []byte(`{"x":1}`)}
	if got := questionText(opaque); got != `{"x":1}` {
		t.Errorf("opaque = %q", got)
	}
}
