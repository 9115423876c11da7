package session

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"foreman/pkg/protocol"
	"foreman/pkg/taskstore"

	"github.com/google/uuid"
)

// maxScanTokenSize sizes the stdout scanner buffer. Tool results can carry
// whole files in one JSON line.
const maxScanTokenSize = 1024 * 1024

// TaskStore is the slice of the task store the runtime needs: persistence
// of session state onto the owning task, and the safety-net status
// transition on abnormal exit.
type TaskStore interface {
	GetTask(ctx context.Context, id string) (*taskstore.Task, error)
	UpdateTask(ctx context.Context, id string, upd taskstore.TaskUpdate) (*taskstore.Task, error)
	LogEvent(ctx context.Context, evType, source, taskID, projectID, payload string) error
}

// Config holds Runtime tuning.
type Config struct {
	// StopGrace is how long Terminate waits between SIGTERM and SIGKILL.
	StopGrace time.Duration
	// Liveness, when non-zero, terminates a session whose agent has
	// emitted no event for the given duration. Zero disables the check.
	Liveness time.Duration
}

func (c Config) withDefaults() Config {
	out := c
	if out.StopGrace == 0 {
		out.StopGrace = 3 * time.Second
	}
	return out
}

// StartOpts describes a fresh session launch.
type StartOpts struct {
	TaskID    string
	ProjectID string
	Prompt    string
	Dir       string
	Model     string
}

// ContinueOpts describes a session continuation.
type ContinueOpts struct {
	TaskID      string
	ProjectID   string
	Text        string
	Dir         string
	Attachments []string
}

// Runtime owns the process-wide session registry, keyed by task id. It is
// initialized once at process start, populated on session start, and
// cleared on session teardown.
type Runtime struct {
	cfg     Config
	spawner Spawner
	store   TaskStore
	log     *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session

	// onTerminal is invoked (in its own goroutine) whenever a session
	// reaches a terminal status; the dispatch scheduler uses it to admit
	// the next queued task.
	onTerminal atomic.Pointer[func(taskID string, status protocol.SessionStatus)]
}

// NewRuntime creates a Runtime. The store may not be nil; every terminal
// transition persists the block log and continuation token through it.
func NewRuntime(cfg Config, spawner Spawner, store TaskStore, log *slog.Logger) *Runtime {
	if log == nil {
		log = slog.Default()
	}
	return &Runtime{
		cfg:      cfg.withDefaults(),
		spawner:  spawner,
		store:    store,
		log:      log,
		sessions: make(map[string]*Session),
	}
}

// SetTerminalHook registers the callback fired after a session finalizes.
func (r *Runtime) SetTerminalHook(hook func(taskID string, status protocol.SessionStatus)) {
	r.onTerminal.Store(&hook)
}

// Get returns the in-memory session for a task, or nil.
func (r *Runtime) Get(taskID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[taskID]
}

// Start creates a session for the task and spawns its agent process. It
// fails with *protocol.AlreadyRunningError when a session for the task is
// still running, and with *protocol.SpawnError when the process cannot be
// started (in which case no session is left behind).
func (r *Runtime) Start(ctx context.Context, opts StartOpts) (*Session, error) {
	r.mu.Lock()
	if existing, ok := r.sessions[opts.TaskID]; ok && existing.Status() == protocol.SessionRunning {
		r.mu.Unlock()
		return nil, &protocol.AlreadyRunningError{TaskID: opts.TaskID}
	}
	s := newSession(uuid.NewString(), opts.TaskID, opts.ProjectID)
	r.sessions[opts.TaskID] = s
	r.mu.Unlock()

	s.append(protocol.NewStatusBlock(protocol.StatusInit))
	s.append(protocol.NewUserBlock(opts.Prompt, nil))

	if _, err := r.store.UpdateTask(ctx, opts.TaskID, taskstore.TaskUpdate{SessionID: &s.ID}); err != nil {
		r.log.Warn("persist session id", "task", opts.TaskID, "err", err)
	}

	proc, err := r.spawner.Spawn(ctx, SpawnOpts{
		Prompt: opts.Prompt,
		Dir:    opts.Dir,
		Model:  opts.Model,
	})
	if err != nil {
		r.mu.Lock()
		delete(r.sessions, opts.TaskID)
		r.mu.Unlock()
		return nil, &protocol.SpawnError{TaskID: opts.TaskID, Err: err}
	}

	r.wire(s, proc)
	_ = r.store.LogEvent(ctx, "session_started", "session", opts.TaskID, opts.ProjectID, s.ID)
	return s, nil
}

// Continue resumes a completed session with a human followup. If no
// session is in memory it is reconstructed from the task's persisted
// continuation token and block log; *protocol.NoSessionError is returned
// when no token exists, and *protocol.AlreadyRunningError while the
// session is still live. Aborted sessions do not resume.
func (r *Runtime) Continue(ctx context.Context, opts ContinueOpts) (*Session, error) {
	r.mu.Lock()
	s, ok := r.sessions[opts.TaskID]
	if ok {
		switch {
		case s.Status() == protocol.SessionRunning:
			r.mu.Unlock()
			return nil, &protocol.AlreadyRunningError{TaskID: opts.TaskID}
		case !s.reopen():
			r.mu.Unlock()
			return nil, &protocol.NoSessionError{TaskID: opts.TaskID}
		}
	}
	r.mu.Unlock()

	if s == nil {
		task, err := r.store.GetTask(ctx, opts.TaskID)
		if err != nil {
			return nil, fmt.Errorf("load task %s: %w", opts.TaskID, err)
		}
		if task.ContinuationToken == "" {
			return nil, &protocol.NoSessionError{TaskID: opts.TaskID}
		}
		s = r.rebuild(task, opts.ProjectID)
	}

	text := opts.Text
	if len(opts.Attachments) > 0 {
		text += "\n\nAttached files:\n" + strings.Join(opts.Attachments, "\n")
	}
	s.append(protocol.NewUserBlock(opts.Text, opts.Attachments))

	proc, err := r.spawner.Spawn(ctx, SpawnOpts{
		Prompt: text,
		Dir:    opts.Dir,
		Resume: s.Token(),
	})
	if err != nil {
		// The followup block stays in the log; the session returns to a
		// resumable error state so a later attempt can retry.
		s.finalize(protocol.SessionError, protocol.Block{
			Type:   protocol.BlockStatus,
			Status: &protocol.StatusPayload{Subtype: protocol.StatusError, ErrorText: err.Error()},
		})
		r.persist(ctx, s)
		return nil, &protocol.SpawnError{TaskID: opts.TaskID, Err: err}
	}

	r.wire(s, proc)
	_ = r.store.LogEvent(ctx, "session_continued", "session", opts.TaskID, opts.ProjectID, s.ID)
	return s, nil
}

// rebuild reconstructs an in-memory session from the task's persisted
// state and registers it.
func (r *Runtime) rebuild(task *taskstore.Task, projectID string) *Session {
	if projectID == "" {
		projectID = task.ProjectID
	}
	id := task.SessionID
	if id == "" {
		id = uuid.NewString()
	}
	s := newSession(id, task.ID, projectID)
	s.mu.Lock()
	s.blocks = append(s.blocks, task.Blocks...)
	s.token = task.ContinuationToken
	s.mu.Unlock()

	r.mu.Lock()
	r.sessions[task.ID] = s
	r.mu.Unlock()
	return s
}

// Stop aborts a running session: appends an abort status block, marks the
// session aborted, and terminates the process. A no-op unless the session
// is running; the terminal-status guard in finalize makes this path and
// the process-exit path mutually exclusive finalizers. The exit watcher
// settles the task and fires the terminal notification once the process
// is gone.
func (r *Runtime) Stop(taskID string) error {
	s := r.Get(taskID)
	if s == nil {
		return nil
	}
	if !s.finalize(protocol.SessionAborted, protocol.NewStatusBlock(protocol.StatusAbort)) {
		return nil
	}

	ctx := context.Background()
	r.persist(ctx, s)
	_ = r.store.LogEvent(ctx, "session_aborted", "session", taskID, s.ProjectID, s.ID)

	s.mu.Lock()
	proc := s.proc
	s.mu.Unlock()
	if proc != nil {
		if err := proc.Terminate(r.cfg.StopGrace); err != nil {
			r.log.Warn("terminate agent", "task", taskID, "err", err)
		}
	} else {
		// No process means no exit watcher; settle and notify here.
		r.safetyNet(s)
		r.notifyTerminal(taskID, protocol.SessionAborted)
	}
	return nil
}

// Clear persists a session's state onto its task and drops it from the
// registry. Attaching afterwards replays the persisted log.
func (r *Runtime) Clear(taskID string) {
	s := r.Get(taskID)
	if s == nil {
		return
	}
	r.persist(context.Background(), s)
	r.mu.Lock()
	delete(r.sessions, taskID)
	r.mu.Unlock()
}

// Attach registers an observer on the task's session: a full replay
// first, then live blocks. When the session has been cleared from memory
// the persisted block log is replayed instead and there is no live phase.
// The returned func detaches the observer.
func (r *Runtime) Attach(ctx context.Context, taskID string, obs Observer) (func(), error) {
	if s := r.Get(taskID); s != nil {
		id := s.attach(obs)
		return func() { s.detach(id) }, nil
	}

	task, err := r.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("load task %s: %w", taskID, err)
	}
	obs.OnReplay(task.Blocks)
	return func() {}, nil
}

// --- process wiring ---

// wire connects a spawned process to the session: stderr capture, the
// stdout decode loop, the exit watcher, and (when configured) the
// liveness watchdog.
func (r *Runtime) wire(s *Session, proc Process) {
	s.mu.Lock()
	s.proc = proc
	s.mu.Unlock()

	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		_, _ = io.Copy(s.stderr, proc.Stderr())
	}()
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		r.readLoop(s, proc)
	}()
	go r.watchExit(s, proc, readDone, stderrDone)
	if r.cfg.Liveness > 0 {
		go r.watchLiveness(s, proc)
	}
}

// readLoop decodes the agent's stdout line by line. Partial lines are
// accumulated by the scanner; lines that fail to parse are silently
// skipped — agent processes may emit incidental non-protocol output.
func (r *Runtime) readLoop(s *Session, proc Process) {
	scanner := bufio.NewScanner(proc.Stdout())
	buf := make([]byte, maxScanTokenSize)
	scanner.Buffer(buf, maxScanTokenSize)

	for scanner.Scan() {
		ev, ok := protocol.DecodeEvent(scanner.Bytes())
		if !ok {
			continue
		}
		r.handleEvent(s, ev)
	}
}

// handleEvent turns one decoded agent event into zero or more blocks.
func (r *Runtime) handleEvent(s *Session, ev protocol.AgentEvent) {
	atomic.AddInt64(&s.eventSeq, 1)

	switch ev.Type {
	case protocol.EventSystem:
		if ev.Subtype == protocol.SubtypeInit {
			s.annotateInit(ev.SessionID, ev.Model)
			if ev.SessionID != "" {
				token := ev.SessionID
				if _, err := r.store.UpdateTask(context.Background(), s.TaskID,
					taskstore.TaskUpdate{ContinuationToken: &token}); err != nil {
					r.log.Warn("persist continuation token", "task", s.TaskID, "err", err)
				}
			}
		}

	case protocol.EventAssistant:
		if ev.Delta != nil && ev.Delta.Text != "" {
			s.append(protocol.NewStreamDeltaBlock(ev.Delta.Text))
		}
		if ev.Message == nil {
			return
		}
		for _, item := range ev.Message.Content {
			switch item.Type {
			case protocol.ContentText:
				if item.Text != "" {
					s.append(protocol.NewTextBlock(item.Text))
				}
			case protocol.ContentThinking:
				if item.Thinking != "" {
					s.append(protocol.NewThinkingBlock(item.Thinking))
				}
			case protocol.ContentToolUse:
				b := protocol.NewToolUseBlock(item.ID, item.Name, item.Input)
				s.noteToolUse(b.ToolUse)
				s.append(b)
			}
		}

	case protocol.EventUser:
		if ev.Message == nil {
			return
		}
		for _, item := range ev.Message.Content {
			if item.Type != protocol.ContentToolResult {
				continue
			}
			s.noteToolResult(item.ToolUseID)
			s.append(protocol.NewToolResultBlock(item.ToolUseID, item.ResultText(), item.IsError))
		}

	case protocol.EventResult:
		r.handleResult(s, ev)
	}
}

// handleResult applies the authoritative end-of-turn signal.
func (r *Runtime) handleResult(s *Session, ev protocol.AgentEvent) {
	subtype := protocol.StatusComplete
	status := protocol.SessionDone
	errText := ""
	if ev.IsError {
		subtype = protocol.StatusError
		status = protocol.SessionError
		errText = ev.Result
	}

	block := protocol.Block{
		Type: protocol.BlockStatus,
		Status: &protocol.StatusPayload{
			Subtype:    subtype,
			Model:      s.Model(),
			CostUSD:    ev.TotalCostUSD,
			DurationMS: ev.DurationMS,
			NumTurns:   ev.NumTurns,
			ErrorText:  errText,
		},
	}
	if !s.finalize(status, block) {
		return
	}

	// The exit watcher fires the terminal notification once the process
	// is gone and the task record has settled.
	ctx := context.Background()
	r.persist(ctx, s)
	_ = r.store.LogEvent(ctx, "session_"+string(status), "session", s.TaskID, s.ProjectID, s.ID)
}

// watchExit finalizes the session when the process exits without having
// sent a result event, applies the safety-net task transition, and fires
// the terminal notification. Notification comes last so the scheduler
// always observes the settled task record.
func (r *Runtime) watchExit(s *Session, proc Process, readDone, stderrDone <-chan struct{}) {
	// Wait closes the stdio pipes once the process exits; the decode and
	// capture loops must drain them first or a result line written just
	// before exit can be lost.
	<-readDone
	<-stderrDone
	waitErr := proc.Wait()

	if s.Status() == protocol.SessionRunning {
		code := exitCode(waitErr)
		errText := strings.TrimSpace(s.stderr.String())
		if errText == "" && waitErr != nil {
			errText = waitErr.Error()
		}

		subtype := protocol.StatusComplete
		status := protocol.SessionDone
		if code != 0 {
			subtype = protocol.StatusError
			status = protocol.SessionError
			if errText == "" {
				errText = fmt.Sprintf("agent exited with code %d", code)
			}
		}
		block := protocol.Block{
			Type:   protocol.BlockStatus,
			Status: &protocol.StatusPayload{Subtype: subtype, Model: s.Model(), ErrorText: errText},
		}
		if s.finalize(status, block) {
			ctx := context.Background()
			r.persist(ctx, s)
			_ = r.store.LogEvent(ctx, "session_exit", "session", s.TaskID, s.ProjectID,
				fmt.Sprintf(`{"code":%d}`, code))
		}
	}

	r.safetyNet(s)
	r.notifyTerminal(s.TaskID, s.Status())
}

// safetyNet settles a task whose session ended without the agent moving
// it off the board: a task still showing in-progress moves to verify with
// its dispatch cleared, captured error text lands in findings, and an
// unanswered interactive question becomes a human step rather than being
// silently dropped. Covers completions, abnormal exits, and explicit
// aborts alike; without it a stopped task would sit in-progress with a
// live dispatch state and wedge sequential admission.
func (r *Runtime) safetyNet(s *Session) {
	ctx := context.Background()
	task, err := r.store.GetTask(ctx, s.TaskID)
	if err != nil {
		r.log.Warn("safety net: load task", "task", s.TaskID, "err", err)
		return
	}
	if task.Status != protocol.StatusInProgress {
		return
	}

	upd := taskstore.TaskUpdate{}
	verify := protocol.StatusVerify
	none := protocol.DispatchNone
	upd.Status = &verify
	upd.Dispatch = &none

	if errText := strings.TrimSpace(s.stderr.String()); errText != "" {
		upd.AppendFindings = &errText
	}
	if pending := s.unansweredToolUse(); pending != nil && isQuestionTool(pending.Name) {
		step := "Agent asked a question that was never answered: " + questionText(pending)
		upd.AppendHumanSteps = &step
	}

	if _, err := r.store.UpdateTask(ctx, s.TaskID, upd); err != nil {
		r.log.Warn("safety net: update task", "task", s.TaskID, "err", err)
		return
	}
	_ = r.store.LogEvent(ctx, "safety_net", "session", s.TaskID, s.ProjectID, "")
}

// watchLiveness terminates a session whose agent has gone quiet past the
// configured liveness window. Disabled by default; see Config.Liveness.
func (r *Runtime) watchLiveness(s *Session, proc Process) {
	ticker := time.NewTicker(r.cfg.Liveness)
	defer ticker.Stop()

	last := atomic.LoadInt64(&s.eventSeq)
	for range ticker.C {
		if s.Status() != protocol.SessionRunning {
			return
		}
		cur := atomic.LoadInt64(&s.eventSeq)
		if cur == last {
			r.log.Warn("session liveness timeout", "task", s.TaskID)
			_ = proc.Terminate(r.cfg.StopGrace)
			return
		}
		last = cur
	}
}

// persist writes the session's block log, continuation token, and id onto
// the owning task so a process restart can reconstruct the session.
func (r *Runtime) persist(ctx context.Context, s *Session) {
	s.mu.Lock()
	blocks := s.snapshotLocked()
	token := s.token
	id := s.ID
	s.mu.Unlock()

	if _, err := r.store.UpdateTask(ctx, s.TaskID, taskstore.TaskUpdate{
		Blocks:            blocks,
		SetBlocks:         true,
		ContinuationToken: &token,
		SessionID:         &id,
	}); err != nil {
		r.log.Warn("persist session", "task", s.TaskID, "err", err)
	}
}

func (r *Runtime) notifyTerminal(taskID string, status protocol.SessionStatus) {
	if hook := r.onTerminal.Load(); hook != nil {
		go (*hook)(taskID, status)
	}
}

// isQuestionTool reports whether a tool invocation represents an
// interactive question to a human.
func isQuestionTool(name string) bool {
	lower := strings.ToLower(name)
	return strings.Contains(lower, "question") || lower == "ask_human"
}

// questionText extracts a readable question from a question-tool input,
// falling back to the raw input JSON.
func questionText(p *protocol.ToolUsePayload) string {
	var single struct {
		Question string `json:"question"`
	}
	if err := json.Unmarshal(p.Input, &single); err == nil && single.Question != "" {
		return single.Question
	}
	var multi struct {
		Questions []struct {
			Question string `json:"question"`
		} `json:"questions"`
	}
	if err := json.Unmarshal(p.Input, &multi); err == nil && len(multi.Questions) > 0 {
		parts := make([]string, 0, len(multi.Questions))
		for _, q := range multi.Questions {
			if q.Question != "" {
				parts = append(parts, q.Question)
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, "; ")
		}
	}
	return string(p.Input)
}
