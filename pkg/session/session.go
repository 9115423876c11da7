// Package session runs agent processes on behalf of tasks: it spawns one
// external agent per active task, normalizes the agent's stream-JSON
// stdout into an append-only block log, and fans that log out to any
// number of attached observers with gap-free replay semantics. A session
// lives from process spawn until it is explicitly cleared; its block log
// and continuation token are persisted onto the owning task at every
// terminal transition so a process restart can reconstruct it.
package session

import (
	"sync"

	"foreman/pkg/protocol"
)

// Observer receives a session's block log: first a replay of everything
// appended so far, then every block appended afterward. Callbacks are
// invoked under the session lock, which is what guarantees an observer
// never misses or double-receives a block; they must not block for long.
type Observer interface {
	OnReplay(blocks []protocol.Block)
	OnBlock(block protocol.Block)
}

// Session is the in-memory state of one agent run.
type Session struct {
	ID        string
	TaskID    string
	ProjectID string

	mu        sync.Mutex
	status    protocol.SessionStatus
	blocks    []protocol.Block
	observers map[int]Observer
	nextObs   int

	token string // continuation token from the agent's init event
	model string

	// eventSeq counts decoded agent events; the liveness watchdog compares
	// it across ticks. Accessed atomically.
	eventSeq int64

	proc   Process
	stderr *boundedBuffer

	// pendingToolUse is the last tool invocation with no result yet; used
	// to surface unanswered interactive questions on abnormal exit.
	pendingToolUse *protocol.ToolUsePayload
}

func newSession(id, taskID, projectID string) *Session {
	return &Session{
		ID:        id,
		TaskID:    taskID,
		ProjectID: projectID,
		status:    protocol.SessionRunning,
		observers: make(map[int]Observer),
		stderr:    newBoundedBuffer(maxStderrCapture),
	}
}

// Status returns the session's lifecycle state.
func (s *Session) Status() protocol.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Token returns the continuation token, if one has been captured.
func (s *Session) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// Model returns the agent model name, once known.
func (s *Session) Model() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model
}

// Blocks returns a snapshot copy of the block log.
func (s *Session) Blocks() []protocol.Block {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() []protocol.Block {
	out := make([]protocol.Block, len(s.blocks))
	copy(out, s.blocks)
	return out
}

// append adds one block to the log and broadcasts it to every attached
// observer. Append and broadcast happen under one critical section so the
// broadcast order is exactly the log order.
func (s *Session) append(b protocol.Block) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendLocked(b)
}

func (s *Session) appendLocked(b protocol.Block) {
	s.blocks = append(s.blocks, b)
	for _, obs := range s.observers {
		obs.OnBlock(b)
	}
}

// attach replays the current log to obs, then registers it for live
// broadcast. The replay and the registration share one critical section:
// no block appended after the replay snapshot can be missed, and none in
// the snapshot can arrive twice.
func (s *Session) attach(obs Observer) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	obs.OnReplay(s.snapshotLocked())
	id := s.nextObs
	s.nextObs++
	s.observers[id] = obs
	return id
}

func (s *Session) detach(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.observers, id)
}

// annotateInit retroactively fills the model and continuation token on
// the most recent init status block, once the agent's system/init event
// arrives.
func (s *Session) annotateInit(token, model string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if token != "" {
		s.token = token
	}
	if model != "" {
		s.model = model
	}
	for i := len(s.blocks) - 1; i >= 0; i-- {
		if s.blocks[i].Type == protocol.BlockStatus && s.blocks[i].Status.Subtype == protocol.StatusInit {
			s.blocks[i].Status.Model = model
			s.blocks[i].Status.Token = token
			return
		}
	}
}

// noteToolUse records an invocation as pending until its result arrives.
func (s *Session) noteToolUse(p *protocol.ToolUsePayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingToolUse = p
}

// noteToolResult clears the pending invocation it answers.
func (s *Session) noteToolResult(toolUseID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pendingToolUse != nil && s.pendingToolUse.ID == toolUseID {
		s.pendingToolUse = nil
	}
}

// unansweredToolUse returns the pending invocation, or nil.
func (s *Session) unansweredToolUse() *protocol.ToolUsePayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingToolUse
}

// finalize transitions the session to a terminal status and appends the
// given status block, exactly once: the explicit-stop path and the
// process-exit path both call it, and only the first caller to observe
// the session still running performs the transition. reopen (Continue)
// moves a done/error session back to running separately.
func (s *Session) finalize(status protocol.SessionStatus, statusBlock protocol.Block) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != protocol.SessionRunning {
		return false
	}
	s.status = status
	s.appendLocked(statusBlock)
	return true
}

// reopen moves a resumable session back to running for a continuation.
// Aborted sessions are terminal and stay that way.
func (s *Session) reopen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != protocol.SessionDone && s.status != protocol.SessionError {
		return false
	}
	s.status = protocol.SessionRunning
	s.pendingToolUse = nil
	return true
}

// maxStderrCapture bounds captured agent stderr. Enough for a stack trace;
// a runaway process cannot balloon the orchestrator's memory.
const maxStderrCapture = 64 * 1024

// boundedBuffer is an io.Writer that keeps at most cap bytes, discarding
// the oldest input once full.
type boundedBuffer struct {
	mu  sync.Mutex
	buf []byte
	cap int
}

func newBoundedBuffer(capacity int) *boundedBuffer {
	return &boundedBuffer{cap: capacity}
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if len(b.buf) > b.cap {
		b.buf = b.buf[len(b.buf)-b.cap:]
	}
	return len(p), nil
}

func (b *boundedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
