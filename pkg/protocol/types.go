package protocol

// TaskStatus is a task's board column.
type TaskStatus string

// Task status constants.
const (
	StatusTodo       TaskStatus = "todo"
	StatusInProgress TaskStatus = "in-progress"
	StatusVerify     TaskStatus = "verify"
	StatusDone       TaskStatus = "done"
)

// DispatchState is a task's admission sub-status, distinct from its board
// status. Empty means the task is not in the dispatch pipeline.
type DispatchState string

// Dispatch state constants.
const (
	DispatchNone     DispatchState = ""
	DispatchQueued   DispatchState = "queued"
	DispatchStarting DispatchState = "starting"
	DispatchRunning  DispatchState = "running"
)

// Active reports whether the state counts against sequential admission.
func (d DispatchState) Active() bool {
	return d == DispatchStarting || d == DispatchRunning
}

// TaskMode selects what the agent session is allowed to do.
type TaskMode string

// Task mode constants. Plan and answer sessions must not mutate sources,
// so they never receive an isolated worktree.
const (
	ModeCode   TaskMode = "code"
	ModePlan   TaskMode = "plan"
	ModeAnswer TaskMode = "answer"
)

// AllowsMutation reports whether the mode permits source changes.
func (m TaskMode) AllowsMutation() bool {
	return m == ModeCode || m == ""
}

// ExecutionMode is the per-project admission policy.
type ExecutionMode string

// Execution mode constants.
const (
	ExecSequential ExecutionMode = "sequential"
	ExecParallel   ExecutionMode = "parallel"
)

// Valid reports whether m is a known execution mode.
func (m ExecutionMode) Valid() bool {
	return m == ExecSequential || m == ExecParallel
}

// SessionStatus is the lifecycle state of an in-memory session.
type SessionStatus string

// Session status constants. Done and error sessions can be resumed via a
// continuation; aborted is terminal.
const (
	SessionRunning SessionStatus = "running"
	SessionDone    SessionStatus = "done"
	SessionError   SessionStatus = "error"
	SessionAborted SessionStatus = "aborted"
)

// Terminal reports whether the session has stopped running.
func (s SessionStatus) Terminal() bool {
	return s == SessionDone || s == SessionError || s == SessionAborted
}

// MergeConflict records a failed merge-back for human or agent review.
type MergeConflict struct {
	Message     string   `json:"message"`
	Files       []string `json:"files"`
	DiffExcerpt string   `json:"diff_excerpt,omitempty"`
	Branch      string   `json:"branch"`
}
