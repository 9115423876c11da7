package protocol

import "fmt"

// AlreadyRunningError rejects a start or continue call while a session for
// the task is still live. It enables typed discrimination via errors.As so
// callers handle the conflict explicitly instead of racing the session.
type AlreadyRunningError struct {
	TaskID string
}

func (e *AlreadyRunningError) Error() string {
	return fmt.Sprintf("session for task %s is already running", e.TaskID)
}

// NoSessionError rejects a continue call when neither an in-memory session
// nor a persisted continuation token exists for the task.
type NoSessionError struct {
	TaskID string
}

func (e *NoSessionError) Error() string {
	return fmt.Sprintf("no session to resume for task %s", e.TaskID)
}

// SpawnError wraps a failure to start the agent process. The scheduler
// rolls the task back to queued when it sees one.
type SpawnError struct {
	TaskID string
	Err    error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn agent for task %s: %v", e.TaskID, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }
