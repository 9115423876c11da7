// Package taskstore persists the project board consumed by the dispatch
// engine: projects with their execution mode, tasks with their dispatch and
// session state, and a runtime event log. All field mutation goes through
// UpdateTask, a partial merge guarded by a per-project write lock so that
// concurrent read-modify-write updates never silently overwrite each
// other's fields.
package taskstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"foreman/pkg/protocol"

	"github.com/google/uuid"
)

// Task is one board card plus its dispatch, isolation, and session state.
type Task struct {
	ID                string
	ProjectID         string
	Title             string
	Description       string
	Status            protocol.TaskStatus
	Dispatch          protocol.DispatchState
	Mode              protocol.TaskMode
	RenderMode        string
	Position          int
	WorktreePath      string
	Branch            string
	MergeConflict     *protocol.MergeConflict
	Findings          string
	HumanSteps        string
	SessionID         string
	ContinuationToken string
	Blocks            []protocol.Block
	CreatedAt         string
	UpdatedAt         string
}

// Project is one board, carrying the per-project admission policy.
type Project struct {
	ID            string
	Name          string
	Path          string
	ExecutionMode protocol.ExecutionMode
	CreatedAt     string
	UpdatedAt     string
}

// TaskUpdate is a partial field merge applied by UpdateTask. Nil pointers
// leave the field untouched. Findings and HumanSteps accumulate: the given
// text is appended to the existing value rather than replacing it.
type TaskUpdate struct {
	Title              *string
	Description        *string
	Status             *protocol.TaskStatus
	Dispatch           *protocol.DispatchState
	Mode               *protocol.TaskMode
	RenderMode         *string
	Position           *int
	WorktreePath       *string
	Branch             *string
	MergeConflict      *protocol.MergeConflict
	ClearMergeConflict bool
	AppendFindings     *string
	AppendHumanSteps   *string
	SessionID          *string
	ContinuationToken  *string
	Blocks             []protocol.Block
	SetBlocks          bool
}

// Store is a SQLite-backed task store.
type Store struct {
	db *sql.DB

	mu        sync.Mutex
	projLocks map[string]*sync.Mutex
}

// NewStore creates a Store on an already-opened database. The schema must
// have been applied (see Open).
func NewStore(db *sql.DB) *Store {
	return &Store{
		db:        db,
		projLocks: make(map[string]*sync.Mutex),
	}
}

// DB exposes the underlying handle for schema application and shutdown.
func (s *Store) DB() *sql.DB { return s.db }

// projectLock returns the write lock for a project, creating it on first use.
func (s *Store) projectLock(projectID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.projLocks[projectID]
	if !ok {
		l = &sync.Mutex{}
		s.projLocks[projectID] = l
	}
	return l
}

// --- Projects ---

// CreateProject inserts a project and returns it. An empty id is replaced
// with a fresh UUID; an empty execution mode defaults to sequential.
func (s *Store) CreateProject(ctx context.Context, id, name, path string, mode protocol.ExecutionMode) (*Project, error) {
	if id == "" {
		id = uuid.NewString()
	}
	if mode == "" {
		mode = protocol.ExecSequential
	}
	if !mode.Valid() {
		return nil, fmt.Errorf("invalid execution mode %q", mode)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO projects (id, name, path, execution_mode) VALUES (?, ?, ?, ?)`,
		id, name, path, string(mode))
	if err != nil {
		return nil, fmt.Errorf("create project %s: %w", name, err)
	}
	return s.GetProject(ctx, id)
}

// GetProject loads one project by id.
func (s *Store) GetProject(ctx context.Context, id string) (*Project, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, path, execution_mode, created_at, updated_at FROM projects WHERE id = ?`, id)
	var p Project
	var mode string
	if err := row.Scan(&p.ID, &p.Name, &p.Path, &mode, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, fmt.Errorf("get project %s: %w", id, err)
	}
	p.ExecutionMode = protocol.ExecutionMode(mode)
	return &p, nil
}

// ListProjects returns all projects ordered by creation time.
func (s *Store) ListProjects(ctx context.Context) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, path, execution_mode, created_at, updated_at FROM projects ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Project
	for rows.Next() {
		var p Project
		var mode string
		if err := rows.Scan(&p.ID, &p.Name, &p.Path, &mode, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		p.ExecutionMode = protocol.ExecutionMode(mode)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate projects: %w", err)
	}
	return out, nil
}

// ExecutionMode returns the project's admission policy.
func (s *Store) ExecutionMode(ctx context.Context, projectID string) (protocol.ExecutionMode, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT execution_mode FROM projects WHERE id = ?`, projectID)
	var mode string
	if err := row.Scan(&mode); err != nil {
		return "", fmt.Errorf("get execution mode for %s: %w", projectID, err)
	}
	return protocol.ExecutionMode(mode), nil
}

// SetExecutionMode updates the project's admission policy.
func (s *Store) SetExecutionMode(ctx context.Context, projectID string, mode protocol.ExecutionMode) error {
	if !mode.Valid() {
		return fmt.Errorf("invalid execution mode %q", mode)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE projects SET execution_mode = ?, updated_at = datetime('now') WHERE id = ?`,
		string(mode), projectID)
	if err != nil {
		return fmt.Errorf("set execution mode for %s: %w", projectID, err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return fmt.Errorf("project %s not found", projectID)
	}
	return nil
}

// --- Tasks ---

const taskColumns = `id, project_id, title, description, status, dispatch, mode, render_mode,
	position, worktree_path, branch, merge_conflict, findings, human_steps,
	session_id, continuation_token, blocks, created_at, updated_at`

// CreateTask inserts a task at the end of its project's todo column unless
// a status is set. An empty id is replaced with a fresh UUID.
func (s *Store) CreateTask(ctx context.Context, t Task) (*Task, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.ProjectID == "" {
		return nil, fmt.Errorf("task %q has no project", t.Title)
	}
	if t.Status == "" {
		t.Status = protocol.StatusTodo
	}
	if t.Mode == "" {
		t.Mode = protocol.ModeCode
	}
	if t.RenderMode == "" {
		t.RenderMode = "log"
	}
	if t.Position == 0 {
		row := s.db.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(position), 0) + 1 FROM tasks WHERE project_id = ?`, t.ProjectID)
		if err := row.Scan(&t.Position); err != nil {
			return nil, fmt.Errorf("next position for %s: %w", t.ProjectID, err)
		}
	}

	conflictJSON, err := encodeConflict(t.MergeConflict)
	if err != nil {
		return nil, err
	}
	blocksJSON, err := protocol.EncodeBlocks(t.Blocks)
	if err != nil {
		return nil, fmt.Errorf("encode blocks: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, project_id, title, description, status, dispatch, mode, render_mode,
			position, worktree_path, branch, merge_conflict, findings, human_steps,
			session_id, continuation_token, blocks)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ProjectID, t.Title, t.Description, string(t.Status), string(t.Dispatch),
		string(t.Mode), t.RenderMode, t.Position, t.WorktreePath, t.Branch, conflictJSON,
		t.Findings, t.HumanSteps, t.SessionID, t.ContinuationToken, blocksJSON)
	if err != nil {
		return nil, fmt.Errorf("create task %q: %w", t.Title, err)
	}
	return s.GetTask(ctx, t.ID)
}

// GetTask loads one task by id.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var t Task
	var status, dispatch, mode, conflictJSON, blocksJSON string
	err := row.Scan(&t.ID, &t.ProjectID, &t.Title, &t.Description, &status, &dispatch,
		&mode, &t.RenderMode, &t.Position, &t.WorktreePath, &t.Branch, &conflictJSON,
		&t.Findings, &t.HumanSteps, &t.SessionID, &t.ContinuationToken, &blocksJSON,
		&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	t.Status = protocol.TaskStatus(status)
	t.Dispatch = protocol.DispatchState(dispatch)
	t.Mode = protocol.TaskMode(mode)
	if t.MergeConflict, err = decodeConflict(conflictJSON); err != nil {
		return nil, err
	}
	if t.Blocks, err = protocol.DecodeBlocks(blocksJSON); err != nil {
		return nil, fmt.Errorf("decode blocks for task %s: %w", t.ID, err)
	}
	return &t, nil
}

// ListColumn returns the tasks of one board column in position order.
// List order is priority: the dispatch scheduler admits the earliest
// pending task with no secondary sort.
func (s *Store) ListColumn(ctx context.Context, projectID string, status protocol.TaskStatus) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE project_id = ? AND status = ? ORDER BY position, created_at`,
		projectID, string(status))
	if err != nil {
		return nil, fmt.Errorf("list column %s/%s: %w", projectID, status, err)
	}
	defer func() { _ = rows.Close() }()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate column: %w", err)
	}
	return out, nil
}

// AllTasks returns a project's tasks grouped by status, each column in
// position order.
func (s *Store) AllTasks(ctx context.Context, projectID string) (map[protocol.TaskStatus][]Task, error) {
	out := make(map[protocol.TaskStatus][]Task)
	for _, status := range []protocol.TaskStatus{
		protocol.StatusTodo, protocol.StatusInProgress, protocol.StatusVerify, protocol.StatusDone,
	} {
		tasks, err := s.ListColumn(ctx, projectID, status)
		if err != nil {
			return nil, err
		}
		out[status] = tasks
	}
	return out, nil
}

// UpdateTask applies a partial field merge and bumps updated_at. The whole
// read-modify-write runs under the project's write lock so that concurrent
// updates to the same task never drop each other's fields.
func (s *Store) UpdateTask(ctx context.Context, taskID string, upd TaskUpdate) (*Task, error) {
	// Resolve the owning project outside the lock; the project of a task
	// never changes.
	row := s.db.QueryRowContext(ctx, `SELECT project_id FROM tasks WHERE id = ?`, taskID)
	var projectID string
	if err := row.Scan(&projectID); err != nil {
		return nil, fmt.Errorf("resolve project for task %s: %w", taskID, err)
	}

	lock := s.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	t, err := s.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	applyUpdate(t, upd)

	conflictJSON, err := encodeConflict(t.MergeConflict)
	if err != nil {
		return nil, err
	}
	blocksJSON, err := protocol.EncodeBlocks(t.Blocks)
	if err != nil {
		return nil, fmt.Errorf("encode blocks: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE tasks SET title=?, description=?, status=?, dispatch=?, mode=?, render_mode=?,
			position=?, worktree_path=?, branch=?, merge_conflict=?, findings=?, human_steps=?,
			session_id=?, continuation_token=?, blocks=?, updated_at=datetime('now')
		 WHERE id=?`,
		t.Title, t.Description, string(t.Status), string(t.Dispatch), string(t.Mode),
		t.RenderMode, t.Position, t.WorktreePath, t.Branch, conflictJSON, t.Findings,
		t.HumanSteps, t.SessionID, t.ContinuationToken, blocksJSON, taskID)
	if err != nil {
		return nil, fmt.Errorf("update task %s: %w", taskID, err)
	}
	return s.GetTask(ctx, taskID)
}

func applyUpdate(t *Task, upd TaskUpdate) {
	if upd.Title != nil {
		t.Title = *upd.Title
	}
	if upd.Description != nil {
		t.Description = *upd.Description
	}
	if upd.Status != nil {
		t.Status = *upd.Status
	}
	if upd.Dispatch != nil {
		t.Dispatch = *upd.Dispatch
	}
	if upd.Mode != nil {
		t.Mode = *upd.Mode
	}
	if upd.RenderMode != nil {
		t.RenderMode = *upd.RenderMode
	}
	if upd.Position != nil {
		t.Position = *upd.Position
	}
	if upd.WorktreePath != nil {
		t.WorktreePath = *upd.WorktreePath
	}
	if upd.Branch != nil {
		t.Branch = *upd.Branch
	}
	if upd.ClearMergeConflict {
		t.MergeConflict = nil
	} else if upd.MergeConflict != nil {
		t.MergeConflict = upd.MergeConflict
	}
	if upd.AppendFindings != nil && *upd.AppendFindings != "" {
		t.Findings = appendText(t.Findings, *upd.AppendFindings)
	}
	if upd.AppendHumanSteps != nil && *upd.AppendHumanSteps != "" {
		t.HumanSteps = appendText(t.HumanSteps, *upd.AppendHumanSteps)
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
}

func appendText(existing, addition string) string {
	if existing == "" {
		return addition
	}
	return existing + "\n" + strings.TrimRight(addition, "\n")
}

// ResetOrphanedDispatch rolls any starting/running dispatch state back to
// queued. Called once at process start: a prior crash can leave tasks
// claiming to run with no live session behind them.
func (s *Store) ResetOrphanedDispatch(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET dispatch='queued', updated_at=datetime('now')
		 WHERE dispatch IN ('starting', 'running')`)
	if err != nil {
		return 0, fmt.Errorf("reset orphaned dispatch: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// --- Event log ---

// LogEvent appends one row to the runtime event log.
func (s *Store) LogEvent(ctx context.Context, evType, source, taskID, projectID, payload string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (type, source, task_id, project_id, payload) VALUES (?, ?, ?, ?, ?)`,
		evType, source, taskID, projectID, payload)
	if err != nil {
		return fmt.Errorf("log event: %w", err)
	}
	return nil
}

// --- helpers ---

func encodeConflict(c *protocol.MergeConflict) (string, error) {
	if c == nil {
		return "", nil
	}
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("encode merge conflict: %w", err)
	}
	return string(data), nil
}

func decodeConflict(raw string) (*protocol.MergeConflict, error) {
	if raw == "" {
		return nil, nil
	}
	var c protocol.MergeConflict
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return nil, fmt.Errorf("decode merge conflict: %w", err)
	}
	return &c, nil
}
