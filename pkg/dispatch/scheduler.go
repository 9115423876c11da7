// Package dispatch is the admission-control core: it decides when an
// in-progress task actually gets an agent session, enforces the
// per-project execution mode, and runs the merge-back flow when parallel
// work finishes. Tasks queue rather than fail when the mode disallows
// another concurrent session.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"foreman/pkg/protocol"
	"foreman/pkg/session"
	"foreman/pkg/taskstore"
	"foreman/pkg/worktree"

	"github.com/fsnotify/fsnotify"
)

// Store is the task-store surface the scheduler uses.
type Store interface {
	GetProject(ctx context.Context, id string) (*taskstore.Project, error)
	ListProjects(ctx context.Context) ([]taskstore.Project, error)
	ExecutionMode(ctx context.Context, projectID string) (protocol.ExecutionMode, error)
	GetTask(ctx context.Context, id string) (*taskstore.Task, error)
	ListColumn(ctx context.Context, projectID string, status protocol.TaskStatus) ([]taskstore.Task, error)
	UpdateTask(ctx context.Context, id string, upd taskstore.TaskUpdate) (*taskstore.Task, error)
	LogEvent(ctx context.Context, evType, source, taskID, projectID, payload string) error
}

// Worktrees isolates parallel mutating tasks in git worktrees.
type Worktrees interface {
	Create(ctx context.Context, projectPath, shortID string) (path, branch string, err error)
	Merge(ctx context.Context, projectPath, shortID string) (*worktree.MergeResult, error)
	MergeMainIntoWorktree(ctx context.Context, projectPath, shortID string) ([]string, error)
	Remove(ctx context.Context, projectPath, shortID string) error
}

// Sessions is the session-runtime surface the scheduler drives.
type Sessions interface {
	Start(ctx context.Context, opts session.StartOpts) (*session.Session, error)
	Stop(taskID string) error
	Clear(taskID string)
}

// Cleaner schedules delayed teardown for finished tasks.
type Cleaner interface {
	Schedule(taskID string)
	Cancel(taskID string)
}

// Config holds Scheduler configuration.
type Config struct {
	SignalsDir           string        // Directory watched for dispatch triggers.
	FallbackPollInterval time.Duration // Safety-net poll interval (default 60s).
}

func (c Config) withDefaults() Config {
	out := c
	if out.FallbackPollInterval == 0 {
		out.FallbackPollInterval = 60 * time.Second
	}
	return out
}

// Scheduler owns dispatch decisions for every project.
type Scheduler struct {
	cfg       Config
	store     Store
	worktrees Worktrees
	sessions  Sessions
	cleaner   Cleaner
	log       *slog.Logger

	// mu guards inFlight: at most one ProcessQueue pass per project.
	mu       sync.Mutex
	inFlight map[string]bool

	// notify, when set, runs detached on every dispatch; failures are
	// logged and never affect the dispatch itself.
	notify func(task *taskstore.Task)
}

// NewScheduler creates a Scheduler.
func NewScheduler(cfg Config, store Store, wt Worktrees, sessions Sessions, cleaner Cleaner, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		cfg:       cfg.withDefaults(),
		store:     store,
		worktrees: wt,
		sessions:  sessions,
		cleaner:   cleaner,
		log:       log,
		inFlight:  make(map[string]bool),
	}
}

// SetNotifyHook registers a fire-and-forget dispatch notification.
func (s *Scheduler) SetNotifyHook(fn func(task *taskstore.Task)) {
	s.notify = fn
}

// InitialDispatchState decides how a task entering in-progress is
// admitted: parallel projects dispatch immediately; sequential projects
// dispatch only when no other in-progress task is being or has been
// dispatched, and queue otherwise. excludingTaskID is the entering task
// itself.
func (s *Scheduler) InitialDispatchState(ctx context.Context, projectID, excludingTaskID string) (protocol.DispatchState, error) {
	mode, err := s.store.ExecutionMode(ctx, projectID)
	if err != nil {
		return "", fmt.Errorf("execution mode for %s: %w", projectID, err)
	}
	if mode == protocol.ExecParallel {
		return protocol.DispatchStarting, nil
	}

	tasks, err := s.store.ListColumn(ctx, projectID, protocol.StatusInProgress)
	if err != nil {
		return "", fmt.Errorf("list in-progress for %s: %w", projectID, err)
	}
	for i := range tasks {
		if tasks[i].ID != excludingTaskID && tasks[i].Dispatch.Active() {
			return protocol.DispatchQueued, nil
		}
	}
	return protocol.DispatchStarting, nil
}

// ProcessQueue drains a project's dispatch queue. At most one pass runs
// per project at a time; a pass requested while one is active is skipped
// rather than queued, because the active pass will observe the state the
// request was made for.
func (s *Scheduler) ProcessQueue(ctx context.Context, projectID string) {
	s.mu.Lock()
	if s.inFlight[projectID] {
		s.mu.Unlock()
		return
	}
	s.inFlight[projectID] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.inFlight, projectID)
		s.mu.Unlock()
	}()

	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		s.log.Warn("process queue: load project", "project", projectID, "err", err)
		return
	}
	tasks, err := s.store.ListColumn(ctx, projectID, protocol.StatusInProgress)
	if err != nil {
		s.log.Warn("process queue: list tasks", "project", projectID, "err", err)
		return
	}

	var pending []taskstore.Task
	anyActive := false
	for i := range tasks {
		switch {
		case tasks[i].Dispatch == protocol.DispatchQueued:
			pending = append(pending, tasks[i])
		case tasks[i].Dispatch.Active():
			anyActive = true
		}
	}
	if len(pending) == 0 {
		return
	}

	if project.ExecutionMode == protocol.ExecSequential {
		// Exactly one live session per sequential project; the earliest
		// queued task goes next, and only once nothing else is live.
		if anyActive {
			return
		}
		if err := s.dispatch(ctx, project, &pending[0]); err != nil {
			s.log.Warn("dispatch", "task", pending[0].ID, "err", err)
		}
		return
	}

	for i := range pending {
		if err := s.dispatch(ctx, project, &pending[i]); err != nil {
			s.log.Warn("dispatch", "task", pending[i].ID, "err", err)
		}
	}
}

// dispatch launches one task's agent session: queued → starting →
// running, rolling back to queued on any failure so a task is never
// stranded in starting.
func (s *Scheduler) dispatch(ctx context.Context, project *taskstore.Project, task *taskstore.Task) error {
	starting := protocol.DispatchStarting
	if _, err := s.store.UpdateTask(ctx, task.ID, taskstore.TaskUpdate{Dispatch: &starting}); err != nil {
		return fmt.Errorf("mark starting: %w", err)
	}

	rollback := func() {
		queued := protocol.DispatchQueued
		if _, err := s.store.UpdateTask(ctx, task.ID, taskstore.TaskUpdate{Dispatch: &queued}); err != nil {
			s.log.Warn("rollback to queued", "task", task.ID, "err", err)
		}
	}

	dir := project.Path
	if project.ExecutionMode == protocol.ExecParallel && task.Mode.AllowsMutation() {
		path, branch, err := s.worktrees.Create(ctx, project.Path, protocol.ShortID(task.ID))
		if err != nil {
			// Degrade to the shared project directory rather than blocking
			// the task on worktree trouble.
			s.log.Warn("worktree create failed, using project path", "task", task.ID, "err", err)
		} else {
			dir = path
			if _, err := s.store.UpdateTask(ctx, task.ID, taskstore.TaskUpdate{
				WorktreePath: &path,
				Branch:       &branch,
			}); err != nil {
				rollback()
				return fmt.Errorf("persist worktree: %w", err)
			}
			task.WorktreePath = path
			task.Branch = branch
		}
	}

	if _, err := s.sessions.Start(ctx, session.StartOpts{
		TaskID:    task.ID,
		ProjectID: project.ID,
		Prompt:    buildPrompt(task),
		Dir:       dir,
	}); err != nil {
		rollback()
		return fmt.Errorf("start session: %w", err)
	}

	running := protocol.DispatchRunning
	if _, err := s.store.UpdateTask(ctx, task.ID, taskstore.TaskUpdate{Dispatch: &running}); err != nil {
		s.log.Warn("mark running", "task", task.ID, "err", err)
	}
	_ = s.store.LogEvent(ctx, "task_dispatched", "dispatch", task.ID, project.ID, dir)

	if s.notify != nil {
		t := *task
		go func() {
			defer func() {
				if r := recover(); r != nil {
					s.log.Warn("notify hook panic", "task", t.ID, "err", r)
				}
			}()
			s.notify(&t)
		}()
	}
	return nil
}

// HandleStatusChange reacts to a task moving between board columns.
// Entering in-progress admits it per the project's execution mode;
// leaving toward verify/done tears the session down, schedules delayed
// cleanup, runs merge-back for isolated work, and admits the next queued
// task.
func (s *Scheduler) HandleStatusChange(ctx context.Context, task *taskstore.Task, oldStatus protocol.TaskStatus) error {
	entering := task.Status == protocol.StatusInProgress && oldStatus != protocol.StatusInProgress
	leaving := oldStatus == protocol.StatusInProgress && task.Status != protocol.StatusInProgress

	switch {
	case entering:
		// A task coming back before its teardown fires keeps its worktree
		// and terminal.
		s.cleaner.Cancel(task.ID)
		state, err := s.InitialDispatchState(ctx, task.ProjectID, task.ID)
		if err != nil {
			return err
		}
		if state == protocol.DispatchQueued {
			if _, err := s.store.UpdateTask(ctx, task.ID, taskstore.TaskUpdate{Dispatch: &state}); err != nil {
				return fmt.Errorf("queue task %s: %w", task.ID, err)
			}
			return nil
		}
		project, err := s.store.GetProject(ctx, task.ProjectID)
		if err != nil {
			return fmt.Errorf("load project %s: %w", task.ProjectID, err)
		}
		if err := s.dispatch(ctx, project, task); err != nil {
			return fmt.Errorf("dispatch %s: %w", task.ID, err)
		}

	case leaving:
		// The agent may still be live when a human drags the task out;
		// stopping before clearing keeps one process per task.
		if err := s.sessions.Stop(task.ID); err != nil {
			s.log.Warn("stop session", "task", task.ID, "err", err)
		}
		s.sessions.Clear(task.ID)
		none := protocol.DispatchNone
		if _, err := s.store.UpdateTask(ctx, task.ID, taskstore.TaskUpdate{Dispatch: &none}); err != nil {
			return fmt.Errorf("clear dispatch for %s: %w", task.ID, err)
		}
		s.cleaner.Schedule(task.ID)

		if task.Status == protocol.StatusDone && task.WorktreePath != "" {
			if err := s.mergeBack(ctx, task); err != nil {
				return err
			}
		}
		s.ProcessQueue(ctx, task.ProjectID)

	case task.Status == protocol.StatusDone && task.WorktreePath != "":
		// verify → done with isolated work still unmerged.
		if err := s.mergeBack(ctx, task); err != nil {
			return err
		}
	}
	return nil
}

// mergeBack merges a finished task's branch into the project's primary
// branch. A clean merge clears the task's isolation fields and removes
// the worktree; a conflict records what clashed and returns the task to
// verify for resolution, leaving the primary branch untouched.
func (s *Scheduler) mergeBack(ctx context.Context, task *taskstore.Task) error {
	project, err := s.store.GetProject(ctx, task.ProjectID)
	if err != nil {
		return fmt.Errorf("load project %s: %w", task.ProjectID, err)
	}

	result, err := s.worktrees.Merge(ctx, project.Path, protocol.ShortID(task.ID))
	if err != nil {
		var conflict *worktree.ConflictError
		if !errors.As(err, &conflict) {
			return fmt.Errorf("merge %s: %w", task.ID, err)
		}
		verify := protocol.StatusVerify
		if _, uerr := s.store.UpdateTask(ctx, task.ID, taskstore.TaskUpdate{
			Status: &verify,
			MergeConflict: &protocol.MergeConflict{
				Message:     conflict.Error(),
				Files:       conflict.Files,
				DiffExcerpt: conflict.DiffExcerpt,
				Branch:      conflict.Branch,
			},
		}); uerr != nil {
			return fmt.Errorf("record merge conflict for %s: %w", task.ID, uerr)
		}
		_ = s.store.LogEvent(ctx, "merge_conflict", "dispatch", task.ID, task.ProjectID,
			strings.Join(conflict.Files, ","))
		return nil
	}

	empty := ""
	if _, err := s.store.UpdateTask(ctx, task.ID, taskstore.TaskUpdate{
		WorktreePath:       &empty,
		Branch:             &empty,
		ClearMergeConflict: true,
	}); err != nil {
		return fmt.Errorf("clear isolation fields for %s: %w", task.ID, err)
	}
	if err := s.worktrees.Remove(ctx, project.Path, protocol.ShortID(task.ID)); err != nil {
		s.log.Warn("remove worktree", "task", task.ID, "err", err)
	}
	_ = s.store.LogEvent(ctx, "merged", "dispatch", task.ID, task.ProjectID, result.CommitSHA)
	return nil
}

// ResolveConflict pulls the primary branch into the task's worktree so
// the conflict materializes as in-place markers, then returns the task
// to in-progress; the resolution session's prompt carries the conflict
// record.
func (s *Scheduler) ResolveConflict(ctx context.Context, taskID string) error {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("load task %s: %w", taskID, err)
	}
	if task.MergeConflict == nil {
		return fmt.Errorf("task %s has no merge conflict to resolve", taskID)
	}
	project, err := s.store.GetProject(ctx, task.ProjectID)
	if err != nil {
		return fmt.Errorf("load project %s: %w", task.ProjectID, err)
	}

	files, err := s.worktrees.MergeMainIntoWorktree(ctx, project.Path, protocol.ShortID(task.ID))
	if err != nil {
		return fmt.Errorf("stage conflict in worktree: %w", err)
	}
	_ = s.store.LogEvent(ctx, "conflict_staged", "dispatch", task.ID, task.ProjectID,
		strings.Join(files, ","))

	inProgress := protocol.StatusInProgress
	updated, err := s.store.UpdateTask(ctx, taskID, taskstore.TaskUpdate{Status: &inProgress})
	if err != nil {
		return fmt.Errorf("return task %s to in-progress: %w", taskID, err)
	}
	return s.HandleStatusChange(ctx, updated, protocol.StatusVerify)
}

// Run drives the trigger loop: dispatch signals dropped in the signals
// directory wake the queue immediately, with interval polling as a
// safety net. Falls back to pure polling when the watch cannot be
// established.
func (s *Scheduler) Run(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.runPoll(ctx)
		return
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(s.cfg.SignalsDir); err != nil {
		s.runPoll(ctx)
		return
	}

	ticker := time.NewTicker(s.cfg.FallbackPollInterval)
	defer ticker.Stop()

	s.processAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-watcher.Events:
			s.processAll(ctx)
		case werr := <-watcher.Errors:
			if werr != nil {
				s.log.Warn("signals watcher", "err", werr)
			}
		case <-ticker.C:
			s.processAll(ctx)
		}
	}
}

// runPoll is the fallback trigger loop when fsnotify is unavailable.
func (s *Scheduler) runPoll(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.FallbackPollInterval)
	defer ticker.Stop()

	s.processAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.processAll(ctx)
		}
	}
}

func (s *Scheduler) processAll(ctx context.Context) {
	projects, err := s.store.ListProjects(ctx)
	if err != nil {
		s.log.Warn("list projects", "err", err)
		return
	}
	for i := range projects {
		s.Reconcile(ctx, projects[i].ID)
	}
}

// HandleSessionTerminal runs the teardown for a task whose agent session
// reached a terminal status. The session runtime settles the task record
// before it notifies, so a task no longer showing in-progress has left
// the column: release its session, arm delayed cleanup, merge finished
// isolated work, and admit the next queued task.
func (s *Scheduler) HandleSessionTerminal(ctx context.Context, taskID string) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		s.log.Warn("session terminal: load task", "task", taskID, "err", err)
		return
	}
	if task.Status == protocol.StatusInProgress {
		// The settling update did not land; the poll pass retries.
		s.ProcessQueue(ctx, task.ProjectID)
		return
	}
	if err := s.HandleStatusChange(ctx, task, protocol.StatusInProgress); err != nil {
		s.log.Warn("session teardown", "task", taskID, "err", err)
	}
}

// Reconcile derives column transitions from persisted state. The board is
// edited by external processes that share only the database, so the
// scheduler cannot be handed every transition directly: an in-progress
// task with no dispatch state entered the column since the last pass, and
// a verify/done task still carrying one left it. Each derived transition
// goes through HandleStatusChange, then the queue is drained.
func (s *Scheduler) Reconcile(ctx context.Context, projectID string) {
	inProgress, err := s.store.ListColumn(ctx, projectID, protocol.StatusInProgress)
	if err != nil {
		s.log.Warn("reconcile: list in-progress", "project", projectID, "err", err)
		return
	}
	for i := range inProgress {
		if inProgress[i].Dispatch == protocol.DispatchNone {
			if err := s.HandleStatusChange(ctx, &inProgress[i], protocol.StatusTodo); err != nil {
				s.log.Warn("reconcile: task entered in-progress", "task", inProgress[i].ID, "err", err)
			}
		}
	}

	for _, status := range []protocol.TaskStatus{protocol.StatusVerify, protocol.StatusDone} {
		tasks, err := s.store.ListColumn(ctx, projectID, status)
		if err != nil {
			s.log.Warn("reconcile: list column", "project", projectID, "status", status, "err", err)
			return
		}
		for i := range tasks {
			t := &tasks[i]
			switch {
			case t.Dispatch != protocol.DispatchNone:
				if err := s.HandleStatusChange(ctx, t, protocol.StatusInProgress); err != nil {
					s.log.Warn("reconcile: task left in-progress", "task", t.ID, "err", err)
				}
			case status == protocol.StatusDone && t.WorktreePath != "" && t.MergeConflict == nil:
				if err := s.HandleStatusChange(ctx, t, protocol.StatusVerify); err != nil {
					s.log.Warn("reconcile: merge back", "task", t.ID, "err", err)
				}
			}
		}
	}

	s.ProcessQueue(ctx, projectID)
}

// buildPrompt renders the task into the agent's opening prompt.
func buildPrompt(task *taskstore.Task) string {
	var b strings.Builder
	b.WriteString("Work on the following task.\n\n")
	b.WriteString("Title: " + task.Title + "\n")
	if task.Description != "" {
		b.WriteString("\n" + task.Description + "\n")
	}
	if !task.Mode.AllowsMutation() {
		b.WriteString("\nThis is a read-only task: investigate and report, do not modify files.\n")
	}
	if task.MergeConflict != nil {
		b.WriteString("\nThe branch " + task.MergeConflict.Branch +
			" conflicts with the primary branch. Resolve the conflict markers in:\n")
		for _, f := range task.MergeConflict.Files {
			b.WriteString("  - " + f + "\n")
		}
		b.WriteString("Then commit the resolution.\n")
	}
	if task.Findings != "" {
		b.WriteString("\nPrior findings:\n" + task.Findings + "\n")
	}
	return b.String()
}
