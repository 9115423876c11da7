package protocol

// SchemaDDL defines the SQLite schema for the Foreman task store.
// Tables: projects, tasks, events.
// Execute against a SQLite database with: db.Exec(SchemaDDL)
const SchemaDDL = `
-- Projects: one row per board, carrying the admission policy
CREATE TABLE IF NOT EXISTS projects (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    path TEXT NOT NULL,
    execution_mode TEXT NOT NULL DEFAULT 'sequential',
    created_at TEXT NOT NULL DEFAULT (datetime('now')),
    updated_at TEXT NOT NULL DEFAULT (datetime('now'))
);

-- Tasks: board cards plus dispatch/session/isolation state
CREATE TABLE IF NOT EXISTS tasks (
    id TEXT PRIMARY KEY,
    project_id TEXT NOT NULL REFERENCES projects(id),
    title TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'todo',
    dispatch TEXT NOT NULL DEFAULT '',
    mode TEXT NOT NULL DEFAULT 'code',
    render_mode TEXT NOT NULL DEFAULT 'log',
    position INTEGER NOT NULL DEFAULT 0,
    worktree_path TEXT NOT NULL DEFAULT '',
    branch TEXT NOT NULL DEFAULT '',
    merge_conflict TEXT NOT NULL DEFAULT '',
    findings TEXT NOT NULL DEFAULT '',
    human_steps TEXT NOT NULL DEFAULT '',
    session_id TEXT NOT NULL DEFAULT '',
    continuation_token TEXT NOT NULL DEFAULT '',
    blocks TEXT NOT NULL DEFAULT '[]',
    created_at TEXT NOT NULL DEFAULT (datetime('now')),
    updated_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_tasks_project_status
    ON tasks(project_id, status, position);

-- Runtime event log: dispatch/session/merge lifecycle events
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY,
    type TEXT NOT NULL,
    source TEXT NOT NULL,
    task_id TEXT,
    project_id TEXT,
    payload TEXT,
    created_at TEXT NOT NULL DEFAULT (datetime('now'))
);
`
