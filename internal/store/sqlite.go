package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements the record store on SQLite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens (and creates if needed) the database at dbPath.
// Use ":memory:" for an in-memory database.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		return nil, errors.New("sqlite path is empty")
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o750); err != nil {
			return nil, fmt.Errorf("create sqlite directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// One connection: keeps ":memory:" a single database and serializes writers.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := s.initialize(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

// Close releases the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Ping checks the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLiteStore) initialize(ctx context.Context) error {
	stmts := []string{
		"PRAGMA busy_timeout = 5000;",
		`CREATE TABLE IF NOT EXISTS workspace_settings (
			team_scope TEXT PRIMARY KEY,
			worktree_mode TEXT NOT NULL DEFAULT '',
			worktree_path TEXT NOT NULL DEFAULT '',
			codex_worktree_path_pattern TEXT NOT NULL DEFAULT '',
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS source_repo_mappings (
			team_scope TEXT NOT NULL,
			project_full_name TEXT NOT NULL,
			local_repo_path TEXT NOT NULL,
			last_verified_at TEXT NOT NULL,
			PRIMARY KEY (team_scope, project_full_name)
		);`,
		`CREATE TABLE IF NOT EXISTS worktrees (
			worktree_path TEXT PRIMARY KEY,
			team_scope TEXT NOT NULL,
			project_full_name TEXT NOT NULL,
			repo_url TEXT NOT NULL,
			branch TEXT NOT NULL,
			origin_path TEXT NOT NULL DEFAULT '',
			source_repo_path TEXT NOT NULL DEFAULT '',
			mode TEXT NOT NULL,
			created_at TEXT NOT NULL,
			last_used_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_worktrees_last_used ON worktrees(last_used_at);`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			team_scope TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			project_full_name TEXT NOT NULL DEFAULT '',
			base_branch TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS task_runs (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL REFERENCES tasks(id),
			team_scope TEXT NOT NULL,
			new_branch TEXT NOT NULL DEFAULT '',
			worktree_path TEXT NOT NULL DEFAULT '',
			version INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func notFound(err error, kind, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %q: %w", kind, id, ErrNotFound)
	}
	return fmt.Errorf("query %s: %w", kind, err)
}

// GetWorkspaceSettings returns the settings of teamScope or ErrNotFound.
func (s *SQLiteStore) GetWorkspaceSettings(ctx context.Context, teamScope string) (*WorkspaceSettings, error) {
	var ws WorkspaceSettings
	var updated string
	err := s.db.QueryRowContext(ctx,
		`SELECT team_scope, worktree_mode, worktree_path, codex_worktree_path_pattern, updated_at
		 FROM workspace_settings WHERE team_scope = ?`, teamScope,
	).Scan(&ws.TeamScope, &ws.WorktreeMode, &ws.WorktreePath, &ws.CodexWorktreePathPattern, &updated)
	if err != nil {
		return nil, notFound(err, "workspace settings", teamScope)
	}
	ws.UpdatedAt = parseTime(updated)
	return &ws, nil
}

// PutWorkspaceSettings creates or replaces the settings of ws.TeamScope.
func (s *SQLiteStore) PutWorkspaceSettings(ctx context.Context, ws *WorkspaceSettings) error {
	ws.UpdatedAt = s.now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workspace_settings (team_scope, worktree_mode, worktree_path, codex_worktree_path_pattern, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(team_scope) DO UPDATE SET
		   worktree_mode = excluded.worktree_mode,
		   worktree_path = excluded.worktree_path,
		   codex_worktree_path_pattern = excluded.codex_worktree_path_pattern,
		   updated_at = excluded.updated_at`,
		ws.TeamScope, ws.WorktreeMode, ws.WorktreePath, ws.CodexWorktreePathPattern, formatTime(ws.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert workspace settings: %w", err)
	}
	return nil
}

// GetSourceRepoMapping returns the local clone mapping of a project or ErrNotFound.
func (s *SQLiteStore) GetSourceRepoMapping(ctx context.Context, teamScope, projectFullName string) (*SourceRepoMapping, error) {
	var m SourceRepoMapping
	var verified string
	err := s.db.QueryRowContext(ctx,
		`SELECT team_scope, project_full_name, local_repo_path, last_verified_at
		 FROM source_repo_mappings WHERE team_scope = ? AND project_full_name = ?`, teamScope, projectFullName,
	).Scan(&m.TeamScope, &m.ProjectFullName, &m.LocalRepoPath, &verified)
	if err != nil {
		return nil, notFound(err, "source repo mapping", projectFullName)
	}
	m.LastVerifiedAt = parseTime(verified)
	return &m, nil
}

// UpsertSourceRepoMapping creates or replaces a mapping. A zero
// LastVerifiedAt is set to now.
func (s *SQLiteStore) UpsertSourceRepoMapping(ctx context.Context, m *SourceRepoMapping) error {
	if m.LastVerifiedAt.IsZero() {
		m.LastVerifiedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO source_repo_mappings (team_scope, project_full_name, local_repo_path, last_verified_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(team_scope, project_full_name) DO UPDATE SET
		   local_repo_path = excluded.local_repo_path,
		   last_verified_at = excluded.last_verified_at`,
		m.TeamScope, m.ProjectFullName, m.LocalRepoPath, formatTime(m.LastVerifiedAt))
	if err != nil {
		return fmt.Errorf("upsert source repo mapping: %w", err)
	}
	return nil
}

// TouchSourceRepoMapping refreshes LastVerifiedAt of an existing mapping.
func (s *SQLiteStore) TouchSourceRepoMapping(ctx context.Context, teamScope, projectFullName string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE source_repo_mappings SET last_verified_at = ? WHERE team_scope = ? AND project_full_name = ?`,
		formatTime(s.now()), teamScope, projectFullName)
	if err != nil {
		return fmt.Errorf("touch source repo mapping: %w", err)
	}
	return expectOne(res, "source repo mapping", projectFullName)
}

func expectOne(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %q: %w", kind, id, ErrNotFound)
	}
	return nil
}

// RegisterWorktree creates or refreshes the registry record for rec.WorktreePath.
func (s *SQLiteStore) RegisterWorktree(ctx context.Context, rec *WorktreeRecord) error {
	now := s.now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.LastUsedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO worktrees (worktree_path, team_scope, project_full_name, repo_url, branch, origin_path, source_repo_path, mode, created_at, last_used_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(worktree_path) DO UPDATE SET
		   team_scope = excluded.team_scope,
		   project_full_name = excluded.project_full_name,
		   repo_url = excluded.repo_url,
		   branch = excluded.branch,
		   origin_path = excluded.origin_path,
		   source_repo_path = excluded.source_repo_path,
		   mode = excluded.mode,
		   last_used_at = excluded.last_used_at`,
		rec.WorktreePath, rec.TeamScope, rec.ProjectFullName, rec.RepoURL, rec.Branch,
		rec.OriginPath, rec.SourceRepoPath, rec.Mode, formatTime(rec.CreatedAt), formatTime(rec.LastUsedAt))
	if err != nil {
		return fmt.Errorf("register worktree: %w", err)
	}
	return nil
}

// TouchWorktree marks a registered worktree as used now.
func (s *SQLiteStore) TouchWorktree(ctx context.Context, worktreePath string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE worktrees SET last_used_at = ? WHERE worktree_path = ?`,
		formatTime(s.now()), worktreePath)
	if err != nil {
		return fmt.Errorf("touch worktree: %w", err)
	}
	return expectOne(res, "worktree", worktreePath)
}

// ListWorktrees returns registry records matching f, least recently used first.
func (s *SQLiteStore) ListWorktrees(ctx context.Context, f WorktreeFilter) ([]WorktreeRecord, error) {
	var (
		where []string
		args  []any
	)
	if f.TeamScope != "" {
		where = append(where, "team_scope = ?")
		args = append(args, f.TeamScope)
	}
	if !f.UsedBefore.IsZero() {
		where = append(where, "last_used_at < ?")
		args = append(args, formatTime(f.UsedBefore))
	}
	q := `SELECT worktree_path, team_scope, project_full_name, repo_url, branch, origin_path, source_repo_path, mode, created_at, last_used_at FROM worktrees`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY last_used_at"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query worktrees: %w", err)
	}
	defer rows.Close()

	var out []WorktreeRecord
	for rows.Next() {
		var r WorktreeRecord
		var created, used string
		if err := rows.Scan(&r.WorktreePath, &r.TeamScope, &r.ProjectFullName, &r.RepoURL, &r.Branch,
			&r.OriginPath, &r.SourceRepoPath, &r.Mode, &created, &used); err != nil {
			return nil, fmt.Errorf("scan worktree: %w", err)
		}
		r.CreatedAt = parseTime(created)
		r.LastUsedAt = parseTime(used)
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteWorktree removes a registry record. Missing records are not an error.
func (s *SQLiteStore) DeleteWorktree(ctx context.Context, worktreePath string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM worktrees WHERE worktree_path = ?`, worktreePath); err != nil {
		return fmt.Errorf("delete worktree: %w", err)
	}
	return nil
}

// CreateTask inserts t, assigning an ID when empty.
func (s *SQLiteStore) CreateTask(ctx context.Context, t *Task) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.CreatedAt = s.now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, team_scope, title, project_full_name, base_branch, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, t.TeamScope, t.Title, t.ProjectFullName, t.BaseBranch, formatTime(t.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetTask returns a task by ID or ErrNotFound.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*Task, error) {
	var t Task
	var created string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, team_scope, title, project_full_name, base_branch, created_at FROM tasks WHERE id = ?`, id,
	).Scan(&t.ID, &t.TeamScope, &t.Title, &t.ProjectFullName, &t.BaseBranch, &created)
	if err != nil {
		return nil, notFound(err, "task", id)
	}
	t.CreatedAt = parseTime(created)
	return &t, nil
}

// CreateTaskRun inserts r at version 1, assigning an ID when empty.
func (s *SQLiteStore) CreateTaskRun(ctx context.Context, r *TaskRun) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	now := s.now()
	r.Version = 1
	r.CreatedAt, r.UpdatedAt = now, now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_runs (id, task_id, team_scope, new_branch, worktree_path, version, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.TaskID, r.TeamScope, r.NewBranch, r.WorktreePath, r.Version, formatTime(now), formatTime(now))
	if err != nil {
		return fmt.Errorf("insert task run: %w", err)
	}
	return nil
}

// GetTaskRun returns a task run by ID or ErrNotFound.
func (s *SQLiteStore) GetTaskRun(ctx context.Context, id string) (*TaskRun, error) {
	var r TaskRun
	var created, updated string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, task_id, team_scope, new_branch, worktree_path, version, created_at, updated_at FROM task_runs WHERE id = ?`, id,
	).Scan(&r.ID, &r.TaskID, &r.TeamScope, &r.NewBranch, &r.WorktreePath, &r.Version, &created, &updated)
	if err != nil {
		return nil, notFound(err, "task run", id)
	}
	r.CreatedAt = parseTime(created)
	r.UpdatedAt = parseTime(updated)
	return &r, nil
}

// UpdateTaskRunWorktreePath sets the worktree path of run id if its version
// is still expectedVersion, and returns the new version. A version mismatch
// yields ErrConflict; a missing run yields ErrNotFound.
func (s *SQLiteStore) UpdateTaskRunWorktreePath(ctx context.Context, id string, expectedVersion int64, path string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE task_runs SET worktree_path = ?, version = version + 1, updated_at = ? WHERE id = ? AND version = ?`,
		path, formatTime(s.now()), id, expectedVersion)
	if err != nil {
		return 0, fmt.Errorf("update task run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 1 {
		return expectedVersion + 1, nil
	}
	if _, gerr := s.GetTaskRun(ctx, id); gerr != nil {
		return 0, gerr
	}
	return 0, fmt.Errorf("task run %q at version %d: %w", id, expectedVersion, ErrConflict)
}
