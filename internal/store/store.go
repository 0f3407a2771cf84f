// Package store persists workspace settings, source repository mappings, the
// worktree registry, tasks and task runs.
package store

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when an optimistic-concurrency version check fails.
	ErrConflict = errors.New("version conflict")
)

// WorkspaceSettings are per-team overrides of the configured workspace defaults.
type WorkspaceSettings struct {
	TeamScope                string
	WorktreeMode             string // legacy|codex-style; empty means configured default
	WorktreePath             string // legacy projects root
	CodexWorktreePathPattern string // codex-style worktree base
	UpdatedAt                time.Time
}

// SourceRepoMapping records where a team keeps a local clone of a project.
type SourceRepoMapping struct {
	TeamScope       string
	ProjectFullName string
	LocalRepoPath   string
	LastVerifiedAt  time.Time
}

// WorktreeRecord is one entry of the worktree registry.
type WorktreeRecord struct {
	TeamScope       string
	ProjectFullName string
	RepoURL         string
	Branch          string
	WorktreePath    string
	OriginPath      string
	SourceRepoPath  string
	Mode            string
	CreatedAt       time.Time
	LastUsedAt      time.Time
}

// Task is the parent of task runs; it names the project to work on.
type Task struct {
	ID              string
	TeamScope       string
	Title           string
	ProjectFullName string
	BaseBranch      string
	CreatedAt       time.Time
}

// TaskRun is one agent run of a task. Version increments on every write.
type TaskRun struct {
	ID           string
	TaskID       string
	TeamScope    string
	NewBranch    string
	WorktreePath string
	Version      int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// WorktreeFilter narrows ListWorktrees. Zero values match everything.
type WorktreeFilter struct {
	TeamScope  string
	UsedBefore time.Time
}
