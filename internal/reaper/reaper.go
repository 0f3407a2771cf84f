// Package reaper removes worktrees that have not been used for a while.
package reaper

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"git.home.luguber.info/inful/worktreed/internal/events"
	"git.home.luguber.info/inful/worktreed/internal/logfields"
	"git.home.luguber.info/inful/worktreed/internal/metrics"
	"git.home.luguber.info/inful/worktreed/internal/store"
	"git.home.luguber.info/inful/worktreed/internal/workspace"
	"git.home.luguber.info/inful/worktreed/internal/worktree"
)

// Store is the registry surface the reaper needs.
type Store interface {
	ListWorktrees(ctx context.Context, f store.WorktreeFilter) ([]store.WorktreeRecord, error)
	DeleteWorktree(ctx context.Context, worktreePath string) error
}

// Repo removes worktrees and reports their status. *git.Client implements it.
type Repo interface {
	Status(ctx context.Context, path string) (string, error)
	RemoveWorktree(ctx context.Context, originPath, worktreePath string) error
}

// Report summarizes one sweep.
type Report struct {
	Removed []string
	Skipped []string
	Failed  []string
}

// Reaper deletes registered worktrees whose last use is older than the max
// age. Worktrees with uncommitted changes are never removed.
type Reaper struct {
	store     Store
	repo      Repo
	publisher events.Publisher
	recorder  metrics.Recorder
	maxAge    atomic.Int64
	now       func() time.Time
}

// Option configures a Reaper.
type Option func(*Reaper)

func WithPublisher(p events.Publisher) Option {
	return func(r *Reaper) {
		if p != nil {
			r.publisher = p
		}
	}
}

func WithRecorder(rec metrics.Recorder) Option {
	return func(r *Reaper) { r.recorder = metrics.OrNoop(rec) }
}

// New returns a Reaper removing worktrees unused for longer than maxAge.
func New(st Store, repo Repo, maxAge time.Duration, opts ...Option) *Reaper {
	r := &Reaper{
		store:     st,
		repo:      repo,
		publisher: events.NoopPublisher{},
		recorder:  metrics.NoopRecorder{},
		now:       time.Now,
	}
	r.maxAge.Store(int64(maxAge))
	for _, o := range opts {
		o(r)
	}
	return r
}

// SetMaxAge changes the age threshold; safe to call during a sweep.
func (r *Reaper) SetMaxAge(d time.Duration) { r.maxAge.Store(int64(d)) }

// MaxAge returns the current age threshold.
func (r *Reaper) MaxAge() time.Duration { return time.Duration(r.maxAge.Load()) }

// Sweep removes every expired worktree. Per-worktree failures are collected
// in the report; only a failure to list the registry is returned.
func (r *Reaper) Sweep(ctx context.Context) (Report, error) {
	var rep Report
	maxAge := r.MaxAge()
	if maxAge <= 0 {
		return rep, nil
	}
	cutoff := r.now().Add(-maxAge)
	recs, err := r.store.ListWorktrees(ctx, store.WorktreeFilter{UsedBefore: cutoff})
	if err != nil {
		return rep, fmt.Errorf("list expired worktrees: %w", err)
	}

	for i := range recs {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		rec := &recs[i]
		switch outcome := r.reap(ctx, rec); outcome {
		case metrics.OutcomeSuccess:
			rep.Removed = append(rep.Removed, rec.WorktreePath)
		case metrics.OutcomeSkipped:
			rep.Skipped = append(rep.Skipped, rec.WorktreePath)
		default:
			rep.Failed = append(rep.Failed, rec.WorktreePath)
		}
	}
	slog.Info("Worktree sweep complete",
		slog.Int("removed", len(rep.Removed)),
		slog.Int("skipped", len(rep.Skipped)),
		slog.Int("failed", len(rep.Failed)))
	return rep, nil
}

func (r *Reaper) reap(ctx context.Context, rec *store.WorktreeRecord) metrics.OutcomeLabel {
	path := rec.WorktreePath
	repoPath := rec.OriginPath
	if worktree.ParseMode(rec.Mode) == worktree.ModeCodexStyle || repoPath == "" {
		repoPath = rec.SourceRepoPath
	}

	if workspace.HasGitMarker(path) {
		status, err := r.repo.Status(ctx, path)
		if err != nil {
			return r.fail(rec, "status", err)
		}
		if strings.TrimSpace(status) != "" {
			slog.Info("Keeping expired worktree with local changes", logfields.Path(path))
			r.recorder.IncReaped(metrics.OutcomeSkipped)
			return metrics.OutcomeSkipped
		}
	}

	if repoPath != "" && workspace.IsDir(repoPath) {
		if err := r.repo.RemoveWorktree(ctx, repoPath, path); err != nil {
			return r.fail(rec, "remove", err)
		}
	} else if err := workspace.RemoveAll(path); err != nil {
		return r.fail(rec, "remove", err)
	}
	if err := r.store.DeleteWorktree(ctx, path); err != nil {
		return r.fail(rec, "delete record", err)
	}

	slog.Info("Reaped worktree", logfields.Path(path), logfields.Branch(rec.Branch),
		slog.Time("last_used_at", rec.LastUsedAt))
	r.recorder.IncReaped(metrics.OutcomeSuccess)
	if err := r.publisher.Publish(ctx, events.Event{
		Type:            events.TypeWorktreeReaped,
		TeamScope:       rec.TeamScope,
		ProjectFullName: rec.ProjectFullName,
		Branch:          rec.Branch,
		WorktreePath:    path,
		Mode:            rec.Mode,
	}); err != nil {
		r.recorder.IncBestEffortFailure("publish_event")
		slog.Warn("Failed to publish reaped event", logfields.Path(path), logfields.Error(err))
	}
	return metrics.OutcomeSuccess
}

func (r *Reaper) fail(rec *store.WorktreeRecord, op string, err error) metrics.OutcomeLabel {
	slog.Warn("Failed to reap worktree", logfields.Path(rec.WorktreePath), logfields.Operation(op), logfields.Error(err))
	r.recorder.IncReaped(metrics.OutcomeFailed)
	return metrics.OutcomeFailed
}
