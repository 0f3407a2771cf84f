// Package provision creates or repairs the repository and worktree described
// by a resolved worktree.Info.
package provision

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	perrors "git.home.luguber.info/inful/worktreed/internal/errors"
	"git.home.luguber.info/inful/worktreed/internal/git"
	"git.home.luguber.info/inful/worktreed/internal/logfields"
	"git.home.luguber.info/inful/worktreed/internal/metrics"
	"git.home.luguber.info/inful/worktreed/internal/store"
	"git.home.luguber.info/inful/worktreed/internal/workspace"
	"git.home.luguber.info/inful/worktreed/internal/worktree"
)

// RepoOps is the git surface used to provision worktrees. *git.Client
// implements it.
type RepoOps interface {
	EnsureRepository(ctx context.Context, url, originPath, branch, displayRemoteURL string) error
	DefaultBranch(ctx context.Context, path string) (string, error)
	CurrentBranch(ctx context.Context, path string) (string, error)
	WorktreeExists(ctx context.Context, originPath, worktreePath string) (bool, error)
	FindWorktreeUsingBranch(ctx context.Context, originPath, branch string) (string, error)
	CreateWorktree(ctx context.Context, originPath, worktreePath, branch, baseBranch string) (string, error)
	CreateWorktreeFromLocalRepo(ctx context.Context, sourcePath, worktreePath, branch, baseBranch, authURL string) (string, error)
	RemoveWorktree(ctx context.Context, originPath, worktreePath string) error
	EnsureWorktreeConfigured(ctx context.Context, worktreePath, branch string) error
	IsValidRepository(path string) bool
	PrewarmCommitHistory(ctx context.Context, path, branch, authURL string) error
	UpdateRemoteBranchIfStale(ctx context.Context, worktreePath, branch string) error
	Exec(ctx context.Context, dir string, args ...string) (git.CommandResult, error)
}

var _ RepoOps = (*git.Client)(nil)

// Registry receives the best-effort bookkeeping writes made after provisioning.
type Registry interface {
	RegisterWorktree(ctx context.Context, rec *store.WorktreeRecord) error
	TouchSourceRepoMapping(ctx context.Context, teamScope, projectFullName string) error
}

// Options carries per-call inputs that are not part of the resolved layout.
type Options struct {
	RepoURL          string
	Branch           string
	BaseBranch       string
	AuthenticatedURL string
	TeamScope        string
}

// Result describes the provisioned worktree.
type Result struct {
	WorktreePath string
	BaseBranch   string
	Reused       bool
	Repaired     bool
}

// Provisioner turns a worktree.Info into a usable worktree on disk.
type Provisioner struct {
	repo     RepoOps
	registry Registry
	recorder metrics.Recorder
	prewarm  bool
}

// Option configures a Provisioner.
type Option func(*Provisioner)

// WithRecorder sets the metrics recorder.
func WithRecorder(r metrics.Recorder) Option {
	return func(p *Provisioner) { p.recorder = metrics.OrNoop(r) }
}

// WithPrewarm toggles best-effort history prewarming of the base branch.
func WithPrewarm(enabled bool) Option {
	return func(p *Provisioner) { p.prewarm = enabled }
}

// New returns a Provisioner. registry may be nil.
func New(repo RepoOps, registry Registry, opts ...Option) *Provisioner {
	p := &Provisioner{repo: repo, registry: registry, recorder: metrics.NoopRecorder{}, prewarm: true}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Provision makes sure the worktree described by info exists and is usable.
func (p *Provisioner) Provision(ctx context.Context, info *worktree.Info, opts Options) (*Result, error) {
	if info == nil {
		return nil, perrors.InternalError("provision called without worktree info", nil)
	}
	if strings.TrimSpace(opts.Branch) == "" {
		opts.Branch = info.Branch
	}
	if err := worktree.ValidateBranchName(opts.Branch); err != nil {
		return nil, err
	}
	if err := info.CheckPaths(); err != nil {
		return nil, err
	}
	if err := info.CheckSymlinks(); err != nil {
		return nil, err
	}

	var (
		res *Result
		err error
	)
	switch info.Mode {
	case worktree.ModeCodexStyle:
		res, err = p.provisionCodex(ctx, info, opts)
	default:
		res, err = p.provisionLegacy(ctx, info, opts)
	}
	mode := string(info.Mode)
	if mode == "" {
		mode = string(worktree.ModeLegacy)
	}
	if err != nil {
		p.recorder.IncProvision(mode, metrics.OutcomeFailed)
		return nil, err
	}
	switch {
	case res.Reused:
		p.recorder.IncProvision(mode, metrics.OutcomeReused)
	case res.Repaired:
		p.recorder.IncProvision(mode, metrics.OutcomeRepaired)
	default:
		p.recorder.IncProvision(mode, metrics.OutcomeCreated)
	}
	if !res.Reused {
		p.register(ctx, info, opts, res.WorktreePath)
	}
	return res, nil
}

func (p *Provisioner) provisionLegacy(ctx context.Context, info *worktree.Info, opts Options) (*Result, error) {
	if err := workspace.EnsureDir(info.WorktreesPath); err != nil {
		return nil, perrors.WorkspaceError("create worktrees directory", err)
	}

	cloneURL := firstNonEmpty(opts.AuthenticatedURL, opts.RepoURL)
	if err := p.repo.EnsureRepository(ctx, cloneURL, info.OriginPath, opts.Branch, opts.RepoURL); err != nil {
		return nil, git.OperationError("clone", err)
	}

	base, err := p.baseBranch(ctx, info.OriginPath, opts.BaseBranch)
	if err != nil {
		return nil, err
	}
	if p.prewarm {
		if err := p.repo.PrewarmCommitHistory(ctx, info.OriginPath, base, opts.AuthenticatedURL); err != nil {
			p.bestEffortFailed("prewarm", err, logfields.Path(info.OriginPath), logfields.BaseBranch(base))
		}
	}

	if existing, ok, err := p.branchWorktree(ctx, info.OriginPath, opts.Branch); err != nil {
		return nil, err
	} else if ok {
		slog.Info("Reusing worktree bound to branch", logfields.Path(existing), logfields.Branch(opts.Branch))
		return &Result{WorktreePath: existing, BaseBranch: base, Reused: true}, nil
	}

	reuse, repaired, err := p.prepareTarget(ctx, info.OriginPath, info.WorktreePath)
	if err != nil {
		return nil, err
	}
	if reuse {
		return &Result{WorktreePath: info.WorktreePath, BaseBranch: base, Reused: true}, nil
	}

	path, err := p.repo.CreateWorktree(ctx, info.OriginPath, info.WorktreePath, opts.Branch, base)
	if err != nil {
		return nil, git.OperationError("worktree add", err)
	}
	return &Result{WorktreePath: path, BaseBranch: base, Repaired: repaired}, nil
}

func (p *Provisioner) provisionCodex(ctx context.Context, info *worktree.Info, opts Options) (*Result, error) {
	source := info.SourceRepoPath
	if source == "" || !p.repo.IsValidRepository(source) {
		return nil, perrors.ConfigurationError(fmt.Sprintf(
			"Local repository at %q is not a valid git repository. Clone %s locally or update the source repository mapping.",
			source, firstNonEmpty(info.ProjectFullName, info.RepoName)))
	}

	remote := firstNonEmpty(opts.AuthenticatedURL, "origin")
	args := []string{"fetch", "--quiet", remote}
	if opts.AuthenticatedURL != "" {
		args = append(args, "+refs/heads/*:refs/remotes/origin/*")
	}
	if _, err := p.repo.Exec(ctx, source, args...); err != nil {
		p.bestEffortFailed("fetch", err, logfields.Path(source))
	}

	base, err := p.baseBranch(ctx, source, opts.BaseBranch)
	if err != nil {
		return nil, err
	}

	if existing, ok, err := p.branchWorktree(ctx, source, opts.Branch); err != nil {
		return nil, err
	} else if ok {
		if err := p.repo.EnsureWorktreeConfigured(ctx, existing, opts.Branch); err != nil {
			return nil, git.OperationError("worktree configure", err)
		}
		slog.Info("Reusing worktree bound to branch", logfields.Path(existing), logfields.Branch(opts.Branch), logfields.Mode(string(info.Mode)))
		return &Result{WorktreePath: existing, BaseBranch: base, Reused: true}, nil
	}

	reuse, repaired, err := p.prepareTarget(ctx, source, info.WorktreePath)
	if err != nil {
		return nil, err
	}
	if reuse {
		return &Result{WorktreePath: info.WorktreePath, BaseBranch: base, Reused: true}, nil
	}

	path, err := p.repo.CreateWorktreeFromLocalRepo(ctx, source, info.WorktreePath, opts.Branch, base, opts.AuthenticatedURL)
	if err != nil {
		return nil, git.OperationError("worktree add", err)
	}
	return &Result{WorktreePath: path, BaseBranch: base, Repaired: repaired}, nil
}

// branchWorktree returns the worktree already bound to branch when its
// directory is still a checkout. A binding whose directory is gone is pruned.
func (p *Provisioner) branchWorktree(ctx context.Context, repoPath, branch string) (string, bool, error) {
	existing, err := p.repo.FindWorktreeUsingBranch(ctx, repoPath, branch)
	if err != nil {
		return "", false, git.OperationError("worktree list", err)
	}
	if existing == "" {
		return "", false, nil
	}
	if workspace.HasGitMarker(existing) {
		return existing, true, nil
	}
	slog.Warn("Pruning worktree whose directory is gone", logfields.Path(existing), logfields.Branch(branch))
	if err := p.repo.RemoveWorktree(ctx, repoPath, existing); err != nil {
		return "", false, git.OperationError("worktree remove", err)
	}
	return "", false, nil
}

// prepareTarget applies the registry/directory repair table to worktreePath.
// It reports whether the path can be reused as is and whether anything was
// cleaned up before a fresh creation.
func (p *Provisioner) prepareTarget(ctx context.Context, repoPath, worktreePath string) (reuse, repaired bool, err error) {
	registered, err := p.repo.WorktreeExists(ctx, repoPath, worktreePath)
	if err != nil {
		return false, false, git.OperationError("worktree list", err)
	}
	valid := workspace.HasGitMarker(worktreePath)

	switch {
	case registered && valid:
		return true, false, nil
	case registered:
		slog.Warn("Repairing registered worktree with missing or invalid directory", logfields.Path(worktreePath))
		if err := p.repo.RemoveWorktree(ctx, repoPath, worktreePath); err != nil {
			return false, false, git.OperationError("worktree remove", err)
		}
		if err := workspace.RemoveAll(worktreePath); err != nil {
			return false, false, perrors.WorkspaceError("remove worktree leftovers", err)
		}
		return false, true, nil
	case workspace.Exists(worktreePath):
		slog.Warn("Removing unregistered directory at worktree path", logfields.Path(worktreePath))
		if err := workspace.RemoveAll(worktreePath); err != nil {
			return false, false, perrors.WorkspaceError("remove stale directory", err)
		}
		return false, true, nil
	default:
		return false, false, nil
	}
}

func (p *Provisioner) baseBranch(ctx context.Context, repoPath, explicit string) (string, error) {
	if b := strings.TrimSpace(explicit); b != "" {
		return b, nil
	}
	b, err := p.repo.DefaultBranch(ctx, repoPath)
	if err != nil {
		return "", git.OperationError("default branch", err)
	}
	return b, nil
}

func (p *Provisioner) register(ctx context.Context, info *worktree.Info, opts Options, path string) {
	if p.registry == nil {
		return
	}
	rec := &store.WorktreeRecord{
		TeamScope:       opts.TeamScope,
		ProjectFullName: info.ProjectFullName,
		RepoURL:         opts.RepoURL,
		Branch:          opts.Branch,
		WorktreePath:    path,
		OriginPath:      info.OriginPath,
		SourceRepoPath:  info.SourceRepoPath,
		Mode:            string(info.Mode),
	}
	if err := p.registry.RegisterWorktree(ctx, rec); err != nil {
		p.bestEffortFailed("register_worktree", err, logfields.Path(path))
	}
	if info.Mode == worktree.ModeCodexStyle && info.ProjectFullName != "" {
		if err := p.registry.TouchSourceRepoMapping(ctx, opts.TeamScope, info.ProjectFullName); err != nil {
			p.bestEffortFailed("touch_source_mapping", err, logfields.Project(info.ProjectFullName))
		}
	}
}

func (p *Provisioner) bestEffortFailed(op string, err error, attrs ...slog.Attr) {
	p.recorder.IncBestEffortFailure(op)
	args := []any{logfields.Operation(op), logfields.Error(err)}
	for _, a := range attrs {
		args = append(args, a)
	}
	slog.Warn("Best-effort operation failed", args...)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
