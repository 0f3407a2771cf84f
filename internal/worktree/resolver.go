package worktree

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"git.home.luguber.info/inful/worktreed/internal/config"
	perrors "git.home.luguber.info/inful/worktreed/internal/errors"
	"git.home.luguber.info/inful/worktreed/internal/store"
)

// SettingsSource reads per-team workspace settings. A missing record is
// reported with store.ErrNotFound.
type SettingsSource interface {
	GetWorkspaceSettings(ctx context.Context, teamScope string) (*store.WorkspaceSettings, error)
}

// LocalRepoDetector finds a local clone of a repository.
type LocalRepoDetector interface {
	Detect(ctx context.Context, repoName, projectFullName string) (string, bool)
}

// Defaults are used when a team has no stored settings.
type Defaults struct {
	Mode              Mode
	ProjectsPath      string
	CodexWorktreeBase string
}

// DefaultsFromConfig maps the workspace config section to resolver defaults.
func DefaultsFromConfig(ws config.WorkspaceConfig) Defaults {
	return Defaults{
		Mode:              ParseMode(string(ws.DefaultMode)),
		ProjectsPath:      ws.ProjectsPath,
		CodexWorktreeBase: ws.CodexWorktreeBase,
	}
}

// ResolveOptions carries optional inputs of Resolve.
type ResolveOptions struct {
	LocalRepoPath   string
	ProjectFullName string
}

// Resolver computes worktree layouts. It never touches the filesystem beyond
// what its detector reads.
type Resolver struct {
	settings SettingsSource
	detector LocalRepoDetector
	expand   func(string) string

	mu       sync.RWMutex
	defaults Defaults
}

// NewResolver creates a Resolver. settings may be nil.
func NewResolver(settings SettingsSource, detector LocalRepoDetector, defaults Defaults) *Resolver {
	return &Resolver{settings: settings, detector: detector, defaults: defaults, expand: ExpandHome}
}

// WithHomeDir makes "~" expand to home. Intended for tests.
func (r *Resolver) WithHomeDir(home string) *Resolver {
	r.expand = func(p string) string { return config.ExpandHomeWith(p, home) }
	return r
}

// SetDefaults replaces the fallback settings; safe for concurrent use.
func (r *Resolver) SetDefaults(d Defaults) {
	r.mu.Lock()
	r.defaults = d
	r.mu.Unlock()
}

func (r *Resolver) currentDefaults() Defaults {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d := r.defaults
	if d.Mode == "" {
		d.Mode = ModeLegacy
	}
	if d.ProjectsPath == "" {
		d.ProjectsPath = "~/cmux"
	}
	if d.CodexWorktreeBase == "" {
		d.CodexWorktreeBase = "~/.cmux/worktrees"
	}
	return d
}

// Resolve computes the layout for branch of repoURL under teamScope's settings.
func (r *Resolver) Resolve(ctx context.Context, repoURL, branch string, opts ResolveOptions, teamScope string) (*Info, error) {
	if strings.TrimSpace(branch) == "" {
		return nil, perrors.ValidationFailed("branch", "required")
	}
	if err := ValidateBranchName(branch); err != nil {
		return nil, err
	}
	repoName := RepoNameFromURL(repoURL)
	if repoName == "" {
		return nil, perrors.ValidationFailed("repo_url", fmt.Sprintf("cannot derive repository name from %q", repoURL))
	}
	if err := ValidateRepoName(repoName); err != nil {
		return nil, err
	}
	projectFullName := opts.ProjectFullName
	if projectFullName == "" {
		projectFullName = ProjectFullNameFromURL(repoURL)
	}

	defaults := r.currentDefaults()
	settings, err := r.loadSettings(ctx, teamScope)
	if err != nil {
		return nil, err
	}
	mode := defaults.Mode
	if m := ParseMode(settings.WorktreeMode); m != "" {
		mode = m
	}

	if mode == ModeCodexStyle {
		return r.resolveCodex(ctx, repoName, branch, projectFullName, opts.LocalRepoPath, settings, defaults)
	}

	projectsPath := firstNonEmpty(settings.WorktreePath, defaults.ProjectsPath)
	repoRoot := filepath.Join(r.expand(projectsPath), repoName)
	worktrees := filepath.Join(repoRoot, "worktrees")
	info := &Info{
		OriginPath:      filepath.Join(repoRoot, "origin"),
		WorktreesPath:   worktrees,
		WorktreePath:    filepath.Join(worktrees, branch),
		RepoName:        repoName,
		Branch:          branch,
		Mode:            ModeLegacy,
		ProjectFullName: projectFullName,
	}
	if err := info.CheckPaths(); err != nil {
		return nil, err
	}
	return info, nil
}

func (r *Resolver) resolveCodex(ctx context.Context, repoName, branch, projectFullName, localRepoPath string, settings store.WorkspaceSettings, defaults Defaults) (*Info, error) {
	source := localRepoPath
	if source == "" && r.detector != nil {
		source, _ = r.detector.Detect(ctx, repoName, projectFullName)
	}
	if source == "" {
		name := projectFullName
		if name == "" {
			name = repoName
		}
		return nil, perrors.ConfigurationError(fmt.Sprintf(
			"No local repository found for %s. Clone it locally (for example into ~/code/%s) or register a source repository mapping for %s.",
			name, repoName, name)).WithContext("project", name)
	}

	shortID := ShortID(projectFullName, branch)
	base := r.expand(firstNonEmpty(settings.CodexWorktreePathPattern, defaults.CodexWorktreeBase))
	worktreePath := expandPattern(base, shortID, repoName)
	if root := patternRoot(base); !Within(root, worktreePath) {
		return nil, perrors.ValidationFailed("worktree_path",
			fmt.Sprintf("%q is not below codex worktree base %q", worktreePath, root))
	}
	info := &Info{
		OriginPath:      source,
		WorktreesPath:   filepath.Dir(worktreePath),
		WorktreePath:    worktreePath,
		RepoName:        repoName,
		Branch:          branch,
		Mode:            ModeCodexStyle,
		ShortID:         shortID,
		SourceRepoPath:  source,
		ProjectFullName: projectFullName,
	}
	if err := info.CheckPaths(); err != nil {
		return nil, err
	}
	return info, nil
}

// expandPattern substitutes {shortId} and {repoName} in pattern; a pattern
// without placeholders is a base directory.
func expandPattern(pattern, shortID, repoName string) string {
	if !strings.Contains(pattern, "{shortId}") && !strings.Contains(pattern, "{repoName}") {
		return filepath.Join(pattern, shortID, repoName)
	}
	p := strings.ReplaceAll(pattern, "{shortId}", shortID)
	p = strings.ReplaceAll(p, "{repoName}", repoName)
	return filepath.Clean(p)
}

func (r *Resolver) loadSettings(ctx context.Context, teamScope string) (store.WorkspaceSettings, error) {
	if r.settings == nil || teamScope == "" {
		return store.WorkspaceSettings{}, nil
	}
	ws, err := r.settings.GetWorkspaceSettings(ctx, teamScope)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.WorkspaceSettings{}, nil
		}
		return store.WorkspaceSettings{}, perrors.PersistenceError("load workspace settings", err)
	}
	return *ws, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
