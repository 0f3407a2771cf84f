package worktree

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/worktreed/internal/config"
	perrors "git.home.luguber.info/inful/worktreed/internal/errors"
	"git.home.luguber.info/inful/worktreed/internal/store"
)

type fakeSettings map[string]*store.WorkspaceSettings

func (f fakeSettings) GetWorkspaceSettings(_ context.Context, team string) (*store.WorkspaceSettings, error) {
	if ws, ok := f[team]; ok {
		return ws, nil
	}
	return nil, store.ErrNotFound
}

type failingSettings struct{}

func (failingSettings) GetWorkspaceSettings(context.Context, string) (*store.WorkspaceSettings, error) {
	return nil, errors.New("database locked")
}

type fakeDetector struct {
	path  string
	calls int
}

func (d *fakeDetector) Detect(context.Context, string, string) (string, bool) {
	d.calls++
	return d.path, d.path != ""
}

func TestRepoNameAndProjectFromURL(t *testing.T) {
	tests := []struct{ url, name, project string }{
		{"https://github.com/acme/widgets.git", "widgets", "acme/widgets"},
		{"https://github.com/acme/widgets", "widgets", "acme/widgets"},
		{"https://github.com/acme/widgets/", "widgets", "acme/widgets"},
		{"git@github.com:acme/widgets.git", "widgets", "acme/widgets"},
		{"ssh://git@github.com/acme/widgets.git", "widgets", "acme/widgets"},
		{"widgets", "widgets", ""},
	}
	for _, tt := range tests {
		require.Equal(t, tt.name, RepoNameFromURL(tt.url), tt.url)
		require.Equal(t, tt.project, ProjectFullNameFromURL(tt.url), tt.url)
	}
	require.Equal(t, "https://github.com/acme/widgets.git", CanonicalURL("github.com", "acme/widgets"))
}

func TestShortIDDeterministic(t *testing.T) {
	a := ShortID("acme/widgets", "feature/x")
	require.Len(t, a, 8)
	require.Equal(t, a, ShortID("acme/widgets", "feature/x"))
	require.NotEqual(t, a, ShortID("acme/widgets", "feature/y"))
	require.Regexp(t, `^[0-9a-f]{8}$`, a)
}

func TestParseMode(t *testing.T) {
	require.Equal(t, ModeLegacy, ParseMode("legacy"))
	require.Equal(t, ModeCodexStyle, ParseMode("Codex-Style"))
	require.Equal(t, Mode(""), ParseMode("shared"))
}

func TestResolveLegacyDefault(t *testing.T) {
	r := NewResolver(fakeSettings{}, nil, Defaults{}).WithHomeDir("/home/u")

	info, err := r.Resolve(context.Background(), "https://github.com/acme/widgets.git", "feature/x", ResolveOptions{}, "team-a")
	require.NoError(t, err)
	require.Equal(t, ModeLegacy, info.Mode)
	require.Equal(t, "/home/u/cmux/widgets/origin", info.OriginPath)
	require.Equal(t, "/home/u/cmux/widgets/worktrees", info.WorktreesPath)
	require.Equal(t, filepath.Join(info.WorktreesPath, "feature/x"), info.WorktreePath)
	require.Equal(t, "acme/widgets", info.ProjectFullName)
	require.Empty(t, info.ShortID)
}

func TestResolveLegacySettingsOverride(t *testing.T) {
	settings := fakeSettings{"team-a": {TeamScope: "team-a", WorktreeMode: "legacy", WorktreePath: "/srv/projects"}}
	r := NewResolver(settings, nil, Defaults{ProjectsPath: "/cfg/projects"}).WithHomeDir("/home/u")

	info, err := r.Resolve(context.Background(), "https://github.com/acme/widgets.git", "main", ResolveOptions{}, "team-a")
	require.NoError(t, err)
	require.Equal(t, "/srv/projects/widgets/worktrees/main", info.WorktreePath)

	info, err = r.Resolve(context.Background(), "https://github.com/acme/widgets.git", "main", ResolveOptions{}, "team-b")
	require.NoError(t, err)
	require.Equal(t, "/cfg/projects/widgets/worktrees/main", info.WorktreePath)
}

func TestResolveCodexStyleWithDetector(t *testing.T) {
	settings := fakeSettings{"team-a": {TeamScope: "team-a", WorktreeMode: "codex-style"}}
	det := &fakeDetector{path: "/home/u/code/widgets"}
	r := NewResolver(settings, det, Defaults{}).WithHomeDir("/home/u")

	info, err := r.Resolve(context.Background(), "https://github.com/acme/widgets.git", "task-1", ResolveOptions{ProjectFullName: "acme/widgets"}, "team-a")
	require.NoError(t, err)
	id := ShortID("acme/widgets", "task-1")
	require.Equal(t, ModeCodexStyle, info.Mode)
	require.Equal(t, id, info.ShortID)
	require.Equal(t, "/home/u/.cmux/worktrees/"+id+"/widgets", info.WorktreePath)
	require.Equal(t, "/home/u/code/widgets", info.SourceRepoPath)
	require.Equal(t, 1, det.calls)

	again, err := r.Resolve(context.Background(), "https://github.com/acme/widgets.git", "task-1", ResolveOptions{ProjectFullName: "acme/widgets"}, "team-a")
	require.NoError(t, err)
	require.Equal(t, info.WorktreePath, again.WorktreePath)
}

func TestResolveCodexStyleExplicitSourceAndPattern(t *testing.T) {
	settings := fakeSettings{"team-a": {WorktreeMode: "codex-style", CodexWorktreePathPattern: "~/wt/{repoName}-{shortId}"}}
	det := &fakeDetector{}
	r := NewResolver(settings, det, Defaults{}).WithHomeDir("/home/u")

	info, err := r.Resolve(context.Background(), "git@github.com:acme/widgets.git", "b", ResolveOptions{LocalRepoPath: "/src/widgets"}, "team-a")
	require.NoError(t, err)
	require.Equal(t, 0, det.calls)
	require.Equal(t, "/home/u/wt/widgets-"+ShortID("acme/widgets", "b"), info.WorktreePath)
	require.Equal(t, "/src/widgets", info.SourceRepoPath)
}

func TestResolveCodexStyleWithoutSource(t *testing.T) {
	r := NewResolver(nil, &fakeDetector{}, Defaults{Mode: ModeCodexStyle})

	_, err := r.Resolve(context.Background(), "https://github.com/acme/widgets.git", "b", ResolveOptions{}, "team-a")
	require.Error(t, err)
	require.True(t, perrors.IsCategory(err, perrors.CategoryConfig))
	require.Contains(t, err.Error(), "acme/widgets")
	require.Contains(t, err.Error(), "source repository mapping")
}

func TestResolveValidation(t *testing.T) {
	r := NewResolver(nil, nil, Defaults{})
	_, err := r.Resolve(context.Background(), "https://github.com/acme/widgets.git", "", ResolveOptions{}, "t")
	require.True(t, perrors.IsCategory(err, perrors.CategoryValidation))

	_, err = NewResolver(failingSettings{}, nil, Defaults{}).Resolve(context.Background(), "https://github.com/acme/widgets.git", "main", ResolveOptions{}, "t")
	require.True(t, perrors.IsCategory(err, perrors.CategoryPersistence))
}

func TestSetDefaults(t *testing.T) {
	r := NewResolver(nil, &fakeDetector{path: "/src/widgets"}, Defaults{}).WithHomeDir("/home/u")
	r.SetDefaults(Defaults{Mode: ModeCodexStyle, CodexWorktreeBase: "/wt"})

	info, err := r.Resolve(context.Background(), "https://github.com/acme/widgets.git", "main", ResolveOptions{}, "")
	require.NoError(t, err)
	require.Equal(t, "/wt/"+ShortID("acme/widgets", "main")+"/widgets", info.WorktreePath)
}

func TestDefaultsFromConfig(t *testing.T) {
	d := DefaultsFromConfig(config.WorkspaceConfig{DefaultMode: "codex", ProjectsPath: "/p", CodexWorktreeBase: "/w"})
	require.Equal(t, Defaults{Mode: ModeCodexStyle, ProjectsPath: "/p", CodexWorktreeBase: "/w"}, d)
	require.Equal(t, Mode(""), DefaultsFromConfig(config.WorkspaceConfig{}).Mode)
}

func TestValidateBranchName(t *testing.T) {
	for _, b := range []string{"main", "feature/x", "fix-bug--12", "cmux-run-abc12345", "release/1.2"} {
		require.NoError(t, ValidateBranchName(b), b)
	}
	for _, b := range []string{
		"", "@", "-x", "../origin", "a/../b", "a/./b", ".hidden", "a/.b", "a//b",
		"a/", "a.", "x.lock", "a/b.lock/c", "a@{1}", "a b", "a~1", "a^", "a:b", "a?", "a*", "a[", `a\b`, "a\tb",
	} {
		err := ValidateBranchName(b)
		require.Error(t, err, b)
		require.True(t, perrors.IsCategory(err, perrors.CategoryValidation), b)
	}
}

func TestValidateRepoName(t *testing.T) {
	require.NoError(t, ValidateRepoName("widgets"))
	for _, n := range []string{"", ".", "..", "a/b", `a\b`} {
		require.Error(t, ValidateRepoName(n), n)
	}
}

func TestWithin(t *testing.T) {
	require.True(t, Within("/w", "/w/a"))
	require.True(t, Within("/w/", "/w/a/b"))
	require.False(t, Within("/w", "/w"))
	require.False(t, Within("/w", "/w/.."))
	require.False(t, Within("/w", "/w/../origin"))
	require.False(t, Within("/w", "/wx/a"))
	require.False(t, Within("/w", "relative"))
}

func TestCheckPaths(t *testing.T) {
	ok := Info{OriginPath: "/p/r/origin", WorktreesPath: "/p/r/worktrees", WorktreePath: "/p/r/worktrees/main"}
	require.NoError(t, ok.CheckPaths())

	escaped := ok
	escaped.WorktreePath = "/p/r/origin"
	require.True(t, perrors.IsCategory(escaped.CheckPaths(), perrors.CategoryValidation))

	root := ok
	root.WorktreePath = "/p/r/worktrees"
	require.Error(t, root.CheckPaths())

	codex := Info{SourceRepoPath: "/wt/abc/widgets", OriginPath: "/wt/abc/widgets", WorktreesPath: "/wt", WorktreePath: "/wt/abc"}
	require.Error(t, codex.CheckPaths(), "worktree containing the source repo")

	nested := Info{SourceRepoPath: "/src/widgets", OriginPath: "/src/widgets", WorktreesPath: "/src/widgets/.wt", WorktreePath: "/src/widgets/.wt/abc"}
	require.NoError(t, nested.CheckPaths())
}

func TestResolveRejectsEscapingPaths(t *testing.T) {
	r := NewResolver(nil, nil, Defaults{ProjectsPath: "/p"})
	ctx := context.Background()

	_, err := r.Resolve(ctx, "https://github.com/acme/widgets.git", "../origin", ResolveOptions{}, "")
	require.True(t, perrors.IsCategory(err, perrors.CategoryValidation))

	_, err = r.Resolve(ctx, "https://github.com/acme/widgets.git", "a/../../origin", ResolveOptions{}, "")
	require.True(t, perrors.IsCategory(err, perrors.CategoryValidation))

	_, err = r.Resolve(ctx, "https://github.com/acme/...git", "main", ResolveOptions{}, "")
	require.True(t, perrors.IsCategory(err, perrors.CategoryValidation))

	codex := NewResolver(nil, &fakeDetector{path: "/src/widgets"}, Defaults{Mode: ModeCodexStyle, CodexWorktreeBase: "/wt/{repoName}"})
	_, err = codex.Resolve(ctx, "https://github.com/acme/...git", "main", ResolveOptions{}, "")
	require.True(t, perrors.IsCategory(err, perrors.CategoryValidation))
}

func TestResolveCodexPatternMustStayBelowBase(t *testing.T) {
	settings := fakeSettings{"team-a": {WorktreeMode: "codex-style", CodexWorktreePathPattern: "/wt/{shortId}/../../src/{repoName}"}}
	r := NewResolver(settings, &fakeDetector{path: "/src/widgets"}, Defaults{})

	_, err := r.Resolve(context.Background(), "https://github.com/acme/widgets.git", "main", ResolveOptions{}, "team-a")
	require.Error(t, err)
	require.True(t, perrors.IsCategory(err, perrors.CategoryValidation))
}

func TestCheckSymlinks(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "real"), 0o750))
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "link")))

	ok := Info{WorktreesPath: root, WorktreePath: filepath.Join(root, "real", "app")}
	require.NoError(t, ok.CheckSymlinks())

	missing := Info{WorktreesPath: root, WorktreePath: filepath.Join(root, "not-yet", "app")}
	require.NoError(t, missing.CheckSymlinks())

	redirected := Info{WorktreesPath: root, WorktreePath: filepath.Join(root, "link", "app")}
	err := redirected.CheckSymlinks()
	require.Error(t, err)
	require.True(t, perrors.IsCategory(err, perrors.CategoryValidation))
}
