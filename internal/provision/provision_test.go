package provision

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	perrors "git.home.luguber.info/inful/worktreed/internal/errors"
	"git.home.luguber.info/inful/worktreed/internal/git"
	"git.home.luguber.info/inful/worktreed/internal/metrics"
	"git.home.luguber.info/inful/worktreed/internal/store"
	gitfix "git.home.luguber.info/inful/worktreed/internal/testutil"
	"git.home.luguber.info/inful/worktreed/internal/worktree"
)

// fakeRepo is an in-memory RepoOps. Worktrees it creates get a .git file so
// the filesystem checks in the provisioner see a real checkout.
type fakeRepo struct {
	mu         sync.Mutex
	calls      []string
	valid      map[string]bool
	defaultBr  string
	registered map[string]string // worktree path -> branch
	ensureErr  error
	createErr  error
	fetchErr   error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{valid: map[string]bool{}, registered: map[string]string{}, defaultBr: "main"}
}

func (f *fakeRepo) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeRepo) called(call string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == call {
			n++
		}
	}
	return n
}

func (f *fakeRepo) EnsureRepository(_ context.Context, _, originPath, _, _ string) error {
	f.record("ensure")
	if f.ensureErr != nil {
		return f.ensureErr
	}
	f.valid[originPath] = true
	return os.MkdirAll(filepath.Join(originPath, ".git"), 0o750)
}

func (f *fakeRepo) DefaultBranch(context.Context, string) (string, error) {
	f.record("default")
	return f.defaultBr, nil
}

func (f *fakeRepo) CurrentBranch(context.Context, string) (string, error) { return "HEAD", nil }

func (f *fakeRepo) WorktreeExists(_ context.Context, _, worktreePath string) (bool, error) {
	_, ok := f.registered[worktreePath]
	return ok, nil
}

func (f *fakeRepo) FindWorktreeUsingBranch(_ context.Context, _, branch string) (string, error) {
	for path, b := range f.registered {
		if b == branch {
			return path, nil
		}
	}
	return "", nil
}

func (f *fakeRepo) add(worktreePath, branch string) (string, error) {
	if f.createErr != nil {
		return "", f.createErr
	}
	if err := os.MkdirAll(worktreePath, 0o750); err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(worktreePath, ".git"), []byte("gitdir: x\n"), 0o600); err != nil {
		return "", err
	}
	f.registered[worktreePath] = branch
	return worktreePath, nil
}

func (f *fakeRepo) CreateWorktree(_ context.Context, _, worktreePath, branch, _ string) (string, error) {
	f.record("create")
	return f.add(worktreePath, branch)
}

func (f *fakeRepo) CreateWorktreeFromLocalRepo(_ context.Context, _, worktreePath, branch, _, _ string) (string, error) {
	f.record("create-local")
	return f.add(worktreePath, branch)
}

func (f *fakeRepo) RemoveWorktree(_ context.Context, _, worktreePath string) error {
	f.record("remove")
	delete(f.registered, worktreePath)
	return os.RemoveAll(worktreePath)
}

func (f *fakeRepo) EnsureWorktreeConfigured(context.Context, string, string) error {
	f.record("configure")
	return nil
}

func (f *fakeRepo) IsValidRepository(path string) bool { return f.valid[path] }

func (f *fakeRepo) PrewarmCommitHistory(context.Context, string, string, string) error {
	f.record("prewarm")
	return errors.New("shallow fetch refused")
}

func (f *fakeRepo) UpdateRemoteBranchIfStale(context.Context, string, string) error { return nil }

func (f *fakeRepo) Exec(_ context.Context, _ string, args ...string) (git.CommandResult, error) {
	if len(args) > 0 {
		f.record(args[0])
	}
	return git.CommandResult{}, f.fetchErr
}

type fakeRegistry struct {
	records []store.WorktreeRecord
	touched []string
	err     error
}

func (r *fakeRegistry) RegisterWorktree(_ context.Context, rec *store.WorktreeRecord) error {
	r.records = append(r.records, *rec)
	return r.err
}

func (r *fakeRegistry) TouchSourceRepoMapping(_ context.Context, _, project string) error {
	r.touched = append(r.touched, project)
	return r.err
}

func legacyInfo(t *testing.T) *worktree.Info {
	t.Helper()
	root := filepath.Join(t.TempDir(), "cmux", "app")
	return &worktree.Info{
		OriginPath:    filepath.Join(root, "origin"),
		WorktreesPath: filepath.Join(root, "worktrees"),
		WorktreePath:  filepath.Join(root, "worktrees", "feature-x"),
		RepoName:      "app",
		Branch:        "feature-x",
		Mode:          worktree.ModeLegacy,
	}
}

func TestProvisionLegacyCreatesAndRegisters(t *testing.T) {
	repo := newFakeRepo()
	reg := &fakeRegistry{}
	promReg := prom.NewRegistry()
	rec := metrics.NewPrometheusRecorder(promReg)
	p := New(repo, reg, WithRecorder(rec))
	info := legacyInfo(t)

	res, err := p.Provision(context.Background(), info, Options{RepoURL: "https://github.com/acme/app.git", TeamScope: "team-1"})
	require.NoError(t, err)
	require.Equal(t, info.WorktreePath, res.WorktreePath)
	require.Equal(t, "main", res.BaseBranch)
	require.False(t, res.Reused)
	require.False(t, res.Repaired)

	require.Equal(t, 1, repo.called("ensure"))
	require.Equal(t, 1, repo.called("create"))
	require.Equal(t, 1, repo.called("prewarm"))
	require.DirExists(t, info.WorktreesPath)

	require.Len(t, reg.records, 1)
	require.Equal(t, "team-1", reg.records[0].TeamScope)
	require.Equal(t, "feature-x", reg.records[0].Branch)
	require.Equal(t, "legacy", reg.records[0].Mode)
	require.Empty(t, reg.touched)

	count, err := testutil.GatherAndCount(promReg, "worktreed_best_effort_failures_total")
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestProvisionLegacyExplicitBaseSkipsDetection(t *testing.T) {
	repo := newFakeRepo()
	p := New(repo, nil, WithPrewarm(false))

	res, err := p.Provision(context.Background(), legacyInfo(t), Options{RepoURL: "u", BaseBranch: "develop"})
	require.NoError(t, err)
	require.Equal(t, "develop", res.BaseBranch)
	require.Zero(t, repo.called("default"))
	require.Zero(t, repo.called("prewarm"))
}

func TestProvisionLegacyReusesValidRegisteredWorktree(t *testing.T) {
	repo := newFakeRepo()
	p := New(repo, nil)
	info := legacyInfo(t)

	_, err := p.Provision(context.Background(), info, Options{RepoURL: "u"})
	require.NoError(t, err)

	res, err := p.Provision(context.Background(), info, Options{RepoURL: "u"})
	require.NoError(t, err)
	require.True(t, res.Reused)
	require.Equal(t, 1, repo.called("create"))
}

func TestProvisionLegacyPrunesBranchWorktreeWithMissingDirectory(t *testing.T) {
	repo := newFakeRepo()
	p := New(repo, nil)
	info := legacyInfo(t)
	elsewhere := filepath.Join(t.TempDir(), "gone")
	repo.registered[elsewhere] = info.Branch

	res, err := p.Provision(context.Background(), info, Options{RepoURL: "u"})
	require.NoError(t, err)
	require.Equal(t, info.WorktreePath, res.WorktreePath)
	require.Equal(t, 1, repo.called("remove"))
	require.Equal(t, 1, repo.called("create"))
}

func TestProvisionLegacyRepairTable(t *testing.T) {
	tests := []struct {
		name         string
		setup        func(t *testing.T, repo *fakeRepo, info *worktree.Info)
		wantReused   bool
		wantRepaired bool
		wantRemove   int
		wantCreate   int
	}{
		{
			name:       "nothing present creates",
			setup:      func(*testing.T, *fakeRepo, *worktree.Info) {},
			wantCreate: 1,
		},
		{
			name: "registered with missing directory is removed then created",
			setup: func(_ *testing.T, repo *fakeRepo, info *worktree.Info) {
				repo.registered[info.WorktreePath] = "other-branch"
			},
			wantRepaired: true,
			wantRemove:   1,
			wantCreate:   1,
		},
		{
			name: "registered with directory lacking marker is removed then created",
			setup: func(t *testing.T, repo *fakeRepo, info *worktree.Info) {
				require.NoError(t, os.MkdirAll(info.WorktreePath, 0o750))
				repo.registered[info.WorktreePath] = "other-branch"
			},
			wantRepaired: true,
			wantRemove:   1,
			wantCreate:   1,
		},
		{
			name: "unregistered directory is deleted then created",
			setup: func(t *testing.T, _ *fakeRepo, info *worktree.Info) {
				require.NoError(t, os.MkdirAll(info.WorktreePath, 0o750))
				require.NoError(t, os.WriteFile(filepath.Join(info.WorktreePath, "stale.txt"), []byte("x"), 0o600))
			},
			wantRepaired: true,
			wantCreate:   1,
		},
		{
			name: "registered valid worktree is reused",
			setup: func(t *testing.T, repo *fakeRepo, info *worktree.Info) {
				require.NoError(t, os.MkdirAll(info.WorktreePath, 0o750))
				require.NoError(t, os.WriteFile(filepath.Join(info.WorktreePath, ".git"), []byte("gitdir: x\n"), 0o600))
				repo.registered[info.WorktreePath] = "other-branch"
			},
			wantReused: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newFakeRepo()
			info := legacyInfo(t)
			tt.setup(t, repo, info)

			res, err := New(repo, nil, WithPrewarm(false)).Provision(context.Background(), info, Options{RepoURL: "u"})
			require.NoError(t, err)
			require.Equal(t, tt.wantReused, res.Reused)
			require.Equal(t, tt.wantRepaired, res.Repaired)
			require.Equal(t, tt.wantRemove, repo.called("remove"))
			require.Equal(t, tt.wantCreate, repo.called("create"))
			require.NoFileExists(t, filepath.Join(info.WorktreePath, "stale.txt"))
		})
	}
}

func TestProvisionLegacyCloneFailureIsGitError(t *testing.T) {
	repo := newFakeRepo()
	repo.ensureErr = &git.CommandError{
		Args:   []string{"clone"},
		Result: git.CommandResult{Stderr: "fatal: repository not found", ExitCode: 128},
		Err:    errors.New("exit status 128"),
	}

	_, err := New(repo, nil).Provision(context.Background(), legacyInfo(t), Options{RepoURL: "u"})
	require.Error(t, err)
	require.True(t, perrors.IsCategory(err, perrors.CategoryGit))
	require.Contains(t, err.Error(), "repository not found")
}

func TestProvisionCodexRequiresValidSource(t *testing.T) {
	repo := newFakeRepo()
	wt := t.TempDir()
	info := &worktree.Info{
		Mode:            worktree.ModeCodexStyle,
		RepoName:        "app",
		Branch:          "feature-x",
		SourceRepoPath:  filepath.Join(t.TempDir(), "missing"),
		WorktreesPath:   filepath.Join(wt, "abcd1234"),
		WorktreePath:    filepath.Join(wt, "abcd1234", "app"),
		ProjectFullName: "acme/app",
	}

	_, err := New(repo, nil).Provision(context.Background(), info, Options{RepoURL: "u"})
	require.Error(t, err)
	require.True(t, perrors.IsCategory(err, perrors.CategoryConfig))
	require.Contains(t, err.Error(), "acme/app")
}

func codexInfo(t *testing.T, repo *fakeRepo) *worktree.Info {
	t.Helper()
	source := filepath.Join(t.TempDir(), "src", "app")
	repo.valid[source] = true
	wt := t.TempDir()
	return &worktree.Info{
		Mode:            worktree.ModeCodexStyle,
		RepoName:        "app",
		Branch:          "feature-x",
		ShortID:         "abcd1234",
		SourceRepoPath:  source,
		WorktreesPath:   filepath.Join(wt, "abcd1234"),
		WorktreePath:    filepath.Join(wt, "abcd1234", "app"),
		ProjectFullName: "acme/app",
	}
}

func TestProvisionCodexCreatesFromLocalRepo(t *testing.T) {
	repo := newFakeRepo()
	repo.fetchErr = errors.New("offline")
	reg := &fakeRegistry{err: errors.New("db locked")}
	info := codexInfo(t, repo)

	res, err := New(repo, reg).Provision(context.Background(), info, Options{RepoURL: "u", TeamScope: "team-1"})
	require.NoError(t, err, "fetch and registry failures are best-effort")
	require.Equal(t, info.WorktreePath, res.WorktreePath)
	require.Equal(t, 1, repo.called("fetch"))
	require.Equal(t, 1, repo.called("create-local"))
	require.Zero(t, repo.called("ensure"))
	require.Len(t, reg.records, 1)
	require.Equal(t, info.SourceRepoPath, reg.records[0].SourceRepoPath)
	require.Equal(t, []string{"acme/app"}, reg.touched)
}

func TestProvisionCodexReusesBranchWorktree(t *testing.T) {
	repo := newFakeRepo()
	info := codexInfo(t, repo)
	existing := filepath.Join(t.TempDir(), "elsewhere")
	_, err := repo.add(existing, info.Branch)
	require.NoError(t, err)

	res, err := New(repo, nil).Provision(context.Background(), info, Options{RepoURL: "u"})
	require.NoError(t, err)
	require.True(t, res.Reused)
	require.Equal(t, existing, res.WorktreePath)
	require.Equal(t, 1, repo.called("configure"))
	require.Zero(t, repo.called("create-local"))
}

func TestProvisionLegacyWithGit(t *testing.T) {
	gitfix.RequireGit(t)
	remote := gitfix.NewRemote(t)
	root := filepath.Join(t.TempDir(), "cmux", "app")
	info := &worktree.Info{
		OriginPath:    filepath.Join(root, "origin"),
		WorktreesPath: filepath.Join(root, "worktrees"),
		WorktreePath:  filepath.Join(root, "worktrees", "feature-x"),
		RepoName:      "app",
		Branch:        "feature-x",
		Mode:          worktree.ModeLegacy,
	}
	p := New(git.NewClient(), nil)

	res, err := p.Provision(context.Background(), info, Options{RepoURL: remote.Path})
	require.NoError(t, err)
	require.Equal(t, "main", res.BaseBranch)
	require.FileExists(t, filepath.Join(res.WorktreePath, "README.md"))

	// Deleting the directory behind git's back is repaired on the next call.
	require.NoError(t, os.RemoveAll(info.WorktreePath))
	res, err = p.Provision(context.Background(), info, Options{RepoURL: remote.Path})
	require.NoError(t, err)
	require.False(t, res.Reused)
	require.FileExists(t, filepath.Join(res.WorktreePath, "README.md"))
}

func TestProvisionRejectsTargetOutsideWorktrees(t *testing.T) {
	repo := newFakeRepo()
	info := legacyInfo(t)
	require.NoError(t, os.MkdirAll(filepath.Join(info.OriginPath, ".git"), 0o750))
	info.Branch = "../origin"
	info.WorktreePath = filepath.Join(info.WorktreesPath, info.Branch)

	_, err := New(repo, nil).Provision(context.Background(), info, Options{RepoURL: "u"})
	require.Error(t, err)
	require.True(t, perrors.IsCategory(err, perrors.CategoryValidation))
	require.DirExists(t, filepath.Join(info.OriginPath, ".git"))
	require.Zero(t, repo.called("ensure"))

	crafted := legacyInfo(t)
	crafted.WorktreePath = crafted.OriginPath
	_, err = New(repo, nil).Provision(context.Background(), crafted, Options{RepoURL: "u"})
	require.True(t, perrors.IsCategory(err, perrors.CategoryValidation))
	require.Zero(t, repo.called("remove"))
}

func TestProvisionCodexReusedWorktreeIsNotRegistered(t *testing.T) {
	repo := newFakeRepo()
	reg := &fakeRegistry{}
	info := codexInfo(t, repo)
	userOwned := filepath.Join(t.TempDir(), "my-checkout")
	_, err := repo.add(userOwned, info.Branch)
	require.NoError(t, err)

	res, err := New(repo, reg).Provision(context.Background(), info, Options{RepoURL: "u", TeamScope: "team-1"})
	require.NoError(t, err)
	require.True(t, res.Reused)
	require.Empty(t, reg.records)
	require.Empty(t, reg.touched)
}

func TestProvisionLegacyReuseKeepsSingleRecord(t *testing.T) {
	repo := newFakeRepo()
	reg := &fakeRegistry{}
	p := New(repo, reg, WithPrewarm(false))
	info := legacyInfo(t)

	_, err := p.Provision(context.Background(), info, Options{RepoURL: "u"})
	require.NoError(t, err)
	res, err := p.Provision(context.Background(), info, Options{RepoURL: "u"})
	require.NoError(t, err)
	require.True(t, res.Reused)
	require.Len(t, reg.records, 1)
}

func TestProvisionLegacyWithGitKeepsOriginOnEscapingBranch(t *testing.T) {
	gitfix.RequireGit(t)
	remote := gitfix.NewRemote(t)
	root := filepath.Join(t.TempDir(), "cmux", "app")
	info := &worktree.Info{
		OriginPath:    filepath.Join(root, "origin"),
		WorktreesPath: filepath.Join(root, "worktrees"),
		WorktreePath:  filepath.Join(root, "worktrees", "feature-x"),
		RepoName:      "app",
		Branch:        "feature-x",
		Mode:          worktree.ModeLegacy,
	}
	p := New(git.NewClient(), nil, WithPrewarm(false))
	_, err := p.Provision(context.Background(), info, Options{RepoURL: remote.Path})
	require.NoError(t, err)

	escaping := *info
	escaping.Branch = "../origin"
	escaping.WorktreePath = filepath.Join(info.WorktreesPath, "../origin")
	_, err = p.Provision(context.Background(), &escaping, Options{RepoURL: remote.Path})
	require.Error(t, err)
	require.True(t, perrors.IsCategory(err, perrors.CategoryValidation))
	require.FileExists(t, filepath.Join(info.OriginPath, "README.md"))
	require.True(t, git.NewClient().IsValidRepository(info.OriginPath))
}

func TestProvisionCodexWithGitDoesNotRegisterUserWorktree(t *testing.T) {
	gitfix.RequireGit(t)
	remote := gitfix.NewRemote(t)
	source := remote.Clone(t, filepath.Join(t.TempDir(), "app"))
	userOwned := filepath.Join(t.TempDir(), "app-feature")
	gitfix.Git(t, source, "worktree", "add", "--quiet", "-b", "feature-x", userOwned)

	wt := t.TempDir()
	info := &worktree.Info{
		Mode:            worktree.ModeCodexStyle,
		RepoName:        "app",
		Branch:          "feature-x",
		ShortID:         "abcd1234",
		OriginPath:      source,
		SourceRepoPath:  source,
		WorktreesPath:   filepath.Join(wt, "abcd1234"),
		WorktreePath:    filepath.Join(wt, "abcd1234", "app"),
		ProjectFullName: "acme/app",
	}
	reg := &fakeRegistry{}

	res, err := New(git.NewClient(), reg, WithPrewarm(false)).Provision(context.Background(), info, Options{RepoURL: remote.Path, TeamScope: "team-1"})
	require.NoError(t, err)
	require.True(t, res.Reused)
	want, err := filepath.EvalSymlinks(userOwned)
	require.NoError(t, err)
	got, err := filepath.EvalSymlinks(res.WorktreePath)
	require.NoError(t, err)
	require.Equal(t, want, got)
	require.Empty(t, reg.records)
	require.NoDirExists(t, info.WorktreePath)
}

func TestProvisionRejectsSymlinkedTarget(t *testing.T) {
	repo := newFakeRepo()
	info := legacyInfo(t)
	require.NoError(t, os.MkdirAll(filepath.Join(info.OriginPath, ".git"), 0o750))
	require.NoError(t, os.MkdirAll(info.WorktreesPath, 0o750))
	require.NoError(t, os.Symlink(info.OriginPath, info.WorktreePath))

	_, err := New(repo, nil).Provision(context.Background(), info, Options{RepoURL: "u"})
	require.Error(t, err)
	require.True(t, perrors.IsCategory(err, perrors.CategoryValidation))
	require.DirExists(t, filepath.Join(info.OriginPath, ".git"))
	require.Zero(t, repo.called("remove"))
}
