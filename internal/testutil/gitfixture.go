// Package testutil provides git repository fixtures for tests.
package testutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	ggitcfg "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// RequireGit skips the test when no git binary is available.
func RequireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}
}

// Remote is a non-bare repository used as the "remote" side of a test.
type Remote struct {
	Path string
	Repo *git.Repository
}

// NewRemote initializes a repository with a single commit on main.
func NewRemote(t *testing.T) *Remote {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "remote")
	repo, err := git.PlainInitWithOptions(dir, &git.PlainInitOptions{
		InitOptions: git.InitOptions{DefaultBranch: plumbing.NewBranchReferenceName("main")},
	})
	if err != nil {
		t.Fatalf("init remote: %v", err)
	}
	r := &Remote{Path: dir, Repo: repo}
	r.Commit(t, "README.md", "hello\n")
	return r
}

// Commit writes name with content on the checked-out branch and commits it.
func (r *Remote) Commit(t *testing.T, name, content string) plumbing.Hash {
	t.Helper()
	wt, err := r.Repo.Worktree()
	if err != nil {
		t.Fatalf("worktree: %v", err)
	}
	if err := os.WriteFile(filepath.Join(r.Path, name), []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	if _, err := wt.Add(name); err != nil {
		t.Fatalf("add %s: %v", name, err)
	}
	h, err := wt.Commit("update "+name, &git.CommitOptions{
		Author: &object.Signature{Name: "tester", Email: "tester@example.com", When: time.Now()},
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	return h
}

// Branch creates branch at the current HEAD of the remote without checking it out.
func (r *Remote) Branch(t *testing.T, branch string) {
	t.Helper()
	head, err := r.Repo.Head()
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	ref := plumbing.NewHashReference(plumbing.NewBranchReferenceName(branch), head.Hash())
	if err := r.Repo.Storer.SetReference(ref); err != nil {
		t.Fatalf("create branch %s: %v", branch, err)
	}
}

// Clone makes a full clone of the remote at dir using the git binary, so the
// clone has origin/HEAD like a user's checkout would.
func (r *Remote) Clone(t *testing.T, dir string) string {
	t.Helper()
	RequireGit(t)
	Git(t, filepath.Dir(dir), "clone", "--quiet", r.Path, dir)
	return dir
}

// Git runs the git binary in dir and fails the test on error.
func Git(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=tester", "GIT_AUTHOR_EMAIL=tester@example.com",
		"GIT_COMMITTER_NAME=tester", "GIT_COMMITTER_EMAIL=tester@example.com")
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v in %s: %v\n%s", args, dir, err, out)
	}
	return string(out)
}

// InitWithOrigin creates a repository at dir whose origin remote points at url.
// Nothing is fetched; it is enough for detection tests.
func InitWithOrigin(t *testing.T, dir, url string) {
	t.Helper()
	repo, err := git.PlainInit(dir, false)
	if err != nil {
		t.Fatalf("init %s: %v", dir, err)
	}
	if url == "" {
		return
	}
	if _, err := repo.CreateRemote(&ggitcfg.RemoteConfig{Name: "origin", URLs: []string{url}}); err != nil {
		t.Fatalf("create remote: %v", err)
	}
}
