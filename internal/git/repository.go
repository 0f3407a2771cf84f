package git

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"git.home.luguber.info/inful/worktreed/internal/logfields"
	"git.home.luguber.info/inful/worktreed/internal/workspace"
)

var errNoDefaultBranch = errors.New("unable to determine default branch")

func openRepo(path string) (*git.Repository, error) {
	return git.PlainOpenWithOptions(path, &git.PlainOpenOptions{EnableDotGitCommonDir: true})
}

// IsValidRepository reports whether path is a directory with a ".git" entry
// that go-git can open.
func (c *Client) IsValidRepository(path string) bool {
	if !workspace.HasGitMarker(path) {
		return false
	}
	_, err := openRepo(path)
	return err == nil
}

// OriginURL returns the first URL of the "origin" remote of the repository at path.
func OriginURL(path string) (string, error) {
	repo, err := openRepo(path)
	if err != nil {
		return "", err
	}
	remote, err := repo.Remote("origin")
	if err != nil {
		return "", err
	}
	urls := remote.Config().URLs
	if len(urls) == 0 {
		return "", fmt.Errorf("origin remote of %s has no URL", path)
	}
	return urls[0], nil
}

// EnsureRepository makes originPath a clone of url. An existing valid clone
// is refreshed from url on a best-effort basis; anything else at originPath is
// replaced. Concurrent calls for the same originPath share one execution.
// displayRemoteURL, when set, is what the origin remote is left pointing at so
// credentials in url are not persisted.
func (c *Client) EnsureRepository(ctx context.Context, url, originPath, branch, displayRemoteURL string) error {
	key := filepath.Clean(originPath)
	_, err, shared := c.repoFlight.Do(key, func() (any, error) {
		return nil, c.ensureRepositoryOnce(ctx, url, key, branch, displayRemoteURL)
	})
	if shared {
		slog.Debug("Joined in-flight repository setup", logfields.Origin(key))
	}
	return err
}

func (c *Client) ensureRepositoryOnce(ctx context.Context, url, originPath, branch, displayRemoteURL string) error {
	unlock := c.lock(originPath)
	defer unlock()

	remoteURL := displayRemoteURL
	if remoteURL == "" {
		remoteURL = url
	}

	if c.IsValidRepository(originPath) {
		if current, err := OriginURL(originPath); err != nil || current != remoteURL {
			if _, serr := c.run(ctx, "remote set-url", originPath, "remote", "set-url", "origin", remoteURL); serr != nil {
				slog.Warn("Failed to update origin remote", logfields.Origin(originPath), logfields.Error(serr))
			}
		}
		if err := c.fetchAll(ctx, originPath, url); err != nil {
			slog.Warn("Fetch of existing repository failed; continuing with local state",
				logfields.Origin(originPath), logfields.URL(Redact(url)), logfields.Error(err))
		}
		return nil
	}

	if workspace.Exists(originPath) {
		slog.Info("Replacing invalid repository directory", logfields.Origin(originPath))
		if err := workspace.RemoveAll(originPath); err != nil {
			return err
		}
	}
	if err := workspace.EnsureParent(originPath); err != nil {
		return err
	}

	slog.Info("Cloning repository", logfields.URL(Redact(url)), logfields.Origin(originPath), logfields.Branch(branch))
	if _, err := c.run(ctx, "clone", filepath.Dir(originPath), "clone", "--quiet", url, originPath); err != nil {
		return err
	}
	if remoteURL != url {
		if _, err := c.run(ctx, "remote set-url", originPath, "remote", "set-url", "origin", remoteURL); err != nil {
			return err
		}
	}
	// The origin checkout must not hold any branch a worktree may need.
	if _, err := c.run(ctx, "checkout --detach", originPath, "checkout", "--quiet", "--detach"); err != nil {
		return err
	}
	return nil
}

func (c *Client) fetchAll(ctx context.Context, repoPath, url string) error {
	remote := url
	if remote == "" {
		remote = "origin"
	}
	_, err := c.run(ctx, "fetch", repoPath, "fetch", "--quiet", "--prune", remote, "+refs/heads/*:refs/remotes/origin/*")
	return err
}

// Fetch refreshes remote-tracking refs of the repository at path from
// remoteURL, or from "origin" when remoteURL is empty.
func (c *Client) Fetch(ctx context.Context, path, remoteURL string) error {
	unlock := c.lock(path)
	defer unlock()
	return c.fetchAll(ctx, path, remoteURL)
}

// DefaultBranch returns the remote default branch of the repository at path:
// origin/HEAD when present, else origin/main or origin/master, else the
// local main or master branch.
func (c *Client) DefaultBranch(_ context.Context, path string) (string, error) {
	repo, err := openRepo(path)
	if err != nil {
		return "", fmt.Errorf("open repository %s: %w", path, err)
	}
	if b, err := resolveRemoteDefaultBranch(repo); err == nil && b != "" {
		return b, nil
	}
	for _, candidate := range []plumbing.ReferenceName{
		plumbing.NewRemoteReferenceName("origin", "main"),
		plumbing.NewRemoteReferenceName("origin", "master"),
		plumbing.NewBranchReferenceName("main"),
		plumbing.NewBranchReferenceName("master"),
	} {
		if _, err := repo.Reference(candidate, false); err == nil {
			return shortBranch(candidate), nil
		}
	}
	return "", fmt.Errorf("%w for %s", errNoDefaultBranch, path)
}

func resolveRemoteDefaultBranch(repo *git.Repository) (string, error) {
	ref, err := repo.Reference(plumbing.NewRemoteHEADReferenceName("origin"), false)
	if err != nil {
		return "", err
	}
	if ref.Type() != plumbing.SymbolicReference || ref.Target() == "" {
		return "", errors.New("origin/HEAD is not symbolic")
	}
	return shortBranch(ref.Target()), nil
}

func shortBranch(name plumbing.ReferenceName) string {
	s := name.String()
	s = strings.TrimPrefix(s, "refs/remotes/origin/")
	return strings.TrimPrefix(s, "refs/heads/")
}

// CurrentBranch returns the branch checked out at path, or "HEAD" when detached.
func (c *Client) CurrentBranch(ctx context.Context, path string) (string, error) {
	return c.run(ctx, "rev-parse --abbrev-ref HEAD", path, "rev-parse", "--abbrev-ref", "HEAD")
}

// RemoteBranchExists reports whether refs/remotes/origin/<branch> exists in the repository at path.
func (c *Client) RemoteBranchExists(ctx context.Context, path, branch string) (bool, error) {
	return c.ok(ctx, path, "rev-parse", "--verify", "--quiet", "refs/remotes/origin/"+branch)
}

func (c *Client) localBranchExists(ctx context.Context, path, branch string) (bool, error) {
	return c.ok(ctx, path, "show-ref", "--verify", "--quiet", "refs/heads/"+branch)
}

// Status returns `git status --porcelain` output for path; empty means clean.
func (c *Client) Status(ctx context.Context, path string) (string, error) {
	return c.run(ctx, "status", path, "status", "--porcelain")
}
