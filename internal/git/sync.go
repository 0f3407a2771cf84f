package git

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	ggitcfg "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"

	"git.home.luguber.info/inful/worktreed/internal/logfields"
)

func isMissingRemoteRef(err error) bool {
	s := strings.ToLower(StderrOf(err))
	return strings.Contains(s, "couldn't find remote ref") || strings.Contains(s, "could not find remote ref")
}

func branchRefspec(branch string) string {
	return fmt.Sprintf("+refs/heads/%s:refs/remotes/origin/%s", branch, branch)
}

// PrewarmCommitHistory fetches the full history of branch into the
// repository at path, unshallowing it when needed. A branch the remote does
// not have is not an error.
func (c *Client) PrewarmCommitHistory(ctx context.Context, path, branch, authURL string) error {
	if branch == "" {
		return nil
	}
	remote := authURL
	if remote == "" {
		remote = "origin"
	}
	args := []string{"fetch", "--quiet"}
	if shallow, _ := c.run(ctx, "rev-parse", path, "rev-parse", "--is-shallow-repository"); shallow == "true" {
		args = append(args, "--unshallow")
	}
	args = append(args, remote, branchRefspec(branch))
	if _, err := c.run(ctx, "fetch", path, args...); err != nil {
		if isMissingRemoteRef(err) {
			slog.Debug("Prewarm skipped; branch not on remote", logfields.Path(path), logfields.Branch(branch))
			return nil
		}
		return err
	}
	slog.Debug("Prewarmed commit history", logfields.Path(path), logfields.Branch(branch))
	return nil
}

// UpdateRemoteBranchIfStale refreshes refs/remotes/origin/<branch> in the
// repository owning worktreePath when the remote tip differs from it. The
// remote tip is read with an ls-remote; when that is not possible (private
// remote, offline) a plain fetch is attempted. Results are trusted for the
// client's fetch TTL.
func (c *Client) UpdateRemoteBranchIfStale(ctx context.Context, worktreePath, branch string) error {
	key := canonicalPath(worktreePath) + "|" + branch
	if c.recentlyChecked(key) {
		return nil
	}

	stale, err := c.remoteBranchStale(ctx, worktreePath, branch)
	if err != nil {
		slog.Debug("ls-remote failed; fetching", logfields.Path(worktreePath), logfields.Branch(branch), logfields.Error(err))
		stale = true
	}
	if !stale {
		c.markChecked(key)
		return nil
	}

	if _, err := c.run(ctx, "fetch", worktreePath, "fetch", "--quiet", "origin", branchRefspec(branch)); err != nil {
		if isMissingRemoteRef(err) {
			c.markChecked(key)
			return nil
		}
		return err
	}
	c.markChecked(key)
	slog.Debug("Updated stale remote branch", logfields.Path(worktreePath), logfields.Branch(branch))
	return nil
}

// remoteBranchStale compares origin's advertised tip of branch with the local
// remote-tracking ref. A branch missing on the remote is never stale.
func (c *Client) remoteBranchStale(ctx context.Context, path, branch string) (bool, error) {
	repo, err := openRepo(path)
	if err != nil {
		return false, err
	}
	originURL, err := OriginURL(path)
	if err != nil {
		return false, err
	}
	opts := &git.ListOptions{}
	if c.remoteAuth != nil && (strings.HasPrefix(originURL, "https://") || strings.HasPrefix(originURL, "http://")) {
		if opts.Auth, err = c.remoteAuth(ctx); err != nil {
			return false, err
		}
	}
	rem := git.NewRemote(nil, &ggitcfg.RemoteConfig{Name: "origin", URLs: []string{originURL}})
	refs, err := rem.ListContext(ctx, opts)
	if err != nil {
		return false, err
	}
	want := plumbing.NewBranchReferenceName(branch)
	var remoteHash plumbing.Hash
	for _, r := range refs {
		if r.Name() == want {
			remoteHash = r.Hash()
			break
		}
	}
	if remoteHash.IsZero() {
		return false, nil
	}
	local, err := repo.Reference(plumbing.NewRemoteReferenceName("origin", branch), true)
	if err != nil {
		return true, nil
	}
	return local.Hash() != remoteHash, nil
}

func (c *Client) recentlyChecked(key string) bool {
	if c.fetchTTL <= 0 {
		return false
	}
	c.fetchedMu.Lock()
	defer c.fetchedMu.Unlock()
	at, ok := c.fetched[key]
	return ok && time.Since(at) < c.fetchTTL
}

func (c *Client) markChecked(key string) {
	c.fetchedMu.Lock()
	c.fetched[key] = time.Now()
	c.fetchedMu.Unlock()
}
