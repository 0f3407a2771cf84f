package git

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"strings"

	perrors "git.home.luguber.info/inful/worktreed/internal/errors"
	"git.home.luguber.info/inful/worktreed/internal/logfields"
	"git.home.luguber.info/inful/worktreed/internal/workspace"
)

// WorktreeEntry is one record of `git worktree list --porcelain`.
type WorktreeEntry struct {
	Path     string
	Head     string
	Branch   string // short name; empty when detached or bare
	Bare     bool
	Detached bool
	Locked   bool
	Prunable bool
	Main     bool // the repository's own working tree
}

// ParseWorktreeList parses porcelain output of `git worktree list`.
func ParseWorktreeList(out string) []WorktreeEntry {
	var (
		entries []WorktreeEntry
		cur     *WorktreeEntry
	)
	flush := func() {
		if cur != nil {
			cur.Main = len(entries) == 0
			entries = append(entries, *cur)
			cur = nil
		}
	}
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if line == "" {
			flush()
			continue
		}
		key, value, _ := strings.Cut(line, " ")
		if key == "worktree" {
			flush()
			cur = &WorktreeEntry{Path: value}
			continue
		}
		if cur == nil {
			continue
		}
		switch key {
		case "HEAD":
			cur.Head = value
		case "branch":
			cur.Branch = strings.TrimPrefix(value, "refs/heads/")
		case "bare":
			cur.Bare = true
		case "detached":
			cur.Detached = true
		case "locked":
			cur.Locked = true
		case "prunable":
			cur.Prunable = true
		}
	}
	flush()
	return entries
}

// ListWorktrees lists the worktrees registered with the repository at repoPath.
func (c *Client) ListWorktrees(ctx context.Context, repoPath string) ([]WorktreeEntry, error) {
	out, err := c.run(ctx, "worktree list", repoPath, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	return ParseWorktreeList(out), nil
}

// WorktreeExists reports whether worktreePath is registered as a linked
// worktree of the repository at originPath.
func (c *Client) WorktreeExists(ctx context.Context, originPath, worktreePath string) (bool, error) {
	entries, err := c.ListWorktrees(ctx, originPath)
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if !e.Main && samePath(e.Path, worktreePath) {
			return true, nil
		}
	}
	return false, nil
}

// FindWorktreeUsingBranch returns the path of the linked worktree that has
// branch checked out, or "" when none does. The main working tree is never
// returned.
func (c *Client) FindWorktreeUsingBranch(ctx context.Context, originPath, branch string) (string, error) {
	entries, err := c.ListWorktrees(ctx, originPath)
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		if !e.Main && e.Branch == branch {
			return e.Path, nil
		}
	}
	return "", nil
}

// CreateWorktree adds a linked worktree of originPath at worktreePath with
// branch checked out. An existing local branch is reused; otherwise the branch
// is created from origin/<branch> when the remote has it, else from
// baseBranch (preferring origin/<baseBranch>).
func (c *Client) CreateWorktree(ctx context.Context, originPath, worktreePath, branch, baseBranch string) (string, error) {
	unlock := c.lock(originPath)
	defer unlock()
	if err := c.addWorktree(ctx, originPath, worktreePath, branch, baseBranch); err != nil {
		return "", err
	}
	slog.Info("Created worktree", logfields.Origin(originPath), logfields.Path(worktreePath), logfields.Branch(branch), logfields.BaseBranch(baseBranch))
	return worktreePath, nil
}

// CreateWorktreeFromLocalRepo adds a linked worktree of the user's local
// clone at sourcePath. When authURL is set the base branch is fetched from it
// first (best-effort) so new branches start from the current remote state.
func (c *Client) CreateWorktreeFromLocalRepo(ctx context.Context, sourcePath, worktreePath, branch, baseBranch, authURL string) (string, error) {
	unlock := c.lock(sourcePath)
	defer unlock()
	if authURL != "" && baseBranch != "" {
		refspec := fmt.Sprintf("+refs/heads/%s:refs/remotes/origin/%s", baseBranch, baseBranch)
		if _, err := c.run(ctx, "fetch", sourcePath, "fetch", "--quiet", authURL, refspec); err != nil {
			slog.Warn("Fetch of base branch before worktree creation failed",
				logfields.Path(sourcePath), logfields.BaseBranch(baseBranch), logfields.Error(err))
		}
	}
	if err := c.addWorktree(ctx, sourcePath, worktreePath, branch, baseBranch); err != nil {
		return "", err
	}
	slog.Info("Created worktree from local repository", logfields.Origin(sourcePath), logfields.Path(worktreePath), logfields.Branch(branch), logfields.BaseBranch(baseBranch))
	return worktreePath, nil
}

func (c *Client) addWorktree(ctx context.Context, repoPath, worktreePath, branch, baseBranch string) error {
	if strings.TrimSpace(branch) == "" {
		return perrors.ValidationFailed("branch", "required")
	}
	if err := workspace.EnsureParent(worktreePath); err != nil {
		return err
	}

	local, err := c.localBranchExists(ctx, repoPath, branch)
	if err != nil {
		return err
	}
	if local {
		_, err := c.run(ctx, "worktree add", repoPath, "worktree", "add", worktreePath, branch)
		return err
	}

	remote, err := c.RemoteBranchExists(ctx, repoPath, branch)
	if err != nil {
		return err
	}
	start := ""
	switch {
	case remote:
		start = "origin/" + branch
	case baseBranch != "":
		start = baseBranch
		if ok, _ := c.RemoteBranchExists(ctx, repoPath, baseBranch); ok {
			start = "origin/" + baseBranch
		}
	default:
		return perrors.GitOperationError("worktree add", fmt.Sprintf("branch %q does not exist and no base branch was given", branch), nil)
	}
	_, err = c.run(ctx, "worktree add", repoPath, "worktree", "add", "--no-track", "-b", branch, worktreePath, start)
	return err
}

// RemoveWorktree unregisters worktreePath from originPath and deletes its
// directory. A worktree whose directory is already gone is pruned instead.
func (c *Client) RemoveWorktree(ctx context.Context, originPath, worktreePath string) error {
	unlock := c.lock(originPath)
	defer unlock()

	if _, err := c.run(ctx, "worktree remove", originPath, "worktree", "remove", "--force", worktreePath); err != nil {
		slog.Debug("worktree remove failed; pruning", logfields.Path(worktreePath), logfields.Error(err))
		if _, perr := c.run(ctx, "worktree prune", originPath, "worktree", "prune"); perr != nil {
			return perr
		}
		entries, lerr := c.ListWorktrees(ctx, originPath)
		if lerr != nil {
			return lerr
		}
		for _, e := range entries {
			if !e.Main && samePath(e.Path, worktreePath) {
				return err
			}
		}
	}
	return workspace.RemoveAll(worktreePath)
}

// EnsureWorktreeConfigured makes sure branch tracks origin/<branch> so pushes
// and pulls from the worktree go to the matching remote branch.
func (c *Client) EnsureWorktreeConfigured(ctx context.Context, worktreePath, branch string) error {
	if !workspace.HasGitMarker(worktreePath) {
		return perrors.GitOperationError("worktree configure", "not a git worktree: "+worktreePath, nil)
	}
	settings := [][2]string{
		{"branch." + branch + ".remote", "origin"},
		{"branch." + branch + ".merge", "refs/heads/" + branch},
	}
	for _, kv := range settings {
		current, _ := c.Exec(ctx, worktreePath, "config", "--get", kv[0])
		if strings.TrimSpace(current.Stdout) == kv[1] {
			continue
		}
		if _, err := c.run(ctx, "config", worktreePath, "config", kv[0], kv[1]); err != nil {
			return err
		}
	}
	return nil
}
