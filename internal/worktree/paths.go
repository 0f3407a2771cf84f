package worktree

import (
	"fmt"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"

	perrors "git.home.luguber.info/inful/worktreed/internal/errors"
)

const forbiddenBranchChars = " ~^:?*[\\"

// ValidateBranchName rejects names git refuses as a branch
// (git check-ref-format --branch). Accepted names are also safe to join
// below a worktrees directory: no segment is empty or starts with a dot.
func ValidateBranchName(branch string) error {
	invalid := func(reason string) error {
		return perrors.ValidationFailed("branch", fmt.Sprintf("%q %s", branch, reason))
	}
	switch {
	case branch == "":
		return invalid("is empty")
	case branch == "@":
		return invalid("is reserved")
	case strings.HasPrefix(branch, "-"):
		return invalid("must not start with '-'")
	case strings.HasSuffix(branch, "/"), strings.HasSuffix(branch, "."):
		return invalid("must not end with '/' or '.'")
	case strings.Contains(branch, ".."):
		return invalid("must not contain '..'")
	case strings.Contains(branch, "@{"):
		return invalid("must not contain '@{'")
	}
	for _, r := range branch {
		if r < 0x20 || r == 0x7f || strings.ContainsRune(forbiddenBranchChars, r) {
			return invalid(fmt.Sprintf("contains forbidden character %q", r))
		}
	}
	for _, seg := range strings.Split(branch, "/") {
		switch {
		case seg == "":
			return invalid("has an empty path segment")
		case strings.HasPrefix(seg, "."):
			return invalid("has a path segment starting with '.'")
		case strings.HasSuffix(seg, ".lock"):
			return invalid("has a path segment ending in '.lock'")
		}
	}
	return nil
}

// ValidateRepoName rejects repository names that are not a single path element.
func ValidateRepoName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return perrors.ValidationFailed("repo_url", fmt.Sprintf("invalid repository name %q", name))
	}
	return nil
}

// Within reports whether path lies strictly below root once both are cleaned.
func Within(root, path string) bool {
	rel, err := filepath.Rel(filepath.Clean(root), filepath.Clean(path))
	if err != nil || filepath.IsAbs(rel) {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func sameOrWithin(root, path string) bool {
	return filepath.Clean(root) == filepath.Clean(path) || Within(root, path)
}

// CheckPaths verifies that the worktree path sits below WorktreesPath and
// neither is nor contains the repository it is attached to. Callers run it
// before removing anything at WorktreePath.
func (i *Info) CheckPaths() error {
	if i.WorktreePath == "" || !Within(i.WorktreesPath, i.WorktreePath) {
		return perrors.ValidationFailed("worktree_path",
			fmt.Sprintf("%q is not below %q", i.WorktreePath, i.WorktreesPath))
	}
	for _, repo := range []string{i.OriginPath, i.SourceRepoPath} {
		if repo != "" && sameOrWithin(i.WorktreePath, repo) {
			return perrors.ValidationFailed("worktree_path",
				fmt.Sprintf("%q overlaps repository %q", i.WorktreePath, repo))
		}
	}
	return nil
}

// CheckSymlinks resolves WorktreePath below WorktreesPath on disk and fails
// when a symlink along the way points elsewhere. Missing components are fine.
func (i *Info) CheckSymlinks() error {
	root := filepath.Clean(i.WorktreesPath)
	rel, err := filepath.Rel(root, filepath.Clean(i.WorktreePath))
	if err != nil {
		return perrors.ValidationFailed("worktree_path", err.Error())
	}
	resolved, err := securejoin.SecureJoin(root, rel)
	if err != nil {
		return perrors.WorkspaceError("resolve worktree path", err)
	}
	if resolved != filepath.Clean(i.WorktreePath) {
		return perrors.ValidationFailed("worktree_path",
			fmt.Sprintf("%q resolves through a symlink to %q", i.WorktreePath, resolved))
	}
	return nil
}

// patternRoot is the fixed directory prefix of a codex path pattern.
func patternRoot(pattern string) string {
	idx := strings.Index(pattern, "{")
	if idx < 0 {
		return filepath.Clean(pattern)
	}
	return filepath.Dir(pattern[:idx])
}
