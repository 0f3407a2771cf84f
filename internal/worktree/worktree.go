// Package worktree computes where a task's worktree lives on disk.
package worktree

import (
	"encoding/hex"
	"net/url"
	"strings"

	"github.com/zeebo/blake3"

	"git.home.luguber.info/inful/worktreed/internal/config"
)

// Mode is the provisioning strategy.
type Mode string

const (
	// ModeLegacy shares one server-managed origin clone per repository.
	ModeLegacy Mode = "legacy"
	// ModeCodexStyle adds worktrees to a clone the user already has.
	ModeCodexStyle Mode = "codex-style"
)

// ParseMode maps a stored or configured mode string to a Mode; "" when unknown.
func ParseMode(raw string) Mode {
	switch config.NormalizeWorktreeMode(raw) {
	case config.ModeLegacy:
		return ModeLegacy
	case config.ModeCodexStyle:
		return ModeCodexStyle
	default:
		return ""
	}
}

// Info is the resolved layout of one worktree.
type Info struct {
	OriginPath      string
	WorktreesPath   string
	WorktreePath    string
	RepoName        string
	Branch          string
	Mode            Mode
	ShortID         string
	SourceRepoPath  string
	ProjectFullName string
}

// ShortID returns the first 8 hex characters of BLAKE3("projectFullName:branch").
func ShortID(projectFullName, branch string) string {
	sum := blake3.Sum256([]byte(projectFullName + ":" + branch))
	return hex.EncodeToString(sum[:])[:8]
}

// ExpandHome replaces a leading "~" with the user's home directory.
func ExpandHome(path string) string { return config.ExpandHome(path) }

// RepoNameFromURL returns the last path element of a clone URL without ".git".
func RepoNameFromURL(repoURL string) string {
	s := strings.TrimRight(strings.TrimSpace(repoURL), "/")
	s = strings.TrimSuffix(s, ".git")
	if i := strings.LastIndexAny(s, "/:"); i >= 0 {
		s = s[i+1:]
	}
	return s
}

// ProjectFullNameFromURL returns "owner/repo" for https and scp-style SSH
// clone URLs, or "" when the URL has no owner segment.
func ProjectFullNameFromURL(repoURL string) string {
	s := strings.TrimSpace(repoURL)
	var p string
	if u, err := url.Parse(s); err == nil && u.Scheme != "" && u.Host != "" {
		p = u.Path
	} else if i := strings.Index(s, ":"); i >= 0 {
		p = s[i+1:]
	} else {
		return ""
	}
	p = strings.TrimSuffix(strings.Trim(p, "/"), ".git")
	parts := strings.Split(p, "/")
	if len(parts) < 2 || parts[len(parts)-2] == "" || parts[len(parts)-1] == "" {
		return ""
	}
	return parts[len(parts)-2] + "/" + parts[len(parts)-1]
}

// CanonicalURL returns the https clone URL of projectFullName on host.
func CanonicalURL(host, projectFullName string) string {
	return "https://" + host + "/" + projectFullName + ".git"
}
