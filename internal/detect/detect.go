// Package detect finds an existing local clone of a project on the user's machine.
package detect

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"git.home.luguber.info/inful/worktreed/internal/git"
	"git.home.luguber.info/inful/worktreed/internal/logfields"
	"git.home.luguber.info/inful/worktreed/internal/workspace"
)

// conventionalDirs are probed under the home directory, in order.
var conventionalDirs = []string{
	"code", "Code",
	"projects", "Projects",
	"dev", "Dev",
	"src",
	"workspace", "Workspace",
	"repos", "Repos",
	"git", "GitHub", "github",
	"Desktop/code", "Desktop/Code", "Desktop/projects", "Desktop",
	"Documents/code", "Documents/Code", "Documents/projects",
	"",
}

// MigrationPath is the legacy origin clone location that is accepted without
// remote verification.
func MigrationPath(home, repoName string) string {
	return filepath.Join(home, "cmux", repoName, "origin")
}

// Candidates returns the ordered probe list for repoName under home,
// excluding the migration path.
func Candidates(home, repoName string) []string {
	out := make([]string, 0, len(conventionalDirs))
	for _, d := range conventionalDirs {
		out = append(out, filepath.Join(home, filepath.FromSlash(d), repoName))
	}
	return out
}

// Detector probes the filesystem for local clones.
type Detector struct {
	home      string
	originURL func(path string) (string, error)
}

// Option configures a Detector.
type Option func(*Detector)

// WithHomeDir overrides the home directory that is probed.
func WithHomeDir(home string) Option {
	return func(d *Detector) { d.home = home }
}

// WithOriginReader overrides how the origin remote URL of a candidate is read.
func WithOriginReader(fn func(path string) (string, error)) Option {
	return func(d *Detector) { d.originURL = fn }
}

// New creates a Detector rooted at the current user's home directory.
func New(opts ...Option) *Detector {
	d := &Detector{originURL: git.OriginURL}
	if home, err := os.UserHomeDir(); err == nil {
		d.home = home
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Detect returns the first local clone of repoName. When projectFullName
// ("owner/repo") is given, candidates other than the migration path must have
// an origin remote naming it. It never fails; ("", false) means not found.
func (d *Detector) Detect(ctx context.Context, repoName, projectFullName string) (string, bool) {
	if d.home == "" || repoName == "" {
		return "", false
	}

	if legacy := MigrationPath(d.home, repoName); workspace.HasGitMarker(legacy) {
		slog.DebugContext(ctx, "Detected legacy origin clone", logfields.Path(legacy))
		return legacy, true
	}

	for _, candidate := range Candidates(d.home, repoName) {
		if ctx.Err() != nil {
			return "", false
		}
		if !workspace.HasGitMarker(candidate) {
			continue
		}
		if projectFullName == "" {
			slog.DebugContext(ctx, "Detected local clone", logfields.Path(candidate))
			return candidate, true
		}
		url, err := d.originURL(candidate)
		if err != nil {
			slog.DebugContext(ctx, "Skipping candidate without readable origin", logfields.Path(candidate), logfields.Error(err))
			continue
		}
		if RemoteMatches(url, projectFullName) {
			slog.DebugContext(ctx, "Detected local clone", logfields.Path(candidate), logfields.Project(projectFullName))
			return candidate, true
		}
	}
	return "", false
}

// RemoteMatches reports whether remoteURL names projectFullName, either as
// "owner/repo" or in SSH form "owner:repo".
func RemoteMatches(remoteURL, projectFullName string) bool {
	if remoteURL == "" || projectFullName == "" {
		return false
	}
	if strings.Contains(remoteURL, projectFullName) {
		return true
	}
	return strings.Contains(remoteURL, strings.Replace(projectFullName, "/", ":", 1))
}
