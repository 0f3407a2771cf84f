// Package git is the repository operations provider used by the provisioner
// and the ensurer.
//
// Reads (validity, remote URLs, default branch, staleness) go through go-git.
// Linked worktrees, fetches, checkouts and resets drive the git binary, since
// go-git has no support for `git worktree`.
//
// Concurrent EnsureRepository calls for the same origin path share one
// execution, and mutations of one repository are serialized by a per-path
// lock. Nothing here protects against a second process on the same host.
package git
