// Package workspace holds the filesystem primitives shared by worktree
// detection, provisioning and reaping.
//
// A directory counts as a working tree when it is a directory that contains a
// ".git" entry. The entry may be a directory (full clone) or a file (linked
// worktree); both are accepted.
package workspace
