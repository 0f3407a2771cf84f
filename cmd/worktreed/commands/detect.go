package commands

import (
	"fmt"

	"git.home.luguber.info/inful/worktreed/internal/detect"
	perrors "git.home.luguber.info/inful/worktreed/internal/errors"
	"git.home.luguber.info/inful/worktreed/internal/worktree"
)

// DetectCmd implements the 'detect' command.
type DetectCmd struct {
	Project string `arg:"" help:"Project as owner/repo or a repository URL"`
	Loose   bool   `help:"Accept the first clone named like the repository without checking its origin remote"`
}

func (d *DetectCmd) Run(_ *Global, root *CLI) error {
	ctx, cancel := signalContext()
	defer cancel()

	project := worktree.ProjectFullNameFromURL(d.Project)
	if project == "" {
		project = d.Project
	}
	repoName := worktree.RepoNameFromURL(project)
	if repoName == "" {
		return perrors.ValidationFailed("project", "expected owner/repo")
	}

	identifier := project
	if d.Loose {
		identifier = ""
	}
	path, ok := detect.New().Detect(ctx, repoName, identifier)
	if !ok {
		return perrors.NotFound("local clone", project)
	}
	_, err := fmt.Fprintln(root.stdout(), path)
	return err
}
