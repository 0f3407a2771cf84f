package commands

import (
	"fmt"

	"git.home.luguber.info/inful/worktreed/internal/config"
	perrors "git.home.luguber.info/inful/worktreed/internal/errors"
	"git.home.luguber.info/inful/worktreed/internal/store"
	"git.home.luguber.info/inful/worktreed/internal/worktree"
)

// WorkspaceCmd groups workspace settings subcommands.
type WorkspaceCmd struct {
	Set WorkspaceSetCmd `cmd:"" help:"Store a team's worktree mode and roots"`
	Map WorkspaceMapCmd `cmd:"" help:"Record the local clone a team uses for a project"`
}

// WorkspaceSetCmd implements 'workspace set'.
type WorkspaceSetCmd struct {
	Team         string `short:"t" required:"" help:"Team scope"`
	Mode         string `help:"Worktree mode (legacy or codex-style)"`
	ProjectsPath string `name:"projects-path" help:"Legacy projects root"`
	CodexBase    string `name:"codex-base" help:"Codex-style worktree root"`
}

func (c *WorkspaceSetCmd) Run(_ *Global, root *CLI) error {
	mode := ""
	if c.Mode != "" {
		m := worktree.ParseMode(c.Mode)
		if m == "" {
			return perrors.ValidationFailed("mode", fmt.Sprintf("unsupported mode %q", c.Mode))
		}
		mode = string(m)
	}
	cfg, err := root.LoadConfig()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	if err := st.PutWorkspaceSettings(ctx, &store.WorkspaceSettings{
		TeamScope:                c.Team,
		WorktreeMode:             mode,
		WorktreePath:             c.ProjectsPath,
		CodexWorktreePathPattern: c.CodexBase,
	}); err != nil {
		return err
	}
	_, err = fmt.Fprintf(root.stdout(), "workspace settings saved for %s\n", c.Team)
	return err
}

// WorkspaceMapCmd implements 'workspace map'.
type WorkspaceMapCmd struct {
	Team    string `short:"t" required:"" help:"Team scope"`
	Project string `short:"p" required:"" help:"Project as owner/repo"`
	Path    string `arg:"" type:"path" help:"Local clone of the project"`
}

func (c *WorkspaceMapCmd) Run(_ *Global, root *CLI) error {
	cfg, err := root.LoadConfig()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	path := config.ExpandHome(c.Path)
	s, err := openStack(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	if !s.git.IsValidRepository(path) {
		return perrors.ValidationFailed("path", path+" is not a git repository")
	}
	if err := s.store.UpsertSourceRepoMapping(ctx, &store.SourceRepoMapping{
		TeamScope:       c.Team,
		ProjectFullName: c.Project,
		LocalRepoPath:   path,
	}); err != nil {
		return err
	}
	_, err = fmt.Fprintf(root.stdout(), "%s -> %s\n", c.Project, path)
	return err
}
