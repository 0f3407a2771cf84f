package commands

import (
	"encoding/json"
	"fmt"
	"io"

	"git.home.luguber.info/inful/worktreed/internal/worktree"
)

// ResolveCmd implements the 'resolve' command. It computes paths only and
// never touches the filesystem.
type ResolveCmd struct {
	RepoURL string `arg:"" name:"repo-url" help:"Clone URL of the repository"`
	Branch  string `arg:"" help:"Branch the worktree is for"`
	Team    string `short:"t" help:"Team scope whose workspace settings apply"`
	Source  string `help:"Local clone to add codex-style worktrees to"`
	Project string `help:"Project as owner/repo when the URL does not name it"`
	JSON    bool   `name:"json" help:"Print the layout as JSON"`
}

// resolveOutput is the JSON form of a worktree layout.
type resolveOutput struct {
	Mode            string `json:"mode"`
	RepoName        string `json:"repoName"`
	ProjectFullName string `json:"projectFullName,omitempty"`
	Branch          string `json:"branch"`
	OriginPath      string `json:"originPath,omitempty"`
	WorktreesPath   string `json:"worktreesPath"`
	WorktreePath    string `json:"worktreePath"`
	SourceRepoPath  string `json:"sourceRepoPath,omitempty"`
	ShortID         string `json:"shortId,omitempty"`
}

func (r *ResolveCmd) Run(_ *Global, root *CLI) error {
	cfg, err := root.LoadConfig()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	s, err := openStack(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	info, err := s.resolver.Resolve(ctx, r.RepoURL, r.Branch, worktree.ResolveOptions{
		LocalRepoPath:   r.Source,
		ProjectFullName: r.Project,
	}, r.Team)
	if err != nil {
		return err
	}
	return writeLayout(root.stdout(), info, r.JSON)
}

func writeLayout(w io.Writer, info *worktree.Info, asJSON bool) error {
	out := resolveOutput{
		Mode:            string(info.Mode),
		RepoName:        info.RepoName,
		ProjectFullName: info.ProjectFullName,
		Branch:          info.Branch,
		OriginPath:      info.OriginPath,
		WorktreesPath:   info.WorktreesPath,
		WorktreePath:    info.WorktreePath,
		SourceRepoPath:  info.SourceRepoPath,
		ShortID:         info.ShortID,
	}
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}
	_, _ = fmt.Fprintf(w, "Mode:      %s\n", out.Mode)
	if out.SourceRepoPath != "" {
		_, _ = fmt.Fprintf(w, "Source:    %s\n", out.SourceRepoPath)
	} else {
		_, _ = fmt.Fprintf(w, "Origin:    %s\n", out.OriginPath)
	}
	_, err := fmt.Fprintf(w, "Worktree:  %s\n", out.WorktreePath)
	return err
}
