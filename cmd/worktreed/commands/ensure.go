package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"git.home.luguber.info/inful/worktreed/internal/ensure"
)

// EnsureCmd implements the 'ensure' command.
type EnsureCmd struct {
	TaskRunID string        `arg:"" name:"task-run-id" help:"Task run to provision a worktree for"`
	Team      string        `short:"t" required:"" help:"Team scope owning the task run"`
	Timeout   time.Duration `help:"Stop waiting after this long; zero waits until done" default:"0s"`
	JSON      bool          `name:"json" help:"Print the result as JSON"`
}

// ensureOutput is the JSON form of an ensure result.
type ensureOutput struct {
	TaskRunID    string `json:"taskRunId"`
	WorktreePath string `json:"worktreePath"`
	BranchName   string `json:"branchName"`
	BaseBranch   string `json:"baseBranch"`
	Version      int64  `json:"version"`
}

func (e *EnsureCmd) Run(_ *Global, root *CLI) error {
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

	if e.Timeout > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeout(ctx, e.Timeout)
		defer stop()
	}
	res, err := s.ensurer.Ensure(ctx, e.TaskRunID, e.Team)
	if err != nil {
		return err
	}
	return writeEnsureResult(root.stdout(), e.TaskRunID, res, e.JSON)
}

func writeEnsureResult(w io.Writer, id string, res *ensure.Result, asJSON bool) error {
	out := ensureOutput{
		TaskRunID:    id,
		WorktreePath: res.WorktreePath,
		BranchName:   res.BranchName,
		BaseBranch:   res.BaseBranch,
	}
	if res.Run != nil {
		out.Version = res.Run.Version
	}
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}
	_, err := fmt.Fprintf(w, "Worktree: %s\nBranch:   %s\nBase:     %s\n", out.WorktreePath, out.BranchName, out.BaseBranch)
	return err
}
