package commands

import (
	"fmt"
	"strings"

	perrors "git.home.luguber.info/inful/worktreed/internal/errors"
	"git.home.luguber.info/inful/worktreed/internal/store"
)

// TaskCmd groups task record subcommands.
type TaskCmd struct {
	Create TaskCreateCmd `cmd:"" help:"Create a task and its first run"`
}

// TaskCreateCmd implements 'task create'.
type TaskCreateCmd struct {
	Team    string `short:"t" required:"" help:"Team scope owning the task"`
	Project string `short:"p" required:"" help:"Project as owner/repo"`
	Title   string `help:"Task title"`
	Base    string `help:"Base branch new branches start from; empty means the remote default"`
	Branch  string `short:"b" help:"Branch for the run; empty derives one from the run ID"`
}

func (c *TaskCreateCmd) Run(_ *Global, root *CLI) error {
	if !strings.Contains(c.Project, "/") {
		return perrors.ValidationFailed("project", "expected owner/repo")
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

	task := &store.Task{TeamScope: c.Team, Title: c.Title, ProjectFullName: c.Project, BaseBranch: c.Base}
	if err := st.CreateTask(ctx, task); err != nil {
		return err
	}
	run := &store.TaskRun{TaskID: task.ID, TeamScope: c.Team, NewBranch: c.Branch}
	if err := st.CreateTaskRun(ctx, run); err != nil {
		return err
	}
	_, err = fmt.Fprintf(root.stdout(), "task %s\nrun  %s\n", task.ID, run.ID)
	return err
}
