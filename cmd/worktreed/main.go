package main

import (
	"log/slog"
	"os"

	"github.com/alecthomas/kong"

	"git.home.luguber.info/inful/worktreed/cmd/worktreed/commands"
	perrors "git.home.luguber.info/inful/worktreed/internal/errors"
	"git.home.luguber.info/inful/worktreed/internal/version"
)

func main() {
	cli := &commands.CLI{}
	parser := kong.Parse(cli,
		kong.Name("worktreed"),
		kong.Description("Provision isolated git worktrees for agent task runs."),
		kong.UsageOnError(),
		kong.Vars{"version": version.String()},
	)

	err := parser.Run(&commands.Global{Logger: slog.Default()}, cli)
	if code := perrors.NewCLIErrorAdapter(cli.Verbose, slog.Default()).Report(err); code != 0 {
		os.Exit(code)
	}
}
