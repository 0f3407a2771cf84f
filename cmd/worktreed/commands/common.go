// Package commands implements the worktreed subcommands.
package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"git.home.luguber.info/inful/worktreed/internal/config"
)

// Global context passed to subcommands.
type Global struct {
	Logger *slog.Logger
}

// CLI definition & global flags.
type CLI struct {
	Config  string           `short:"c" help:"Configuration file path" default:"worktreed.yaml" env:"WORKTREED_CONFIG" type:"path"`
	Verbose bool             `short:"v" help:"Enable verbose logging"`
	Version kong.VersionFlag `name:"version" help:"Show version and exit"`

	Init      InitCmd      `cmd:"" help:"Initialize a new configuration file"`
	Ensure    EnsureCmd    `cmd:"" help:"Ensure a task run has a usable worktree"`
	Detect    DetectCmd    `cmd:"" help:"Find a local clone of a project"`
	Resolve   ResolveCmd   `cmd:"" help:"Show the worktree layout for a repository and branch"`
	GC        GCCmd        `cmd:"" name:"gc" help:"Remove worktrees unused for longer than the max age"`
	Task      TaskCmd      `cmd:"" help:"Manage task records"`
	Workspace WorkspaceCmd `cmd:"" help:"Manage per-team workspace settings"`
	Daemon    DaemonCmd    `cmd:"" help:"Serve the worktree HTTP API and run the reaper"`

	out io.Writer `kong:"-"`
}

// AfterApply runs after flag parsing; set up logging once.
// nolint:unparam // AfterApply currently never returns an error.
func (c *CLI) AfterApply() error {
	slog.SetDefault(NewLogger(os.Stderr, config.LogLevelInfo, config.LogFormatText, c.Verbose))
	return nil
}

// LoadConfig reads the configuration file (defaults when it does not exist)
// and reconfigures logging from its monitoring section.
func (c *CLI) LoadConfig() (*config.Config, error) {
	cfg, err := config.LoadOrDefault(c.Config)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	slog.SetDefault(NewLogger(os.Stderr, cfg.Monitoring.Logging.Level, cfg.Monitoring.Logging.Format, c.Verbose))
	return cfg, nil
}

func (c *CLI) stdout() io.Writer {
	if c.out != nil {
		return c.out
	}
	return os.Stdout
}

// NewLogger builds the process logger. verbose forces debug level.
func NewLogger(w io.Writer, level config.LogLevel, format config.LogFormat, verbose bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slogLevel(level)}
	if verbose {
		opts.Level = slog.LevelDebug
	}
	if format == config.LogFormatJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func slogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogLevelDebug:
		return slog.LevelDebug
	case config.LogLevelWarn:
		return slog.LevelWarn
	case config.LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
