package commands

import (
	"log/slog"
	"os"

	"git.home.luguber.info/inful/worktreed/internal/daemon"
	"git.home.luguber.info/inful/worktreed/internal/metrics"
	"git.home.luguber.info/inful/worktreed/internal/version"
)

// DaemonCmd implements the 'daemon' command.
type DaemonCmd struct {
	Listen   string `short:"l" help:"Override daemon.listen"`
	NoReaper bool   `name:"no-reaper" help:"Do not run the scheduled reaper"`
}

func (d *DaemonCmd) Run(_ *Global, root *CLI) error {
	cfg, err := root.LoadConfig()
	if err != nil {
		return err
	}
	if d.Listen != "" {
		cfg.Daemon.Listen = d.Listen
	}
	if d.NoReaper {
		cfg.Daemon.ReaperEnabled = false
	}

	ctx, cancel := signalContext()
	defer cancel()

	s, err := openStack(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	configPath := ""
	if _, err := os.Stat(root.Config); err == nil {
		configPath = root.Config
	}
	slog.Info("Starting worktreed daemon",
		slog.String("version", version.Version),
		slog.String("listen", cfg.Daemon.Listen),
		slog.Bool("reaper", cfg.Daemon.ReaperEnabled))

	return daemon.New(cfg, daemon.Options{
		ConfigPath:     configPath,
		Ensurer:        s.ensurer,
		Sweeper:        s.reaper,
		Store:          s.store,
		Resolver:       s.resolver,
		MetricsHandler: metrics.HTTPHandler(s.registry),
	}).Run(ctx)
}
