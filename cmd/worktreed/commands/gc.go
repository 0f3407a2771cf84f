package commands

import (
	"fmt"
	"time"
)

// GCCmd implements the 'gc' command.
type GCCmd struct {
	MaxAge time.Duration `name:"max-age" help:"Override daemon.reap_max_age for this run"`
}

func (g *GCCmd) Run(_ *Global, root *CLI) error {
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

	if g.MaxAge > 0 {
		s.reaper.SetMaxAge(g.MaxAge)
	}
	report, err := s.reaper.Sweep(ctx)
	if err != nil {
		return err
	}

	out := root.stdout()
	for _, p := range report.Removed {
		_, _ = fmt.Fprintf(out, "removed  %s\n", p)
	}
	for _, p := range report.Skipped {
		_, _ = fmt.Fprintf(out, "skipped  %s (uncommitted changes)\n", p)
	}
	for _, p := range report.Failed {
		_, _ = fmt.Fprintf(out, "failed   %s\n", p)
	}
	_, err = fmt.Fprintf(out, "%d removed, %d skipped, %d failed\n", len(report.Removed), len(report.Skipped), len(report.Failed))
	return err
}
