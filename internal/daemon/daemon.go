// Package daemon serves the worktree HTTP API and runs the scheduled reaper.
package daemon

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"git.home.luguber.info/inful/worktreed/internal/config"
	"git.home.luguber.info/inful/worktreed/internal/ensure"
	"git.home.luguber.info/inful/worktreed/internal/logfields"
	"git.home.luguber.info/inful/worktreed/internal/reaper"
	"git.home.luguber.info/inful/worktreed/internal/worktree"
)

// Ensurer is the worktree ensure entry point and its in-flight registry.
type Ensurer interface {
	Ensure(ctx context.Context, taskRunID, teamScope string) (*ensure.Result, error)
	Pending() []string
	Waiters(taskRunID string) int
}

// Sweeper removes expired worktrees.
type Sweeper interface {
	Sweep(ctx context.Context) (reaper.Report, error)
	SetMaxAge(d time.Duration)
}

// Pinger reports record store health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// DefaultsSetter receives workspace defaults on config reload.
type DefaultsSetter interface {
	SetDefaults(d worktree.Defaults)
}

// Options carries the daemon's collaborators. Only Ensurer is required.
type Options struct {
	ConfigPath     string
	Ensurer        Ensurer
	Sweeper        Sweeper
	Store          Pinger
	Resolver       DefaultsSetter
	MetricsHandler http.Handler
}

// Daemon owns the HTTP server, the reaper schedule and the config watcher.
type Daemon struct {
	mu        sync.RWMutex
	cfg       *config.Config
	opts      Options
	startTime time.Time
}

// New creates a daemon for cfg.
func New(cfg *config.Config, opts Options) *Daemon {
	return &Daemon{cfg: cfg, opts: opts, startTime: time.Now()}
}

// GetConfig returns the active configuration.
func (d *Daemon) GetConfig() *config.Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg
}

// GetStartTime returns when the daemon was created.
func (d *Daemon) GetStartTime() time.Time { return d.startTime }

// ReloadConfig applies the reloadable parts of cfg: workspace defaults and
// the reaper max age. Listen address and storage changes need a restart.
func (d *Daemon) ReloadConfig(_ context.Context, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("nil configuration")
	}
	d.mu.Lock()
	old := d.cfg
	d.cfg = cfg
	d.mu.Unlock()

	if old != nil {
		if old.Daemon.Listen != cfg.Daemon.Listen {
			slog.Warn("Listen address change requires a restart", slog.String("listen", cfg.Daemon.Listen))
		}
		if old.Storage.Database != cfg.Storage.Database {
			slog.Warn("Storage change requires a restart", logfields.Path(cfg.Storage.Database))
		}
	}
	if d.opts.Resolver != nil {
		d.opts.Resolver.SetDefaults(worktree.DefaultsFromConfig(cfg.Workspace))
	}
	if d.opts.Sweeper != nil {
		d.opts.Sweeper.SetMaxAge(cfg.Daemon.ReapMaxAgeDuration())
	}
	slog.Info("Applied configuration",
		logfields.Mode(string(cfg.Workspace.DefaultMode)),
		slog.String("reap_max_age", cfg.Daemon.ReapMaxAge))
	return nil
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (d *Daemon) Run(ctx context.Context) error {
	if d.opts.Ensurer == nil {
		return fmt.Errorf("daemon requires an ensurer")
	}
	cfg := d.GetConfig()

	ln, err := net.Listen("tcp", cfg.Daemon.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Daemon.Listen, err)
	}

	if cfg.Daemon.ReaperEnabled && d.opts.Sweeper != nil {
		sched, err := d.startReaper(cfg)
		if err != nil {
			_ = ln.Close()
			return err
		}
		defer func() {
			if err := sched.Stop(); err != nil {
				slog.Warn("Scheduler shutdown failed", logfields.Error(err))
			}
		}()
	}

	if d.opts.ConfigPath != "" {
		watcher, err := NewConfigWatcher(d.opts.ConfigPath, d)
		if err == nil {
			err = watcher.Start(ctx)
		}
		if err != nil {
			slog.Warn("Config watcher disabled", logfields.Error(err))
		} else {
			defer func() { _ = watcher.Stop() }()
		}
	}

	srv := &http.Server{
		Handler:           d.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP API listening", slog.String("addr", ln.Addr().String()))
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if err != nil && !stdErrors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	slog.Info("HTTP API stopped")
	return nil
}

func (d *Daemon) startReaper(cfg *config.Config) (*Scheduler, error) {
	sched, err := NewScheduler()
	if err != nil {
		return nil, err
	}
	if _, err := sched.ScheduleSweep(cfg.Daemon.ReapIntervalDuration(), d.sweep); err != nil {
		_ = sched.Stop()
		return nil, err
	}
	sched.Start()
	return sched, nil
}

func (d *Daemon) sweep(ctx context.Context) {
	if _, err := d.opts.Sweeper.Sweep(ctx); err != nil {
		slog.Error("Scheduled worktree sweep failed", logfields.Error(err))
	}
}
