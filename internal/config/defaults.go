package config

import "fmt"

// DefaultApplier applies defaults for a specific configuration domain.
type DefaultApplier interface {
	ApplyDefaults(cfg *Config) error
	Domain() string
}

const (
	DefaultProjectsPath      = "~/cmux"
	DefaultCodexWorktreeBase = "~/.cmux/worktrees"
	DefaultDatabase          = "~/.cmux/worktreed.db"
	DefaultGitHost           = "github.com"
	DefaultListen            = "127.0.0.1:7420"
)

// WorkspaceDefaultApplier handles workspace layout defaults.
type WorkspaceDefaultApplier struct{}

func (WorkspaceDefaultApplier) Domain() string { return "workspace" }

func (WorkspaceDefaultApplier) ApplyDefaults(cfg *Config) error {
	if m := NormalizeWorktreeMode(string(cfg.Workspace.DefaultMode)); m != "" {
		cfg.Workspace.DefaultMode = m
	} else if cfg.Workspace.DefaultMode == "" {
		cfg.Workspace.DefaultMode = ModeLegacy
	}
	if cfg.Workspace.ProjectsPath == "" {
		cfg.Workspace.ProjectsPath = DefaultProjectsPath
	}
	if cfg.Workspace.CodexWorktreeBase == "" {
		cfg.Workspace.CodexWorktreeBase = DefaultCodexWorktreeBase
	}
	return nil
}

// StorageDefaultApplier handles record store defaults.
type StorageDefaultApplier struct{}

func (StorageDefaultApplier) Domain() string { return "storage" }

func (StorageDefaultApplier) ApplyDefaults(cfg *Config) error {
	if cfg.Storage.Database == "" {
		cfg.Storage.Database = DefaultDatabase
	}
	return nil
}

// GitDefaultApplier handles git provider defaults.
type GitDefaultApplier struct{}

func (GitDefaultApplier) Domain() string { return "git" }

func (GitDefaultApplier) ApplyDefaults(cfg *Config) error {
	if cfg.Git.Binary == "" {
		cfg.Git.Binary = "git"
	}
	if cfg.Git.Host == "" {
		cfg.Git.Host = DefaultGitHost
	}
	return nil
}

// RetryDefaultApplier handles optimistic-concurrency retry defaults.
type RetryDefaultApplier struct{}

func (RetryDefaultApplier) Domain() string { return "retry" }

func (RetryDefaultApplier) ApplyDefaults(cfg *Config) error {
	if m := NormalizeRetryBackoff(string(cfg.Retry.Backoff)); m != "" {
		cfg.Retry.Backoff = m
	} else if cfg.Retry.Backoff == "" {
		cfg.Retry.Backoff = RetryBackoffExponential
	}
	if cfg.Retry.InitialDelay == "" {
		cfg.Retry.InitialDelay = "10ms"
	}
	if cfg.Retry.MaxDelay == "" {
		cfg.Retry.MaxDelay = "500ms"
	}
	if cfg.Retry.MaxRetries <= 0 {
		cfg.Retry.MaxRetries = 5
	}
	return nil
}

// DaemonDefaultApplier handles HTTP API and reaper defaults.
type DaemonDefaultApplier struct{}

func (DaemonDefaultApplier) Domain() string { return "daemon" }

func (DaemonDefaultApplier) ApplyDefaults(cfg *Config) error {
	if cfg.Daemon.Listen == "" {
		cfg.Daemon.Listen = DefaultListen
	}
	if cfg.Daemon.ReapInterval == "" {
		cfg.Daemon.ReapInterval = "1h"
	}
	if cfg.Daemon.ReapMaxAge == "" {
		cfg.Daemon.ReapMaxAge = "168h"
	}
	if cfg.Events.Subject == "" {
		cfg.Events.Subject = "worktreed"
	}
	return nil
}

// MonitoringDefaultApplier handles metrics and logging defaults.
type MonitoringDefaultApplier struct{}

func (MonitoringDefaultApplier) Domain() string { return "monitoring" }

func (MonitoringDefaultApplier) ApplyDefaults(cfg *Config) error {
	if cfg.Monitoring.Metrics.Path == "" {
		cfg.Monitoring.Metrics.Enabled = true
		cfg.Monitoring.Metrics.Path = "/metrics"
	}
	cfg.Monitoring.Logging.Level = NormalizeLogLevel(string(cfg.Monitoring.Logging.Level))
	cfg.Monitoring.Logging.Format = NormalizeLogFormat(string(cfg.Monitoring.Logging.Format))
	return nil
}

func defaultAppliers() []DefaultApplier {
	return []DefaultApplier{
		WorkspaceDefaultApplier{},
		StorageDefaultApplier{},
		GitDefaultApplier{},
		RetryDefaultApplier{},
		DaemonDefaultApplier{},
		MonitoringDefaultApplier{},
	}
}

// ApplyDefaults runs every domain applier in order.
func ApplyDefaults(cfg *Config) error {
	for _, a := range defaultAppliers() {
		if err := a.ApplyDefaults(cfg); err != nil {
			return fmt.Errorf("%s defaults: %w", a.Domain(), err)
		}
	}
	return nil
}
