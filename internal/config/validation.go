package config

import (
	"errors"
	"fmt"
	"net"
	"time"
)

// ValidateConfig validates a configuration after defaults have been applied.
func ValidateConfig(cfg *Config) error {
	if cfg == nil {
		return errors.New("nil configuration")
	}
	if NormalizeWorktreeMode(string(cfg.Workspace.DefaultMode)) == "" {
		return fmt.Errorf("workspace.default_mode: unsupported mode %q (expected legacy or codex-style)", cfg.Workspace.DefaultMode)
	}
	if NormalizeRetryBackoff(string(cfg.Retry.Backoff)) == "" {
		return fmt.Errorf("retry.backoff: unsupported mode %q", cfg.Retry.Backoff)
	}
	if cfg.Retry.MaxRetries < 0 {
		return errors.New("retry.max_retries cannot be negative")
	}
	for field, raw := range map[string]string{
		"retry.initial_delay":  cfg.Retry.InitialDelay,
		"retry.max_delay":      cfg.Retry.MaxDelay,
		"daemon.reap_interval": cfg.Daemon.ReapInterval,
		"daemon.reap_max_age":  cfg.Daemon.ReapMaxAge,
	} {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("%s: invalid duration %q: %w", field, raw, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s: must be positive", field)
		}
	}
	if _, _, err := net.SplitHostPort(cfg.Daemon.Listen); err != nil {
		return fmt.Errorf("daemon.listen: %w", err)
	}
	if cfg.Git.Host == "" {
		return errors.New("git.host must not be empty")
	}
	return nil
}

// ReapIntervalDuration returns the parsed reaper interval.
func (d DaemonConfig) ReapIntervalDuration() time.Duration {
	v, _ := time.ParseDuration(d.ReapInterval)
	return v
}

// ReapMaxAgeDuration returns the parsed reaper age threshold.
func (d DaemonConfig) ReapMaxAgeDuration() time.Duration {
	v, _ := time.ParseDuration(d.ReapMaxAge)
	return v
}
