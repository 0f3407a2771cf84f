// Package config loads the worktreed YAML configuration.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConfigVersion is the only configuration version this build understands.
const ConfigVersion = "1.0"

// Config is the root of the YAML configuration file.
type Config struct {
	Version    string           `yaml:"version"`
	Workspace  WorkspaceConfig  `yaml:"workspace"`
	Storage    StorageConfig    `yaml:"storage"`
	Git        GitConfig        `yaml:"git"`
	Retry      RetryConfig      `yaml:"retry"`
	Auth       AuthConfig       `yaml:"auth"`
	Daemon     DaemonConfig     `yaml:"daemon"`
	Events     EventsConfig     `yaml:"events"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

// WorkspaceConfig holds the fallbacks used when a team has no stored
// workspace settings.
type WorkspaceConfig struct {
	DefaultMode       WorktreeMode `yaml:"default_mode"`        // legacy|codex-style
	ProjectsPath      string       `yaml:"projects_path"`       // legacy root, ~ expanded
	CodexWorktreeBase string       `yaml:"codex_worktree_base"` // codex-style root, ~ expanded
}

// StorageConfig locates the record store.
type StorageConfig struct {
	Database string `yaml:"database"` // sqlite file path or ":memory:"
}

// GitConfig configures the git provider.
type GitConfig struct {
	Binary  string `yaml:"binary"`  // git executable
	Host    string `yaml:"host"`    // canonical clone host
	Prewarm *bool  `yaml:"prewarm"` // fetch commit history after provisioning
}

// PrewarmEnabled reports whether commit-history prewarming is on (default true).
func (g GitConfig) PrewarmEnabled() bool {
	return g.Prewarm == nil || *g.Prewarm
}

// RetryConfig bounds optimistic-concurrency retries of run record writes.
type RetryConfig struct {
	Backoff      RetryBackoffMode `yaml:"backoff"`
	InitialDelay string           `yaml:"initial_delay"`
	MaxDelay     string           `yaml:"max_delay"`
	MaxRetries   int              `yaml:"max_retries"`
}

// AuthConfig tells the token provider where to find the GitHub OAuth token.
type AuthConfig struct {
	TokenEnv  string `yaml:"token_env"`
	TokenFile string `yaml:"token_file"`
}

// DaemonConfig configures the HTTP API and the scheduled reaper.
type DaemonConfig struct {
	Listen        string `yaml:"listen"`
	ReaperEnabled bool   `yaml:"reaper_enabled"`
	ReapInterval  string `yaml:"reap_interval"`
	ReapMaxAge    string `yaml:"reap_max_age"`
}

// EventsConfig enables NATS publication of lifecycle events when URL is set.
type EventsConfig struct {
	NATSURL string `yaml:"nats_url"`
	Subject string `yaml:"subject"`
}

// MonitoringConfig represents monitoring and observability configuration
type MonitoringConfig struct {
	Metrics MonitoringMetrics `yaml:"metrics"`
	Logging MonitoringLogging `yaml:"logging"`
}

// MonitoringMetrics represents metrics configuration
type MonitoringMetrics struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// MonitoringLogging represents logging configuration
type MonitoringLogging struct {
	Level  LogLevel  `yaml:"level"`
	Format LogFormat `yaml:"format"`
}

// Default returns a configuration with every default applied, used when no
// configuration file exists.
func Default() *Config {
	cfg := &Config{Version: ConfigVersion}
	_ = ApplyDefaults(cfg)
	return cfg
}

// Load loads a configuration file. A missing file is an error; callers that
// accept running without one use LoadOrDefault.
func Load(configPath string) (*Config, error) {
	if err := loadEnvFile(); err != nil {
		fmt.Fprintf(os.Stderr, "Note: .env file not loaded: %v\n", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("configuration file not found: %s", configPath)
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// LoadOrDefault loads configPath when it exists and returns Default otherwise.
func LoadOrDefault(configPath string) (*Config, error) {
	if configPath == "" {
		return Default(), nil
	}
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return Default(), nil
	}
	return Load(configPath)
}

// Parse decodes YAML content with environment expansion, applies defaults and validates.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if v := strings.TrimSpace(cfg.Version); v != "" && v != ConfigVersion {
		return nil, fmt.Errorf("unsupported configuration version: %s (expected %s)", cfg.Version, ConfigVersion)
	}
	cfg.Version = ConfigVersion

	if err := ApplyDefaults(&cfg); err != nil {
		return nil, fmt.Errorf("failed to apply defaults: %w", err)
	}
	if err := ValidateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// Init writes an example configuration file.
func Init(configPath string, force bool) error {
	if _, err := os.Stat(configPath); err == nil && !force {
		return fmt.Errorf("configuration file already exists: %s (use --force to overwrite)", configPath)
	}
	example := Default()
	example.Auth.TokenEnv = "GITHUB_TOKEN"
	example.Events.NATSURL = ""

	data, err := yaml.Marshal(example)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(configPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
