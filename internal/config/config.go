// Package config handles configuration parsing for sshkit.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/acolita/sshkit/internal/adapters/realfs"
	"github.com/acolita/sshkit/internal/pool"
	"github.com/acolita/sshkit/internal/ports"
	"github.com/acolita/sshkit/internal/profile"
)

// DefaultConfigPath returns $XDG_CONFIG_HOME/sshkit/config.yaml or
// ~/.config/sshkit/config.yaml.
func DefaultConfigPath(fsys ports.FileSystem) string {
	dir := configDir(fsys)
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, "config.yaml")
}

// DefaultKnownHostsPath returns ~/.ssh/known_hosts.
func DefaultKnownHostsPath(fsys ports.FileSystem) string {
	home, err := fsys.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".ssh", "known_hosts")
}

func configDir(fsys ports.FileSystem) string {
	dir := fsys.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := fsys.UserHomeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "sshkit")
}

// Config represents the top-level configuration.
type Config struct {
	Profiles     []ProfileConfig `yaml:"profiles"`
	HostDefaults []HostDefault   `yaml:"host_defaults"`
	Pool         pool.Config     `yaml:"pool"`
	Session      SessionConfig   `yaml:"session"`
	SSH          SSHConfig       `yaml:"ssh"`
	Security     SecurityConfig  `yaml:"security"`
	Logging      LoggingConfig   `yaml:"logging"`
	Recording    RecordingConfig `yaml:"recording"`
}

// ProfileConfig is a named connection profile.
type ProfileConfig struct {
	Name string       `yaml:"name"`
	Host string       `yaml:"host"`
	Port int          `yaml:"port,omitempty"`
	User string       `yaml:"user,omitempty"`
	Auth profile.Auth `yaml:"auth,omitempty"`
	// Warm profiles are pre-connected when the pool warms up.
	Warm bool `yaml:"warm,omitempty"`
}

// HostDefault fills unset profile fields for hosts matching Pattern, a
// doublestar glob such as "*.internal" or "10.0.*.*".
type HostDefault struct {
	Pattern string       `yaml:"pattern"`
	Port    int          `yaml:"port,omitempty"`
	User    string       `yaml:"user,omitempty"`
	Auth    profile.Auth `yaml:"auth,omitempty"`
}

// SessionConfig tunes sessions.
type SessionConfig struct {
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	HistorySize int           `yaml:"history_size"`
	Scrollback  int           `yaml:"scrollback"`
}

// Host key policies.
const (
	// HostKeyAsk prompts for unknown keys.
	HostKeyAsk = "ask"
	// HostKeyStrict rejects unknown keys.
	HostKeyStrict = "strict"
)

// SSHConfig defines transport settings.
type SSHConfig struct {
	KnownHostsPath string `yaml:"known_hosts"`
	HostKeyPolicy  string `yaml:"host_key_policy"`
}

// SecurityConfig defines security settings.
type SecurityConfig struct {
	CommandBlocklist    []string      `yaml:"command_blocklist"`
	CommandAllowlist    []string      `yaml:"command_allowlist"`
	MaxAuthFailures     int           `yaml:"max_auth_failures"`
	AuthLockoutDuration time.Duration `yaml:"auth_lockout_duration"`
	UseKeyring          bool          `yaml:"use_keyring"`
	CredentialCacheTTL  time.Duration `yaml:"credential_cache_ttl"`
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level    string `yaml:"level"`    // "debug", "info", "warn", "error"
	Sanitize bool   `yaml:"sanitize"` // redact secrets from logs
}

// RecordingConfig defines console transcript recording.
type RecordingConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"` // directory for .cast files
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Pool: pool.DefaultConfig(),
		Session: SessionConfig{
			IdleTimeout: 300 * time.Second,
			HistorySize: 100,
			Scrollback:  10000,
		},
		SSH: SSHConfig{HostKeyPolicy: HostKeyAsk},
		Security: SecurityConfig{
			MaxAuthFailures:     3,
			AuthLockoutDuration: 5 * time.Minute,
			UseKeyring:          true,
			CredentialCacheTTL:  5 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:    "info",
			Sanitize: true,
		},
	}
}

// Load reads configuration from a YAML file. An empty path or a missing
// file yields the defaults.
func Load(path string, fsys ports.FileSystem) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	if fsys == nil {
		fsys = realfs.New()
	}

	data, err := fsys.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			slog.Debug("no config file, using defaults", slog.String("path", path))
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration and normalises defaults.
func (c *Config) Validate() error {
	if err := c.Pool.Validate(); err != nil {
		return fmt.Errorf("pool: %w", err)
	}

	seen := make(map[string]bool, len(c.Profiles))
	for i, p := range c.Profiles {
		if p.Name == "" {
			return fmt.Errorf("profile %d: name is required", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("profile %q defined twice", p.Name)
		}
		seen[p.Name] = true
		if p.Host == "" {
			return fmt.Errorf("profile %q: host is required", p.Name)
		}
	}
	for i, d := range c.HostDefaults {
		if d.Pattern == "" {
			return fmt.Errorf("host default %d: pattern is required", i)
		}
		if !validPattern(d.Pattern) {
			return fmt.Errorf("host default %d: invalid pattern %q", i, d.Pattern)
		}
	}

	if c.Session.IdleTimeout <= 0 {
		c.Session.IdleTimeout = 300 * time.Second
	}
	if c.Session.HistorySize <= 0 {
		c.Session.HistorySize = 100
	}
	if c.Session.Scrollback < 0 {
		c.Session.Scrollback = 0
	}

	switch strings.ToLower(c.SSH.HostKeyPolicy) {
	case "":
		c.SSH.HostKeyPolicy = HostKeyAsk
	case HostKeyAsk, HostKeyStrict:
		c.SSH.HostKeyPolicy = strings.ToLower(c.SSH.HostKeyPolicy)
	default:
		return fmt.Errorf("ssh: unknown host_key_policy %q", c.SSH.HostKeyPolicy)
	}

	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging: unknown level %q", c.Logging.Level)
	}
	return nil
}

// AddProfile appends a profile. Names must be unique.
func (c *Config) AddProfile(p ProfileConfig) error {
	for _, existing := range c.Profiles {
		if existing.Name == p.Name {
			return fmt.Errorf("profile %q already exists", p.Name)
		}
	}
	c.Profiles = append(c.Profiles, p)
	return nil
}

// Save writes the configuration to a YAML file.
func Save(cfg *Config, path string, fsys ports.FileSystem) error {
	if fsys == nil {
		fsys = realfs.New()
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := fsys.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	return fsys.WriteFile(path, data, 0o644)
}
