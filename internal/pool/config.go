package pool

import (
	"fmt"
	"time"
)

// Config bounds and tunes a Pool.
type Config struct {
	MinConnections     int           `yaml:"min_connections"`
	MaxConnections     int           `yaml:"max_connections"`
	MaxIdleConnections int           `yaml:"max_idle_connections"`
	ConnectionTimeout  time.Duration `yaml:"connection_timeout"`
	IdleTimeout        time.Duration `yaml:"idle_timeout"`
	KeepAliveInterval  time.Duration `yaml:"keepalive_interval"`
	ValidationInterval time.Duration `yaml:"validation_interval"`
	RetryAttempts      int           `yaml:"retry_attempts"`
	RetryDelay         time.Duration `yaml:"retry_delay"`
	EnableAutoScaling  bool          `yaml:"enable_auto_scaling"`
	EnableHealthChecks bool          `yaml:"enable_health_checks"`
	MaxHealthFailures  int           `yaml:"max_health_failures"`
}

// DefaultConfig returns the default pool settings.
func DefaultConfig() Config {
	return Config{
		MinConnections:     0,
		MaxConnections:     10,
		MaxIdleConnections: 5,
		ConnectionTimeout:  30 * time.Second,
		IdleTimeout:        300 * time.Second,
		KeepAliveInterval:  60 * time.Second,
		ValidationInterval: 30 * time.Second,
		RetryAttempts:      3,
		RetryDelay:         2 * time.Second,
		EnableAutoScaling:  true,
		EnableHealthChecks: true,
		MaxHealthFailures:  3,
	}
}

// Validate checks the settings and fills zero values with defaults.
func (c *Config) Validate() error {
	d := DefaultConfig()
	if c.MaxConnections <= 0 {
		c.MaxConnections = d.MaxConnections
	}
	if c.MinConnections < 0 {
		return fmt.Errorf("min_connections must not be negative")
	}
	if c.MinConnections > c.MaxConnections {
		return fmt.Errorf("min_connections (%d) exceeds max_connections (%d)", c.MinConnections, c.MaxConnections)
	}
	if c.MaxIdleConnections < 0 {
		return fmt.Errorf("max_idle_connections must not be negative")
	}
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = d.ConnectionTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.KeepAliveInterval < 0 {
		c.KeepAliveInterval = 0
	}
	if c.ValidationInterval <= 0 {
		c.ValidationInterval = d.ValidationInterval
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = d.RetryAttempts
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = 0
	}
	if c.MaxHealthFailures <= 0 {
		c.MaxHealthFailures = d.MaxHealthFailures
	}
	return nil
}

// ConnectBudget bounds one connection creation: every retry attempt gets a
// full ConnectionTimeout, plus the linearly growing delays between attempts.
func (c Config) ConnectBudget() time.Duration {
	n := time.Duration(max(c.RetryAttempts, 1))
	return n*c.ConnectionTimeout + c.RetryDelay*n*(n-1)/2
}
