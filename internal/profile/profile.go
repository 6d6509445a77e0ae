// Package profile defines the connection profile used as the pool lookup key.
package profile

import (
	"fmt"
	"net"
	"strconv"
)

// DefaultPort is the SSH port used when a profile leaves Port unset.
const DefaultPort = 22

// AuthKind tags how a profile authenticates.
type AuthKind string

const (
	// AuthPassword authenticates with a password from the credential provider.
	AuthPassword AuthKind = "password"
	// AuthPublicKey authenticates with the private key at Auth.KeyPath.
	AuthPublicKey AuthKind = "publickey"
	// AuthAgent authenticates through the running ssh-agent.
	AuthAgent AuthKind = "agent"
)

// Auth describes the authentication method of a profile.
type Auth struct {
	Kind    AuthKind `yaml:"type" json:"type"`
	KeyPath string   `yaml:"key_path,omitempty" json:"key_path,omitempty"`
}

// Profile identifies an SSH endpoint and how to authenticate against it.
// Profiles are compared structurally, so two profiles with the same fields
// share pooled connections.
type Profile struct {
	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port"`
	User string `yaml:"user" json:"user"`
	Auth Auth   `yaml:"auth" json:"auth"`
}

// New returns a profile with defaults applied.
func New(host string, port int, user string, auth Auth) Profile {
	return Profile{Host: host, Port: port, User: user, Auth: auth}.WithDefaults()
}

// WithDefaults returns a copy with the default port and auth kind filled in.
func (p Profile) WithDefaults() Profile {
	if p.Port == 0 {
		p.Port = DefaultPort
	}
	if p.Auth.Kind == "" {
		if p.Auth.KeyPath != "" {
			p.Auth.Kind = AuthPublicKey
		} else {
			p.Auth.Kind = AuthAgent
		}
	}
	return p
}

// Validate reports whether the profile can be dialed.
func (p Profile) Validate() error {
	if p.Host == "" {
		return fmt.Errorf("host is required")
	}
	if p.User == "" {
		return fmt.Errorf("user is required")
	}
	if p.Port <= 0 || p.Port > 65535 {
		return fmt.Errorf("invalid port %d", p.Port)
	}
	switch p.Auth.Kind {
	case AuthPassword, AuthAgent:
	case AuthPublicKey:
		if p.Auth.KeyPath == "" {
			return fmt.Errorf("publickey auth requires a key path")
		}
	default:
		return fmt.Errorf("unknown auth type %q", p.Auth.Kind)
	}
	return nil
}

// Addr returns the dialable host:port address.
func (p Profile) Addr() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// String returns user@host:port.
func (p Profile) String() string {
	return fmt.Sprintf("%s@%s", p.User, p.Addr())
}
