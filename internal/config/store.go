package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/acolita/sshkit/internal/adapters/realfs"
	"github.com/acolita/sshkit/internal/failure"
	"github.com/acolita/sshkit/internal/ports"
	"github.com/acolita/sshkit/internal/profile"
)

// Store serves profiles from a Config and verifies host keys against an
// OpenSSH known_hosts file. It implements ports.ProfileStore and
// ports.HostKeyVerifier. Update swaps the config in place on reload.
type Store struct {
	fs         ports.FileSystem
	knownHosts string

	mu  sync.RWMutex
	cfg *Config

	// Serialises known_hosts appends.
	trustMu sync.Mutex
}

var (
	_ ports.ProfileStore    = (*Store)(nil)
	_ ports.HostKeyVerifier = (*Store)(nil)
)

// NewStore returns a store over cfg. An empty knownHostsPath uses
// cfg.SSH.KnownHostsPath, then ~/.ssh/known_hosts.
func NewStore(cfg *Config, knownHostsPath string, fsys ports.FileSystem) *Store {
	if fsys == nil {
		fsys = realfs.New()
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if knownHostsPath == "" {
		knownHostsPath = cfg.SSH.KnownHostsPath
	}
	if knownHostsPath == "" {
		knownHostsPath = DefaultKnownHostsPath(fsys)
	}
	return &Store{fs: fsys, knownHosts: expandHome(fsys, knownHostsPath), cfg: cfg}
}

// Update replaces the configuration.
func (s *Store) Update(cfg *Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

// Config returns the current configuration.
func (s *Store) Config() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// KnownHostsPath is the file host keys are checked against.
func (s *Store) KnownHostsPath() string { return s.knownHosts }

// Profile returns the named profile with host defaults applied.
func (s *Store) Profile(name string) (profile.Profile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, pc := range s.cfg.Profiles {
		if pc.Name == name {
			return s.build(pc.Host, pc.Port, pc.User, pc.Auth), true
		}
	}
	return profile.Profile{}, false
}

// Names returns the configured profile names in file order.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.cfg.Profiles))
	for _, pc := range s.cfg.Profiles {
		names = append(names, pc.Name)
	}
	return names
}

// WarmProfiles returns the profiles marked warm.
func (s *Store) WarmProfiles() []profile.Profile {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []profile.Profile
	for _, pc := range s.cfg.Profiles {
		if pc.Warm {
			out = append(out, s.build(pc.Host, pc.Port, pc.User, pc.Auth))
		}
	}
	return out
}

// Resolve turns a profile name or an ad-hoc target of the form
// [user@]host[:port] into a profile. Explicit parts win over host
// defaults; the user falls back to $USER.
func (s *Store) Resolve(target string) profile.Profile {
	if p, ok := s.Profile(target); ok {
		return p
	}

	user, hostport := "", target
	if at := strings.LastIndex(target, "@"); at >= 0 {
		user, hostport = target[:at], target[at+1:]
	}
	host, port := hostport, 0
	if h, p, err := net.SplitHostPort(hostport); err == nil {
		if n, err := strconv.Atoi(p); err == nil {
			host, port = h, n
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.build(host, port, user, profile.Auth{})
}

// build merges explicit fields with the first matching host default.
// Callers hold s.mu.
func (s *Store) build(host string, port int, user string, auth profile.Auth) profile.Profile {
	for _, d := range s.cfg.HostDefaults {
		ok, err := doublestar.Match(d.Pattern, host)
		if err != nil || !ok {
			continue
		}
		if port == 0 {
			port = d.Port
		}
		if user == "" {
			user = d.User
		}
		if auth.Kind == "" && auth.KeyPath == "" {
			auth = d.Auth
		}
		break
	}
	if user == "" {
		user = s.fs.Getenv("USER")
	}
	auth.KeyPath = expandHome(s.fs, auth.KeyPath)
	return profile.New(host, port, user, auth)
}

// VerifyHostKey checks key against the known_hosts file. A missing file
// means every host is unknown.
func (s *Store) VerifyHostKey(host string, port int, key ssh.PublicKey) (ports.HostKeyResult, error) {
	if _, err := s.fs.Stat(s.knownHosts); errors.Is(err, fs.ErrNotExist) {
		return ports.HostKeyResult{Status: ports.HostKeyUnknown}, nil
	}

	callback, err := knownhosts.New(s.knownHosts)
	if err != nil {
		return ports.HostKeyResult{}, fmt.Errorf("read known hosts: %w", err)
	}

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	remote := &net.TCPAddr{IP: net.ParseIP(host), Port: port}
	err = callback(addr, remote, key)
	if err == nil {
		return ports.HostKeyResult{Status: ports.HostKeyTrusted}, nil
	}

	var keyErr *knownhosts.KeyError
	if errors.As(err, &keyErr) {
		if len(keyErr.Want) == 0 {
			return ports.HostKeyResult{Status: ports.HostKeyUnknown}, nil
		}
		return ports.HostKeyResult{Status: ports.HostKeyChanged, Previous: keyErr.Want[0].Key}, nil
	}

	var revoked *knownhosts.RevokedError
	if errors.As(err, &revoked) {
		return ports.HostKeyResult{}, failure.New(failure.HostKeyMismatch, "verify host key", err).At(host, port)
	}
	return ports.HostKeyResult{}, fmt.Errorf("verify host key: %w", err)
}

// TrustHostKey appends key for host:port to the known_hosts file.
func (s *Store) TrustHostKey(host string, port int, key ssh.PublicKey) error {
	s.trustMu.Lock()
	defer s.trustMu.Unlock()

	if err := s.fs.MkdirAll(filepath.Dir(s.knownHosts), 0o700); err != nil {
		return fmt.Errorf("create known hosts directory: %w", err)
	}
	f, err := s.fs.OpenFile(s.knownHosts, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open known hosts: %w", err)
	}

	addr := knownhosts.Normalize(net.JoinHostPort(host, strconv.Itoa(port)))
	line := knownhosts.Line([]string{addr}, key) + "\n"
	if _, err := f.Write([]byte(line)); err != nil {
		f.Close()
		return fmt.Errorf("write known hosts: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("write known hosts: %w", err)
	}

	slog.Info("trusted host key",
		slog.String("host", addr),
		slog.String("fingerprint", ssh.FingerprintSHA256(key)),
	)
	return nil
}

func validPattern(p string) bool {
	return doublestar.ValidatePattern(p)
}

func expandHome(fsys ports.FileSystem, path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := fsys.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
