package config

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/acolita/sshkit/internal/adapters/realfs"
	"github.com/acolita/sshkit/internal/failure"
	"github.com/acolita/sshkit/internal/ports"
	"github.com/acolita/sshkit/internal/profile"
	"github.com/acolita/sshkit/internal/testing/fakes/fakefs"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Pool.MaxConnections != 10 || cfg.Pool.MaxIdleConnections != 5 {
		t.Errorf("pool limits = %d/%d", cfg.Pool.MaxConnections, cfg.Pool.MaxIdleConnections)
	}
	if cfg.Pool.IdleTimeout != 300*time.Second || cfg.Pool.ValidationInterval != 30*time.Second {
		t.Errorf("pool timers = %v/%v", cfg.Pool.IdleTimeout, cfg.Pool.ValidationInterval)
	}
	if !cfg.Pool.EnableAutoScaling || !cfg.Pool.EnableHealthChecks {
		t.Error("auto-scaling and health checks should default on")
	}
	if cfg.Session.HistorySize != 100 {
		t.Errorf("HistorySize = %d", cfg.Session.HistorySize)
	}
	if cfg.SSH.HostKeyPolicy != HostKeyAsk {
		t.Errorf("HostKeyPolicy = %q", cfg.SSH.HostKeyPolicy)
	}
	if cfg.Logging.Level != "info" || !cfg.Logging.Sanitize {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
}

func TestDefaultConfigPath(t *testing.T) {
	fsys := fakefs.New()
	if got := DefaultConfigPath(fsys); got != "/home/test/.config/sshkit/config.yaml" {
		t.Errorf("DefaultConfigPath() = %q", got)
	}
	fsys.SetEnv("XDG_CONFIG_HOME", "/xdg")
	if got := DefaultConfigPath(fsys); got != "/xdg/sshkit/config.yaml" {
		t.Errorf("DefaultConfigPath() with XDG = %q", got)
	}
}

func TestLoad_EmptyPathAndMissingFile(t *testing.T) {
	for _, path := range []string{"", "/nonexistent/config.yaml"} {
		cfg, err := Load(path, fakefs.New())
		if err != nil {
			t.Fatalf("Load(%q) error = %v", path, err)
		}
		if cfg.Pool.MaxConnections != 10 {
			t.Errorf("Load(%q) should return defaults", path)
		}
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	fsys := fakefs.New()
	fsys.WriteFile("/cfg.yaml", []byte(":::invalid:::yaml{{{"), 0o644)

	if _, err := Load("/cfg.yaml", fsys); err == nil {
		t.Fatal("expected parse error")
	}
}

const sampleYAML = `
profiles:
  - name: prod-db
    host: db.prod.internal
    port: 2222
    user: deploy
    auth:
      type: publickey
      key_path: ~/.ssh/prod
    warm: true
  - name: staging
    host: web.staging.internal
host_defaults:
  - pattern: "*.prod.internal"
    user: ops
  - pattern: "*.internal"
    user: admin
    port: 2200
    auth:
      type: password
pool:
  max_connections: 4
  idle_timeout: 90s
  enable_auto_scaling: false
security:
  command_blocklist: ["^shutdown"]
logging:
  level: debug
`

func loadSample(t *testing.T) (*Config, *fakefs.FS) {
	t.Helper()
	fsys := fakefs.New()
	fsys.WriteFile("/cfg.yaml", []byte(sampleYAML), 0o644)
	cfg, err := Load("/cfg.yaml", fsys)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	return cfg, fsys
}

func TestLoad_ValidConfig(t *testing.T) {
	cfg, _ := loadSample(t)

	if len(cfg.Profiles) != 2 || cfg.Profiles[0].Name != "prod-db" || !cfg.Profiles[0].Warm {
		t.Fatalf("Profiles = %+v", cfg.Profiles)
	}
	if cfg.Pool.MaxConnections != 4 || cfg.Pool.IdleTimeout != 90*time.Second {
		t.Errorf("pool = %+v", cfg.Pool)
	}
	if cfg.Pool.EnableAutoScaling {
		t.Error("explicit false should override the default")
	}
	if cfg.Pool.MaxIdleConnections != 5 {
		t.Errorf("unset fields keep defaults, MaxIdleConnections = %d", cfg.Pool.MaxIdleConnections)
	}
	if len(cfg.Security.CommandBlocklist) != 1 || cfg.Logging.Level != "debug" {
		t.Errorf("security/logging = %+v / %+v", cfg.Security, cfg.Logging)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"profile without name", func(c *Config) { c.Profiles = []ProfileConfig{{Host: "h"}} }},
		{"profile without host", func(c *Config) { c.Profiles = []ProfileConfig{{Name: "n"}} }},
		{"duplicate profile", func(c *Config) {
			c.Profiles = []ProfileConfig{{Name: "n", Host: "a"}, {Name: "n", Host: "b"}}
		}},
		{"bad pattern", func(c *Config) { c.HostDefaults = []HostDefault{{Pattern: "[oops"}} }},
		{"min over max", func(c *Config) { c.Pool.MinConnections = 20 }},
		{"unknown policy", func(c *Config) { c.SSH.HostKeyPolicy = "yolo" }},
		{"unknown level", func(c *Config) { c.Logging.Level = "chatty" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestValidate_Normalises(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Session.HistorySize = 0
	cfg.SSH.HostKeyPolicy = "STRICT"
	cfg.Pool.MaxConnections = 0

	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	if cfg.Session.HistorySize != 100 || cfg.SSH.HostKeyPolicy != HostKeyStrict || cfg.Pool.MaxConnections != 10 {
		t.Errorf("normalised = %+v / %+v / %d", cfg.Session, cfg.SSH, cfg.Pool.MaxConnections)
	}
}

func TestAddProfileAndSave(t *testing.T) {
	fsys := fakefs.New()
	cfg := DefaultConfig()

	if err := cfg.AddProfile(ProfileConfig{Name: "a", Host: "a.example"}); err != nil {
		t.Fatal(err)
	}
	if err := cfg.AddProfile(ProfileConfig{Name: "a", Host: "other"}); err == nil {
		t.Error("duplicate names should be rejected")
	}

	path := "/home/test/.config/sshkit/config.yaml"
	if err := Save(cfg, path, fsys); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	loaded, err := Load(path, fsys)
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded.Profiles) != 1 || loaded.Profiles[0].Host != "a.example" {
		t.Errorf("round trip lost profiles: %+v", loaded.Profiles)
	}
}

func TestStore_Profile(t *testing.T) {
	cfg, fsys := loadSample(t)
	s := NewStore(cfg, "/known_hosts", fsys)

	p, ok := s.Profile("prod-db")
	if !ok {
		t.Fatal("prod-db not found")
	}
	want := profile.Profile{
		Host: "db.prod.internal", Port: 2222, User: "deploy",
		Auth: profile.Auth{Kind: profile.AuthPublicKey, KeyPath: "/home/test/.ssh/prod"},
	}
	if p != want {
		t.Errorf("Profile() = %+v, want %+v", p, want)
	}

	// Unset fields come from the first matching host default.
	staging, _ := s.Profile("staging")
	if staging.User != "admin" || staging.Port != 2200 || staging.Auth.Kind != profile.AuthPassword {
		t.Errorf("staging = %+v", staging)
	}

	if _, ok := s.Profile("missing"); ok {
		t.Error("unknown profile should not be found")
	}
	if got := s.Names(); len(got) != 2 || got[0] != "prod-db" || got[1] != "staging" {
		t.Errorf("Names() = %v", got)
	}
	if warm := s.WarmProfiles(); len(warm) != 1 || warm[0] != want {
		t.Errorf("WarmProfiles() = %+v", warm)
	}
}

func TestStore_Resolve(t *testing.T) {
	cfg, fsys := loadSample(t)
	fsys.SetEnv("USER", "alice")
	s := NewStore(cfg, "/known_hosts", fsys)

	tests := []struct {
		target string
		want   profile.Profile
	}{
		{"prod-db", profile.Profile{Host: "db.prod.internal", Port: 2222, User: "deploy",
			Auth: profile.Auth{Kind: profile.AuthPublicKey, KeyPath: "/home/test/.ssh/prod"}}},
		{"cache.prod.internal", profile.Profile{Host: "cache.prod.internal", Port: 22, User: "ops",
			Auth: profile.Auth{Kind: profile.AuthAgent}}},
		{"bob@mq.internal:2022", profile.Profile{Host: "mq.internal", Port: 2022, User: "bob",
			Auth: profile.Auth{Kind: profile.AuthPassword}}},
		{"example.com", profile.Profile{Host: "example.com", Port: 22, User: "alice",
			Auth: profile.Auth{Kind: profile.AuthAgent}}},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			if got := s.Resolve(tt.target); got != tt.want {
				t.Errorf("Resolve(%q) = %+v, want %+v", tt.target, got, tt.want)
			}
		})
	}
}

func TestStore_UpdateSwapsProfiles(t *testing.T) {
	s := NewStore(DefaultConfig(), "/known_hosts", fakefs.New())
	if len(s.Names()) != 0 {
		t.Fatal("expected no profiles")
	}

	next := DefaultConfig()
	next.Profiles = []ProfileConfig{{Name: "new", Host: "new.example", User: "u"}}
	s.Update(next)

	if _, ok := s.Profile("new"); !ok {
		t.Error("Update should expose new profiles")
	}
}

func newHostKey(t *testing.T) ssh.PublicKey {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	key, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatal(err)
	}
	return key
}

func TestStore_KnownHosts(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".ssh", "known_hosts")
	s := NewStore(DefaultConfig(), path, realfs.New())
	key := newHostKey(t)

	res, err := s.VerifyHostKey("db.internal", 2222, key)
	if err != nil || res.Status != ports.HostKeyUnknown {
		t.Fatalf("missing file: %+v, %v", res, err)
	}

	if err := s.TrustHostKey("db.internal", 2222, key); err != nil {
		t.Fatalf("TrustHostKey() error = %v", err)
	}
	data, _ := os.ReadFile(path)
	if !strings.HasPrefix(string(data), "[db.internal]:2222 ssh-ed25519 ") {
		t.Errorf("known_hosts line = %q", data)
	}

	res, err = s.VerifyHostKey("db.internal", 2222, key)
	if err != nil || res.Status != ports.HostKeyTrusted {
		t.Fatalf("after trust: %+v, %v", res, err)
	}

	// Same host on another port is a different entry.
	res, _ = s.VerifyHostKey("db.internal", 22, key)
	if res.Status != ports.HostKeyUnknown {
		t.Errorf("other port status = %s", res.Status)
	}

	changed := newHostKey(t)
	res, err = s.VerifyHostKey("db.internal", 2222, changed)
	if err != nil || res.Status != ports.HostKeyChanged {
		t.Fatalf("changed key: %+v, %v", res, err)
	}
	if res.Previous == nil || string(res.Previous.Marshal()) != string(key.Marshal()) {
		t.Error("Previous should carry the trusted key")
	}
}

func TestStore_RevokedKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "known_hosts")
	key := newHostKey(t)
	line := "@revoked * " + strings.TrimSpace(string(ssh.MarshalAuthorizedKey(key))) + "\n"
	if err := os.WriteFile(path, []byte(line), 0o600); err != nil {
		t.Fatal(err)
	}

	s := NewStore(DefaultConfig(), path, realfs.New())
	_, err := s.VerifyHostKey("db.internal", 22, key)
	if !errors.Is(err, failure.HostKeyMismatch) {
		t.Errorf("err = %v, want HostKeyMismatch", err)
	}
}

func TestWatcher_Reloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("profiles: []\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	var (
		mu      sync.Mutex
		changes []*Config
	)
	w, err := NewWatcher(path, realfs.New(), func(c *Config) {
		mu.Lock()
		changes = append(changes, c)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	defer w.Close()

	updated := "profiles:\n  - name: web\n    host: web.example\n"
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		if cfg := w.Config(); len(cfg.Profiles) == 1 && cfg.Profiles[0].Name == "web" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("config was not reloaded")
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(changes) == 0 {
		t.Error("onChange should be called")
	}
}

func TestWatcher_KeepsConfigOnInvalidReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("profiles:\n  - name: a\n    host: a\n"), 0o644)

	w, err := NewWatcher(path, realfs.New(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	os.WriteFile(path, []byte("profiles:\n  - host: nameless\n"), 0o644)
	time.Sleep(200 * time.Millisecond)

	if cfg := w.Config(); len(cfg.Profiles) != 1 || cfg.Profiles[0].Name != "a" {
		t.Errorf("invalid reload should be ignored, got %+v", cfg.Profiles)
	}
}
