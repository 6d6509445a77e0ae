package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/acolita/sshkit/internal/adapters/realclock"
	"github.com/acolita/sshkit/internal/adapters/realfs"
	"github.com/acolita/sshkit/internal/adapters/realprompt"
	"github.com/acolita/sshkit/internal/config"
	"github.com/acolita/sshkit/internal/logging"
	"github.com/acolita/sshkit/internal/pool"
	"github.com/acolita/sshkit/internal/ports"
	"github.com/acolita/sshkit/internal/recording"
	"github.com/acolita/sshkit/internal/recovery"
	"github.com/acolita/sshkit/internal/security"
	"github.com/acolita/sshkit/internal/session"
	sshconn "github.com/acolita/sshkit/internal/ssh"
)

// app holds everything a command needs.
type app struct {
	cfg         *config.Config
	fs          ports.FileSystem
	store       *config.Store
	watcher     *config.Watcher
	credentials *security.CachingProvider
	recordings  *recording.Manager
	pool        *pool.Pool
}

func newApp(configPath, logLevel string) (*app, error) {
	fsys := realfs.New()
	if configPath == "" {
		configPath = config.DefaultConfigPath(fsys)
	}

	cfg, err := config.Load(configPath, fsys)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logging.Setup(cfg.Logging.Level, cfg.Logging.Sanitize)

	knownHosts := cfg.SSH.KnownHostsPath
	if knownHosts == "" {
		knownHosts = config.DefaultKnownHostsPath(fsys)
	}
	store := config.NewStore(cfg, knownHosts, fsys)

	keyring := security.NewKeyringStore()
	keyring.SetEnabled(cfg.Security.UseKeyring)
	credentials := security.NewCachingProvider(keyring, cfg.Security.CredentialCacheTTL)
	limiter := security.NewAuthRateLimiter(cfg.Security.MaxAuthFailures, cfg.Security.AuthLockoutDuration)

	factory := sshconn.NewFactory(
		sshconn.WithFileSystem(fsys),
		sshconn.WithCredentials(credentials),
		sshconn.WithHostKeys(store, realprompt.New(), sshconn.HostKeyPolicy(cfg.SSH.HostKeyPolicy)),
		sshconn.WithRateLimiter(limiter),
		sshconn.WithRetryPolicy(recovery.NewPolicy(cfg.Pool.RetryAttempts, cfg.Pool.RetryDelay)),
		sshconn.WithTimeout(cfg.Pool.ConnectionTimeout),
		sshconn.WithKeepalive(cfg.Pool.KeepAliveInterval),
	)

	filter, err := security.NewCommandFilter(cfg.Security.CommandBlocklist, cfg.Security.CommandAllowlist)
	if err != nil {
		return nil, fmt.Errorf("command filter: %w", err)
	}

	recordings := recording.NewManager(recordingDir(cfg, fsys), cfg.Recording.Enabled, fsys, realclock.New())

	p, err := pool.New(cfg.Pool, factory,
		pool.WithWarmProfiles(store.WarmProfiles()...),
		pool.WithSessionOptions(
			session.WithFileSystem(fsys),
			session.WithCommandFilter(filter),
			session.WithRecordings(recordings),
			session.WithIdleTimeout(cfg.Session.IdleTimeout),
			session.WithHistorySize(cfg.Session.HistorySize),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	a := &app{
		cfg:         cfg,
		fs:          fsys,
		store:       store,
		credentials: credentials,
		recordings:  recordings,
		pool:        p,
	}
	a.watch(configPath, logLevel)
	return a, nil
}

// watch reloads profiles and logging when the config file changes.
func (a *app) watch(configPath, logLevel string) {
	if configPath == "" {
		return
	}
	if _, err := a.fs.Stat(configPath); err != nil {
		return
	}
	w, err := config.NewWatcher(configPath, a.fs, func(cfg *config.Config) {
		if logLevel != "" {
			cfg.Logging.Level = logLevel
		}
		logging.Setup(cfg.Logging.Level, cfg.Logging.Sanitize)
		a.store.Update(cfg)
		slog.Info("configuration reloaded", slog.Int("profiles", len(cfg.Profiles)))
	})
	if err != nil {
		slog.Warn("failed to watch config file", slog.String("path", configPath), slog.String("error", err.Error()))
		return
	}
	a.watcher = w
}

func recordingDir(cfg *config.Config, fsys ports.FileSystem) string {
	if cfg.Recording.Path != "" {
		return cfg.Recording.Path
	}
	if dir := fsys.Getenv("XDG_STATE_HOME"); dir != "" {
		return filepath.Join(dir, "sshkit", "recordings")
	}
	home, err := fsys.UserHomeDir()
	if err != nil {
		return "recordings"
	}
	return filepath.Join(home, ".local", "state", "sshkit", "recordings")
}

// acquire checks a session out of the pool for target.
func (a *app) acquire(ctx context.Context, target string) (*session.Session, error) {
	prof := a.store.Resolve(target)
	slog.Debug("acquiring session", slog.String("profile", prof.String()))
	return a.pool.Acquire(ctx, prof, a.cfg.Pool.ConnectionTimeout)
}

// Close stops watching, closes every connection and forgets cached secrets.
func (a *app) Close() {
	if a.watcher != nil {
		a.watcher.Close()
	}
	a.pool.Shutdown()
	a.recordings.CloseAll()
	a.credentials.Clear()
}
