package ssh

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/acolita/sshkit/internal/adapters/realclock"
	"github.com/acolita/sshkit/internal/adapters/realfs"
	"github.com/acolita/sshkit/internal/adapters/realnet"
	"github.com/acolita/sshkit/internal/adapters/realsshdialer"
	"github.com/acolita/sshkit/internal/failure"
	"github.com/acolita/sshkit/internal/ports"
	"github.com/acolita/sshkit/internal/profile"
	"github.com/acolita/sshkit/internal/recovery"
	"github.com/acolita/sshkit/internal/security"
)

// Factory defaults.
const (
	DefaultTimeout           = 30 * time.Second
	DefaultKeepaliveInterval = 60 * time.Second
)

// Factory establishes authenticated transports. Connect retries transient
// failures according to the recovery policy.
type Factory struct {
	dialer      ports.SSHDialer
	credentials ports.CredentialProvider
	hostKeys    *HostKeyChecker
	limiter     *security.AuthRateLimiter
	retry       recovery.Policy
	clock       ports.Clock
	fs          ports.FileSystem
	agentDialer ports.NetworkDialer
	timeout     time.Duration
	keepalive   time.Duration
}

// FactoryOption configures a Factory.
type FactoryOption func(*Factory)

// WithDialer sets the SSH dialer.
func WithDialer(d ports.SSHDialer) FactoryOption {
	return func(f *Factory) { f.dialer = d }
}

// WithCredentials sets where secrets are loaded from.
func WithCredentials(c ports.CredentialProvider) FactoryOption {
	return func(f *Factory) { f.credentials = c }
}

// WithHostKeys sets host key verification. Without a verifier every key is
// unknown.
func WithHostKeys(v ports.HostKeyVerifier, p ports.HostKeyPrompter, policy HostKeyPolicy) FactoryOption {
	return func(f *Factory) {
		f.hostKeys = &HostKeyChecker{Verifier: v, Prompter: p, Policy: policy}
	}
}

// WithRateLimiter locks profiles out after repeated auth failures.
func WithRateLimiter(l *security.AuthRateLimiter) FactoryOption {
	return func(f *Factory) { f.limiter = l }
}

// WithRetryPolicy sets how connection failures are retried.
func WithRetryPolicy(p recovery.Policy) FactoryOption {
	return func(f *Factory) { f.retry = p }
}

// WithClock sets the clock for retry delays and keepalives.
func WithClock(c ports.Clock) FactoryOption {
	return func(f *Factory) { f.clock = c }
}

// WithFileSystem sets where private keys are read from.
func WithFileSystem(fs ports.FileSystem) FactoryOption {
	return func(f *Factory) { f.fs = fs }
}

// WithAgentDialer sets how the ssh-agent socket is reached.
func WithAgentDialer(d ports.NetworkDialer) FactoryOption {
	return func(f *Factory) { f.agentDialer = d }
}

// WithTimeout bounds the TCP connect and handshake of one attempt.
func WithTimeout(d time.Duration) FactoryOption {
	return func(f *Factory) { f.timeout = d }
}

// WithKeepalive sets the keepalive interval of created clients. Zero
// disables keepalives.
func WithKeepalive(d time.Duration) FactoryOption {
	return func(f *Factory) { f.keepalive = d }
}

// NewFactory returns a Factory using the real network, filesystem and
// clock unless overridden.
func NewFactory(opts ...FactoryOption) *Factory {
	f := &Factory{
		dialer:      realsshdialer.New(),
		hostKeys:    &HostKeyChecker{Policy: HostKeyAsk},
		retry:       recovery.DefaultPolicy(),
		clock:       realclock.New(),
		fs:          realfs.New(),
		agentDialer: realnet.NewDialer(),
		timeout:     DefaultTimeout,
		keepalive:   DefaultKeepaliveInterval,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Connect authenticates against p and returns a live transport.
func (f *Factory) Connect(ctx context.Context, p profile.Profile) (ports.Transport, error) {
	p = p.WithDefaults()
	if err := p.Validate(); err != nil {
		return nil, failure.New(failure.InvalidState, "connect", err).At(p.Host, p.Port)
	}
	if f.limiter != nil {
		if err := f.limiter.Check(p); err != nil {
			return nil, err
		}
	}

	cred := f.loadCredential(p)
	defer security.WipeCredential(&cred)

	start := f.clock.Now()
	var conn *ssh.Client
	err := recovery.Do(ctx, f.clock, f.retry, "connect", func(ctx context.Context) error {
		c, err := f.dial(ctx, p, cred)
		if err != nil {
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		kind := failure.KindOf(err)
		if f.limiter != nil && (kind == failure.AuthFailed || kind == failure.KeyRejected) {
			f.limiter.RecordFailure(p)
		}
		slog.Warn("connect failed",
			slog.String("profile", p.String()),
			slog.String("kind", string(kind)),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	if f.limiter != nil {
		f.limiter.RecordSuccess(p)
	}
	slog.Info("connected",
		slog.String("profile", p.String()),
		slog.String("auth_method", string(p.Auth.Kind)),
		slog.Duration("elapsed", f.clock.Now().Sub(start)),
	)
	return NewClient(conn, p, f.clock, f.keepalive), nil
}

func (f *Factory) loadCredential(p profile.Profile) ports.Credential {
	if f.credentials == nil {
		return ports.Credential{}
	}
	cred, err := f.credentials.Load(p)
	if err != nil {
		slog.Warn("credential lookup failed",
			slog.String("profile", p.String()),
			slog.String("error", err.Error()),
		)
		return ports.Credential{}
	}
	return cred
}

// dial performs one connection attempt bounded by the factory timeout. The
// dialer is not context aware, so a cancelled attempt is abandoned and its
// late connection closed.
func (f *Factory) dial(ctx context.Context, p profile.Profile, cred ports.Credential) (*ssh.Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, connectAborted(p, err)
	}
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	// Each attempt owns a copy of the secrets, wiped when its handshake ends.
	secrets := security.CloneCredential(cred)
	auth, err := BuildAuthMethods(p, secrets, f.fs, f.agentDialer)
	if err != nil {
		security.WipeCredential(&secrets)
		return nil, err
	}

	var hostKeyErr error
	check := f.hostKeys.Callback(p)
	config := &ssh.ClientConfig{
		User: p.User,
		Auth: auth.Methods,
		HostKeyCallback: func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			hostKeyErr = check(hostname, remote, key)
			return hostKeyErr
		},
		Timeout: f.timeout,
	}

	type result struct {
		client *ssh.Client
		err    error
	}
	done := make(chan result, 1)
	go func() {
		defer security.WipeCredential(&secrets)
		defer auth.Close()
		c, err := f.dialer.Dial("tcp", p.Addr(), config)
		done <- result{c, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			if hostKeyErr != nil {
				return nil, hostKeyErr
			}
			return nil, failure.New(failure.ClassifyConnect(r.err), "connect", r.err).At(p.Host, p.Port)
		}
		return r.client, nil
	case <-ctx.Done():
		go func() {
			if r := <-done; r.client != nil {
				r.client.Close()
			}
		}()
		return nil, connectAborted(p, ctx.Err())
	}
}

func connectAborted(p profile.Profile, err error) error {
	kind := failure.Cancelled
	if errors.Is(err, context.DeadlineExceeded) {
		kind = failure.ConnectTimeout
	}
	return failure.New(kind, "connect", err).At(p.Host, p.Port)
}
