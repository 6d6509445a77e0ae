// Package ssh provides the SSH transport: an authenticated connection that
// runs commands, opens interactive shells, forwards ports and serves SFTP.
package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/acolita/sshkit/internal/failure"
	"github.com/acolita/sshkit/internal/ports"
	"github.com/acolita/sshkit/internal/profile"
	"github.com/acolita/sshkit/internal/sftp"
)

// KeepaliveRequest is the global request used to probe a connection.
// Servers that do not know it still answer, which proves liveness.
const KeepaliveRequest = "keepalive@openssh.com"

// DefaultKeepaliveMisses is how many consecutive unanswered keepalives
// close a connection.
const DefaultKeepaliveMisses = 3

// Client is one authenticated SSH connection. It implements ports.Transport.
type Client struct {
	conn    *ssh.Client
	profile profile.Profile
	clock   ports.Clock

	mu     sync.Mutex
	closed bool
	sftp   *sftp.Client

	// Keepalive settings
	keepaliveInterval time.Duration
	keepaliveStop     chan struct{}
	dead              chan struct{}
}

var _ ports.Transport = (*Client)(nil)

// NewClient wraps an established connection. A positive keepalive interval
// starts a loop that probes the server and closes the connection after
// DefaultKeepaliveMisses consecutive failures.
func NewClient(conn *ssh.Client, p profile.Profile, clock ports.Clock, keepalive time.Duration) *Client {
	c := &Client{
		conn:              conn,
		profile:           p,
		clock:             clock,
		keepaliveInterval: keepalive,
		keepaliveStop:     make(chan struct{}),
		dead:              make(chan struct{}),
	}

	go func() {
		conn.Wait()
		close(c.dead)
	}()

	if keepalive > 0 {
		go c.keepalive(c.keepaliveStop)
	}
	return c
}

// keepalive probes the server every interval. The stop channel is passed in
// so the goroutine never reads the struct field.
func (c *Client) keepalive(stop <-chan struct{}) {
	ticker := c.clock.NewTicker(c.keepaliveInterval)
	defer ticker.Stop()

	misses := 0
	for {
		select {
		case <-stop:
			return
		case <-c.dead:
			return
		case <-ticker.C():
			err := c.probeWithin(c.keepaliveInterval)
			if err == nil {
				misses = 0
				continue
			}
			misses++
			slog.Debug("keepalive failed",
				slog.String("profile", c.profile.String()),
				slog.Int("misses", misses),
				slog.String("error", err.Error()),
			)
			if misses >= DefaultKeepaliveMisses {
				slog.Warn("closing unresponsive connection",
					slog.String("profile", c.profile.String()),
					slog.Int("misses", misses),
				)
				c.Close()
				return
			}
		}
	}
}

var errNoKeepaliveReply = errors.New("no keepalive reply")

func (c *Client) probeWithin(d time.Duration) error {
	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)
	go func() {
		select {
		case <-c.clock.After(d):
			cancel(errNoKeepaliveReply)
		case <-ctx.Done():
		}
	}()
	return c.Probe(ctx)
}

// Profile returns the profile this connection was made for.
func (c *Client) Profile() profile.Profile { return c.profile }

// RemoteAddr returns the server address.
func (c *Client) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// ServerVersion returns the server's identification string.
func (c *Client) ServerVersion() string { return string(c.conn.ServerVersion()) }

// Alive reports whether the connection is open.
func (c *Client) Alive() bool {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return false
	}
	select {
	case <-c.dead:
		return false
	default:
		return true
	}
}

func (c *Client) fail(kind failure.Kind, op string, err error) *failure.Error {
	return failure.New(kind, op, err).At(c.profile.Host, c.profile.Port)
}

func (c *Client) checkOpen(op string) error {
	if !c.Alive() {
		return c.fail(failure.ConnectionLost, op, errors.New("connection closed"))
	}
	return nil
}

// Probe sends a keepalive request and waits for any reply, or for ctx.
func (c *Client) Probe(ctx context.Context) error {
	if err := c.checkOpen("probe"); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		_, _, err := c.conn.SendRequest(KeepaliveRequest, true, nil)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return c.fail(failure.ConnectionLost, "probe", err)
		}
		return nil
	case <-ctx.Done():
		cause := context.Cause(ctx)
		if errors.Is(cause, context.Canceled) {
			return c.fail(failure.Cancelled, "probe", cause)
		}
		return c.fail(failure.KeepAliveTimeout, "probe", cause)
	case <-c.dead:
		return c.fail(failure.ConnectionLost, "probe", errors.New("connection closed"))
	}
}

// Exec runs a command to completion. A non-zero exit status is reported in
// the result, not as an error. When ctx ends first the remote command is
// killed and its channel closed.
func (c *Client) Exec(ctx context.Context, req ports.ExecRequest) (ports.ExecResult, error) {
	if err := c.checkOpen("exec"); err != nil {
		return ports.ExecResult{}, err
	}

	session, err := c.conn.NewSession()
	if err != nil {
		return ports.ExecResult{}, c.fail(failure.Classify(err), "exec", fmt.Errorf("new session: %w", err))
	}
	defer session.Close()

	for key, value := range req.Env {
		// Many servers restrict which variables may be set; a refusal is
		// not fatal.
		if err := session.Setenv(key, value); err != nil {
			slog.Debug("setenv refused", slog.String("name", key))
		}
	}

	var stdout, stderr bytes.Buffer
	session.Stdin = req.Stdin
	session.Stdout = &stdout
	session.Stderr = &stderr

	if err := session.Start(req.Command); err != nil {
		return ports.ExecResult{}, c.fail(failure.Classify(err), "exec", fmt.Errorf("start command: %w", err))
	}

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	select {
	case err = <-done:
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		session.Close()
		<-done
		return ports.ExecResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}, failure.Wrap("exec", ctx.Err())
	}

	result := ports.ExecResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	var exitErr *ssh.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		result.ExitCode = exitErr.ExitStatus()
	default:
		var missing *ssh.ExitMissingError
		if errors.As(err, &missing) {
			return result, c.fail(failure.ConnectionLost, "exec", err)
		}
		return result, c.fail(failure.Classify(err), "exec", err)
	}
	return result, nil
}

// OpenShell starts an interactive shell on a remote pseudo terminal.
func (c *Client) OpenShell(ctx context.Context, req ports.ShellRequest) (ports.Shell, error) {
	if err := c.checkOpen("open shell"); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, failure.Wrap("open shell", err)
	}
	shell, err := newRemoteShell(c.conn, req)
	if err != nil {
		return nil, c.fail(failure.Classify(err), "open shell", err)
	}
	return shell, nil
}

// Dial opens a direct-tcpip channel to addr as seen from the server.
func (c *Client) Dial(network, addr string) (net.Conn, error) {
	if err := c.checkOpen("dial"); err != nil {
		return nil, err
	}
	return c.conn.Dial(network, addr)
}

// Listen asks the server to listen on addr and forward connections back.
func (c *Client) Listen(network, addr string) (net.Listener, error) {
	if err := c.checkOpen("listen"); err != nil {
		return nil, err
	}
	return c.conn.Listen(network, addr)
}

// SFTP returns the file transfer client bound to this connection. It is
// created on first use.
func (c *Client) SFTP() (*sftp.Client, error) {
	if err := c.checkOpen("sftp"); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sftp == nil {
		c.sftp = sftp.NewClient(c.conn)
	}
	return c.sftp, nil
}

// Close closes the SFTP client and the connection. It is idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.keepaliveStop)
	sc := c.sftp
	c.sftp = nil
	c.mu.Unlock()

	if sc != nil {
		sc.Close()
	}
	err := c.conn.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
