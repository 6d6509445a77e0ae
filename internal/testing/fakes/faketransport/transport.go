// Package faketransport provides an in-memory ports.Transport and ports.Shell.
package faketransport

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/pkg/sftp"

	"github.com/acolita/sshkit/internal/ports"
	sshkitsftp "github.com/acolita/sshkit/internal/sftp"
)

// ErrClosed is returned by operations on a closed transport.
var ErrClosed = errors.New("faketransport: closed")

// Transport is a scriptable connection. The zero value is not usable; call New.
type Transport struct {
	mu sync.Mutex

	ExecFunc   func(ctx context.Context, req ports.ExecRequest) (ports.ExecResult, error)
	ShellFunc  func(ctx context.Context, req ports.ShellRequest) (ports.Shell, error)
	DialFunc   func(network, addr string) (net.Conn, error)
	ListenFunc func(network, addr string) (net.Listener, error)
	ProbeFunc  func(ctx context.Context) error

	alive  bool
	closes int
	probes int
	execs  []ports.ExecRequest
	dials  []string
	sftp   *sshkitsftp.Client
	stop   func()
}

var _ ports.Transport = (*Transport)(nil)

// New returns a live transport whose commands succeed with empty output.
func New() *Transport {
	return &Transport{alive: true}
}

// Exec records the request and runs ExecFunc.
func (t *Transport) Exec(ctx context.Context, req ports.ExecRequest) (ports.ExecResult, error) {
	t.mu.Lock()
	if t.closes > 0 {
		t.mu.Unlock()
		return ports.ExecResult{}, ErrClosed
	}
	t.execs = append(t.execs, req)
	fn := t.ExecFunc
	t.mu.Unlock()

	if fn == nil {
		return ports.ExecResult{}, nil
	}
	return fn(ctx, req)
}

// OpenShell runs ShellFunc, or returns a new Shell when unset.
func (t *Transport) OpenShell(ctx context.Context, req ports.ShellRequest) (ports.Shell, error) {
	t.mu.Lock()
	fn := t.ShellFunc
	t.mu.Unlock()
	if fn == nil {
		return NewShell(), nil
	}
	return fn(ctx, req)
}

// Dial records addr and runs DialFunc.
func (t *Transport) Dial(network, addr string) (net.Conn, error) {
	t.mu.Lock()
	t.dials = append(t.dials, addr)
	fn := t.DialFunc
	t.mu.Unlock()
	if fn == nil {
		return nil, errors.New("faketransport: dial not configured")
	}
	return fn(network, addr)
}

// Listen runs ListenFunc.
func (t *Transport) Listen(network, addr string) (net.Listener, error) {
	t.mu.Lock()
	fn := t.ListenFunc
	t.mu.Unlock()
	if fn == nil {
		return nil, errors.New("faketransport: listen not configured")
	}
	return fn(network, addr)
}

// Probe counts the call and runs ProbeFunc.
func (t *Transport) Probe(ctx context.Context) error {
	t.mu.Lock()
	t.probes++
	fn := t.ProbeFunc
	closed := t.closes > 0
	t.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if fn == nil {
		return nil
	}
	return fn(ctx)
}

// Alive reports the liveness flag.
func (t *Transport) Alive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.alive && t.closes == 0
}

// SetAlive flips the liveness flag, simulating a dropped connection.
func (t *Transport) SetAlive(alive bool) {
	t.mu.Lock()
	t.alive = alive
	t.mu.Unlock()
}

// FailProbes makes the probe fail with err.
func (t *Transport) FailProbes(err error) {
	t.mu.Lock()
	t.ProbeFunc = func(context.Context) error { return err }
	t.mu.Unlock()
}

// SFTP returns the in-memory SFTP client installed by WithInMemorySFTP.
func (t *Transport) SFTP() (*sshkitsftp.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sftp == nil {
		return nil, errors.New("faketransport: sftp not configured")
	}
	return t.sftp, nil
}

// WithInMemorySFTP serves a pkg/sftp in-memory filesystem for SFTP calls.
func (t *Transport) WithInMemorySFTP() (*Transport, error) {
	clientReader, serverWriter := io.Pipe()
	serverReader, clientWriter := io.Pipe()

	server := sftp.NewRequestServer(pipeRWC{
		Reader:  serverReader,
		Writer:  serverWriter,
		closers: []io.Closer{serverReader, serverWriter},
	}, sftp.InMemHandler())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = server.Serve()
	}()

	sc, err := sftp.NewClientPipe(clientReader, clientWriter)
	if err != nil {
		server.Close()
		return nil, err
	}

	t.mu.Lock()
	t.sftp = sshkitsftp.FromClient(sc)
	t.stop = func() {
		server.Close()
		<-done
	}
	t.mu.Unlock()
	return t, nil
}

// Close marks the transport closed. Repeated calls are counted.
func (t *Transport) Close() error {
	t.mu.Lock()
	t.closes++
	first := t.closes == 1
	client, stop := t.sftp, t.stop
	t.mu.Unlock()

	if first {
		if stop != nil {
			stop()
		}
		if client != nil {
			client.Close()
		}
	}
	return nil
}

// Closed reports whether Close was called.
func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closes > 0
}

// CloseCount is the number of Close calls.
func (t *Transport) CloseCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closes
}

// Probes is the number of Probe calls.
func (t *Transport) Probes() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.probes
}

// Execs returns the recorded exec requests.
func (t *Transport) Execs() []ports.ExecRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]ports.ExecRequest(nil), t.execs...)
}

// Dials returns the recorded dial addresses.
func (t *Transport) Dials() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.dials...)
}

type pipeRWC struct {
	io.Reader
	io.Writer
	closers []io.Closer
}

func (p pipeRWC) Close() error {
	for _, c := range p.closers {
		c.Close()
	}
	return nil
}
