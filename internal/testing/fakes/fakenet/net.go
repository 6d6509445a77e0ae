// Package fakenet provides scriptable NetworkDialer and NetworkListener ports.
package fakenet

import (
	"errors"
	"net"
	"sync"

	"github.com/acolita/sshkit/internal/ports"
)

// ErrNotConfigured is returned by a fake with no behaviour installed.
var ErrNotConfigured = errors.New("fakenet: not configured")

// Dialer records Dial calls and delegates to DialFunc.
type Dialer struct {
	mu       sync.Mutex
	DialFunc func(network, address string) (net.Conn, error)
	calls    []string
}

var _ ports.NetworkDialer = (*Dialer)(nil)

// NewDialer returns a Dialer that fails with ErrNotConfigured.
func NewDialer() *Dialer { return &Dialer{} }

// Dial records address and calls DialFunc.
func (d *Dialer) Dial(network, address string) (net.Conn, error) {
	d.mu.Lock()
	d.calls = append(d.calls, address)
	fn := d.DialFunc
	d.mu.Unlock()
	if fn == nil {
		return nil, ErrNotConfigured
	}
	return fn(network, address)
}

// Calls returns every dialed address in order.
func (d *Dialer) Calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

// SetError makes every Dial fail with err.
func (d *Dialer) SetError(err error) {
	d.mu.Lock()
	d.DialFunc = func(string, string) (net.Conn, error) { return nil, err }
	d.mu.Unlock()
}

// Pipe makes every Dial return the client half of a net.Pipe and hands the
// server half to serve on its own goroutine.
func (d *Dialer) Pipe(serve func(address string, conn net.Conn)) {
	d.mu.Lock()
	d.DialFunc = func(_, address string) (net.Conn, error) {
		client, server := net.Pipe()
		go serve(address, server)
		return client, nil
	}
	d.mu.Unlock()
}

// Listener records Listen calls. With no ListenFunc it binds a real socket.
type Listener struct {
	mu         sync.Mutex
	ListenFunc func(network, address string) (net.Listener, error)
	calls      []string
}

var _ ports.NetworkListener = (*Listener)(nil)

// NewListener returns a Listener that binds real sockets.
func NewListener() *Listener { return &Listener{} }

// Listen records address and binds it.
func (l *Listener) Listen(network, address string) (net.Listener, error) {
	l.mu.Lock()
	l.calls = append(l.calls, address)
	fn := l.ListenFunc
	l.mu.Unlock()
	if fn == nil {
		return net.Listen(network, address)
	}
	return fn(network, address)
}

// Calls returns every requested bind address in order.
func (l *Listener) Calls() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

// SetError makes every Listen fail with err.
func (l *Listener) SetError(err error) {
	l.mu.Lock()
	l.ListenFunc = func(string, string) (net.Listener, error) { return nil, err }
	l.mu.Unlock()
}
