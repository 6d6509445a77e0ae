// Package fakesshdialer provides a scriptable ports.SSHDialer.
package fakesshdialer

import (
	"errors"
	"sync"

	"golang.org/x/crypto/ssh"

	"github.com/acolita/sshkit/internal/ports"
)

// ErrNotConfigured is returned when no DialFunc is installed.
var ErrNotConfigured = errors.New("fakesshdialer: not configured")

// Call records one Dial.
type Call struct {
	Network string
	Addr    string
	Config  *ssh.ClientConfig
}

// Dialer records calls and delegates to DialFunc.
type Dialer struct {
	mu       sync.Mutex
	DialFunc func(network, addr string, config *ssh.ClientConfig) (*ssh.Client, error)
	calls    []Call
}

var _ ports.SSHDialer = (*Dialer)(nil)

// New returns a Dialer that fails with ErrNotConfigured.
func New() *Dialer { return &Dialer{} }

// Dial records the call and delegates.
func (d *Dialer) Dial(network, addr string, config *ssh.ClientConfig) (*ssh.Client, error) {
	d.mu.Lock()
	d.calls = append(d.calls, Call{Network: network, Addr: addr, Config: config})
	fn := d.DialFunc
	d.mu.Unlock()
	if fn == nil {
		return nil, ErrNotConfigured
	}
	return fn(network, addr, config)
}

// Calls returns the recorded calls.
func (d *Dialer) Calls() []Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Call(nil), d.calls...)
}

// SetError makes every Dial fail with err.
func (d *Dialer) SetError(err error) {
	d.mu.Lock()
	d.DialFunc = func(string, string, *ssh.ClientConfig) (*ssh.Client, error) { return nil, err }
	d.mu.Unlock()
}

// FailTimes fails the first n dials with err and then uses next.
func (d *Dialer) FailTimes(n int, err error, next func(network, addr string, config *ssh.ClientConfig) (*ssh.Client, error)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	remaining := n
	d.DialFunc = func(network, addr string, config *ssh.ClientConfig) (*ssh.Client, error) {
		d.mu.Lock()
		fail := remaining > 0
		remaining--
		d.mu.Unlock()
		if fail {
			return nil, err
		}
		return next(network, addr, config)
	}
}
