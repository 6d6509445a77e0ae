// Package realnet backs the NetworkDialer and NetworkListener ports with package net.
package realnet

import (
	"net"
	"time"

	"github.com/acolita/sshkit/internal/ports"
)

// DefaultDialTimeout bounds connects to local forward targets.
const DefaultDialTimeout = 10 * time.Second

// Dialer opens local TCP connections.
type Dialer struct {
	Timeout time.Duration
}

var _ ports.NetworkDialer = Dialer{}

// NewDialer returns a Dialer with DefaultDialTimeout.
func NewDialer() Dialer { return Dialer{Timeout: DefaultDialTimeout} }

// Dial connects to address.
func (d Dialer) Dial(network, address string) (net.Conn, error) {
	return net.DialTimeout(network, address, d.Timeout)
}

// Listener binds local sockets.
type Listener struct{}

var _ ports.NetworkListener = Listener{}

// NewListener returns a Listener.
func NewListener() Listener { return Listener{} }

// Listen binds address.
func (Listener) Listen(network, address string) (net.Listener, error) {
	return net.Listen(network, address)
}
