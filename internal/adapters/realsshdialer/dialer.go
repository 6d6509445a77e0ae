// Package realsshdialer backs ports.SSHDialer with ssh.Dial.
package realsshdialer

import (
	"net"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/acolita/sshkit/internal/ports"
)

// Dialer dials TCP and runs the SSH handshake. The TCP connect honours
// config.Timeout; the handshake itself is bounded by the same deadline.
type Dialer struct{}

var _ ports.SSHDialer = Dialer{}

// New returns a Dialer.
func New() Dialer { return Dialer{} }

// Dial establishes an SSH client connection to addr.
func (Dialer) Dial(network, addr string, config *ssh.ClientConfig) (*ssh.Client, error) {
	conn, err := net.DialTimeout(network, addr, config.Timeout)
	if err != nil {
		return nil, err
	}
	if config.Timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(config.Timeout))
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(c, chans, reqs), nil
}
