package ports

import (
	"golang.org/x/crypto/ssh"
)

// SSHDialer performs the TCP connect and SSH handshake for a new transport.
type SSHDialer interface {
	// Dial establishes an SSH connection to addr. The config carries the
	// auth methods, host key callback and handshake timeout.
	Dial(network, addr string, config *ssh.ClientConfig) (*ssh.Client, error)
}
