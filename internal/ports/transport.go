package ports

import (
	"context"
	"io"
	"net"

	"github.com/acolita/sshkit/internal/sftp"
)

// ExecRequest describes a single remote command.
type ExecRequest struct {
	Command string
	Env     map[string]string
	Stdin   io.Reader
}

// ExecResult is the outcome of a remote command that ran to completion.
// A non-zero ExitCode is not an error.
type ExecResult struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// ShellRequest asks for an interactive shell on a pseudo terminal.
type ShellRequest struct {
	Term string
	Cols int
	Rows int
	Env  map[string]string
}

// Shell is an interactive remote shell.
type Shell interface {
	io.ReadWriteCloser

	// Resize forwards a window-change to the remote pseudo terminal.
	Resize(cols, rows int) error

	// Wait blocks until the remote shell exits.
	Wait() error
}

// Transport is one authenticated SSH connection. Implementations are safe
// for concurrent use.
type Transport interface {
	// Exec runs a command and waits for it, or for ctx to end.
	Exec(ctx context.Context, req ExecRequest) (ExecResult, error)

	// OpenShell starts an interactive shell.
	OpenShell(ctx context.Context, req ShellRequest) (Shell, error)

	// Dial opens a direct-tcpip channel to addr as seen from the server.
	Dial(network, addr string) (net.Conn, error)

	// Listen asks the server to listen on addr and forward connections back.
	Listen(network, addr string) (net.Listener, error)

	// Probe sends a protocol-level no-op and waits for the reply.
	Probe(ctx context.Context) error

	// Alive reports whether the underlying connection is still open.
	Alive() bool

	// SFTP returns the file transfer client bound to this connection.
	SFTP() (*sftp.Client, error)

	// Close tears down the connection.
	Close() error
}
