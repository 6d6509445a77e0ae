package ssh

import (
	"fmt"
	"io"
	"log/slog"
	"sync"

	"golang.org/x/crypto/ssh"

	"github.com/acolita/sshkit/internal/ports"
)

// Default pseudo terminal settings.
const (
	DefaultTerm = "xterm-256color"
	DefaultCols = 80
	DefaultRows = 24
)

// remoteShell is an interactive shell on a remote pseudo terminal.
type remoteShell struct {
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader

	mu     sync.Mutex
	cols   int
	rows   int
	closed bool
}

var _ ports.Shell = (*remoteShell)(nil)

func newRemoteShell(conn *ssh.Client, req ports.ShellRequest) (*remoteShell, error) {
	if req.Term == "" {
		req.Term = DefaultTerm
	}
	if req.Cols <= 0 {
		req.Cols = DefaultCols
	}
	if req.Rows <= 0 {
		req.Rows = DefaultRows
	}

	session, err := conn.NewSession()
	if err != nil {
		return nil, fmt.Errorf("new session: %w", err)
	}

	for key, value := range req.Env {
		if err := session.Setenv(key, value); err != nil {
			slog.Debug("setenv refused", slog.String("name", key))
		}
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty(req.Term, req.Rows, req.Cols, modes); err != nil {
		session.Close()
		return nil, fmt.Errorf("request pty: %w", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	// With a pty the server merges stderr into stdout.
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if err := session.Shell(); err != nil {
		session.Close()
		return nil, fmt.Errorf("start shell: %w", err)
	}

	return &remoteShell{
		session: session,
		stdin:   stdin,
		stdout:  stdout,
		cols:    req.Cols,
		rows:    req.Rows,
	}, nil
}

// Read reads shell output.
func (s *remoteShell) Read(b []byte) (int, error) {
	return s.stdout.Read(b)
}

// Write sends input to the shell.
func (s *remoteShell) Write(b []byte) (int, error) {
	return s.stdin.Write(b)
}

// Resize sends a window-change request.
func (s *remoteShell) Resize(cols, rows int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return io.ErrClosedPipe
	}
	if err := s.session.WindowChange(rows, cols); err != nil {
		return fmt.Errorf("window change: %w", err)
	}
	s.cols = cols
	s.rows = rows
	return nil
}

// Size returns the last size sent to the server.
func (s *remoteShell) Size() (cols, rows int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cols, s.rows
}

// Signal delivers a signal to the remote shell.
func (s *remoteShell) Signal(sig ssh.Signal) error {
	return s.session.Signal(sig)
}

// Interrupt writes Ctrl+C, which the remote line discipline turns into SIGINT.
func (s *remoteShell) Interrupt() error {
	_, err := s.stdin.Write([]byte{0x03})
	return err
}

// Wait blocks until the shell exits.
func (s *remoteShell) Wait() error {
	return s.session.Wait()
}

// Close ends the shell session. It is idempotent.
func (s *remoteShell) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	err := s.session.Close()
	if err == io.EOF {
		return nil
	}
	return err
}
