package faketransport

import (
	"bytes"
	"io"
	"sync"

	"github.com/acolita/sshkit/internal/ports"
)

// Size is a recorded window-change.
type Size struct{ Cols, Rows int }

// Shell is an in-memory remote shell. Tests push remote output with Emit and
// inspect keystrokes with Input.
type Shell struct {
	out *io.PipeReader
	emw *io.PipeWriter

	mu      sync.Mutex
	input   bytes.Buffer
	resizes []Size
	done    chan struct{}
	once    sync.Once
}

var _ ports.Shell = (*Shell)(nil)

// NewShell returns an open shell.
func NewShell() *Shell {
	r, w := io.Pipe()
	return &Shell{out: r, emw: w, done: make(chan struct{})}
}

// Read returns remote output pushed by Emit.
func (s *Shell) Read(p []byte) (int, error) { return s.out.Read(p) }

// Write records keystrokes sent to the remote side.
func (s *Shell) Write(p []byte) (int, error) {
	select {
	case <-s.done:
		return 0, io.ErrClosedPipe
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.input.Write(p)
}

// Resize records the window-change.
func (s *Shell) Resize(cols, rows int) error {
	s.mu.Lock()
	s.resizes = append(s.resizes, Size{Cols: cols, Rows: rows})
	s.mu.Unlock()
	return nil
}

// Wait blocks until Close or Exit.
func (s *Shell) Wait() error {
	<-s.done
	return nil
}

// Close ends the shell.
func (s *Shell) Close() error {
	s.Exit()
	return nil
}

// Exit simulates the remote shell exiting: readers see EOF.
func (s *Shell) Exit() {
	s.once.Do(func() {
		close(s.done)
		s.emw.Close()
	})
}

// Emit delivers remote output. It blocks until the bytes are read.
func (s *Shell) Emit(p []byte) error {
	_, err := s.emw.Write(p)
	return err
}

// Input returns everything written to the shell so far.
func (s *Shell) Input() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return bytes.Clone(s.input.Bytes())
}

// Resizes returns the recorded window-changes.
func (s *Shell) Resizes() []Size {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Size(nil), s.resizes...)
}
