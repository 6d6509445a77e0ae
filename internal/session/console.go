package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/charmbracelet/x/ansi"
	"github.com/google/uuid"

	"github.com/acolita/sshkit/internal/ports"
	"github.com/acolita/sshkit/internal/recording"
	"github.com/acolita/sshkit/internal/terminal"
)

// DefaultTranscriptLimit caps the raw transcript a console keeps in memory.
const DefaultTranscriptLimit = 1 << 20

// ConsoleOptions describe an interactive console.
type ConsoleOptions struct {
	Term       string
	Cols       int
	Rows       int
	Env        map[string]string
	Scrollback int
	// Record writes an asciicast transcript when the session has recordings
	// configured.
	Record bool
	Title  string
	// OnOutput, if set, receives every chunk of remote output after the
	// terminal has applied it.
	OnOutput func([]byte)
}

// Console is an interactive shell rendered into a terminal screen model.
type Console struct {
	id       string
	session  *Session
	shell    ports.Shell
	term     *terminal.Terminal
	recorder *recording.Recorder
	onOutput func([]byte)

	mu         sync.Mutex
	transcript []byte
	limit      int

	done      chan struct{}
	readErr   error
	closeOnce sync.Once
}

// OpenConsole starts a remote shell on a pseudo terminal and feeds its
// output into a terminal screen model.
func (s *Session) OpenConsole(ctx context.Context, opts ConsoleOptions) (*Console, error) {
	if opts.Cols <= 0 {
		opts.Cols = terminal.DefaultCols
	}
	if opts.Rows <= 0 {
		opts.Rows = terminal.DefaultRows
	}

	s.mu.Lock()
	switch s.status.State {
	case StateSuspended, StateTerminated:
		st := s.status
		s.mu.Unlock()
		return nil, s.stateError("open console", st)
	case StateIdle:
		s.setStatusLocked(Status{State: StateActive})
	}
	s.lastActivity = s.clock.Now()
	s.mu.Unlock()

	shell, err := s.transport.OpenShell(ctx, ports.ShellRequest{
		Term: opts.Term,
		Cols: opts.Cols,
		Rows: opts.Rows,
		Env:  opts.Env,
	})
	if err != nil {
		return nil, s.fail("open console", err)
	}

	id, err := uuid.NewRandomFromReader(s.random)
	if err != nil {
		shell.Close()
		return nil, fmt.Errorf("generate console id: %w", err)
	}

	c := &Console{
		id:       id.String(),
		session:  s,
		shell:    shell,
		onOutput: opts.OnOutput,
		limit:    DefaultTranscriptLimit,
		done:     make(chan struct{}),
	}

	if opts.Record && s.recordings != nil {
		title := opts.Title
		if title == "" {
			title = s.profile.String()
		}
		rec, err := s.recordings.Start(c.id, opts.Cols, opts.Rows, title)
		if err != nil {
			slog.Warn("recording unavailable",
				slog.String("session", s.id),
				slog.String("error", err.Error()),
			)
		}
		c.recorder = rec
	}

	c.term = terminal.New(terminal.Options{
		Cols:       opts.Cols,
		Rows:       opts.Rows,
		Scrollback: opts.Scrollback,
		OnResize:   c.forwardResize,
		OnReply: func(b []byte) {
			if _, err := c.shell.Write(b); err != nil {
				slog.Debug("terminal reply dropped", slog.String("error", err.Error()))
			}
		},
	})

	s.mu.Lock()
	if s.status.State == StateTerminated {
		s.mu.Unlock()
		c.shutdown()
		return nil, s.invalidState("open console")
	}
	s.consoles[c.id] = c
	s.mu.Unlock()

	go c.pump()
	return c, nil
}

// ID returns the console ID, also used to name its recording.
func (c *Console) ID() string { return c.id }

// Terminal returns the screen model.
func (c *Console) Terminal() *terminal.Terminal { return c.term }

// RecordingPath returns the transcript file, or "" when not recording.
func (c *Console) RecordingPath() string { return c.recorder.Path() }

// Done is closed when the remote shell's output ends.
func (c *Console) Done() <-chan struct{} { return c.done }

// pump applies remote output to the terminal until the shell closes.
func (c *Console) pump() {
	defer close(c.done)
	buf := make([]byte, 32*1024)
	for {
		n, err := c.shell.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			c.term.Write(chunk)
			c.recorder.RecordOutput(chunk)
			c.appendTranscript(chunk)
			c.session.countIO(uint64(n), 0)
			if c.onOutput != nil {
				c.onOutput(chunk)
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.readErr = err
			}
			return
		}
	}
}

func (c *Console) appendTranscript(p []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transcript = append(c.transcript, p...)
	if over := len(c.transcript) - c.limit; over > 0 {
		c.transcript = append(c.transcript[:0], c.transcript[over:]...)
	}
}

// Write sends raw input to the remote shell.
func (c *Console) Write(p []byte) (int, error) {
	n, err := c.shell.Write(p)
	if n > 0 {
		c.recorder.RecordInput(p[:n])
		c.session.countIO(0, uint64(n))
	}
	return n, err
}

// WriteSecret sends input that must not appear in the recording.
func (c *Console) WriteSecret(p []byte) (int, error) {
	n, err := c.shell.Write(p)
	if n > 0 {
		c.recorder.RecordMaskedInput(n)
		c.session.countIO(0, uint64(n))
	}
	return n, err
}

// SendKey encodes a keystroke for the current terminal modes and sends it.
func (c *Console) SendKey(k terminal.Key) error {
	b := c.term.EncodeKey(k)
	if len(b) == 0 {
		return fmt.Errorf("key %v has no encoding", k.Code)
	}
	_, err := c.Write(b)
	return err
}

// Resize resizes the screen model; the remote pseudo terminal follows.
func (c *Console) Resize(cols, rows int) error {
	return c.term.Resize(cols, rows)
}

func (c *Console) forwardResize(cols, rows int) {
	if err := c.shell.Resize(cols, rows); err != nil {
		slog.Debug("window change failed",
			slog.String("console", c.id),
			slog.String("error", err.Error()),
		)
	}
	c.recorder.RecordResize(cols, rows)
}

// RawTranscript returns the recent remote output including escape sequences.
func (c *Console) RawTranscript() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.transcript...)
}

// Transcript returns the recent remote output as plain text.
func (c *Console) Transcript() string {
	return ansi.Strip(string(c.RawTranscript()))
}

// Wait blocks until the remote shell exits and its output is drained.
func (c *Console) Wait() error {
	err := c.shell.Wait()
	<-c.done
	if err == nil {
		err = c.readErr
	}
	return err
}

// Close ends the shell and stops recording.
func (c *Console) Close() error {
	err := c.shutdown()
	c.session.mu.Lock()
	delete(c.session.consoles, c.id)
	c.session.mu.Unlock()
	return err
}

func (c *Console) shutdown() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.shell.Close()
		if c.session.recordings != nil && c.recorder != nil {
			c.session.recordings.Stop(c.id)
		} else {
			c.recorder.Close()
		}
	})
	return err
}

// countIO adds console traffic to the session counters. Traffic wakes an
// idle session.
func (s *Session) countIO(in, out uint64) {
	s.mu.Lock()
	s.stats.BytesIn += in
	s.stats.BytesOut += out
	s.lastActivity = s.clock.Now()
	if s.status.State == StateIdle {
		s.setStatusLocked(Status{State: StateActive})
	}
	s.mu.Unlock()
}
