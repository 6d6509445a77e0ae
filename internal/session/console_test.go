package session

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/acolita/sshkit/internal/failure"
	"github.com/acolita/sshkit/internal/ports"
	"github.com/acolita/sshkit/internal/recording"
	"github.com/acolita/sshkit/internal/terminal"
	"github.com/acolita/sshkit/internal/testing/fakes/fakeclock"
	"github.com/acolita/sshkit/internal/testing/fakes/fakefs"
	"github.com/acolita/sshkit/internal/testing/fakes/faketransport"
)

// withShell makes the transport hand out sh and remember the request.
func withShell(tr *faketransport.Transport, sh *faketransport.Shell) *ports.ShellRequest {
	var got ports.ShellRequest
	tr.ShellFunc = func(_ context.Context, req ports.ShellRequest) (ports.Shell, error) {
		got = req
		return sh, nil
	}
	return &got
}

func newRecordingHarness(t *testing.T, enabled bool) *harness {
	t.Helper()
	fs := fakefs.New()
	clock := fakeclock.New(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	h := newHarness(t, WithClock(clock), WithFileSystem(fs),
		WithRecordings(recording.NewManager("/rec", enabled, fs, clock)))
	h.clock, h.fs = clock, fs
	return h
}

func TestOpenConsole_RendersOutput(t *testing.T) {
	h := newHarness(t)
	sh := faketransport.NewShell()
	req := withShell(h.tr, sh)

	c, err := h.sess.OpenConsole(context.Background(), ConsoleOptions{Term: "xterm", Cols: 40, Rows: 10})
	if err != nil {
		t.Fatalf("OpenConsole() error = %v", err)
	}
	if req.Cols != 40 || req.Rows != 10 || req.Term != "xterm" {
		t.Errorf("shell request = %+v", *req)
	}
	if h.sess.State() != StateActive {
		t.Errorf("State() = %v, want active", h.sess.State())
	}

	if err := sh.Emit([]byte("hello \x1b[1mworld\x1b[0m\r\n$ ")); err != nil {
		t.Fatal(err)
	}
	eventually(t, "screen to show output", func() bool {
		return c.Terminal().Snapshot()[0] == "hello world"
	})

	if got := c.Transcript(); !strings.Contains(got, "hello world") || strings.Contains(got, "\x1b") {
		t.Errorf("Transcript() = %q", got)
	}
	if !bytes.Contains(c.RawTranscript(), []byte("\x1b[1m")) {
		t.Errorf("RawTranscript() lost escape sequences: %q", c.RawTranscript())
	}
	if got := h.sess.Stats().BytesIn; got == 0 {
		t.Error("console output not counted")
	}
}

func TestOpenConsole_Defaults(t *testing.T) {
	h := newHarness(t)
	req := withShell(h.tr, faketransport.NewShell())

	c, err := h.sess.OpenConsole(context.Background(), ConsoleOptions{})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if req.Cols != terminal.DefaultCols || req.Rows != terminal.DefaultRows {
		t.Errorf("shell request = %+v", *req)
	}
	if c.RecordingPath() != "" {
		t.Errorf("RecordingPath() = %q without recording", c.RecordingPath())
	}
}

func TestOpenConsole_ShellFailure(t *testing.T) {
	h := newHarness(t)
	h.tr.ShellFunc = func(context.Context, ports.ShellRequest) (ports.Shell, error) {
		return nil, failure.New(failure.ConnectionLost, "open shell", errors.New("denied"))
	}

	_, err := h.sess.OpenConsole(context.Background(), ConsoleOptions{})
	var fe *failure.Error
	if !errors.As(err, &fe) || fe.Kind != failure.ConnectionLost || fe.Host != "db.internal" {
		t.Errorf("error = %v", err)
	}
}

func TestConsole_InputAndKeys(t *testing.T) {
	h := newHarness(t)
	sh := faketransport.NewShell()
	withShell(h.tr, sh)

	c, err := h.sess.OpenConsole(context.Background(), ConsoleOptions{})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := c.Write([]byte("ls\r")); err != nil {
		t.Fatal(err)
	}
	if err := c.SendKey(terminal.Key{Code: terminal.KeyUp}); err != nil {
		t.Fatal(err)
	}
	if err := c.SendKey(terminal.Key{Rune: 'c', Mod: terminal.ModCtrl}); err != nil {
		t.Fatal(err)
	}

	if got := string(sh.Input()); got != "ls\r\x1b[A\x03" {
		t.Errorf("Input() = %q", got)
	}
	if got := h.sess.Stats().BytesOut; got != 7 {
		t.Errorf("BytesOut = %d", got)
	}
}

func TestConsole_TrafficWakesIdleSession(t *testing.T) {
	h := newHarness(t)
	h.clock.BlockUntil(1)
	sh := faketransport.NewShell()
	withShell(h.tr, sh)

	c, err := h.sess.OpenConsole(context.Background(), ConsoleOptions{})
	if err != nil {
		t.Fatal(err)
	}
	eventually(t, "session to go idle", func() bool {
		h.clock.Advance(DefaultIdleTick)
		return h.sess.State() == StateIdle
	})

	if _, err := c.Write([]byte("ls\r")); err != nil {
		t.Fatal(err)
	}
	if h.sess.State() != StateActive {
		t.Errorf("State() = %v after console input, want active", h.sess.State())
	}
}

func TestConsole_ResizeFollowsRemote(t *testing.T) {
	h := newHarness(t)
	sh := faketransport.NewShell()
	withShell(h.tr, sh)

	c, err := h.sess.OpenConsole(context.Background(), ConsoleOptions{Cols: 80, Rows: 24})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Resize(120, 40); err != nil {
		t.Fatal(err)
	}

	got := sh.Resizes()
	if len(got) != 1 || got[0] != (faketransport.Size{Cols: 120, Rows: 40}) {
		t.Errorf("Resizes() = %+v", got)
	}
	if cols, rows := c.Terminal().Size(); cols != 120 || rows != 40 {
		t.Errorf("screen size = %dx%d", cols, rows)
	}
}

func TestConsole_AnswersDeviceStatus(t *testing.T) {
	h := newHarness(t)
	sh := faketransport.NewShell()
	withShell(h.tr, sh)

	c, err := h.sess.OpenConsole(context.Background(), ConsoleOptions{})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	sh.Emit([]byte("\x1b[6n"))
	eventually(t, "cursor position report", func() bool {
		return bytes.Contains(sh.Input(), []byte("\x1b[1;1R"))
	})
}

func TestConsole_ExitAndWait(t *testing.T) {
	h := newHarness(t)
	sh := faketransport.NewShell()
	withShell(h.tr, sh)

	c, err := h.sess.OpenConsole(context.Background(), ConsoleOptions{})
	if err != nil {
		t.Fatal(err)
	}

	go func() {
		sh.Emit([]byte("logout\r\n"))
		sh.Exit()
	}()
	if err := c.Wait(); err != nil {
		t.Errorf("Wait() = %v", err)
	}
	select {
	case <-c.Done():
	default:
		t.Error("Done() not closed after Wait")
	}
	if !strings.Contains(c.Transcript(), "logout") {
		t.Errorf("Transcript() = %q", c.Transcript())
	}
}

func TestConsole_Recording(t *testing.T) {
	h := newRecordingHarness(t, true)
	sh := faketransport.NewShell()
	withShell(h.tr, sh)

	c, err := h.sess.OpenConsole(context.Background(), ConsoleOptions{Record: true, Cols: 80, Rows: 24})
	if err != nil {
		t.Fatal(err)
	}
	path := c.RecordingPath()
	if !strings.HasPrefix(path, "/rec/"+c.ID()) || !strings.HasSuffix(path, ".cast") {
		t.Fatalf("RecordingPath() = %q", path)
	}

	sh.Emit([]byte("Password: "))
	eventually(t, "prompt to be recorded", func() bool {
		return strings.Contains(c.Transcript(), "Password")
	})
	c.WriteSecret([]byte("hunter2\r"))
	c.Write([]byte("whoami\r"))
	c.Resize(100, 30)
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := h.fs.ReadFile(path)
	if err != nil {
		t.Fatalf("recording not written: %v", err)
	}
	cast := string(data)
	for _, want := range []string{`"version":2`, `"title":"deploy@db.internal:22"`, `Password: `, `whoami`, `"r","100x30"`} {
		if !strings.Contains(cast, want) {
			t.Errorf("recording missing %s:\n%s", want, cast)
		}
	}
	if strings.Contains(cast, "hunter2") {
		t.Error("secret input leaked into the recording")
	}
}

func TestConsole_RecordingDisabled(t *testing.T) {
	h := newRecordingHarness(t, false)
	withShell(h.tr, faketransport.NewShell())

	c, err := h.sess.OpenConsole(context.Background(), ConsoleOptions{Record: true})
	if err != nil {
		t.Fatal(err)
	}
	c.Write([]byte("ls\r"))
	c.Close()

	if files := h.fs.Files(); len(files) != 0 {
		t.Errorf("files written = %v", files)
	}
}

func TestConsole_TranscriptBounded(t *testing.T) {
	c := &Console{limit: 8}
	c.appendTranscript([]byte("0123456"))
	c.appendTranscript([]byte("789abc"))

	if got := string(c.RawTranscript()); got != "56789abc" {
		t.Errorf("RawTranscript() = %q", got)
	}
}

func TestTerminate_ClosesConsoles(t *testing.T) {
	h := newHarness(t)
	sh := faketransport.NewShell()
	withShell(h.tr, sh)

	c, err := h.sess.OpenConsole(context.Background(), ConsoleOptions{})
	if err != nil {
		t.Fatal(err)
	}
	h.sess.Terminate()

	<-c.Done()
	if _, err := c.Write([]byte("x")); err == nil {
		t.Error("write to a closed console succeeded")
	}
	if _, err := h.sess.OpenConsole(context.Background(), ConsoleOptions{}); !errors.Is(err, failure.InvalidState) {
		t.Errorf("OpenConsole after terminate = %v", err)
	}
}
