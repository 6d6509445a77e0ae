package recording

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io/fs"
	"strings"
	"testing"
	"time"

	"github.com/acolita/sshkit/internal/testing/fakes/fakeclock"
	"github.com/acolita/sshkit/internal/testing/fakes/fakefs"
)

var epoch = time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC)

func readCast(t *testing.T, fsys *fakefs.FS, path string) (Header, [][]any) {
	t.Helper()
	data, err := fsys.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}

	sc := bufio.NewScanner(bytes.NewReader(data))
	if !sc.Scan() {
		t.Fatal("empty recording")
	}
	var h Header
	if err := json.Unmarshal(sc.Bytes(), &h); err != nil {
		t.Fatalf("header: %v", err)
	}

	var events [][]any
	for sc.Scan() {
		var ev []any
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			t.Fatalf("event %q: %v", sc.Text(), err)
		}
		events = append(events, ev)
	}
	return h, events
}

func TestEventMarshalJSON(t *testing.T) {
	tests := []struct {
		event Event
		want  string
	}{
		{Event{Time: 1.5, Type: "o", Data: "hello"}, `[1.5,"o","hello"]`},
		{Event{Time: 0, Type: "i", Data: "ls\r"}, `[0,"i","ls\r"]`},
		{Event{Time: 2, Type: "o", Data: "\x1b[31mred"}, `[2,"o","\u001b[31mred"]`},
	}
	for _, tt := range tests {
		got, err := json.Marshal(tt.event)
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != tt.want {
			t.Errorf("Marshal = %s, want %s", got, tt.want)
		}
	}
}

func TestRecorder_WritesCast(t *testing.T) {
	fsys := fakefs.New()
	clock := fakeclock.New(epoch)

	r, err := NewRecorder(Options{Dir: "/rec", Name: "console-1", Cols: 120, Rows: 40, Title: "deploy@db"}, fsys, clock)
	if err != nil {
		t.Fatalf("NewRecorder() error = %v", err)
	}
	if r.Path() != "/rec/console-1_20250304_050607.cast" {
		t.Errorf("Path() = %q", r.Path())
	}

	r.RecordOutput([]byte("$ "))
	clock.Advance(1500 * time.Millisecond)
	r.RecordInput([]byte("ls\r"))
	r.RecordMaskedInput(4)
	r.RecordResize(100, 30)
	r.Mark("deploy")
	if r.Events() != 5 {
		t.Errorf("Events() = %d", r.Events())
	}
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}

	h, events := readCast(t, fsys, r.Path())
	if h.Version != 2 || h.Width != 120 || h.Height != 40 || h.Timestamp != epoch.Unix() {
		t.Errorf("header = %+v", h)
	}
	if h.Title != "deploy@db" || h.Env["TERM"] != "xterm-256color" {
		t.Errorf("header title/env = %q %v", h.Title, h.Env)
	}

	want := [][]any{
		{0.0, "o", "$ "},
		{1.5, "i", "ls\r"},
		{1.5, "i", "****"},
		{1.5, "r", "100x30"},
		{1.5, "m", "deploy"},
	}
	if len(events) != len(want) {
		t.Fatalf("events = %v", events)
	}
	for i := range want {
		for j := range want[i] {
			if events[i][j] != want[i][j] {
				t.Errorf("event %d = %v, want %v", i, events[i], want[i])
				break
			}
		}
	}
}

func TestRecorder_ClosedDropsEvents(t *testing.T) {
	fsys := fakefs.New()
	r, err := NewRecorder(Options{Dir: "/rec", Name: "c"}, fsys, fakeclock.New(epoch))
	if err != nil {
		t.Fatal(err)
	}
	r.Close()
	if err := r.RecordOutput([]byte("late")); err != nil {
		t.Errorf("recording after close should be a no-op, got %v", err)
	}
	if err := r.Close(); err != nil {
		t.Errorf("second Close() = %v", err)
	}
	if _, events := readCast(t, fsys, r.Path()); len(events) != 0 {
		t.Errorf("events = %v", events)
	}
}

func TestRecorder_NilDiscards(t *testing.T) {
	var r *Recorder
	if err := r.RecordOutput([]byte("x")); err != nil {
		t.Error(err)
	}
	if r.Path() != "" || r.Events() != 0 || r.Close() != nil {
		t.Error("nil recorder should be inert")
	}
}

func TestRecorder_RefusesOverwrite(t *testing.T) {
	fsys := fakefs.New()
	clock := fakeclock.New(epoch)
	if _, err := NewRecorder(Options{Dir: "/rec", Name: "c"}, fsys, clock); err != nil {
		t.Fatal(err)
	}
	_, err := NewRecorder(Options{Dir: "/rec", Name: "c"}, fsys, clock)
	if !errors.Is(err, fs.ErrExist) {
		t.Errorf("err = %v, want ErrExist", err)
	}
}

func TestManager(t *testing.T) {
	fsys := fakefs.New()
	clock := fakeclock.New(epoch)
	m := NewManager("/rec", true, fsys, clock)

	r, err := m.Start("a", 80, 24, "")
	if err != nil {
		t.Fatal(err)
	}
	r.RecordOutput([]byte("hi"))
	if m.Path("a") != r.Path() {
		t.Errorf("Path() = %q", m.Path("a"))
	}

	clock.Advance(time.Second)
	r2, err := m.Start("a", 80, 24, "")
	if err != nil {
		t.Fatal(err)
	}
	if err := r.RecordOutput([]byte("dropped")); err != nil {
		t.Fatal(err)
	}
	if r.Events() != 1 {
		t.Error("restarting should close the previous recorder")
	}

	if err := m.Stop("a"); err != nil {
		t.Fatal(err)
	}
	if m.Path("a") != "" {
		t.Error("stopped recorder should be forgotten")
	}
	if err := m.Stop("a"); err != nil {
		t.Errorf("stopping twice = %v", err)
	}

	m.Start("b", 80, 24, "")
	m.CloseAll()
	if m.Path("b") != "" {
		t.Error("CloseAll should forget every recorder")
	}

	if got := fsys.Files(); len(got) != 3 {
		t.Errorf("files = %v", got)
	}
	_ = r2
}

func TestManager_Disabled(t *testing.T) {
	fsys := fakefs.New()
	m := NewManager("/rec", false, fsys, fakeclock.New(epoch))

	r, err := m.Start("a", 80, 24, "")
	if err != nil || r != nil {
		t.Fatalf("Start() = %v, %v", r, err)
	}
	r.RecordOutput([]byte("ignored"))
	if len(fsys.Files()) != 0 || m.IsEnabled() {
		t.Error("disabled manager should not write files")
	}
	if strings.TrimSpace(m.Path("a")) != "" {
		t.Error("no path when disabled")
	}
}
