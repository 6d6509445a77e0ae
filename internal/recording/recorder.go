// Package recording writes console transcripts in asciicast v2 format.
package recording

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/acolita/sshkit/internal/ports"
)

// Event types.
const (
	EventOutput = "o"
	EventInput  = "i"
	EventResize = "r"
	EventMarker = "m"
)

// Recorder records terminal I/O in asciicast v2 format. A nil *Recorder
// discards everything, so callers need not check whether recording is on.
// See: https://docs.asciinema.org/manual/asciicast/v2/
type Recorder struct {
	mu        sync.Mutex
	file      ports.FileHandle
	path      string
	startTime time.Time
	closed    bool
	clock     ports.Clock
	events    int
}

// Header is the asciicast v2 header.
type Header struct {
	Version   int               `json:"version"`
	Width     int               `json:"width"`
	Height    int               `json:"height"`
	Timestamp int64             `json:"timestamp"`
	Title     string            `json:"title,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
}

// Event is an asciicast v2 event [time, type, data].
type Event struct {
	Time float64 `json:"-"`
	Type string  `json:"-"`
	Data string  `json:"-"`
}

// MarshalJSON implements custom JSON marshaling for Event.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{e.Time, e.Type, e.Data})
}

// Options describe a new recording.
type Options struct {
	Dir   string
	Name  string // file name prefix, usually the console ID
	Cols  int
	Rows  int
	Title string
	Term  string
}

// NewRecorder creates Dir/<Name>_<timestamp>.cast and writes the header.
func NewRecorder(opts Options, fs ports.FileSystem, clock ports.Clock) (*Recorder, error) {
	if err := fs.MkdirAll(opts.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("create recording directory: %w", err)
	}

	now := clock.Now()
	filename := fmt.Sprintf("%s_%s.cast", opts.Name, now.Format("20060102_150405"))
	fullPath := filepath.Join(opts.Dir, filename)

	file, err := fs.OpenFile(fullPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create recording file: %w", err)
	}

	r := &Recorder{
		file:      file,
		path:      fullPath,
		startTime: now,
		clock:     clock,
	}

	term := opts.Term
	if term == "" {
		term = "xterm-256color"
	}
	header := Header{
		Version:   2,
		Width:     opts.Cols,
		Height:    opts.Rows,
		Timestamp: now.Unix(),
		Title:     opts.Title,
		Env:       map[string]string{"TERM": term},
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("marshal header: %w", err)
	}
	if _, err := file.Write(append(headerJSON, '\n')); err != nil {
		file.Close()
		return nil, fmt.Errorf("write header: %w", err)
	}

	return r, nil
}

// RecordOutput records data sent by the remote side.
func (r *Recorder) RecordOutput(data []byte) error {
	return r.record(EventOutput, string(data))
}

// RecordInput records keystrokes sent to the remote side. Use
// RecordMaskedInput for secrets.
func (r *Recorder) RecordInput(data []byte) error {
	return r.record(EventInput, string(data))
}

// RecordMaskedInput records n asterisks in place of secret input.
func (r *Recorder) RecordMaskedInput(n int) error {
	return r.record(EventInput, strings.Repeat("*", n))
}

// RecordResize records a terminal size change.
func (r *Recorder) RecordResize(cols, rows int) error {
	return r.record(EventResize, fmt.Sprintf("%dx%d", cols, rows))
}

// Mark adds a labelled marker.
func (r *Recorder) Mark(label string) error {
	return r.record(EventMarker, label)
}

func (r *Recorder) record(eventType, data string) error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}

	event := Event{
		Time: r.clock.Now().Sub(r.startTime).Seconds(),
		Type: eventType,
		Data: data,
	}
	eventJSON, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := r.file.Write(append(eventJSON, '\n')); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	r.events++
	return nil
}

// Events is the number of events written after the header.
func (r *Recorder) Events() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events
}

// Close closes the recording file. Later events are dropped.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	return r.file.Close()
}

// Path returns the path of the recording file.
func (r *Recorder) Path() string {
	if r == nil {
		return ""
	}
	return r.path
}
