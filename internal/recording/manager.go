package recording

import (
	"log/slog"
	"sync"

	"github.com/acolita/sshkit/internal/ports"
)

// Manager owns the recorders of every open console so they can be closed
// together on shutdown.
type Manager struct {
	mu        sync.Mutex
	recorders map[string]*Recorder
	dir       string
	enabled   bool
	fs        ports.FileSystem
	clock     ports.Clock
}

// NewManager creates a recording manager writing under dir.
func NewManager(dir string, enabled bool, fs ports.FileSystem, clock ports.Clock) *Manager {
	return &Manager{
		recorders: make(map[string]*Recorder),
		dir:       dir,
		enabled:   enabled,
		fs:        fs,
		clock:     clock,
	}
}

// Start begins recording for id, replacing any earlier recorder with that
// id. When recording is disabled it returns a nil *Recorder, which
// discards events.
func (m *Manager) Start(id string, cols, rows int, title string) (*Recorder, error) {
	if !m.enabled {
		return nil, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.recorders[id]; ok {
		existing.Close()
	}

	r, err := NewRecorder(Options{Dir: m.dir, Name: id, Cols: cols, Rows: rows, Title: title}, m.fs, m.clock)
	if err != nil {
		return nil, err
	}
	m.recorders[id] = r
	slog.Debug("recording started", slog.String("id", id), slog.String("path", r.Path()))
	return r, nil
}

// Stop closes the recorder for id.
func (m *Manager) Stop(id string) error {
	m.mu.Lock()
	r, ok := m.recorders[id]
	delete(m.recorders, id)
	m.mu.Unlock()

	if !ok {
		return nil
	}
	return r.Close()
}

// Path returns the recording file of id, or "".
func (m *Manager) Path(id string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recorders[id].Path()
}

// CloseAll closes every recorder.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, r := range m.recorders {
		r.Close()
		delete(m.recorders, id)
	}
}

// IsEnabled reports whether recording is on.
func (m *Manager) IsEnabled() bool {
	return m.enabled
}
