// Package session wraps one authenticated SSH connection: command execution,
// file transfer, an interactive console and port forwards, tracked by a
// small state machine.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/acolita/sshkit/internal/adapters/realclock"
	"github.com/acolita/sshkit/internal/adapters/realfs"
	"github.com/acolita/sshkit/internal/adapters/realrand"
	"github.com/acolita/sshkit/internal/failure"
	"github.com/acolita/sshkit/internal/ports"
	"github.com/acolita/sshkit/internal/profile"
	"github.com/acolita/sshkit/internal/recording"
	"github.com/acolita/sshkit/internal/security"
	"github.com/acolita/sshkit/internal/tunnel"
)

// Timing defaults.
const (
	DefaultIdleTimeout = 300 * time.Second
	DefaultIdleTick    = 30 * time.Second
)

// Statistics are cumulative counters of a session.
type Statistics struct {
	BytesIn          uint64        `json:"bytes_in"`
	BytesOut         uint64        `json:"bytes_out"`
	CommandsExecuted uint64        `json:"commands_executed"`
	Errors           uint64        `json:"errors"`
	ExecutionTime    time.Duration `json:"execution_time"`
}

// Session is one authenticated connection driven by a single caller at a
// time. All methods are safe for concurrent use.
type Session struct {
	id        string
	profile   profile.Profile
	transport ports.Transport
	createdAt time.Time

	clock          ports.Clock
	fs             ports.FileSystem
	random         ports.Random
	filter         *security.CommandFilter
	recordings     *recording.Manager
	tunnelOpts     []tunnel.Option
	idleTimeout    time.Duration
	idleTick       time.Duration
	commandTimeout time.Duration

	mu           sync.Mutex
	status       Status
	lastActivity time.Time
	stats        Statistics
	history      *history
	cancelExec   context.CancelCauseFunc
	tunnels      *tunnel.Manager
	consoles     map[string]*Console

	events   *broadcaster
	stopIdle chan struct{}
	idleDone chan struct{}
}

// Option configures a Session.
type Option func(*Session)

// WithClock sets the clock for timestamps, timeouts and the idle timer.
func WithClock(c ports.Clock) Option { return func(s *Session) { s.clock = c } }

// WithFileSystem sets the local filesystem used by transfers.
func WithFileSystem(fs ports.FileSystem) Option { return func(s *Session) { s.fs = fs } }

// WithRandom sets the entropy source for IDs.
func WithRandom(r ports.Random) Option { return func(s *Session) { s.random = r } }

// WithCommandFilter rejects commands the filter disallows.
func WithCommandFilter(f *security.CommandFilter) Option {
	return func(s *Session) { s.filter = f }
}

// WithRecordings records console transcripts through m.
func WithRecordings(m *recording.Manager) Option { return func(s *Session) { s.recordings = m } }

// WithTunnelOptions configures the tunnel manager created by Tunnels.
func WithTunnelOptions(opts ...tunnel.Option) Option {
	return func(s *Session) { s.tunnelOpts = append(s.tunnelOpts, opts...) }
}

// WithIdleTimeout sets how long an active session may go without activity
// before it becomes idle.
func WithIdleTimeout(d time.Duration) Option { return func(s *Session) { s.idleTimeout = d } }

// WithIdleTick sets how often the idle timer checks for inactivity.
func WithIdleTick(d time.Duration) Option { return func(s *Session) { s.idleTick = d } }

// WithHistorySize sets how many commands History remembers.
func WithHistorySize(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.history = newHistory(n)
		}
	}
}

// WithCommandTimeout sets the timeout of commands that specify none. Zero
// means commands run until they finish or are cancelled.
func WithCommandTimeout(d time.Duration) Option {
	return func(s *Session) { s.commandTimeout = d }
}

// New wraps an established transport. The session starts idle and owns the
// transport from now on.
func New(transport ports.Transport, p profile.Profile, opts ...Option) (*Session, error) {
	s := &Session{
		profile:     p,
		transport:   transport,
		clock:       realclock.New(),
		fs:          realfs.New(),
		random:      realrand.New(),
		idleTimeout: DefaultIdleTimeout,
		idleTick:    DefaultIdleTick,
		history:     newHistory(DefaultHistorySize),
		consoles:    make(map[string]*Console),
		events:      newBroadcaster(),
		stopIdle:    make(chan struct{}),
		idleDone:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	id, err := uuid.NewRandomFromReader(s.random)
	if err != nil {
		return nil, fmt.Errorf("generate session id: %w", err)
	}
	s.id = id.String()
	s.createdAt = s.clock.Now()
	s.lastActivity = s.createdAt
	s.status = Status{State: StateIdle}

	go s.idleLoop()

	slog.Debug("session created",
		slog.String("session", s.id),
		slog.String("profile", p.String()),
	)
	return s, nil
}

// ID returns the session ID.
func (s *Session) ID() string { return s.id }

// Profile returns the profile the connection was made for.
func (s *Session) Profile() profile.Profile { return s.profile }

// CreatedAt returns when the session was created.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Status returns the current state and its payload.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// State returns the current state.
func (s *Session) State() State {
	return s.Status().State
}

// LastActivity returns when the last operation started or finished.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Stats returns a snapshot of the counters.
func (s *Session) Stats() Statistics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// History returns the remembered commands, oldest first.
func (s *Session) History() []HistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.list()
}

// Subscribe returns a channel of events and a function ending the
// subscription. Events are dropped for a subscriber that falls more than
// buffer events behind. The channel is closed on Terminate.
func (s *Session) Subscribe(buffer int) (<-chan Event, func()) {
	return s.events.subscribe(buffer)
}

// DroppedEvents is the number of events slow subscribers missed.
func (s *Session) DroppedEvents() uint64 {
	return s.events.droppedCount()
}

// IsAlive reports whether the session is usable and its connection open.
func (s *Session) IsAlive() bool {
	if s.State() == StateTerminated {
		return false
	}
	return s.transport.Alive()
}

// Probe checks the connection with a protocol-level no-op. It does not
// count as activity.
func (s *Session) Probe(ctx context.Context) error {
	if s.State() == StateTerminated {
		return s.invalidState("probe")
	}
	return s.transport.Probe(ctx)
}

// Suspend parks the session. Execute and transfer are refused until Resume.
func (s *Session) Suspend() error {
	s.mu.Lock()
	if !s.status.canOperate() {
		st := s.status
		s.mu.Unlock()
		return s.stateError("suspend", st)
	}
	s.setStatusLocked(Status{State: StateSuspended})
	s.mu.Unlock()
	return nil
}

// Resume returns a suspended session to active.
func (s *Session) Resume() error {
	s.mu.Lock()
	if s.status.State != StateSuspended {
		st := s.status
		s.mu.Unlock()
		return s.stateError("resume", st)
	}
	s.lastActivity = s.clock.Now()
	s.setStatusLocked(Status{State: StateActive})
	s.mu.Unlock()
	return nil
}

// Terminate ends the session from any state: a running command is
// cancelled, consoles and tunnels are closed and the connection is torn
// down. Further calls are no-ops.
func (s *Session) Terminate() error {
	s.mu.Lock()
	if s.status.State == StateTerminated {
		s.mu.Unlock()
		return nil
	}
	if s.cancelExec != nil {
		s.cancelExec(errTerminated)
	}
	s.setStatusLocked(Status{State: StateTerminated})
	tunnels := s.tunnels
	consoles := make([]*Console, 0, len(s.consoles))
	for _, c := range s.consoles {
		consoles = append(consoles, c)
	}
	s.mu.Unlock()

	close(s.stopIdle)
	<-s.idleDone

	for _, c := range consoles {
		c.Close()
	}
	if tunnels != nil {
		tunnels.StopAll()
	}
	err := s.transport.Close()

	s.events.close()
	slog.Debug("session terminated", slog.String("session", s.id))
	return err
}

// setStatusLocked changes the status and publishes the transition.
func (s *Session) setStatusLocked(st Status) {
	if s.status == st {
		return
	}
	prev := s.status
	s.status = st
	slog.Debug("session state",
		slog.String("session", s.id),
		slog.String("from", prev.String()),
		slog.String("to", st.String()),
	)
	s.events.publish(Event{Kind: EventState, SessionID: s.id, Time: s.clock.Now(), Status: &st})
}

// beginLocked moves an operable session into a busy state.
func (s *Session) beginLocked(op string, busy Status) error {
	if !s.status.canOperate() {
		return s.stateError(op, s.status)
	}
	s.lastActivity = s.clock.Now()
	s.setStatusLocked(busy)
	return nil
}

// finishLocked records the outcome of an operation. A nil err returns the
// session to active.
func (s *Session) finishLocked(err error) {
	s.lastActivity = s.clock.Now()
	if s.status.State == StateTerminated {
		return
	}
	if err != nil {
		s.stats.Errors++
		s.setStatusLocked(Status{State: StateError, Detail: err.Error()})
	} else {
		s.setStatusLocked(Status{State: StateActive})
	}
	st := s.stats
	s.events.publish(Event{Kind: EventStats, SessionID: s.id, Time: s.clock.Now(), Stats: &st})
}

var errTerminated = errors.New("session terminated")

func (s *Session) stateError(op string, st Status) error {
	return failure.New(failure.InvalidState, op, fmt.Errorf("session is %s", st)).
		At(s.profile.Host, s.profile.Port)
}

func (s *Session) invalidState(op string) error {
	return s.stateError(op, s.Status())
}

// fail attaches the endpoint to err, keeping an existing classification.
// A failure without an endpoint is copied, never modified, since the caller
// may still hold it.
func (s *Session) fail(op string, err error) error {
	var fe *failure.Error
	if errors.As(err, &fe) {
		if fe.Host != "" {
			return err
		}
		if fe != err {
			return failure.New(fe.Kind, op, err).At(s.profile.Host, s.profile.Port)
		}
		cp := *fe
		return cp.At(s.profile.Host, s.profile.Port)
	}
	return failure.New(failure.Classify(err), op, err).At(s.profile.Host, s.profile.Port)
}

// idleLoop moves an active session to idle after idleTimeout without
// activity.
func (s *Session) idleLoop() {
	defer close(s.idleDone)
	ticker := s.clock.NewTicker(s.idleTick)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopIdle:
			return
		case <-ticker.C():
			s.mu.Lock()
			if s.status.State == StateActive && s.clock.Now().Sub(s.lastActivity) >= s.idleTimeout {
				s.setStatusLocked(Status{State: StateIdle})
			}
			s.mu.Unlock()
		}
	}
}
