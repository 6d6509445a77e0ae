// Package pool hands out sessions over a bounded set of SSH connections,
// recycling released ones through a validated idle set.
package pool

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/acolita/sshkit/internal/adapters/realclock"
	"github.com/acolita/sshkit/internal/adapters/realrand"
	"github.com/acolita/sshkit/internal/failure"
	"github.com/acolita/sshkit/internal/ports"
	"github.com/acolita/sshkit/internal/profile"
	"github.com/acolita/sshkit/internal/session"
)

// maxRecentErrors bounds the error list reported by HealthStatus.
const maxRecentErrors = 10

// Factory establishes authenticated connections.
type Factory interface {
	Connect(ctx context.Context, p profile.Profile) (ports.Transport, error)
}

var (
	errWaitTimeout = errors.New("wait for a free connection slot timed out")
	errPoolClosed  = errors.New("pool is shut down")
)

// Pool bounds the number of checked-out sessions and keeps released ones
// for reuse. It is safe for concurrent use.
type Pool struct {
	cfg          Config
	factory      Factory
	clock        ports.Clock
	random       ports.Random
	sessionOpts  []session.Option
	warmProfiles []profile.Profile

	sem *semaphore.Weighted

	mu        sync.Mutex
	conns     map[string]*PooledConnection
	bySession map[*session.Session]*PooledConnection
	// idle is ordered from least to most recently used.
	idle      []*PooledConnection
	usage     map[profile.Profile]int
	held      int
	pending   int
	stats     Statistics
	healthy   bool
	errs      []string
	attempts  uint64
	connected uint64
	connTime  time.Duration
	closed    bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Pool.
type Option func(*Pool)

// WithClock sets the clock driving timestamps and background work.
func WithClock(c ports.Clock) Option { return func(p *Pool) { p.clock = c } }

// WithRandom sets the entropy source for connection and session IDs.
func WithRandom(r ports.Random) Option { return func(p *Pool) { p.random = r } }

// WithSessionOptions configures every session the pool creates.
func WithSessionOptions(opts ...session.Option) Option {
	return func(p *Pool) { p.sessionOpts = append(p.sessionOpts, opts...) }
}

// WithWarmProfiles adds profiles WarmUp connects to even before they have
// been acquired.
func WithWarmProfiles(profiles ...profile.Profile) Option {
	return func(p *Pool) { p.warmProfiles = append(p.warmProfiles, profiles...) }
}

// New creates a pool and starts its background tasks.
func New(cfg Config, factory Factory, opts ...Option) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pool config: %w", err)
	}
	p := &Pool{
		cfg:       cfg,
		factory:   factory,
		clock:     realclock.New(),
		random:    realrand.New(),
		sem:       semaphore.NewWeighted(int64(cfg.MaxConnections)),
		conns:     make(map[string]*PooledConnection),
		bySession: make(map[*session.Session]*PooledConnection),
		usage:     make(map[profile.Profile]int),
		healthy:   true,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())

	p.wg.Add(1)
	go p.sweepLoop()
	if cfg.EnableHealthChecks {
		p.wg.Add(1)
		go p.healthLoop()
	}
	return p, nil
}

// Acquire returns a session for prof, reusing the most recently used idle
// connection that still validates or creating a new one. It waits up to
// timeout for a free slot; zero uses the connection timeout.
func (p *Pool) Acquire(ctx context.Context, prof profile.Profile, timeout time.Duration) (*session.Session, error) {
	prof = prof.WithDefaults()
	if timeout <= 0 {
		timeout = p.cfg.ConnectionTimeout
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, failure.New(failure.PoolClosed, "acquire", errPoolClosed).At(prof.Host, prof.Port)
	}
	p.usage[prof]++
	p.mu.Unlock()

	if err := p.acquirePermit(ctx, prof, timeout); err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.pending++
	p.mu.Unlock()

	if sess := p.reuse(ctx, prof); sess != nil {
		return sess, nil
	}

	pc, err := p.create(ctx, prof, true)
	if err != nil {
		p.mu.Lock()
		p.pending--
		p.mu.Unlock()
		p.sem.Release(1)
		return nil, err
	}
	return pc.session, nil
}

// acquirePermit takes one capacity permit, waiting up to timeout on the
// pool clock.
func (p *Pool) acquirePermit(ctx context.Context, prof profile.Profile, timeout time.Duration) error {
	if p.sem.TryAcquire(1) {
		return nil
	}

	waitCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stop := context.AfterFunc(p.ctx, func() { cancel(errPoolClosed) })
	defer stop()
	go func() {
		select {
		case <-p.clock.After(timeout):
			cancel(errWaitTimeout)
		case <-waitCtx.Done():
		}
	}()

	slog.Debug("waiting for a connection slot",
		slog.String("profile", prof.String()),
		slog.Duration("timeout", timeout),
	)
	if err := p.sem.Acquire(waitCtx, 1); err != nil {
		switch cause := context.Cause(waitCtx); {
		case errors.Is(cause, errWaitTimeout):
			return failure.New(failure.PoolTimeout, "acquire",
				fmt.Errorf("all %d connections busy for %s", p.cfg.MaxConnections, timeout)).At(prof.Host, prof.Port)
		case errors.Is(cause, errPoolClosed):
			return failure.New(failure.PoolClosed, "acquire", errPoolClosed).At(prof.Host, prof.Port)
		default:
			return failure.New(failure.Classify(err), "acquire", err).At(prof.Host, prof.Port)
		}
	}
	return nil
}

// reuse checks out the most recently used idle connection for prof that
// validates. Invalid candidates are discarded. The caller holds a permit
// counted in pending.
func (p *Pool) reuse(ctx context.Context, prof profile.Profile) *session.Session {
	for {
		p.mu.Lock()
		pc := p.takeIdleLocked(prof)
		if pc == nil {
			p.mu.Unlock()
			return nil
		}
		valid := p.isValidLocked(pc)
		p.mu.Unlock()

		if valid {
			if err := p.probe(ctx, pc); err != nil {
				valid = false
				p.recordError(fmt.Sprintf("%s: probe before reuse: %v", prof, err))
			}
		}

		p.mu.Lock()
		if _, live := p.conns[pc.id]; !live {
			// drained while probing
			p.mu.Unlock()
			continue
		}
		if !valid || p.closed {
			victim := p.discardLocked(pc)
			p.mu.Unlock()
			p.closeConns(victim...)
			continue
		}
		now := p.clock.Now()
		pc.state = StateActive
		pc.held = true
		pc.useCount++
		pc.lastUsedAt = now
		p.pending--
		p.held++
		p.stats.ReuseCount++
		p.mu.Unlock()

		slog.Debug("reusing pooled connection",
			slog.String("id", pc.id),
			slog.String("profile", prof.String()),
			slog.Int("use_count", pc.useCount),
		)
		return pc.session
	}
}

// takeIdleLocked removes and returns the most recently used idle connection
// for prof. It is marked closing until the caller decides its fate.
func (p *Pool) takeIdleLocked(prof profile.Profile) *PooledConnection {
	for i := len(p.idle) - 1; i >= 0; i-- {
		if pc := p.idle[i]; pc.profile == prof {
			p.idle = slices.Delete(p.idle, i, i+1)
			pc.state = StateClosing
			return pc
		}
	}
	return nil
}

// create connects a new session. checkout registers it as active under the
// permit the caller holds; otherwise it joins the idle set. Room is made by
// evicting the least recently used idle entry when the pool is full.
func (p *Pool) create(ctx context.Context, prof profile.Profile, checkout bool) (*PooledConnection, error) {
	p.mu.Lock()
	var victims []*PooledConnection
	limit := len(p.conns) + p.pending
	if !checkout {
		limit++
	}
	for limit > p.cfg.MaxConnections && len(p.idle) > 0 {
		victims = append(victims, p.evictOldestLocked()...)
		limit--
	}
	p.attempts++
	p.mu.Unlock()
	p.closeConns(victims...)

	connectCtx, cancel := context.WithTimeout(ctx, p.cfg.ConnectBudget())
	defer cancel()

	start := p.clock.Now()
	transport, err := p.factory.Connect(connectCtx, prof)
	elapsed := p.clock.Now().Sub(start)
	if err != nil {
		err = failure.Wrap("acquire", err)
		p.mu.Lock()
		p.stats.FailedCreates++
		p.mu.Unlock()
		p.recordError(fmt.Sprintf("%s: %v", prof, err))
		slog.Warn("pooled connection failed",
			slog.String("profile", prof.String()),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	opts := append([]session.Option{session.WithClock(p.clock), session.WithRandom(p.random)}, p.sessionOpts...)
	sess, err := session.New(transport, prof, opts...)
	if err != nil {
		transport.Close()
		return nil, err
	}
	id, err := uuid.NewRandomFromReader(p.random)
	if err != nil {
		sess.Terminate()
		return nil, fmt.Errorf("generate connection id: %w", err)
	}

	now := p.clock.Now()
	pc := &PooledConnection{
		id:         id.String(),
		profile:    prof,
		session:    sess,
		createdAt:  now,
		lastUsedAt: now,
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		sess.Terminate()
		return nil, failure.New(failure.PoolClosed, "acquire", errPoolClosed).At(prof.Host, prof.Port)
	}
	p.connected++
	p.connTime += elapsed
	p.stats.TotalCreated++
	p.conns[pc.id] = pc
	p.bySession[sess] = pc
	if checkout {
		pc.state = StateActive
		pc.held = true
		pc.useCount = 1
		p.pending--
		p.held++
	} else {
		pc.state = StateIdle
		p.idle = append(p.idle, pc)
	}
	total := len(p.conns)
	p.mu.Unlock()

	slog.Debug("created pooled connection",
		slog.String("id", pc.id),
		slog.String("profile", prof.String()),
		slog.Duration("elapsed", elapsed),
		slog.Int("pool_size", total),
	)
	return pc, nil
}

// Release returns a checked-out session. A session that still validates
// joins the idle set; one that does not is closed. The capacity slot is
// freed either way, and releasing twice is a no-op.
func (p *Pool) Release(sess *session.Session) {
	p.mu.Lock()
	pc, ok := p.bySession[sess]
	if !ok || pc.state != StateActive {
		p.mu.Unlock()
		if !ok {
			slog.Debug("release of unknown session", slog.String("session", sess.ID()))
		}
		return
	}
	valid := p.isValidLocked(pc)
	pc.state = StateClosing
	p.mu.Unlock()

	if valid {
		ctx, cancel := context.WithTimeout(p.ctx, p.cfg.ConnectionTimeout)
		if err := p.probe(ctx, pc); err != nil {
			valid = false
			p.recordError(fmt.Sprintf("%s: probe on release: %v", pc.profile, err))
		}
		cancel()
	}

	p.mu.Lock()
	p.freePermitLocked(pc)
	var victims []*PooledConnection
	_, live := p.conns[pc.id]
	switch {
	case !live:
	case !valid || p.closed:
		victims = p.discardLocked(pc)
	default:
		pc.state = StateIdle
		pc.lastUsedAt = p.clock.Now()
		p.idle = append(p.idle, pc)
		for len(p.idle) > p.cfg.MaxIdleConnections {
			victims = append(victims, p.evictOldestLocked()...)
		}
	}
	p.mu.Unlock()

	if !valid {
		slog.Debug("discarded released connection",
			slog.String("id", pc.id),
			slog.String("profile", pc.profile.String()),
		)
	}
	p.closeConns(victims...)
}

// Close discards a checked-out session regardless of its health and frees
// its capacity slot.
func (p *Pool) Close(sess *session.Session) {
	p.mu.Lock()
	pc, ok := p.bySession[sess]
	if !ok {
		p.mu.Unlock()
		sess.Terminate()
		return
	}
	p.freePermitLocked(pc)
	victims := p.discardLocked(pc)
	p.mu.Unlock()
	p.closeConns(victims...)
}

// freePermitLocked returns the permit pc holds, at most once.
func (p *Pool) freePermitLocked(pc *PooledConnection) {
	if !pc.held {
		return
	}
	pc.held = false
	p.held--
	p.sem.Release(1)
}

// discardLocked unregisters pc. The returned connections must be passed to
// closeConns once the lock is released.
func (p *Pool) discardLocked(pc *PooledConnection) []*PooledConnection {
	if _, ok := p.conns[pc.id]; !ok {
		return nil
	}
	delete(p.conns, pc.id)
	delete(p.bySession, pc.session)
	if i := slices.Index(p.idle, pc); i >= 0 {
		p.idle = slices.Delete(p.idle, i, i+1)
	}
	pc.state = StateClosing
	p.stats.TotalClosed++
	return []*PooledConnection{pc}
}

// evictOldestLocked discards the least recently used idle connection.
func (p *Pool) evictOldestLocked() []*PooledConnection {
	if len(p.idle) == 0 {
		return nil
	}
	pc := p.idle[0]
	p.stats.Evictions++
	slog.Debug("evicting idle connection",
		slog.String("id", pc.id),
		slog.String("profile", pc.profile.String()),
	)
	return p.discardLocked(pc)
}

// closeConns terminates discarded connections.
func (p *Pool) closeConns(conns ...*PooledConnection) {
	for _, pc := range conns {
		if err := pc.session.Terminate(); err != nil {
			slog.Debug("close pooled connection",
				slog.String("id", pc.id),
				slog.String("error", err.Error()),
			)
		}
		p.mu.Lock()
		pc.state = StateClosed
		p.mu.Unlock()
	}
}

// IsValid reports whether the connection with the given ID may be reused:
// its transport is alive, it has failed fewer than MaxHealthFailures
// consecutive health checks and, when idle, it is within the idle timeout.
func (p *Pool) IsValid(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	pc, ok := p.conns[id]
	return ok && p.isValidLocked(pc)
}

func (p *Pool) isValidLocked(pc *PooledConnection) bool {
	if !pc.session.IsAlive() {
		return false
	}
	if pc.failures >= p.cfg.MaxHealthFailures {
		return false
	}
	if pc.state != StateActive && p.clock.Now().Sub(pc.lastUsedAt) > p.cfg.IdleTimeout {
		return false
	}
	return true
}

func (p *Pool) probe(ctx context.Context, pc *PooledConnection) error {
	return pc.session.Probe(ctx)
}

// ConnectionOf returns the pooled connection behind a checked-out session.
func (p *Pool) ConnectionOf(sess *session.Session) (ConnectionInfo, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pc, ok := p.bySession[sess]
	if !ok {
		return ConnectionInfo{}, false
	}
	return pc.info(), true
}

// Connections returns a snapshot of every live connection, oldest first.
func (p *Pool) Connections() []ConnectionInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ConnectionInfo, 0, len(p.conns))
	for _, pc := range p.conns {
		out = append(out, pc.info())
	}
	slices.SortFunc(out, func(a, b ConnectionInfo) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// AvailablePermits is the number of sessions that can be checked out
// without waiting.
func (p *Pool) AvailablePermits() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg.MaxConnections - p.held - p.pending
}

// Statistics returns a snapshot of the pool counters.
func (p *Pool) Statistics() Statistics {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.stats
	st.Idle = len(p.idle)
	st.Active = len(p.conns) - len(p.idle)
	return st
}

// Drain closes every connection, checked out or idle, and returns all
// capacity. The pool remains usable.
func (p *Pool) Drain() {
	p.mu.Lock()
	var victims []*PooledConnection
	for _, pc := range p.conns {
		p.freePermitLocked(pc)
		victims = append(victims, p.discardLocked(pc)...)
	}
	p.idle = nil
	p.mu.Unlock()

	p.closeConns(victims...)
	if len(victims) > 0 {
		slog.Info("drained connection pool", slog.Int("closed", len(victims)))
	}
}

// Shutdown stops background work and closes every connection. Later
// acquires fail with PoolClosed.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
	p.Drain()
	slog.Debug("connection pool shut down")
}

// recordError remembers err for HealthStatus.
func (p *Pool) recordError(msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errs = append(p.errs, msg)
	if over := len(p.errs) - maxRecentErrors; over > 0 {
		p.errs = slices.Delete(p.errs, 0, over)
	}
}
