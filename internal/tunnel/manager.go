package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/acolita/sshkit/internal/adapters/realclock"
	"github.com/acolita/sshkit/internal/adapters/realnet"
	"github.com/acolita/sshkit/internal/adapters/realrand"
	"github.com/acolita/sshkit/internal/failure"
	"github.com/acolita/sshkit/internal/ports"
)

// DefaultHandshakeTimeout bounds a SOCKS5 negotiation.
const DefaultHandshakeTimeout = 10 * time.Second

// ErrNotFound is returned for an unknown tunnel ID.
var ErrNotFound = errors.New("tunnel not found")

// ChannelOpener is the part of an SSH connection tunnels need.
// ports.Transport satisfies it.
type ChannelOpener interface {
	Dial(network, addr string) (net.Conn, error)
	Listen(network, addr string) (net.Listener, error)
}

// LocalSpec describes a local forward.
type LocalSpec struct {
	BindAddress string
	LocalPort   int
	RemoteHost  string
	RemotePort  int
}

// RemoteSpec describes a remote forward.
type RemoteSpec struct {
	RemoteBindAddress string
	RemotePort        int
	LocalHost         string
	LocalPort         int
}

// DynamicSpec describes a SOCKS5 forward.
type DynamicSpec struct {
	BindAddress string
	LocalPort   int
}

// Manager owns the tunnels of one SSH connection. Every tunnel is
// independently stoppable.
type Manager struct {
	opener           ChannelOpener
	listener         ports.NetworkListener
	dialer           ports.NetworkDialer
	clock            ports.Clock
	random           ports.Random
	handshakeTimeout time.Duration
	observer         func(Info)

	mu      sync.Mutex
	tunnels map[string]*tunnel
	order   []string

	global counters
}

// Option configures a Manager.
type Option func(*Manager)

// WithNetworkListener sets how local listeners are bound.
func WithNetworkListener(l ports.NetworkListener) Option { return func(m *Manager) { m.listener = l } }

// WithNetworkDialer sets how remote forwards reach local targets.
func WithNetworkDialer(d ports.NetworkDialer) Option { return func(m *Manager) { m.dialer = d } }

// WithClock sets the clock used for timestamps.
func WithClock(c ports.Clock) Option { return func(m *Manager) { m.clock = c } }

// WithRandom sets the entropy source for tunnel IDs.
func WithRandom(r ports.Random) Option { return func(m *Manager) { m.random = r } }

// WithHandshakeTimeout bounds each SOCKS5 negotiation.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(m *Manager) { m.handshakeTimeout = d }
}

// WithObserver receives a snapshot on every status change.
func WithObserver(fn func(Info)) Option { return func(m *Manager) { m.observer = fn } }

// NewManager returns a Manager that opens channels through opener.
func NewManager(opener ChannelOpener, opts ...Option) *Manager {
	m := &Manager{
		opener:           opener,
		listener:         realnet.NewListener(),
		dialer:           realnet.NewDialer(),
		clock:            realclock.New(),
		random:           realrand.New(),
		handshakeTimeout: DefaultHandshakeTimeout,
		tunnels:          make(map[string]*tunnel),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) newTunnel(typ Type) (*tunnel, error) {
	id, err := uuid.NewRandomFromReader(m.random)
	if err != nil {
		return nil, fmt.Errorf("generate tunnel id: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &tunnel{
		id:     id.String(),
		typ:    typ,
		status: StatusConnecting,
		ctx:    ctx,
		cancel: cancel,
		global: &m.global,
	}, nil
}

// StartLocal binds spec.BindAddress:spec.LocalPort and forwards every
// accepted connection to RemoteHost:RemotePort through the SSH connection.
// A LocalPort of 0 picks a free port, reported in the returned Info.
func (m *Manager) StartLocal(ctx context.Context, spec LocalSpec) (Info, error) {
	if err := validatePort("local forward", spec.LocalPort, true); err != nil {
		return Info{}, err
	}
	if spec.RemoteHost == "" {
		return Info{}, failure.New(failure.ForwardUnsupported, "local forward", errors.New("remote host is required"))
	}
	if err := validatePort("local forward", spec.RemotePort, false); err != nil {
		return Info{}, err
	}

	t, err := m.newTunnel(TypeLocal)
	if err != nil {
		return Info{}, err
	}
	t.bindAddr = bindOrLoopback(spec.BindAddress)
	t.localHost = t.bindAddr
	t.remoteHost, t.remotePort = spec.RemoteHost, spec.RemotePort

	ln, err := m.bindLocal(ctx, "local forward", t.bindAddr, spec.LocalPort)
	if err != nil {
		t.cancel()
		return Info{}, err
	}
	t.localPort = portOf(ln.Addr(), spec.LocalPort)

	m.activate(t, ln, func(conn net.Conn) {
		m.forward(t, conn, func() (net.Conn, error) { return m.opener.Dial("tcp", t.target()) })
	})

	slog.Info("created local tunnel",
		slog.String("id", t.id),
		slog.String("local", net.JoinHostPort(t.bindAddr, strconv.Itoa(t.localPort))),
		slog.String("remote", t.target()),
	)
	return t.info(), nil
}

// StartRemote asks the server to listen on RemoteBindAddress:RemotePort
// and forwards inbound connections to LocalHost:LocalPort.
func (m *Manager) StartRemote(ctx context.Context, spec RemoteSpec) (Info, error) {
	if err := validatePort("remote forward", spec.RemotePort, true); err != nil {
		return Info{}, err
	}
	if err := validatePort("remote forward", spec.LocalPort, false); err != nil {
		return Info{}, err
	}

	t, err := m.newTunnel(TypeRemote)
	if err != nil {
		return Info{}, err
	}
	t.bindAddr = spec.RemoteBindAddress
	t.remoteHost = spec.RemoteBindAddress
	t.localHost = bindOrLoopback(spec.LocalHost)
	t.localPort = spec.LocalPort

	if err := ctx.Err(); err != nil {
		t.cancel()
		return Info{}, failure.Wrap("remote forward", err)
	}
	addr := net.JoinHostPort(spec.RemoteBindAddress, strconv.Itoa(spec.RemotePort))
	ln, err := m.opener.Listen("tcp", addr)
	if err != nil {
		t.cancel()
		return Info{}, bindFailure("remote forward", spec.RemoteBindAddress, spec.RemotePort, err)
	}
	t.remotePort = portOf(ln.Addr(), spec.RemotePort)

	m.activate(t, ln, func(conn net.Conn) {
		m.forward(t, conn, func() (net.Conn, error) { return m.dialer.Dial("tcp", t.target()) })
	})

	slog.Info("created remote tunnel",
		slog.String("id", t.id),
		slog.String("remote", net.JoinHostPort(spec.RemoteBindAddress, strconv.Itoa(t.remotePort))),
		slog.String("local", t.target()),
	)
	return t.info(), nil
}

// StartDynamic binds a local SOCKS5 proxy whose CONNECT requests are
// dialed through the SSH connection.
func (m *Manager) StartDynamic(ctx context.Context, spec DynamicSpec) (Info, error) {
	if err := validatePort("dynamic forward", spec.LocalPort, true); err != nil {
		return Info{}, err
	}

	t, err := m.newTunnel(TypeDynamic)
	if err != nil {
		return Info{}, err
	}
	t.bindAddr = bindOrLoopback(spec.BindAddress)
	t.localHost = t.bindAddr

	ln, err := m.bindLocal(ctx, "dynamic forward", t.bindAddr, spec.LocalPort)
	if err != nil {
		t.cancel()
		return Info{}, err
	}
	t.localPort = portOf(ln.Addr(), spec.LocalPort)

	m.activate(t, ln, func(conn net.Conn) { m.serveSOCKS(t, conn) })

	slog.Info("created dynamic tunnel",
		slog.String("id", t.id),
		slog.String("local", net.JoinHostPort(t.bindAddr, strconv.Itoa(t.localPort))),
	)
	return t.info(), nil
}

func (m *Manager) bindLocal(ctx context.Context, op, host string, port int) (net.Listener, error) {
	if err := ctx.Err(); err != nil {
		return nil, failure.Wrap(op, err)
	}
	ln, err := m.listener.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, bindFailure(op, host, port, err)
	}
	return ln, nil
}

// activate registers t, marks it active and starts its accept loop.
func (m *Manager) activate(t *tunnel, ln net.Listener, handle func(net.Conn)) {
	now := m.clock.Now()
	t.listener = ln
	t.mu.Lock()
	t.status = StatusActive
	t.establishedAt = now
	t.mu.Unlock()
	t.lastActivity.Store(now.UnixNano())

	m.mu.Lock()
	m.tunnels[t.id] = t
	m.order = append(m.order, t.id)
	m.mu.Unlock()

	t.wg.Add(1)
	go m.accept(t, handle)
	m.notify(t)
}

func (m *Manager) accept(t *tunnel, handle func(net.Conn)) {
	defer t.wg.Done()
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			if t.ctx.Err() != nil {
				return
			}
			slog.Warn("accept error on tunnel",
				slog.String("id", t.id),
				slog.String("type", string(t.typ)),
				slog.String("error", err.Error()),
			)
			if t.setStatus(StatusFailed, err.Error()) {
				m.notify(t)
			}
			return
		}
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			stop := context.AfterFunc(t.ctx, func() { conn.Close() })
			defer stop()
			handle(conn)
		}()
	}
}

// forward dials the far side and pumps bytes until either side closes or
// the tunnel stops.
func (m *Manager) forward(t *tunnel, conn net.Conn, dial func() (net.Conn, error)) {
	far, err := dial()
	if err != nil {
		conn.Close()
		t.stats.failedFlows.Add(1)
		t.global.failedFlows.Add(1)
		slog.Warn("tunnel dial failed",
			slog.String("id", t.id),
			slog.String("target", t.target()),
			slog.String("error", err.Error()),
		)
		return
	}
	m.pump(t, conn, far)
}

// Stop closes the listener and every in-flight flow of one tunnel. Other
// tunnels are not affected.
func (m *Manager) Stop(id string) error {
	m.mu.Lock()
	t, ok := m.tunnels[id]
	if ok {
		delete(m.tunnels, id)
		m.order = removeID(m.order, id)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("stop tunnel %s: %w", id, ErrNotFound)
	}
	m.shutdown(t)
	return nil
}

// StopAll stops every tunnel.
func (m *Manager) StopAll() {
	m.mu.Lock()
	ts := make([]*tunnel, 0, len(m.order))
	for _, id := range m.order {
		ts = append(ts, m.tunnels[id])
	}
	m.tunnels = make(map[string]*tunnel)
	m.order = nil
	m.mu.Unlock()

	for _, t := range ts {
		m.shutdown(t)
	}
}

func (m *Manager) shutdown(t *tunnel) {
	t.cancel()
	if t.listener != nil {
		t.listener.Close()
	}
	t.wg.Wait()

	t.mu.Lock()
	if t.status != StatusFailed {
		t.status = StatusStopped
	}
	t.mu.Unlock()

	s := t.stats.snapshot()
	slog.Info("closed tunnel",
		slog.String("id", t.id),
		slog.Uint64("total_flows", s.TotalFlows),
		slog.String("sent", humanize.Bytes(s.BytesSent)),
		slog.String("received", humanize.Bytes(s.BytesReceived)),
	)
	m.notify(t)
}

// Get returns a snapshot of one tunnel.
func (m *Manager) Get(id string) (Info, bool) {
	m.mu.Lock()
	t, ok := m.tunnels[id]
	m.mu.Unlock()
	if !ok {
		return Info{}, false
	}
	return t.info(), true
}

// List returns snapshots of all tunnels in creation order.
func (m *Manager) List() []Info {
	m.mu.Lock()
	ts := make([]*tunnel, 0, len(m.order))
	for _, id := range m.order {
		ts = append(ts, m.tunnels[id])
	}
	m.mu.Unlock()

	out := make([]Info, 0, len(ts))
	for _, t := range ts {
		out = append(out, t.info())
	}
	return out
}

// Stats returns counters aggregated over every tunnel this manager ran,
// including stopped ones.
func (m *Manager) Stats() Stats {
	return m.global.snapshot()
}

// IsForwarding reports whether any tunnel is active.
func (m *Manager) IsForwarding() bool {
	for _, info := range m.List() {
		if info.Status == StatusActive {
			return true
		}
	}
	return false
}

func (m *Manager) notify(t *tunnel) {
	if m.observer != nil {
		m.observer(t.info())
	}
}

func validatePort(op string, port int, allowZero bool) error {
	if port < 0 || port > 65535 || (port == 0 && !allowZero) {
		return failure.New(failure.ForwardUnsupported, op, fmt.Errorf("invalid port %d", port))
	}
	return nil
}

// bindFailure types a listen error. Anything other than a port conflict is
// reported as forwarding not permitted.
func bindFailure(op, host string, port int, err error) error {
	kind := failure.ForwardNotPermitted
	if failure.Classify(err) == failure.PortInUse {
		kind = failure.PortInUse
	}
	return failure.New(kind, op, err).At(host, port)
}

func bindOrLoopback(host string) string {
	if host == "" {
		return "127.0.0.1"
	}
	return host
}

func portOf(addr net.Addr, fallback int) int {
	if tcp, ok := addr.(*net.TCPAddr); ok && tcp.Port != 0 {
		return tcp.Port
	}
	return fallback
}

func removeID(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
