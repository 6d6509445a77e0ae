package session

import (
	"github.com/acolita/sshkit/internal/tunnel"
)

// Tunnels returns the port-forward manager of this connection, creating it
// on first use. Tunnel status changes are published as events, and every
// tunnel stops when the session terminates.
func (s *Session) Tunnels() *tunnel.Manager {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tunnels != nil {
		return s.tunnels
	}

	opts := []tunnel.Option{
		tunnel.WithClock(s.clock),
		tunnel.WithRandom(s.random),
	}
	opts = append(opts, s.tunnelOpts...)
	opts = append(opts, tunnel.WithObserver(func(info tunnel.Info) {
		s.events.publish(Event{Kind: EventTunnel, SessionID: s.id, Time: s.clock.Now(), Tunnel: &info})
	}))
	s.tunnels = tunnel.NewManager(s.transport, opts...)
	return s.tunnels
}
