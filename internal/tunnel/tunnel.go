// Package tunnel forwards TCP traffic over an SSH connection: local (-L),
// remote (-R) and dynamic SOCKS5 (-D) forwards.
package tunnel

import (
	"context"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// Type is the kind of forward.
type Type string

const (
	// TypeLocal listens locally and dials through the SSH connection.
	TypeLocal Type = "local"
	// TypeRemote asks the server to listen and dials back locally.
	TypeRemote Type = "remote"
	// TypeDynamic listens locally and speaks SOCKS5 to pick the destination.
	TypeDynamic Type = "dynamic"
)

// Status is the lifecycle state of a tunnel.
type Status string

const (
	StatusConnecting Status = "connecting"
	StatusActive     Status = "active"
	StatusFailed     Status = "failed"
	StatusStopped    Status = "stopped"
)

// Stats are forwarding counters. Sent counts bytes flowing from the
// accepting side to the dialed side; Received counts the reverse. Each
// successful read is one packet.
type Stats struct {
	BytesSent       uint64 `json:"bytes_sent"`
	BytesReceived   uint64 `json:"bytes_received"`
	PacketsSent     uint64 `json:"packets_sent"`
	PacketsReceived uint64 `json:"packets_received"`
	ActiveFlows     int64  `json:"active_flows"`
	TotalFlows      uint64 `json:"total_flows"`
	FailedFlows     uint64 `json:"failed_flows"`
}

// Info is a snapshot of one tunnel. BindAddress is where the listener
// lives: local for local and dynamic tunnels, on the server for remote
// ones. RemoteHost and RemotePort are empty for dynamic tunnels, whose
// destination is chosen per connection.
type Info struct {
	ID            string    `json:"id"`
	Type          Type      `json:"type"`
	BindAddress   string    `json:"bind_address"`
	LocalHost     string    `json:"local_host"`
	LocalPort     int       `json:"local_port"`
	RemoteHost    string    `json:"remote_host,omitempty"`
	RemotePort    int       `json:"remote_port,omitempty"`
	Status        Status    `json:"status"`
	Reason        string    `json:"reason,omitempty"`
	EstablishedAt time.Time `json:"established_at"`
	LastActivity  time.Time `json:"last_activity"`
	Stats         Stats     `json:"stats"`
}

// counters are updated lock-free by data pumps.
type counters struct {
	bytesSent, bytesReceived     atomic.Uint64
	packetsSent, packetsReceived atomic.Uint64
	activeFlows                  atomic.Int64
	totalFlows, failedFlows      atomic.Uint64
}

func (c *counters) snapshot() Stats {
	return Stats{
		BytesSent:       c.bytesSent.Load(),
		BytesReceived:   c.bytesReceived.Load(),
		PacketsSent:     c.packetsSent.Load(),
		PacketsReceived: c.packetsReceived.Load(),
		ActiveFlows:     c.activeFlows.Load(),
		TotalFlows:      c.totalFlows.Load(),
		FailedFlows:     c.failedFlows.Load(),
	}
}

type tunnel struct {
	id         string
	typ        Type
	bindAddr   string
	localHost  string
	localPort  int
	remoteHost string
	remotePort int

	mu            sync.Mutex
	status        Status
	reason        string
	establishedAt time.Time
	lastActivity  atomic.Int64

	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	stats  counters
	global *counters
}

func (t *tunnel) info() Info {
	t.mu.Lock()
	defer t.mu.Unlock()

	var last time.Time
	if ns := t.lastActivity.Load(); ns != 0 {
		last = time.Unix(0, ns)
	}
	return Info{
		ID:            t.id,
		Type:          t.typ,
		BindAddress:   t.bindAddr,
		LocalHost:     t.localHost,
		LocalPort:     t.localPort,
		RemoteHost:    t.remoteHost,
		RemotePort:    t.remotePort,
		Status:        t.status,
		Reason:        t.reason,
		EstablishedAt: t.establishedAt,
		LastActivity:  last,
		Stats:         t.stats.snapshot(),
	}
}

// setStatus moves to s unless the tunnel already stopped or failed.
func (t *tunnel) setStatus(s Status, reason string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status == StatusStopped || t.status == StatusFailed {
		return false
	}
	t.status = s
	t.reason = reason
	return true
}

// target is the address each accepted connection is forwarded to.
func (t *tunnel) target() string {
	if t.typ == TypeRemote {
		return net.JoinHostPort(t.localHost, strconv.Itoa(t.localPort))
	}
	return net.JoinHostPort(t.remoteHost, strconv.Itoa(t.remotePort))
}
