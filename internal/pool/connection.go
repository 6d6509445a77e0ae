package pool

import (
	"time"

	"github.com/acolita/sshkit/internal/profile"
	"github.com/acolita/sshkit/internal/session"
)

// ConnState is the lifecycle state of a pooled connection.
type ConnState string

const (
	StateActive  ConnState = "active"
	StateIdle    ConnState = "idle"
	StateClosing ConnState = "closing"
	StateClosed  ConnState = "closed"
)

// PooledConnection is a session owned by the pool. It is checked out while
// active and parked in the idle set otherwise.
type PooledConnection struct {
	id         string
	profile    profile.Profile
	session    *session.Session
	state      ConnState
	createdAt  time.Time
	lastUsedAt time.Time
	useCount   int
	failures   int
	// held is true while the connection owns a capacity permit.
	held bool
}

// ConnectionInfo is a snapshot of a pooled connection.
type ConnectionInfo struct {
	ID             string          `json:"id"`
	SessionID      string          `json:"session_id"`
	Profile        profile.Profile `json:"profile"`
	State          ConnState       `json:"state"`
	CreatedAt      time.Time       `json:"created_at"`
	LastUsedAt     time.Time       `json:"last_used_at"`
	UseCount       int             `json:"use_count"`
	HealthFailures int             `json:"health_failures"`
}

func (pc *PooledConnection) info() ConnectionInfo {
	return ConnectionInfo{
		ID:             pc.id,
		SessionID:      pc.session.ID(),
		Profile:        pc.profile,
		State:          pc.state,
		CreatedAt:      pc.createdAt,
		LastUsedAt:     pc.lastUsedAt,
		UseCount:       pc.useCount,
		HealthFailures: pc.failures,
	}
}

// Statistics are pool-wide counters.
type Statistics struct {
	TotalCreated          uint64    `json:"total_created"`
	TotalClosed           uint64    `json:"total_closed"`
	Active                int       `json:"active"`
	Idle                  int       `json:"idle"`
	ReuseCount            uint64    `json:"reuse_count"`
	HealthChecksPerformed uint64    `json:"health_checks_performed"`
	LastHealthCheck       time.Time `json:"last_health_check"`
	FailedCreates         uint64    `json:"failed_creates"`
	Evictions             uint64    `json:"evictions"`
}

// HealthStatus summarizes pool health for observers.
type HealthStatus struct {
	IsHealthy             bool          `json:"is_healthy"`
	ActiveConnections     int           `json:"active_connections"`
	IdleConnections       int           `json:"idle_connections"`
	UtilizationRate       float64       `json:"utilization_rate"`
	IdleRate              float64       `json:"idle_rate"`
	AverageConnectionTime time.Duration `json:"average_connection_time"`
	SuccessRate           float64       `json:"success_rate"`
	RecentErrors          []string      `json:"recent_errors"`
}
