package pool

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/acolita/sshkit/internal/profile"
)

// Auto-scaling thresholds.
const (
	scaleUpUtilization   = 0.8
	scaleDownUtilization = 0.2
	scaleUpBatch         = 2
	unhealthyRatio       = 0.5
)

func (p *Pool) healthLoop() {
	defer p.wg.Done()

	ticker := p.clock.NewTicker(p.cfg.ValidationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C():
			p.HealthCheck(p.ctx)
			if p.cfg.EnableAutoScaling {
				p.AutoScale(p.ctx)
			}
		}
	}
}

func (p *Pool) sweepLoop() {
	defer p.wg.Done()

	ticker := p.clock.NewTicker(max(p.cfg.IdleTimeout/2, 1))
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C():
			p.SweepIdle()
		}
	}
}

// HealthCheck probes every connection. A failed probe counts against the
// connection; idle connections that no longer validate are discarded, and
// checked-out ones are discarded when released. The pool is flagged
// unhealthy when no more than half of its connections validate.
func (p *Pool) HealthCheck(ctx context.Context) {
	p.mu.Lock()
	conns := make([]*PooledConnection, 0, len(p.conns))
	for _, pc := range p.conns {
		conns = append(conns, pc)
	}
	p.mu.Unlock()

	results := make([]error, len(conns))
	var wg sync.WaitGroup
	for i, pc := range conns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			probeCtx, cancel := context.WithTimeout(ctx, p.cfg.ConnectionTimeout)
			defer cancel()
			results[i] = p.probe(probeCtx, pc)
		}()
	}
	wg.Wait()

	p.mu.Lock()
	var victims []*PooledConnection
	var errs []string
	total, valid := 0, 0
	for i, pc := range conns {
		if _, live := p.conns[pc.id]; !live {
			continue
		}
		if err := results[i]; err != nil {
			pc.failures++
			errs = append(errs, fmt.Sprintf("%s: health check: %v", pc.profile, err))
		} else {
			pc.failures = 0
		}
		total++
		if p.isValidLocked(pc) {
			valid++
			continue
		}
		if pc.state == StateIdle {
			victims = append(victims, p.discardLocked(pc)...)
		}
	}
	p.healthy = total == 0 || float64(valid)/float64(total) > unhealthyRatio
	p.stats.HealthChecksPerformed++
	p.stats.LastHealthCheck = p.clock.Now()
	healthy := p.healthy
	p.mu.Unlock()

	for _, msg := range errs {
		p.recordError(msg)
	}
	p.closeConns(victims...)

	slog.Debug("pool health check",
		slog.Int("connections", total),
		slog.Int("valid", valid),
		slog.Int("discarded", len(victims)),
		slog.Bool("healthy", healthy),
	)
}

// SweepIdle discards idle connections unused for longer than the idle
// timeout and returns how many it closed.
func (p *Pool) SweepIdle() int {
	p.mu.Lock()
	now := p.clock.Now()
	var victims []*PooledConnection
	for _, pc := range slices.Clone(p.idle) {
		if now.Sub(pc.lastUsedAt) > p.cfg.IdleTimeout {
			victims = append(victims, p.discardLocked(pc)...)
		}
	}
	p.mu.Unlock()

	p.closeConns(victims...)
	if len(victims) > 0 {
		slog.Debug("swept idle connections", slog.Int("closed", len(victims)))
	}
	return len(victims)
}

// AutoScale pre-creates idle connections for the most used profiles when
// utilization is high and there is headroom, and trims idle connections
// down to MinConnections when utilization is low.
func (p *Pool) AutoScale(ctx context.Context) {
	p.mu.Lock()
	active := len(p.conns) - len(p.idle)
	utilization := float64(active) / float64(p.cfg.MaxConnections)
	headroom := min(p.cfg.MaxConnections-len(p.conns)-p.pending, p.cfg.MaxIdleConnections-len(p.idle))
	excess := len(p.idle) - p.cfg.MinConnections
	frequent := p.frequentProfilesLocked()

	var victims []*PooledConnection
	if utilization < scaleDownUtilization {
		for ; excess > 0; excess-- {
			victims = append(victims, p.evictOldestLocked()...)
		}
	}
	p.mu.Unlock()
	p.closeConns(victims...)

	if len(victims) > 0 {
		slog.Debug("scaled pool down", slog.Int("closed", len(victims)))
		return
	}
	if utilization <= scaleUpUtilization || headroom <= 0 || len(frequent) == 0 {
		return
	}

	n := min(scaleUpBatch, headroom)
	created := 0
	for i := 0; i < n; i++ {
		prof := frequent[i%len(frequent)]
		if _, err := p.create(ctx, prof, false); err != nil {
			break
		}
		created++
	}
	slog.Debug("scaled pool up",
		slog.Float64("utilization", utilization),
		slog.Int("created", created),
	)
}

// WarmUp creates idle connections until MinConnections are idle, cycling
// through the most frequently acquired profiles and the configured warm
// profiles. It stops at the first connection failure.
func (p *Pool) WarmUp(ctx context.Context) error {
	p.mu.Lock()
	candidates := p.frequentProfilesLocked()
	for _, prof := range p.warmProfiles {
		prof = prof.WithDefaults()
		if !slices.Contains(candidates, prof) {
			candidates = append(candidates, prof)
		}
	}
	p.mu.Unlock()

	if len(candidates) == 0 {
		return nil
	}

	for i := 0; ; i++ {
		p.mu.Lock()
		done := p.closed ||
			len(p.idle) >= min(p.cfg.MinConnections, p.cfg.MaxIdleConnections) ||
			len(p.conns)+p.pending >= p.cfg.MaxConnections
		p.mu.Unlock()
		if done {
			return nil
		}
		if _, err := p.create(ctx, candidates[i%len(candidates)], false); err != nil {
			return err
		}
	}
}

// frequentProfilesLocked lists acquired profiles by descending use.
func (p *Pool) frequentProfilesLocked() []profile.Profile {
	out := make([]profile.Profile, 0, len(p.usage))
	for prof := range p.usage {
		out = append(out, prof)
	}
	slices.SortFunc(out, func(a, b profile.Profile) int {
		if c := cmp.Compare(p.usage[b], p.usage[a]); c != 0 {
			return c
		}
		return cmp.Compare(a.String(), b.String())
	})
	return out
}

// HealthStatus reports pool health for observers.
func (p *Pool) HealthStatus() HealthStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	idle := len(p.idle)
	active := len(p.conns) - idle
	hs := HealthStatus{
		IsHealthy:         p.healthy,
		ActiveConnections: active,
		IdleConnections:   idle,
		UtilizationRate:   float64(active) / float64(p.cfg.MaxConnections),
		SuccessRate:       1,
		RecentErrors:      slices.Clone(p.errs),
	}
	if total := len(p.conns); total > 0 {
		hs.IdleRate = float64(idle) / float64(total)
	}
	if p.connected > 0 {
		hs.AverageConnectionTime = p.connTime / time.Duration(p.connected)
	}
	if p.attempts > 0 {
		hs.SuccessRate = float64(p.connected) / float64(p.attempts)
	}
	return hs
}
