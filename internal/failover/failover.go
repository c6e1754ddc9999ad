// Package failover implements the Failover Manager (C5): a periodic health
// sweep over the Router's provider table and the Circuit Breaker's circuits
// that classifies providers healthy/unhealthy, drives automatic failover,
// and tracks drain timers.
//
// Grounded on the teacher's internal/llm/providers/retry.go health-check
// loop shape (periodic re-evaluation driving provider availability) and the
// pack's scheduled-job examples (flemzord/sclaw, liliang-cn/rago) for the
// robfig/cron/v3 sweep scheduling idiom.
package failover

import (
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/robfig/cron/v3"

	"github.com/entrepeneur4lyf/llmrouter/internal/breaker"
	"github.com/entrepeneur4lyf/llmrouter/internal/clock"
	"github.com/entrepeneur4lyf/llmrouter/internal/events"
	"github.com/entrepeneur4lyf/llmrouter/internal/provider"
	"github.com/entrepeneur4lyf/llmrouter/internal/router"
)

// HealthyThreshold and UnhealthyThreshold are the Failover Manager's own,
// stricter classification bars (§4.5, §9 glossary) — distinct from the
// Router's 0.5 admission bar.
const (
	HealthyThreshold   = 0.7
	UnhealthyThreshold = 0.5
	TripFailureCount   = 3
	TripHealthScore    = 0.3
)

// Status is the per-provider record the sweep recomputes each cycle (§4.5
// step 2).
type Status struct {
	ProviderID         provider.ID
	HealthScore        float64
	CircuitState       breaker.State
	ActiveConnections  int64
	ConsecutiveFailures int
	IsDraining         bool
	FailoverTarget     provider.ID
	InActiveFailover   bool
}

// Stats aggregates failover activity (§4.5, §6.7).
type Stats struct {
	TotalFailovers     int64
	SuccessfulFailovers int64
	FailedFailovers    int64
	AvgFailoverTimeMS  float64
}

// RebalanceStats is the observational snapshot a Rebalance pass emits
// (§4.5): it does not itself migrate in-flight connections, it only
// recomputes and publishes the current load distribution.
type RebalanceStats struct {
	AvgActiveConnections float64
	HealthyProviderCount int
	LastRebalanceTime    time.Time
}

type drain struct {
	target  provider.ID
	endAt   time.Time
	timer   bool
}

// Manager is the Failover Manager (C5). It is the sole serializer of
// provider_status, active_failovers, and stats (§5).
type Manager struct {
	mu       sync.Mutex
	router   *router.Router
	breaker  *breaker.Breaker
	config   provider.FailoverConfig
	clock    clock.Clock
	log      *log.Logger
	bus      *events.Broker[any]

	status         map[provider.ID]*Status
	activeFailover map[provider.ID]bool
	drains         map[provider.ID]*drain

	stats       Stats
	totalTimeMS float64

	lastRebalanceTime time.Time

	cron    *cron.Cron
	entryID cron.EntryID
}

// New constructs a Manager wired to router r and breaker b.
func New(r *router.Router, b *breaker.Breaker, cfg provider.FailoverConfig, c clock.Clock, logger *log.Logger, bus *events.Broker[any]) *Manager {
	if logger == nil {
		logger = log.Default()
	}
	return &Manager{
		router:         r,
		breaker:        b,
		config:         cfg,
		clock:          c,
		log:            logger,
		bus:            bus,
		status:         make(map[provider.ID]*Status),
		activeFailover: make(map[provider.ID]bool),
		drains:         make(map[provider.ID]*drain),
	}
}

// Start schedules the periodic health sweep via robfig/cron/v3, using a
// "@every" spec derived from the configured interval (§4.5).
func (m *Manager) Start() error {
	m.mu.Lock()
	interval := m.config.HealthCheckInterval
	m.mu.Unlock()

	c := cron.New()
	id, err := c.AddFunc(fmt.Sprintf("@every %s", interval), m.Sweep)
	if err != nil {
		return err
	}
	c.Start()

	m.mu.Lock()
	m.cron = c
	m.entryID = id
	m.mu.Unlock()
	return nil
}

// Stop halts the scheduled sweep.
func (m *Manager) Stop() {
	m.mu.Lock()
	c := m.cron
	m.mu.Unlock()
	if c != nil {
		c.Stop()
	}
}

// Sweep performs one health-sweep cycle (§4.5 steps 1-5).
func (m *Manager) Sweep() {
	snapshot := m.router.ProviderStats()

	m.mu.Lock()
	defer m.mu.Unlock()

	var healthyCount int
	var toTrigger []provider.ID

	for id, p := range snapshot {
		st, ok := m.status[id]
		if !ok {
			st = &Status{ProviderID: id}
			m.status[id] = st
		}

		st.HealthScore = p.HealthScore
		st.CircuitState = m.breaker.GetState(id)
		st.ActiveConnections = p.ActiveConnections
		st.IsDraining = p.IsDraining
		st.FailoverTarget = p.FailoverTarget

		if st.HealthScore < UnhealthyThreshold {
			st.ConsecutiveFailures++
		} else {
			st.ConsecutiveFailures = 0
		}

		healthy := st.HealthScore >= HealthyThreshold && st.CircuitState != breaker.Open
		unhealthy := st.HealthScore < UnhealthyThreshold || st.CircuitState == breaker.Open

		if healthy {
			healthyCount++
		}

		if unhealthy && !st.IsDraining && !m.activeFailover[id] {
			if st.ConsecutiveFailures >= TripFailureCount && st.HealthScore < TripHealthScore {
				toTrigger = append(toTrigger, id)
			}
		}
	}

	// Clean up status entries for providers the Router no longer tracks.
	for id := range m.status {
		if _, ok := snapshot[id]; !ok {
			delete(m.status, id)
			delete(m.activeFailover, id)
			delete(m.drains, id)
		}
	}

	if healthyCount < m.config.MinHealthyProviders {
		msg := fmt.Sprintf("healthy providers (%d) below minimum (%d)", healthyCount, m.config.MinHealthyProviders)
		m.log.Warn(msg)
		if m.bus != nil {
			m.bus.Publish(events.OperationalWarning, "", events.WarningPayload{Message: msg})
		}
	}

	for _, id := range toTrigger {
		m.triggerLocked(id)
	}

	m.sweepDrainsLocked()
}

// triggerLocked dispatches a failover for id according to the configured
// strategy (§4.5). Caller holds m.mu.
func (m *Manager) triggerLocked(id provider.ID) {
	m.activeFailover[id] = true
	start := m.clock.Now()

	strategy := m.config.Strategy
	if strategy == provider.FailoverCircuitBreakerGuided {
		state := m.status[id].CircuitState
		switch state {
		case breaker.Open:
			strategy = provider.FailoverImmediate
		default: // HalfOpen or Closed-but-unhealthy
			strategy = provider.FailoverGraceful
		}
	}

	if m.bus != nil {
		m.bus.Publish(events.FailoverTriggered, string(id), events.FailoverPayload{
			Strategy: string(strategy),
			Reason:   "consecutive_failures_threshold",
		})
	}

	switch strategy {
	case provider.FailoverImmediate:
		m.completeImmediateLocked(id, start)
	case provider.FailoverGraceful:
		m.beginDrainLocked(id)
	}
}

func (m *Manager) completeImmediateLocked(id provider.ID, start time.Time) {
	target := m.selectTargetLocked(id)
	if target == "" {
		m.log.Warn("failover target selection failed", "provider", id, "reason", provider.ErrNoHealthyAlternatives)
		elapsed := m.recordOutcomeLocked(false, start)
		delete(m.activeFailover, id)

		if m.bus != nil {
			m.bus.Publish(events.FailoverCompleted, string(id), events.FailoverPayload{
				Strategy: string(provider.FailoverImmediate),
				Reason:   provider.ErrNoHealthyAlternatives.Error(),
				Outcome:  "failed",
				Duration: elapsed,
			})
		}
		return
	}

	m.router.SetFailoverTarget(id, target)
	m.router.RemoveProvider(id)
	m.breaker.ForceOpen(id)

	elapsed := m.recordOutcomeLocked(true, start)
	delete(m.activeFailover, id)
	delete(m.status, id)

	if m.bus != nil {
		m.bus.Publish(events.FailoverCompleted, string(id), events.FailoverPayload{
			Strategy: string(provider.FailoverImmediate),
			Target:   string(target),
			Reason:   "immediate",
			Outcome:  "success",
			Duration: elapsed,
		})
	}
}

func (m *Manager) beginDrainLocked(id provider.ID) {
	start := m.clock.Now()
	target := m.selectTargetLocked(id)
	if target == "" {
		m.log.Warn("failover target selection failed", "provider", id, "reason", provider.ErrNoHealthyAlternatives)
		elapsed := m.recordOutcomeLocked(false, start)
		delete(m.activeFailover, id)

		if m.bus != nil {
			m.bus.Publish(events.FailoverCompleted, string(id), events.FailoverPayload{
				Strategy: string(provider.FailoverGraceful),
				Reason:   provider.ErrNoHealthyAlternatives.Error(),
				Outcome:  "failed",
				Duration: elapsed,
			})
		}
		return
	}

	m.router.SetDraining(id, true)
	m.router.SetFailoverTarget(id, target)

	m.drains[id] = &drain{
		target: target,
		endAt:  m.clock.Now().Add(m.config.DrainTimeout),
		timer:  true,
	}

	if m.bus != nil {
		m.bus.Publish(events.DrainStarted, string(id), events.DrainPayload{
			Target:  string(target),
			Timeout: m.config.DrainTimeout,
		})
	}
}

// selectTargetLocked chooses the healthy, non-draining provider with the
// smallest active_connections as the failover_target for audit (§4.4
// load-balance-aware target selection; §4.5 failover_target bookkeeping).
func (m *Manager) selectTargetLocked(excluding provider.ID) provider.ID {
	var best provider.ID
	var bestConns int64 = -1

	for id, st := range m.status {
		if id == excluding || st.IsDraining {
			continue
		}
		if st.HealthScore < HealthyThreshold || st.CircuitState == breaker.Open {
			continue
		}
		if bestConns < 0 || st.ActiveConnections < bestConns {
			best = id
			bestConns = st.ActiveConnections
		}
	}
	return best
}

// sweepDrainsLocked force-completes any drain whose timer has fired (§4.5
// Graceful strategy).
func (m *Manager) sweepDrainsLocked() {
	now := m.clock.Now()
	for id, d := range m.drains {
		if !d.timer {
			continue
		}
		if now.Before(d.endAt) {
			continue
		}
		m.router.RemoveProvider(id)
		m.breaker.ForceOpen(id)
		delete(m.drains, id)
		delete(m.activeFailover, id)
		delete(m.status, id)

		elapsed := m.recordOutcomeLocked(true, now.Add(-m.config.DrainTimeout))

		if m.bus != nil {
			m.bus.Publish(events.FailoverCompleted, string(id), events.FailoverPayload{
				Strategy: string(provider.FailoverGraceful),
				Target:   string(d.target),
				Reason:   "drain_timeout",
				Outcome:  "success",
				Duration: elapsed,
			})
		}
	}
}

// StartDrain begins a manual graceful drain of id with the configured
// drain_timeout, independent of the automatic sweep trigger (§6.7, S5): once
// started, the provider's timer fires on the next Sweep at-or-after
// drain_timeout, force-removing it from the Router regardless of traffic.
func (m *Manager) StartDrain(id provider.ID) {
	snapshot := m.router.ProviderStats()

	m.mu.Lock()
	defer m.mu.Unlock()

	// Refresh status from the Router so target selection works even when no
	// Sweep has run yet.
	for pid, p := range snapshot {
		st, ok := m.status[pid]
		if !ok {
			st = &Status{ProviderID: pid}
			m.status[pid] = st
		}
		st.HealthScore = p.HealthScore
		st.CircuitState = m.breaker.GetState(pid)
		st.ActiveConnections = p.ActiveConnections
		st.IsDraining = p.IsDraining
	}

	m.activeFailover[id] = true
	m.beginDrainLocked(id)
}

// EndDrain cancels id's drain timer and clears is_draining without removing
// the provider (§4.5 "Explicit end_drain(id) cancels the timer").
func (m *Manager) EndDrain(id provider.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.drains, id)
	delete(m.activeFailover, id)
	m.router.SetDraining(id, false)

	if m.bus != nil {
		m.bus.Publish(events.DrainEnded, string(id), events.DrainPayload{})
	}
}

func (m *Manager) recordOutcomeLocked(success bool, start time.Time) time.Duration {
	elapsed := m.clock.Now().Sub(start)
	m.stats.TotalFailovers++
	if success {
		m.stats.SuccessfulFailovers++
	} else {
		m.stats.FailedFailovers++
	}
	m.totalTimeMS += float64(elapsed.Milliseconds())
	m.stats.AvgFailoverTimeMS = m.totalTimeMS / float64(m.stats.TotalFailovers)
	return elapsed
}

// Rebalance recomputes the average connection count across healthy
// providers and emits observational stats (§4.5). It does not itself
// migrate in-flight connections or touch ring membership — the Ring
// already reflects current membership via the Router's own Add/Remove
// calls — it exists to be triggered by external signals (e.g. a membership
// change notification) and to reset last_rebalance_time. Under
// RedistributionNone it is a no-op: the operator has opted out of
// rebalance-driven observability.
//
// §9 leaves unspecified whether rebalancing should gate on a minimum
// interval since the last call; this implementation does not gate (see
// DESIGN.md), matching the source's own behavior of computing
// last_rebalance_time without ever consulting it.
func (m *Manager) Rebalance() RebalanceStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.config.RedistributionMode != provider.RedistributionRebalance {
		return RebalanceStats{LastRebalanceTime: m.lastRebalanceTime}
	}

	var totalConns int64
	var healthyCount int
	for _, st := range m.status {
		if st.HealthScore >= HealthyThreshold && st.CircuitState != breaker.Open {
			totalConns += st.ActiveConnections
			healthyCount++
		}
	}

	var avg float64
	if healthyCount > 0 {
		avg = float64(totalConns) / float64(healthyCount)
	}

	m.lastRebalanceTime = m.clock.Now()
	stats := RebalanceStats{
		AvgActiveConnections: avg,
		HealthyProviderCount: healthyCount,
		LastRebalanceTime:    m.lastRebalanceTime,
	}

	m.log.Debug("rebalance", "avg_active_connections", avg, "healthy_providers", healthyCount)
	if m.bus != nil {
		m.bus.Publish(events.RebalanceCompleted, "", events.RebalancePayload{
			AvgActiveConnections: avg,
			HealthyProviderCount: healthyCount,
			At:                   m.lastRebalanceTime,
		})
	}

	return stats
}

// ProviderStatus returns a snapshot of id's tracked status.
func (m *Manager) ProviderStatus(id provider.ID) (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.status[id]
	if !ok {
		return Status{}, false
	}
	return *st, true
}

// Stats returns a snapshot of the manager's cumulative counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}
