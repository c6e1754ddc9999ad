package failover

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrepeneur4lyf/llmrouter/internal/breaker"
	"github.com/entrepeneur4lyf/llmrouter/internal/clock"
	"github.com/entrepeneur4lyf/llmrouter/internal/events"
	"github.com/entrepeneur4lyf/llmrouter/internal/provider"
	"github.com/entrepeneur4lyf/llmrouter/internal/router"
)

func newTestManager(t *testing.T) (*Manager, *router.Router, *breaker.Breaker, *clock.Fake) {
	t.Helper()
	fc := clock.NewFake(time.Unix(0, 0))
	r := router.NewWithSeed(fc, nil, 1)
	b := breaker.New(provider.DefaultCircuitConfig(), fc, nil)
	bus := events.NewBroker[any](fc, nil)
	cfg := provider.DefaultFailoverConfig()
	m := New(r, b, cfg, fc, nil, bus)
	return m, r, b, fc
}

// S6 — automatic failover: unhealthy provider with Open circuit for >=3
// sweep cycles triggers Immediate failover under CircuitBreakerGuided, and
// stats.successful_failovers increments by exactly 1.
func TestS6AutomaticFailoverImmediate(t *testing.T) {
	m, r, b, _ := newTestManager(t)

	require.NoError(t, r.AddProvider("p", provider.Descriptor{Weight: 100}, router.AddOptions{}))
	require.NoError(t, r.AddProvider("q", provider.Descriptor{Weight: 100}, router.AddOptions{}))
	require.NoError(t, r.SetHealth("q", 1.0))
	b.ForceOpen("p")
	require.NoError(t, r.SetHealth("p", 0.2))

	for i := 0; i < 3; i++ {
		m.Sweep()
	}

	stats := m.Stats()
	assert.Equal(t, int64(1), stats.SuccessfulFailovers)
	assert.Equal(t, int64(1), stats.TotalFailovers)

	all := r.ProviderStats()
	_, stillPresent := all["p"]
	assert.False(t, stillPresent)
}

func TestGracefulDrainCompletesOnTimeout(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	r := router.NewWithSeed(fc, nil, 1)
	b := breaker.New(provider.DefaultCircuitConfig(), fc, nil)
	bus := events.NewBroker[any](fc, nil)
	cfg := provider.DefaultFailoverConfig()
	cfg.Strategy = provider.FailoverGraceful
	cfg.DrainTimeout = 10 * time.Second
	m := New(r, b, cfg, fc, nil, bus)

	require.NoError(t, r.AddProvider("p", provider.Descriptor{Weight: 100}, router.AddOptions{}))
	require.NoError(t, r.AddProvider("q", provider.Descriptor{Weight: 100}, router.AddOptions{}))
	require.NoError(t, r.SetHealth("q", 1.0))
	require.NoError(t, r.SetHealth("p", 0.2))

	for i := 0; i < 3; i++ {
		m.Sweep()
	}

	snap, ok := r.Snapshot("p")
	require.True(t, ok)
	assert.True(t, snap.IsDraining)

	fc.Advance(11 * time.Second)
	m.Sweep()

	all := r.ProviderStats()
	_, stillPresent := all["p"]
	assert.False(t, stillPresent)
	assert.Equal(t, int64(1), m.Stats().SuccessfulFailovers)
}

func TestEndDrainCancelsWithoutRemoving(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	r := router.NewWithSeed(fc, nil, 1)
	b := breaker.New(provider.DefaultCircuitConfig(), fc, nil)
	bus := events.NewBroker[any](fc, nil)
	cfg := provider.DefaultFailoverConfig()
	cfg.Strategy = provider.FailoverGraceful
	cfg.DrainTimeout = 10 * time.Second
	m := New(r, b, cfg, fc, nil, bus)

	require.NoError(t, r.AddProvider("p", provider.Descriptor{Weight: 100}, router.AddOptions{}))
	require.NoError(t, r.AddProvider("q", provider.Descriptor{Weight: 100}, router.AddOptions{}))
	require.NoError(t, r.SetHealth("q", 1.0))
	require.NoError(t, r.SetHealth("p", 0.2))

	for i := 0; i < 3; i++ {
		m.Sweep()
	}

	m.EndDrain("p")

	fc.Advance(20 * time.Second)
	m.Sweep()

	all := r.ProviderStats()
	_, stillPresent := all["p"]
	assert.True(t, stillPresent)
}

func TestMinHealthyProvidersWarningDoesNotBlock(t *testing.T) {
	m, r, _, _ := newTestManager(t)
	require.NoError(t, r.AddProvider("p", provider.Descriptor{Weight: 100}, router.AddOptions{}))
	require.NoError(t, r.SetHealth("p", 0.1))

	assert.NotPanics(t, func() { m.Sweep() })
}

func TestRebalanceComputesAverageOverHealthyProviders(t *testing.T) {
	m, r, _, fc := newTestManager(t)
	require.NoError(t, r.AddProvider("p", provider.Descriptor{Weight: 100}, router.AddOptions{}))
	require.NoError(t, r.AddProvider("q", provider.Descriptor{Weight: 100}, router.AddOptions{}))
	require.NoError(t, r.AddProvider("unhealthy", provider.Descriptor{Weight: 100}, router.AddOptions{}))
	require.NoError(t, r.SetHealth("p", 1.0))
	require.NoError(t, r.SetHealth("q", 1.0))
	require.NoError(t, r.SetHealth("unhealthy", 0.1))

	r.UpdateConnectionCount("p", 4)
	r.UpdateConnectionCount("q", 2)
	r.UpdateConnectionCount("unhealthy", 100)

	// Populate status from the router snapshot before rebalancing.
	m.Sweep()

	fc.Advance(5 * time.Second)
	stats := m.Rebalance()

	assert.Equal(t, 2, stats.HealthyProviderCount)
	assert.InDelta(t, 3.0, stats.AvgActiveConnections, 0.001)
	assert.Equal(t, fc.Now(), stats.LastRebalanceTime)
}

func TestRebalanceIsNoOpUnderRedistributionNone(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	r := router.NewWithSeed(fc, nil, 1)
	b := breaker.New(provider.DefaultCircuitConfig(), fc, nil)
	bus := events.NewBroker[any](fc, nil)
	cfg := provider.DefaultFailoverConfig()
	cfg.RedistributionMode = provider.RedistributionNone
	m := New(r, b, cfg, fc, nil, bus)

	require.NoError(t, r.AddProvider("p", provider.Descriptor{Weight: 100}, router.AddOptions{}))
	require.NoError(t, r.SetHealth("p", 1.0))
	m.Sweep()

	stats := m.Rebalance()
	assert.Equal(t, 0, stats.HealthyProviderCount)
	assert.True(t, stats.LastRebalanceTime.IsZero())
}

func TestNoTriggerBelowConsecutiveFailureCount(t *testing.T) {
	m, r, b, _ := newTestManager(t)
	require.NoError(t, r.AddProvider("p", provider.Descriptor{Weight: 100}, router.AddOptions{}))
	require.NoError(t, r.AddProvider("q", provider.Descriptor{Weight: 100}, router.AddOptions{}))
	require.NoError(t, r.SetHealth("q", 1.0))
	b.ForceOpen("p")
	require.NoError(t, r.SetHealth("p", 0.2))

	m.Sweep()
	m.Sweep()

	all := r.ProviderStats()
	_, stillPresent := all["p"]
	assert.True(t, stillPresent)
	assert.Equal(t, int64(0), m.Stats().TotalFailovers)
}
