package router

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrepeneur4lyf/llmrouter/internal/clock"
	"github.com/entrepeneur4lyf/llmrouter/internal/provider"
)

func newTestRouter(t *testing.T) *Router {
	t.Helper()
	fc := clock.NewFake(time.Unix(0, 0))
	return NewWithSeed(fc, nil, 42)
}

func addHealthy(t *testing.T, r *Router, id provider.ID) {
	t.Helper()
	require.NoError(t, r.AddProvider(id, provider.Descriptor{Weight: 100}, AddOptions{}))
	require.NoError(t, r.SetHealth(id, 1.0))
}

// Property 6 / strategy invariants — RoundRobin over N healthy providers
// yields each exactly floor(K/N) or ceil(K/N) selections over K requests.
func TestRoundRobinEvenDistribution(t *testing.T) {
	r := newTestRouter(t)
	require.NoError(t, r.SetRoutingStrategy(StrategyRoundRobin))
	for _, id := range []provider.ID{"a", "b", "c"} {
		addHealthy(t, r, id)
	}

	counts := map[provider.ID]int{}
	const k = 100
	for i := 0; i < k; i++ {
		id, err := r.Route(provider.Request{})
		require.NoError(t, err)
		counts[id]++
	}

	floor := k / 3
	ceil := floor + 1
	for id, c := range counts {
		assert.True(t, c == floor || c == ceil, "provider %s got %d selections", id, c)
	}
}

func TestRoundRobinExcludesDraining(t *testing.T) {
	r := newTestRouter(t)
	require.NoError(t, r.SetRoutingStrategy(StrategyRoundRobin))
	addHealthy(t, r, "a")
	addHealthy(t, r, "b")
	r.SetDraining("b", true)

	for i := 0; i < 10; i++ {
		id, err := r.Route(provider.Request{})
		require.NoError(t, err)
		assert.Equal(t, provider.ID("a"), id)
	}
}

// LeastConnections never picks a provider with strictly more active
// connections than another healthy one.
func TestLeastConnectionsPicksMinimum(t *testing.T) {
	r := newTestRouter(t)
	require.NoError(t, r.SetRoutingStrategy(StrategyLeastConnections))
	addHealthy(t, r, "a")
	addHealthy(t, r, "b")
	addHealthy(t, r, "c")

	r.UpdateConnectionCount("a", 5)
	r.UpdateConnectionCount("b", 1)
	r.UpdateConnectionCount("c", 9)

	id, err := r.Route(provider.Request{})
	require.NoError(t, err)
	assert.Equal(t, provider.ID("b"), id)
}

func TestWeightedReproducibleGivenSeed(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	r1 := NewWithSeed(fc, nil, 7)
	r2 := NewWithSeed(fc, nil, 7)
	require.NoError(t, r1.SetRoutingStrategy(StrategyWeighted))
	require.NoError(t, r2.SetRoutingStrategy(StrategyWeighted))

	for _, r := range []*Router{r1, r2} {
		addHealthy(t, r, "a")
		addHealthy(t, r, "b")
		addHealthy(t, r, "c")
	}

	var seq1, seq2 []provider.ID
	for i := 0; i < 20; i++ {
		id1, err := r1.Route(provider.Request{})
		require.NoError(t, err)
		id2, err := r2.Route(provider.Request{})
		require.NoError(t, err)
		seq1 = append(seq1, id1)
		seq2 = append(seq2, id2)
	}
	assert.Equal(t, seq1, seq2)
}

func TestConsistentHashStableAndFallsBack(t *testing.T) {
	r := newTestRouter(t)
	require.NoError(t, r.SetRoutingStrategy(StrategyConsistentHash))
	addHealthy(t, r, "a")
	addHealthy(t, r, "b")
	addHealthy(t, r, "c")

	req := provider.Request{UserID: "u1", SessionID: "s1"}
	id1, err := r.Route(req)
	require.NoError(t, err)
	id2, err := r.Route(req)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	// Make the owning provider unhealthy; route must still succeed by
	// falling back to Weighted rather than erroring.
	require.NoError(t, r.SetHealth(id1, 0.0))
	_, err = r.Route(req)
	assert.NoError(t, err)
}

func TestCapabilityBasedShortCircuitsOnMissingCapability(t *testing.T) {
	r := newTestRouter(t)
	require.NoError(t, r.AddProvider("a", provider.Descriptor{
		Weight: 100,
		Capabilities: provider.Capabilities{
			Models: []string{"gpt-4"},
		},
	}, AddOptions{}))
	require.NoError(t, r.SetHealth("a", 1.0))

	_, err := r.Route(provider.Request{Model: "claude-3", RequiredFeatures: nil})
	assert.ErrorIs(t, err, provider.ErrNoAvailableProviders)
}

func TestCapabilityBasedPrefersFamilyMatchOverSubstring(t *testing.T) {
	exact := capabilityMatchScore(
		provider.Provider{Capabilities: provider.Capabilities{Models: []string{"gpt-4-turbo"}}},
		provider.Request{Model: "gpt-4-turbo"},
	)
	family := capabilityMatchScore(
		provider.Provider{Capabilities: provider.Capabilities{Models: []string{"gpt-4-vision"}}},
		provider.Request{Model: "gpt-4-turbo"},
	)
	substr := capabilityMatchScore(
		provider.Provider{Capabilities: provider.Capabilities{Models: []string{"some-gpt-4-turbo-preview"}}},
		provider.Request{Model: "gpt-4-turbo"},
	)
	assert.Equal(t, 100.0, exact)
	assert.Equal(t, 80.0, family)
	assert.Equal(t, 60.0, substr)
}

func TestCapabilityBasedAffinityBonus(t *testing.T) {
	r := newTestRouter(t)
	addHealthy(t, r, "a")
	addHealthy(t, r, "b")

	id, err := r.Route(provider.Request{SessionAffinity: "b"})
	require.NoError(t, err)
	assert.Equal(t, provider.ID("b"), id)
}

func TestNoAvailableProvidersWhenAllUnhealthy(t *testing.T) {
	r := newTestRouter(t)
	require.NoError(t, r.AddProvider("a", provider.Descriptor{Weight: 100}, AddOptions{}))
	require.NoError(t, r.SetHealth("a", 0.1))

	_, err := r.Route(provider.Request{})
	assert.ErrorIs(t, err, provider.ErrNoAvailableProviders)
}

func TestAddProviderRejectsEmptyID(t *testing.T) {
	r := newTestRouter(t)
	err := r.AddProvider("", provider.Descriptor{}, AddOptions{})
	assert.ErrorIs(t, err, provider.ErrInvalidProviderID)
}

func TestAddProviderRejectsNonPositiveWeight(t *testing.T) {
	r := newTestRouter(t)
	err := r.AddProvider("a", provider.Descriptor{Weight: 0}, AddOptions{})
	assert.ErrorIs(t, err, provider.ErrInvalidWeight)

	err = r.AddProvider("a", provider.Descriptor{Weight: -5}, AddOptions{})
	assert.ErrorIs(t, err, provider.ErrInvalidWeight)

	// opts.Weight <= 0 falls back to the descriptor's weight rather than
	// erroring outright; only the absence of any positive weight in either
	// source is invalid.
	require.NoError(t, r.AddProvider("a", provider.Descriptor{Weight: 100}, AddOptions{Weight: -1}))
}

func TestRemoveProviderClearsFromRing(t *testing.T) {
	r := newTestRouter(t)
	addHealthy(t, r, "a")
	addHealthy(t, r, "b")

	r.RemoveProvider("a")
	stats := r.ProviderStats()
	_, ok := stats["a"]
	assert.False(t, ok)

	require.NoError(t, r.SetRoutingStrategy(StrategyConsistentHash))
	id, err := r.Route(provider.Request{UserID: "x"})
	require.NoError(t, err)
	assert.Equal(t, provider.ID("b"), id)
}

func TestSetHealthRejectsOutOfRange(t *testing.T) {
	r := newTestRouter(t)
	addHealthy(t, r, "a")
	err := r.SetHealth("a", 1.5)
	assert.ErrorIs(t, err, provider.ErrInvalidHealthScore)
}

func TestSetRoutingStrategyRejectsUnknown(t *testing.T) {
	r := newTestRouter(t)
	err := r.SetRoutingStrategy("nonexistent")
	assert.ErrorIs(t, err, provider.ErrUnknownStrategy)
}
