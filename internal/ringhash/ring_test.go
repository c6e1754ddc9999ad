package ringhash

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrepeneur4lyf/llmrouter/internal/provider"
)

func TestAddIdempotent(t *testing.T) {
	r := New(DefaultVirtualNodes, SHA256)
	r.Add("a")
	before := r.Stats()
	r.Add("a")
	after := r.Stats()
	assert.Equal(t, before, after)
}

func TestRemoveInverseOfAdd(t *testing.T) {
	r := New(DefaultVirtualNodes, SHA256)
	r.Add("a")
	r.Add("b")
	before := r.Stats()

	r.Add("c")
	r.Remove("c")
	after := r.Stats()

	assert.Equal(t, before.NodeCount, after.NodeCount)
	assert.Equal(t, before.VNodeCount, after.VNodeCount)
}

func TestRemoveIdempotent(t *testing.T) {
	r := New(DefaultVirtualNodes, SHA256)
	r.Add("a")
	r.Remove("a")
	before := r.Stats()
	r.Remove("a")
	after := r.Stats()
	assert.Equal(t, before, after)
}

func TestLookupEmptyRing(t *testing.T) {
	r := New(DefaultVirtualNodes, SHA256)
	_, ok := r.Lookup("anything")
	assert.False(t, ok)
}

func TestLookupStable(t *testing.T) {
	r := New(DefaultVirtualNodes, SHA256)
	r.Add("a")
	r.Add("b")
	r.Add("c")

	id, ok := r.Lookup("user:session")
	require.True(t, ok)

	id2, ok := r.Lookup("user:session")
	require.True(t, ok)
	assert.Equal(t, id, id2)
}

func TestLookupNDistinct(t *testing.T) {
	r := New(DefaultVirtualNodes, SHA256)
	for _, id := range []provider.ID{"a", "b", "c", "d", "e"} {
		r.Add(id)
	}

	ids := r.LookupN("some-key", 3)
	require.Len(t, ids, 3)

	seen := map[provider.ID]bool{}
	for _, id := range ids {
		assert.False(t, seen[id], "duplicate id in LookupN result")
		seen[id] = true
	}
}

func TestLookupNCapsAtMembership(t *testing.T) {
	r := New(DefaultVirtualNodes, SHA256)
	r.Add("a")
	r.Add("b")

	ids := r.LookupN("k", 5)
	assert.Len(t, ids, 2)
}

// S1 — Ring redistribution: adding a 4th provider to {a,b,c} should move
// roughly 1/4 of keys (bounded [0.20, 0.30] per §8 S1).
func TestRingRedistributionFraction(t *testing.T) {
	r := New(DefaultVirtualNodes, SHA256)
	r.Add("a")
	r.Add("b")
	r.Add("c")

	const numKeys = 10_000
	keys := make([]string, numKeys)
	before := make(map[string]provider.ID, numKeys)
	for i := 0; i < numKeys; i++ {
		keys[i] = fmt.Sprintf("key-%d", i)
		id, ok := r.Lookup(keys[i])
		require.True(t, ok)
		before[keys[i]] = id
	}

	r.Add("d")

	changed := 0
	for _, k := range keys {
		id, ok := r.Lookup(k)
		require.True(t, ok)
		if id != before[k] {
			changed++
		}
	}

	fraction := float64(changed) / float64(numKeys)
	assert.GreaterOrEqual(t, fraction, 0.20)
	assert.LessOrEqual(t, fraction, 0.30)
}

// Ring stability (§8 property 1): for S1 subset S2, the fraction of keys
// whose mapping changes is bounded by |S2-S1|/|S2| plus a small constant.
func TestRingStabilityFuzz(t *testing.T) {
	r := New(DefaultVirtualNodes, SHA256)
	members := []provider.ID{"p1", "p2", "p3", "p4", "p5", "p6", "p7", "p8"}
	for _, m := range members {
		r.Add(m)
	}

	const numKeys = 10_000
	keys := make([]string, numKeys)
	before := make([]provider.ID, numKeys)
	for i := range keys {
		keys[i] = fmt.Sprintf("fuzz-%d", i)
		id, _ := r.Lookup(keys[i])
		before[i] = id
	}

	r.Add("p9")

	changed := 0
	for i, k := range keys {
		id, _ := r.Lookup(k)
		if id != before[i] {
			changed++
		}
	}

	fraction := float64(changed) / float64(numKeys)
	bound := 1.0/9.0 + 0.05
	assert.LessOrEqual(t, fraction, bound)
}

func TestStatsLoadFactor(t *testing.T) {
	r := New(DefaultVirtualNodes, SHA256)
	r.Add("a")
	r.Add("b")
	r.Add("c")

	stats := r.Stats()
	assert.Equal(t, 3, stats.NodeCount)
	assert.Equal(t, 3*DefaultVirtualNodes, stats.VNodeCount)
	for _, v := range stats.PerNodeVNodes {
		assert.Equal(t, DefaultVirtualNodes, v)
	}
	// Equal vnode counts per provider -> zero variance -> zero load factor.
	assert.InDelta(t, 0, stats.LoadFactor, 1e-9)
}

func TestHashAlgorithmSelectable(t *testing.T) {
	for _, algo := range []HashAlgorithm{SHA256, SHA1, MD5} {
		r := New(50, algo)
		r.Add("a")
		r.Add("b")
		_, ok := r.Lookup("k")
		assert.True(t, ok)
	}
}
