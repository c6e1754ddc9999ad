// Package ringhash implements the consistent-hash ring (C1): a stable
// key->provider mapping built from virtual nodes, used by the Router's
// ConsistentHash strategy for sticky routing under membership change.
package ringhash

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"fmt"
	"math"
	"math/big"
	"sort"
	"sync"

	"github.com/entrepeneur4lyf/llmrouter/internal/provider"
)

// HashAlgorithm selects the hash function backing the ring (§6.3).
type HashAlgorithm string

const (
	SHA256 HashAlgorithm = "sha256"
	SHA1   HashAlgorithm = "sha1"
	MD5    HashAlgorithm = "md5"
)

// DefaultVirtualNodes is the construction-time virtual-node count (§3).
const DefaultVirtualNodes = 150

// hashFunc hashes a key to a big-endian unsigned integer, per §6.3.
type hashFunc func(key string) *big.Int

func newHashFunc(algo HashAlgorithm) hashFunc {
	switch algo {
	case SHA1:
		return func(key string) *big.Int {
			sum := sha1.Sum([]byte(key))
			return new(big.Int).SetBytes(sum[:])
		}
	case MD5:
		return func(key string) *big.Int {
			sum := md5.Sum([]byte(key))
			return new(big.Int).SetBytes(sum[:])
		}
	default:
		return func(key string) *big.Int {
			sum := sha256.Sum256([]byte(key))
			return new(big.Int).SetBytes(sum[:])
		}
	}
}

// vnode is one virtual-node entry: a ring position mapped to a provider id.
type vnode struct {
	pos *big.Int
	id  provider.ID
}

// snapshot is the immutable, sorted view of the ring used by lookups.
// Ring mutation is copy-on-write: Add/Remove build a new snapshot and swap
// the pointer while holding the mutex. Lookups take the same mutex only to
// read the current pointer, so they may wait while a mutation is in
// progress, but always see a consistent view (§5).
type snapshot struct {
	nodes     []vnode          // sorted by pos
	perNode   map[provider.ID]int
}

// Ring is the consistent-hash ring (C1).
type Ring struct {
	mu      sync.Mutex
	current *snapshot
	vnodes  int
	hash    hashFunc
	algo    HashAlgorithm
}

// New constructs an empty ring with the given virtual-node count and hash
// algorithm. A virtualNodes <= 0 uses DefaultVirtualNodes.
func New(virtualNodes int, algo HashAlgorithm) *Ring {
	if virtualNodes <= 0 {
		virtualNodes = DefaultVirtualNodes
	}
	return &Ring{
		current: &snapshot{perNode: map[provider.ID]int{}},
		vnodes:  virtualNodes,
		hash:    newHashFunc(algo),
		algo:    algo,
	}
}

// Add inserts a provider's virtual nodes into the ring. A no-op if the
// provider is already present (§4.1).
func (r *Ring) Add(id provider.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.current.perNode[id]; exists {
		return
	}

	cur := r.current
	nodes := make([]vnode, len(cur.nodes), len(cur.nodes)+r.vnodes)
	copy(nodes, cur.nodes)

	seen := make(map[string]struct{}, len(nodes))
	for _, n := range nodes {
		seen[n.pos.String()] = struct{}{}
	}

	for i := 0; i < r.vnodes; i++ {
		key := fmt.Sprintf("%s:%d", id, i)
		pos := r.hash(key)
		// Collision at insert time is vanishingly rare for sha-256; reject
		// by perturbing rather than silently dropping a vnode, so Remove's
		// inverse-of-Add invariant always holds exactly V positions.
		for {
			if _, dup := seen[pos.String()]; !dup {
				break
			}
			pos = r.hash(pos.String())
		}
		seen[pos.String()] = struct{}{}
		nodes = append(nodes, vnode{pos: pos, id: id})
	}

	sort.Slice(nodes, func(i, j int) bool { return nodes[i].pos.Cmp(nodes[j].pos) < 0 })

	perNode := make(map[provider.ID]int, len(cur.perNode)+1)
	for k, v := range cur.perNode {
		perNode[k] = v
	}
	perNode[id] = r.vnodes

	r.current = &snapshot{nodes: nodes, perNode: perNode}
}

// Remove deletes a provider's virtual nodes from the ring, leaving other
// providers' positions untouched (§4.1). A no-op if the provider is absent.
func (r *Ring) Remove(id provider.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.current
	if _, exists := cur.perNode[id]; !exists {
		return
	}

	nodes := make([]vnode, 0, len(cur.nodes))
	for _, n := range cur.nodes {
		if n.id != id {
			nodes = append(nodes, n)
		}
	}

	perNode := make(map[provider.ID]int, len(cur.perNode))
	for k, v := range cur.perNode {
		if k != id {
			perNode[k] = v
		}
	}

	r.current = &snapshot{nodes: nodes, perNode: perNode}
}

// Lookup returns the provider owning the smallest ring position >= hash(key),
// wrapping to the minimum position if none is found. Returns ("", false) on
// an empty ring (§4.1 failure semantics: no error).
func (r *Ring) Lookup(key string) (provider.ID, bool) {
	r.mu.Lock()
	snap := r.current
	r.mu.Unlock()

	if len(snap.nodes) == 0 {
		return "", false
	}

	h := r.hash(key)
	i := sort.Search(len(snap.nodes), func(i int) bool {
		return snap.nodes[i].pos.Cmp(h) >= 0
	})
	if i == len(snap.nodes) {
		i = 0
	}
	return snap.nodes[i].id, true
}

// LookupN walks clockwise from hash(key), skipping virtual nodes whose
// provider id has already been returned, and returns up to n distinct
// provider ids in ring order (§4.1).
func (r *Ring) LookupN(key string, n int) []provider.ID {
	r.mu.Lock()
	snap := r.current
	r.mu.Unlock()

	if n <= 0 || len(snap.nodes) == 0 {
		return nil
	}

	h := r.hash(key)
	start := sort.Search(len(snap.nodes), func(i int) bool {
		return snap.nodes[i].pos.Cmp(h) >= 0
	})
	if start == len(snap.nodes) {
		start = 0
	}

	result := make([]provider.ID, 0, n)
	seen := make(map[provider.ID]struct{}, n)
	total := len(snap.nodes)
	for i := 0; i < total && len(result) < n; i++ {
		idx := (start + i) % total
		id := snap.nodes[idx].id
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		result = append(result, id)
	}
	return result
}

// Stats summarizes ring distribution, per §4.1.
type Stats struct {
	NodeCount     int
	VNodeCount    int
	PerNodeVNodes map[provider.ID]int
	LoadFactor    float64 // stddev(per_node_vnodes) / mean
}

// Stats computes the current distribution statistics.
func (r *Ring) Stats() Stats {
	r.mu.Lock()
	snap := r.current
	r.mu.Unlock()

	perNode := make(map[provider.ID]int, len(snap.perNode))
	for k, v := range snap.perNode {
		perNode[k] = v
	}

	n := len(perNode)
	if n == 0 {
		return Stats{PerNodeVNodes: perNode}
	}

	var sum float64
	for _, v := range perNode {
		sum += float64(v)
	}
	mean := sum / float64(n)

	var variance float64
	for _, v := range perNode {
		d := float64(v) - mean
		variance += d * d
	}
	variance /= float64(n)
	stddev := math.Sqrt(variance)

	var loadFactor float64
	if mean > 0 {
		loadFactor = stddev / mean
	}

	return Stats{
		NodeCount:     n,
		VNodeCount:    len(snap.nodes),
		PerNodeVNodes: perNode,
		LoadFactor:    loadFactor,
	}
}
