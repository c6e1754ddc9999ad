// Package router implements single-provider selection (C4): it owns the
// authoritative provider map, the consistent-hash ring backing it, and the
// five routing strategies, returning one provider id per request.
//
// Grounded on the teacher's internal/llm/models/selector.go (a
// SelectionRequest/SelectionResponse selection surface scored across
// multiple weighted dimensions) and registry.go (the provider-keyed map with
// add/remove/stats operations), generalized from "pick the best model" to
// "pick the best healthy provider" per the routing strategies.
package router

import (
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/entrepeneur4lyf/llmrouter/internal/clock"
	"github.com/entrepeneur4lyf/llmrouter/internal/provider"
	"github.com/entrepeneur4lyf/llmrouter/internal/ringhash"
)

// Strategy selects the selection algorithm (§4.4).
type Strategy string

const (
	StrategyRoundRobin       Strategy = "round_robin"
	StrategyWeighted         Strategy = "weighted"
	StrategyLeastConnections Strategy = "least_connections"
	StrategyConsistentHash   Strategy = "consistent_hash"
	StrategyCapabilityBased  Strategy = "capability_based"
)

// HealthyThreshold is the router's own admission bar (§9 glossary: healthy
// for routing purposes is health_score >= 0.5; the Failover Manager uses a
// stricter 0.7 bar for its own classification).
const HealthyThreshold = 0.5

// AddOptions carries optional construction-time settings for AddProvider.
type AddOptions struct {
	Weight int
}

// Router is the request router (C4). It is the sole serializer of the
// provider map and the Ring substructure it owns (§5: "the Router is the
// serializer for the provider map"); the Ring is never exposed for direct
// writes.
type Router struct {
	mu         sync.Mutex
	providers  map[provider.ID]*provider.Provider
	ring       *ringhash.Ring
	strategy   Strategy
	coeffs     ScoreCoefficients
	rrIndex    int
	rng        *rand.Rand
	clock      clock.Clock
	log        *log.Logger
}

// New constructs a Router defaulting to the CapabilityBased strategy (§4.4),
// seeding its PRNG from the injected clock (§9: "seed it from the clock by
// default and expose a seed parameter for tests").
func New(c clock.Clock, logger *log.Logger) *Router {
	if logger == nil {
		logger = log.Default()
	}
	seed := uint64(c.Now().UnixNano())
	return &Router{
		providers: make(map[provider.ID]*provider.Provider),
		ring:      ringhash.New(ringhash.DefaultVirtualNodes, ringhash.SHA256),
		strategy:  StrategyCapabilityBased,
		coeffs:    DefaultScoreCoefficients(),
		rng:       rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		clock:     c,
		log:       logger,
	}
}

// NewWithSeed is identical to New but takes an explicit PRNG seed, for
// reproducible Weighted-strategy tests (§9 "Randomness").
func NewWithSeed(c clock.Clock, logger *log.Logger, seed uint64) *Router {
	r := New(c, logger)
	r.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	return r
}

// AddProvider inserts id into the provider map, the ring, and initializes
// its descriptor-derived state (§4.4). Adding an already-present id
// overwrites its descriptor in place without disturbing the ring.
func (r *Router) AddProvider(id provider.ID, desc provider.Descriptor, opts AddOptions) error {
	if id == "" {
		return provider.ErrInvalidProviderID
	}
	weight := opts.Weight
	if weight <= 0 {
		weight = desc.Weight
	}
	if weight <= 0 {
		return provider.ErrInvalidWeight
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	p, exists := r.providers[id]
	if !exists {
		p = &provider.Provider{ID: id, HealthScore: 1.0}
		r.providers[id] = p
		r.ring.Add(id)
	}
	p.Weight = weight
	p.Capabilities = desc.Capabilities
	p.Cost = desc.Cost
	p.Performance = desc.Performance
	return nil
}

// RemoveProvider deletes id from the provider map and ring (§4.4 inverse of
// AddProvider). A no-op if id is absent.
func (r *Router) RemoveProvider(id provider.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[id]; !ok {
		return
	}
	delete(r.providers, id)
	r.ring.Remove(id)
}

// SetHealth overrides id's health score (§4.4, §6.7 admin surface).
func (r *Router) SetHealth(id provider.ID, score float64) error {
	if score < 0 || score > 1 {
		return provider.ErrInvalidHealthScore
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.providers[id]
	if !ok {
		return provider.ErrUnknownProvider
	}
	p.HealthScore = score
	return nil
}

// SetRoutingStrategy switches the active strategy (§4.4, §6.7).
func (r *Router) SetRoutingStrategy(s Strategy) error {
	switch s {
	case StrategyRoundRobin, StrategyWeighted, StrategyLeastConnections, StrategyConsistentHash, StrategyCapabilityBased:
	default:
		return provider.ErrUnknownStrategy
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategy = s
	return nil
}

// UpdateConnectionCount adjusts id's active connection count by delta,
// floored at zero (§4.4).
func (r *Router) UpdateConnectionCount(id provider.ID, delta int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.providers[id]
	if !ok {
		return
	}
	p.ActiveConnections += delta
	if p.ActiveConnections < 0 {
		p.ActiveConnections = 0
	}
}

// SetDraining marks id as draining or not, used by the Failover Manager
// through this API rather than by direct shared-memory write (§4.3
// ownership note).
func (r *Router) SetDraining(id provider.ID, draining bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.providers[id]; ok {
		p.IsDraining = draining
	}
}

// SetFailoverTarget records id's failover_target for audit (§4.5).
func (r *Router) SetFailoverTarget(id provider.ID, target provider.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.providers[id]; ok {
		p.FailoverTarget = target
	}
}

// RecordOutcome updates id's rolling request counters and last-used/
// last-success/last-failure timestamps after a completed call (§9
// supplemented feature: a rolling request/success counter on ProviderStats,
// mirroring the teacher's ProviderHealthMetrics). A no-op if id is absent.
func (r *Router) RecordOutcome(id provider.ID, success bool, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.providers[id]
	if !ok {
		return
	}
	p.TotalRequests++
	p.LastUsed = at
	if success {
		p.LastSuccessTime = at
	} else {
		p.FailedRequests++
		p.LastFailureTime = at
	}
}

// Snapshot returns a deep copy of id's provider record, or false if absent.
func (r *Router) Snapshot(id provider.ID) (provider.Provider, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.providers[id]
	if !ok {
		return provider.Provider{}, false
	}
	return p.Clone(), true
}

// ProviderStats returns a snapshot of every tracked provider, keyed by id
// (§4.4 provider_stats).
func (r *Router) ProviderStats() map[provider.ID]provider.Provider {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[provider.ID]provider.Provider, len(r.providers))
	for id, p := range r.providers {
		out[id] = p.Clone()
	}
	return out
}

func healthy(p *provider.Provider) bool {
	return !p.IsDraining && p.HealthScore >= HealthyThreshold
}

// healthyCandidatesLocked returns the healthy, non-draining providers in
// deterministic id order (§4.4 RoundRobin tie-break), caller holds r.mu.
func (r *Router) healthyCandidatesLocked() []*provider.Provider {
	out := make([]*provider.Provider, 0, len(r.providers))
	for _, p := range r.providers {
		if healthy(p) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Route selects a single provider for req per the active strategy (§4.4).
func (r *Router) Route(req provider.Request) (provider.ID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	candidates := r.healthyCandidatesLocked()
	if len(candidates) == 0 {
		return "", provider.ErrNoAvailableProviders
	}

	switch r.strategy {
	case StrategyRoundRobin:
		return r.routeRoundRobinLocked(candidates), nil
	case StrategyWeighted:
		return r.routeWeightedLocked(candidates), nil
	case StrategyLeastConnections:
		return r.routeLeastConnectionsLocked(candidates), nil
	case StrategyConsistentHash:
		return r.routeConsistentHashLocked(req, candidates), nil
	default:
		return r.routeCapabilityBasedLocked(req, candidates)
	}
}

func (r *Router) routeRoundRobinLocked(candidates []*provider.Provider) provider.ID {
	idx := r.rrIndex % len(candidates)
	r.rrIndex++
	return candidates[idx].ID
}

// routeWeightedLocked picks proportional to weight*health_score, using
// integer-truncated weights so the draw is reproducible given a seed (§4.4).
func (r *Router) routeWeightedLocked(candidates []*provider.Provider) provider.ID {
	weights := make([]int64, len(candidates))
	var total int64
	for i, p := range candidates {
		w := int64(float64(p.Weight) * p.HealthScore)
		if w < 1 {
			w = 1
		}
		weights[i] = w
		total += w
	}

	pick := r.rng.Int64N(total)
	var cum int64
	for i, w := range weights {
		cum += w
		if pick < cum {
			return candidates[i].ID
		}
	}
	return candidates[len(candidates)-1].ID
}

func (r *Router) routeLeastConnectionsLocked(candidates []*provider.Provider) provider.ID {
	best := candidates[0]
	for _, p := range candidates[1:] {
		if p.ActiveConnections < best.ActiveConnections {
			best = p
		}
	}
	return best.ID
}

func (r *Router) routeConsistentHashLocked(req provider.Request, candidates []*provider.Provider) provider.ID {
	id, ok := r.ring.Lookup(req.HashKey())
	if ok {
		for _, p := range candidates {
			if p.ID == id {
				return id
			}
		}
	}
	return r.routeWeightedLocked(candidates)
}

func (r *Router) routeCapabilityBasedLocked(req provider.Request, candidates []*provider.Provider) (provider.ID, error) {
	var best *provider.Provider
	var bestScore float64

	for _, p := range candidates {
		score := ScoreProvider(*p, req, r.coeffs)
		if best == nil || score > bestScore || (score == bestScore && p.ActiveConnections < best.ActiveConnections) {
			best = p
			bestScore = score
		}
	}

	if best == nil || bestScore <= 0 {
		return "", provider.ErrNoAvailableProviders
	}
	return best.ID, nil
}

// SetScoreCoefficients hot-reloads the CapabilityBased scoring weights
// (§6.7).
func (r *Router) SetScoreCoefficients(c ScoreCoefficients) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.coeffs = c
}
