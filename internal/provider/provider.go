// Package provider holds the domain vocabulary shared by the router, circuit
// breaker, rate limiter, hash ring, and failover manager: the Provider
// record, its capabilities, and the request/response descriptors exchanged
// with callers.
package provider

import (
	"time"
)

// ID identifies a provider in the fleet. It is opaque and hashable.
type ID string

// RequestType is the kind of inference request being routed.
type RequestType string

const (
	RequestChat      RequestType = "chat"
	RequestComplete  RequestType = "complete"
	RequestEmbed     RequestType = "embed"
	RequestRerank    RequestType = "rerank"
	RequestModerate  RequestType = "moderate"
)

// Feature is an optional capability a provider may advertise support for.
type Feature string

const (
	FeatureStreaming     Feature = "streaming"
	FeatureTools         Feature = "tools"
	FeatureVision        Feature = "vision"
	FeatureReasoning     Feature = "reasoning"
	FeatureJSONMode      Feature = "json_mode"
	FeaturePromptCaching Feature = "prompt_caching"
)

// Tier is a user subscription tier, used both for rate-limit bucket
// selection (§6.4) and capability gating.
type Tier string

const (
	TierFree       Tier = "free"
	TierPremium    Tier = "premium"
	TierEnterprise Tier = "enterprise"
)

// Priority ranks a request's cost sensitivity; it scales the cost dimension
// of capability scoring (§4.4).
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// PriorityMultiplier returns the cost-score scaling factor for a priority,
// defaulting unknown priorities to Normal's 1.0.
func PriorityMultiplier(p Priority) float64 {
	switch p {
	case PriorityCritical:
		return 1.5
	case PriorityHigh:
		return 1.2
	case PriorityLow:
		return 0.8
	default:
		return 1.0
	}
}

// Capabilities describes what a provider supports.
type Capabilities struct {
	Models       []string      `json:"models"`
	RequestTypes []RequestType `json:"request_types"`
	Features     []Feature     `json:"features"`
	UserTiers    []Tier        `json:"user_tiers"`
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func containsRequestType(list []RequestType, v RequestType) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func containsFeature(list []Feature, v Feature) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func containsTier(list []Tier, v Tier) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// SupportsFeatures reports whether every feature in required is present.
func (c Capabilities) SupportsFeatures(required []Feature) bool {
	for _, f := range required {
		if !containsFeature(c.Features, f) {
			return false
		}
	}
	return true
}

// PerformanceMetrics mirrors §6.1's performance_metrics block.
type PerformanceMetrics struct {
	AvgLatencyMS     float64
	RequestsPerSec   float64
	SuccessRate      float64 // [0,1]
	PerformanceIndex float64
}

// CostMetrics mirrors §6.1's cost_metrics block.
type CostMetrics struct {
	CostPerRequest float64
}

// Descriptor is the external provider registry record consumed by
// Router.AddProvider (§6.1).
type Descriptor struct {
	Capabilities Capabilities
	Cost         CostMetrics
	Performance  PerformanceMetrics
	Weight       int // default 100
}

// Provider is the unit of routing (§3).
type Provider struct {
	ID                ID
	Weight            int
	Capabilities       Capabilities
	Cost              CostMetrics
	Performance       PerformanceMetrics
	HealthScore       float64 // [0,1]
	ActiveConnections int64
	LastUsed          time.Time
	LastSuccessTime   time.Time
	LastFailureTime   time.Time
	IsDraining        bool
	FailoverTarget    ID

	// Supplemented (SPEC_FULL §9): rolling counters mirroring the teacher's
	// ProviderHealthMetrics, maintained by Router.RecordOutcome for operator
	// introspection. The failover manager's consecutive-failure count is
	// derived from health_score, not from these counters.
	TotalRequests  int64
	FailedRequests int64
}

// Healthy reports router-level health admission: health_score >= 0.5 and
// the provider is not draining. Circuit state is not consulted here.
func (p Provider) Healthy() bool {
	return !p.IsDraining && p.HealthScore >= 0.5
}

// Clone returns a value copy safe to hand to callers without exposing the
// router's internal map for mutation.
func (p Provider) Clone() Provider {
	cp := p
	cp.Capabilities.Models = append([]string(nil), p.Capabilities.Models...)
	cp.Capabilities.RequestTypes = append([]RequestType(nil), p.Capabilities.RequestTypes...)
	cp.Capabilities.Features = append([]Feature(nil), p.Capabilities.Features...)
	cp.Capabilities.UserTiers = append([]Tier(nil), p.Capabilities.UserTiers...)
	return cp
}

// Request is the caller-supplied request descriptor (§6.2).
type Request struct {
	Model             string
	Type              RequestType // default RequestChat
	Priority          Priority
	MaxCost           *float64
	MinPerformance    *float64
	RequiredFeatures  []Feature
	UserID            string
	UserTier          Tier
	SessionID         string
	SessionAffinity   ID
	EstimatedTokens   int
}

// EffectiveType returns Type, defaulting to chat per §6.2.
func (r Request) EffectiveType() RequestType {
	if r.Type == "" {
		return RequestChat
	}
	return r.Type
}

// HashKey computes the ConsistentHash strategy key per §4.4: user_id and
// session_id joined by ":", each defaulting to a literal placeholder when
// absent so a request missing both still maps deterministically.
func (r Request) HashKey() string {
	user := r.UserID
	if user == "" {
		user = "_anon_user_"
	}
	session := r.SessionID
	if session == "" {
		session = "_no_session_"
	}
	return user + ":" + session
}
