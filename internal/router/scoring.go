package router

import (
	"strings"

	"github.com/entrepeneur4lyf/llmrouter/internal/provider"
)

// ScoreCoefficients weights the six capability-scoring dimensions (§4.4).
type ScoreCoefficients struct {
	Capability float64
	Performance float64
	Cost        float64
	Health      float64
	Load        float64
	Affinity    float64
}

// DefaultScoreCoefficients returns the §4.4 default weights.
func DefaultScoreCoefficients() ScoreCoefficients {
	return ScoreCoefficients{
		Capability:  0.4,
		Performance: 0.2,
		Cost:        0.2,
		Health:      0.1,
		Load:        0.05,
		Affinity:    0.05,
	}
}

// ScoreProvider computes p's aggregate CapabilityBased score for req (§4.4):
// the weighted sum of six independently-testable dimensions, short-circuited
// to zero when capability_match or cost is zero, then scaled by
// provider.weight/100.
func ScoreProvider(p provider.Provider, req provider.Request, c ScoreCoefficients) float64 {
	capMatch := capabilityMatchScore(p, req)
	costScore := costScore(p, req)
	if capMatch == 0 || costScore == 0 {
		return 0
	}

	perf := performanceScore(p, req)
	health := healthScore(p)
	load := loadScore(p)
	affinity := affinityScore(p, req)

	total := c.Capability*capMatch +
		c.Performance*perf +
		c.Cost*costScore +
		c.Health*health +
		c.Load*load +
		c.Affinity*affinity

	return total * (float64(p.Weight) / 100.0)
}

// capabilityMatchScore is {0,100}: 100 iff model, request type, features,
// and user tier are all supported; a required model may match exactly (100
// contribution before the all-of reduction), as a same-family prefix (80),
// or as a substring (60) — but any non-model mismatch still zeroes the
// dimension (§4.4 table).
func capabilityMatchScore(p provider.Provider, req provider.Request) float64 {
	if !requestTypeSupported(p, req.EffectiveType()) {
		return 0
	}
	if !p.Capabilities.SupportsFeatures(req.RequiredFeatures) {
		return 0
	}
	if !tierSupported(p, req.UserTier) {
		return 0
	}

	modelScore := modelMatchScore(p.Capabilities.Models, req.Model)
	if modelScore == 0 {
		return 0
	}
	return modelScore
}

func requestTypeSupported(p provider.Provider, t provider.RequestType) bool {
	if len(p.Capabilities.RequestTypes) == 0 {
		return true // no declared restriction
	}
	for _, rt := range p.Capabilities.RequestTypes {
		if rt == t {
			return true
		}
	}
	return false
}

func tierSupported(p provider.Provider, tier provider.Tier) bool {
	if tier == "" || len(p.Capabilities.UserTiers) == 0 {
		return true
	}
	for _, t := range p.Capabilities.UserTiers {
		if t == tier {
			return true
		}
	}
	return false
}

// modelMatchScore returns 100 for an exact match, 80 for a same-family
// prefix (identical first two dash-separated tokens), 60 for a substring
// match, else 0. An empty required model is treated as "no preference",
// scoring 100 against any provider; a provider that declares no models is
// treated as unrestricted, scoring 100 against any required model.
func modelMatchScore(models []string, required string) float64 {
	if required == "" || len(models) == 0 {
		return 100
	}
	for _, m := range models {
		if m == required {
			return 100
		}
	}
	reqFamily := familyPrefix(required)
	for _, m := range models {
		if reqFamily != "" && familyPrefix(m) == reqFamily {
			return 80
		}
	}
	for _, m := range models {
		if strings.Contains(m, required) || strings.Contains(required, m) {
			return 60
		}
	}
	return 0
}

// familyPrefix returns the first two dash-separated tokens of a model name,
// e.g. "gpt-4-turbo" -> "gpt-4" (§4.4 "same first two dash-separated
// tokens").
func familyPrefix(model string) string {
	parts := strings.Split(model, "-")
	if len(parts) < 2 {
		return model
	}
	return parts[0] + "-" + parts[1]
}

// performanceScore averages latency band, throughput band, and success-rate
// (x100), halved if below the request's min_performance floor (§4.4).
func performanceScore(p provider.Provider, req provider.Request) float64 {
	latencyBand := band(p.Performance.AvgLatencyMS, []bandStep{
		{100, 100}, {500, 80}, {1000, 60}, {2000, 40}, {5000, 20},
	})
	throughputBand := band(1000.0/maxF(p.Performance.RequestsPerSec, 0.001), []bandStep{
		{100, 100}, {500, 80}, {1000, 60}, {2000, 40}, {5000, 20},
	})
	successScore := p.Performance.SuccessRate * 100

	avg := (latencyBand + throughputBand + successScore) / 3.0

	if req.MinPerformance != nil && avg < *req.MinPerformance {
		avg *= 0.5
	}
	return avg
}

type bandStep struct {
	ceiling float64
	score   float64
}

// band maps value to the score of the first step whose ceiling it is <=,
// else 0 (the "else 0" tail of the §4.4 latency/throughput bands).
func band(value float64, steps []bandStep) float64 {
	for _, s := range steps {
		if value <= s.ceiling {
			return s.score
		}
	}
	return 0
}

func maxF(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// costScore is [0,150]: 0 above max_cost, else banded by cost_per_request
// and scaled by the request's priority multiplier (§4.4).
func costScore(p provider.Provider, req provider.Request) float64 {
	cost := p.Cost.CostPerRequest
	if req.MaxCost != nil && cost > *req.MaxCost {
		return 0
	}

	base := band(cost*1000, []bandStep{
		{1, 100}, {5, 80}, {10, 60}, {50, 40}, {100, 20},
	})
	if base == 0 {
		return 0
	}

	scaled := base * provider.PriorityMultiplier(req.Priority)
	if scaled > 150 {
		scaled = 150
	}
	return scaled
}

// healthScore is [0,100]: health_score*100 (§4.4).
func healthScore(p provider.Provider) float64 {
	return p.HealthScore * 100
}

// loadScore is [0,100], banded by active_connections (§4.4).
func loadScore(p provider.Provider) float64 {
	return band(float64(p.ActiveConnections), []bandStep{
		{0, 100}, {5, 80}, {20, 60}, {50, 40}, {100, 20},
	})
}

// affinityScore is {50,500}: 500 if the request's session-affinity token
// references this provider, else 50 (§4.4).
func affinityScore(p provider.Provider, req provider.Request) float64 {
	if req.SessionAffinity != "" && req.SessionAffinity == p.ID {
		return 500
	}
	return 50
}
