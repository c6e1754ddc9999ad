package provider

import "time"

// ProviderWindow, UserWindow and SessionWindow are the default bucket
// windows per §4.2.
const (
	ProviderWindow = 60 * time.Second
	UserWindow     = 3600 * time.Second
	SessionWindow  = 60 * time.Second
)

// Limit is a (requests, tokens) budget pair for one window. Tokens of 0
// means the scope does not track tokens (e.g. session).
type Limit struct {
	Requests int
	Tokens   int
	Window   time.Duration
}

// DefaultProviderLimits is the §6.4 per-provider default table.
var DefaultProviderLimits = map[ID]Limit{
	"openai":    {Requests: 3000, Tokens: 250_000, Window: ProviderWindow},
	"anthropic": {Requests: 1000, Tokens: 100_000, Window: ProviderWindow},
	"cohere":    {Requests: 500, Tokens: 50_000, Window: ProviderWindow},
}

// DefaultTierLimits is the §6.4 per-user-tier default table.
var DefaultTierLimits = map[Tier]Limit{
	TierFree:       {Requests: 100, Tokens: 10_000, Window: UserWindow},
	TierPremium:    {Requests: 1000, Tokens: 100_000, Window: UserWindow},
	TierEnterprise: {Requests: 10_000, Tokens: 1_000_000, Window: UserWindow},
}

// DefaultSessionLimit is the §6.4 session-scope default: fixed, independent
// of tier, no token dimension.
var DefaultSessionLimit = Limit{Requests: 100, Window: SessionWindow}

// CircuitConfig is the §6.5 default circuit-breaker configuration.
type CircuitConfig struct {
	FailureThreshold  int
	SuccessThreshold  int
	OpenTimeout       time.Duration
	HalfOpenTimeout   time.Duration
	MonitoringWindow  time.Duration
}

// DefaultCircuitConfig returns the §6.5 defaults.
func DefaultCircuitConfig() CircuitConfig {
	return CircuitConfig{
		FailureThreshold: 5,
		SuccessThreshold: 3,
		OpenTimeout:      60 * time.Second,
		HalfOpenTimeout:  30 * time.Second,
		MonitoringWindow: 300 * time.Second,
	}
}

// FailoverStrategy selects how an unhealthy provider is removed from
// service (§4.5).
type FailoverStrategy string

const (
	FailoverImmediate             FailoverStrategy = "immediate"
	FailoverGraceful              FailoverStrategy = "graceful"
	FailoverCircuitBreakerGuided  FailoverStrategy = "circuit_breaker_guided"
)

// RedistributionMode controls how rebalance() reacts to membership change.
type RedistributionMode string

const (
	RedistributionRebalance RedistributionMode = "rebalance"
	RedistributionNone      RedistributionMode = "none"
)

// FailoverConfig is the §6.6 default failover configuration.
type FailoverConfig struct {
	Strategy                 FailoverStrategy
	HealthCheckInterval       time.Duration
	MinHealthyProviders       int
	RedistributionMode        RedistributionMode
	DrainTimeout              time.Duration
	RecoveryVerificationCount int
}

// DefaultFailoverConfig returns the §6.6 defaults.
func DefaultFailoverConfig() FailoverConfig {
	return FailoverConfig{
		Strategy:                  FailoverCircuitBreakerGuided,
		HealthCheckInterval:       30 * time.Second,
		MinHealthyProviders:       1,
		RedistributionMode:        RedistributionRebalance,
		DrainTimeout:              60 * time.Second,
		RecoveryVerificationCount: 3,
	}
}
