// Package config loads the system's tunable defaults (§6) via viper: env
// vars and an optional config file override the §6.4-6.6 compiled-in
// defaults from the provider package.
//
// Grounded on the teacher's internal/config/config.go viper bootstrap
// (SetConfigName/AddConfigPath/SetEnvPrefix/AutomaticEnv/SetDefault idiom),
// retargeted from the teacher's agent/TUI/permissions settings onto the
// rate-limit, circuit-breaker, and failover tuning knobs this system owns.
// The old ProviderHealthMetrics/ProviderRateLimits/CostTracker structs this
// package carried are adapted: their fields now live on provider.Limit,
// provider.CircuitConfig, and provider.FailoverConfig, which this loader
// populates.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/entrepeneur4lyf/llmrouter/internal/provider"
)

const appName = "llmrouter"

// System is the top-level configuration this package loads and the
// system package consumes to construct C2-C5.
type System struct {
	Circuit  provider.CircuitConfig
	Failover provider.FailoverConfig

	ProviderLimits map[provider.ID]provider.Limit
	TierLimits     map[provider.Tier]provider.Limit
}

// Load reads llmrouter's configuration from environment variables
// (LLMROUTER_*) and, if present, a config file named .llmrouter.yaml in
// $HOME or $XDG_CONFIG_HOME/llmrouter, layered over the compiled-in §6.4-6.6
// defaults.
func Load() (System, error) {
	v := viper.New()
	v.SetConfigName(fmt.Sprintf(".%s", appName))
	v.SetConfigType("yaml")
	v.AddConfigPath("$HOME")
	v.AddConfigPath(fmt.Sprintf("$XDG_CONFIG_HOME/%s", appName))
	v.AddConfigPath(fmt.Sprintf("$HOME/.config/%s", appName))
	v.SetEnvPrefix(strings.ToUpper(appName))
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return System{}, fmt.Errorf("config: read config file: %w", err)
		}
	}

	sys := System{
		Circuit: provider.CircuitConfig{
			FailureThreshold: v.GetInt("circuit.failureThreshold"),
			SuccessThreshold: v.GetInt("circuit.successThreshold"),
			OpenTimeout:      v.GetDuration("circuit.openTimeout"),
			HalfOpenTimeout:  v.GetDuration("circuit.halfOpenTimeout"),
			MonitoringWindow: v.GetDuration("circuit.monitoringWindow"),
		},
		Failover: provider.FailoverConfig{
			Strategy:                  provider.FailoverStrategy(v.GetString("failover.strategy")),
			HealthCheckInterval:       v.GetDuration("failover.healthCheckInterval"),
			MinHealthyProviders:       v.GetInt("failover.minHealthyProviders"),
			RedistributionMode:        provider.RedistributionMode(v.GetString("failover.redistributionMode")),
			DrainTimeout:              v.GetDuration("failover.drainTimeout"),
			RecoveryVerificationCount: v.GetInt("failover.recoveryVerificationCount"),
		},
		ProviderLimits: cloneProviderLimits(provider.DefaultProviderLimits),
		TierLimits:     cloneTierLimits(provider.DefaultTierLimits),
	}

	if sys.Circuit.FailureThreshold <= 0 {
		return System{}, provider.ErrInvalidThreshold
	}

	return sys, nil
}

func setDefaults(v *viper.Viper) {
	def := provider.DefaultCircuitConfig()
	v.SetDefault("circuit.failureThreshold", def.FailureThreshold)
	v.SetDefault("circuit.successThreshold", def.SuccessThreshold)
	v.SetDefault("circuit.openTimeout", def.OpenTimeout)
	v.SetDefault("circuit.halfOpenTimeout", def.HalfOpenTimeout)
	v.SetDefault("circuit.monitoringWindow", def.MonitoringWindow)

	fo := provider.DefaultFailoverConfig()
	v.SetDefault("failover.strategy", string(fo.Strategy))
	v.SetDefault("failover.healthCheckInterval", fo.HealthCheckInterval)
	v.SetDefault("failover.minHealthyProviders", fo.MinHealthyProviders)
	v.SetDefault("failover.redistributionMode", string(fo.RedistributionMode))
	v.SetDefault("failover.drainTimeout", fo.DrainTimeout)
	v.SetDefault("failover.recoveryVerificationCount", fo.RecoveryVerificationCount)
}

func cloneProviderLimits(src map[provider.ID]provider.Limit) map[provider.ID]provider.Limit {
	out := make(map[provider.ID]provider.Limit, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

func cloneTierLimits(src map[provider.Tier]provider.Limit) map[provider.Tier]provider.Limit {
	out := make(map[provider.Tier]provider.Limit, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
