package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrepeneur4lyf/llmrouter/internal/provider"
)

func TestLoadAppliesCompiledDefaults(t *testing.T) {
	sys, err := Load()
	require.NoError(t, err)

	def := provider.DefaultCircuitConfig()
	assert.Equal(t, def.FailureThreshold, sys.Circuit.FailureThreshold)
	assert.Equal(t, def.OpenTimeout, sys.Circuit.OpenTimeout)

	fo := provider.DefaultFailoverConfig()
	assert.Equal(t, fo.Strategy, sys.Failover.Strategy)
	assert.Equal(t, fo.DrainTimeout, sys.Failover.DrainTimeout)

	assert.Contains(t, sys.ProviderLimits, provider.ID("openai"))
	assert.Contains(t, sys.TierLimits, provider.TierFree)
}

func TestLoadHonorsEnvOverride(t *testing.T) {
	t.Setenv("LLMROUTER_CIRCUIT_FAILURETHRESHOLD", "9")
	sys, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9, sys.Circuit.FailureThreshold)
}
