package ratelimit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForTier(t *testing.T) {
	anonymous := ForTier(TierAnonymous)
	free := ForTier(TierFree)
	pro := ForTier(TierPro)

	// budgets must be strictly ordered or tier upgrades are pointless
	assert.Less(t, anonymous.RequestsPerMinute, free.RequestsPerMinute)
	assert.Less(t, free.RequestsPerMinute, pro.RequestsPerMinute)

	assert.Equal(t, anonymous, ForTier(Tier("enterprise-trial")))
}

func TestConfig_Validate(t *testing.T) {
	for _, tier := range []Tier{TierAnonymous, TierFree, TierPro} {
		require.NoError(t, ForTier(tier).Validate(), "tier %s", tier)
	}

	assert.Error(t, Config{RequestsPerMinute: 0, Burst: 1}.Validate())
	assert.Error(t, Config{RequestsPerMinute: 10, Burst: 0}.Validate())
	assert.Error(t, Config{RequestsPerMinute: 10, Burst: 20}.Validate())
}

func TestConfig_Limiter(t *testing.T) {
	limiter := Config{RequestsPerMinute: 60, Burst: 5}.Limiter()
	require.NotNil(t, limiter)

	// the burst is available immediately, the next request is not
	for i := 0; i < 5; i++ {
		assert.True(t, limiter.Allow(), "burst request %d", i)
	}
	assert.False(t, limiter.Allow())
}
