package marketplace

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PolySignals/internal/domain/models"
)

func TestNewOfferingOrdersTiers(t *testing.T) {
	o, err := NewOffering("polysignals", "calibrated prediction-market signals",
		models.TierTerms{Tier: models.TierFree, Latency: time.Hour, DailyQuota: 1},
		models.TierTerms{Tier: models.TierPro, DailyQuota: -1, Price: 10},
		models.TierTerms{Tier: models.TierPremium, Latency: 5 * time.Minute, MinScore: 0.6, DailyQuota: 10, Price: 3},
	)
	require.NoError(t, err)
	require.Len(t, o.Tiers, 3)
	assert.Equal(t, models.TierPro, o.Tiers[0].Tier)
	assert.Equal(t, models.TierFree, o.Tiers[2].Tier)
	assert.Equal(t, "5m0s", o.Tiers[1].LatencyStr)

	terms, ok := o.Terms(models.TierPremium)
	require.True(t, ok)
	assert.Equal(t, 10, terms.DailyQuota)
	_, ok = models.Offering{}.Terms(models.TierPro)
	assert.False(t, ok)
}

func TestNewOfferingRejectsInvertedLatency(t *testing.T) {
	_, err := NewOffering("s", "",
		models.TierTerms{Tier: models.TierPro, Latency: time.Hour},
		models.TierTerms{Tier: models.TierFree},
	)
	assert.True(t, models.IsKind(err, models.KindConfiguration))

	_, err = NewOffering("s", "", models.TierTerms{Tier: "gold"})
	assert.Error(t, err)

	_, err = NewOffering("", "")
	assert.Error(t, err)
}
