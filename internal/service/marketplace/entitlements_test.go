package marketplace

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PolySignals/internal/domain/models"
)

func TestEntitlementsTierRanking(t *testing.T) {
	e, err := NewEntitlements("s3cret", "marketplace")
	require.NoError(t, err)
	tok, err := e.Issue("sub-1", models.TierPremium, time.Hour)
	require.NoError(t, err)

	sub, err := e.Entitled(context.Background(), tok, models.TierPremium)
	require.NoError(t, err)
	assert.Equal(t, "sub-1", sub)

	_, err = e.Entitled(context.Background(), tok, models.TierFree)
	assert.NoError(t, err)

	_, err = e.Entitled(context.Background(), tok, models.TierPro)
	assert.True(t, errors.Is(err, models.ErrNotEntitled))
}

func TestEntitlementsRejectsBadTokens(t *testing.T) {
	e, err := NewEntitlements("s3cret", "marketplace")
	require.NoError(t, err)
	ctx := context.Background()

	_, err = e.Entitled(ctx, "", models.TierFree)
	assert.ErrorIs(t, err, models.ErrNotEntitled)

	other, err := NewEntitlements("other", "marketplace")
	require.NoError(t, err)
	forged, err := other.Issue("x", models.TierPro, time.Hour)
	require.NoError(t, err)
	_, err = e.Entitled(ctx, forged, models.TierFree)
	assert.ErrorIs(t, err, models.ErrNotEntitled)

	past := e.WithClock(func() time.Time { return time.Now().Add(-2 * time.Hour) })
	expired, err := past.Issue("x", models.TierPro, time.Hour)
	require.NoError(t, err)
	_, err = e.Entitled(ctx, expired, models.TierFree)
	assert.ErrorIs(t, err, models.ErrNotEntitled)

	wrongIssuer, err := NewEntitlements("s3cret", "someone-else")
	require.NoError(t, err)
	tok, err := wrongIssuer.Issue("x", models.TierPro, time.Hour)
	require.NoError(t, err)
	_, err = e.Entitled(ctx, tok, models.TierFree)
	assert.ErrorIs(t, err, models.ErrNotEntitled)

	none, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "x", "tier": "pro"}).SignedString([]byte("s3cret"))
	require.NoError(t, err)
	_, err = e.Entitled(ctx, none, models.TierFree)
	assert.ErrorIs(t, err, models.ErrNotEntitled, "expiry is required")

	_, err = NewEntitlements("", "")
	assert.True(t, models.IsKind(err, models.KindConfiguration))
}

func TestClosedDeniesEverything(t *testing.T) {
	_, err := Closed{}.Entitled(context.Background(), "anything", models.TierFree)
	assert.ErrorIs(t, err, models.ErrNotEntitled)
}
