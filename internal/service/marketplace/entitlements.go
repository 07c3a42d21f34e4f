package marketplace

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"PolySignals/internal/domain/models"
	domrepo "PolySignals/internal/domain/repository"
)

// Claims is the marketplace-issued subscription token.
type Claims struct {
	Tier models.Tier `json:"tier"`
	jwt.RegisteredClaims
}

// Entitlements verifies HS256 subscription tokens. A token for a tier grants
// every lower tier too.
type Entitlements struct {
	secret []byte
	issuer string
	now    func() time.Time
}

var _ domrepo.Entitlements = (*Entitlements)(nil)

func NewEntitlements(secret, issuer string) (*Entitlements, error) {
	if secret == "" {
		return nil, models.Errorf(models.KindConfiguration, "entitlements.new", "jwt secret is required")
	}
	return &Entitlements{secret: []byte(secret), issuer: issuer, now: time.Now}, nil
}

// WithClock returns a copy that validates expiry against now.
func (e *Entitlements) WithClock(now func() time.Time) *Entitlements {
	c := *e
	c.now = now
	return &c
}

func (e *Entitlements) Entitled(_ context.Context, token string, tier models.Tier) (string, error) {
	if token == "" {
		return "", fmt.Errorf("%w: missing token", models.ErrNotEntitled)
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(e.now),
		jwt.WithExpirationRequired(),
	}
	if e.issuer != "" {
		opts = append(opts, jwt.WithIssuer(e.issuer))
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return e.secret, nil
	}, opts...)
	if err != nil {
		return "", fmt.Errorf("%w: %v", models.ErrNotEntitled, err)
	}
	if !claims.Tier.Valid() {
		return "", fmt.Errorf("%w: unknown tier %q", models.ErrNotEntitled, claims.Tier)
	}
	if claims.Tier.Rank() < tier.Rank() {
		return claims.Subject, fmt.Errorf("%w: holds %s, needs %s", models.ErrNotEntitled, claims.Tier, tier)
	}
	return claims.Subject, nil
}

// Issue signs a token for subject. Used by operators and tests; production
// tokens come from the marketplace.
func (e *Entitlements) Issue(subject string, tier models.Tier, ttl time.Duration) (string, error) {
	if !tier.Valid() {
		return "", errors.New("unknown tier")
	}
	now := e.now()
	claims := Claims{
		Tier: tier,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    e.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(e.secret)
}

// Closed denies every check. It stands in when no signing secret is
// configured, leaving only anonymous free pulls.
type Closed struct{}

var _ domrepo.Entitlements = Closed{}

func (Closed) Entitled(context.Context, string, models.Tier) (string, error) {
	return "", fmt.Errorf("%w: entitlements not configured", models.ErrNotEntitled)
}
