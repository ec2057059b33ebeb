// Package auth issues and verifies the JWT access tokens that identify API
// callers, and carries the resulting principal through request contexts.
// Tokens are HS256-signed and embed the user, organization, and role, so
// every handler can scope its queries without a session lookup.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/skua-data/skua/internal/domain"
)

// Issuer is the iss claim stamped on every token.
const Issuer = "skua"

// DefaultTTL is the access token lifetime.
const DefaultTTL = 24 * time.Hour

// TokenManager signs and parses access tokens.
type TokenManager struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenManager creates a TokenManager signing with secret. A zero ttl
// uses DefaultTTL.
func NewTokenManager(secret string, ttl time.Duration) (*TokenManager, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is empty")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &TokenManager{secret: []byte(secret), ttl: ttl}, nil
}

// Issue signs a token for user. The returned time is the token's expiry.
func (m *TokenManager) Issue(user *domain.User) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(m.ttl)
	claims := jwt.MapClaims{
		"sub":  user.ID.String(),
		"org":  user.OrgID.String(),
		"role": string(user.Role),
		"iat":  now.Unix(),
		"exp":  expiresAt.Unix(),
		"iss":  Issuer,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// Parse verifies a token and returns the principal it identifies. Expired,
// malformed, and foreign-issued tokens all come back as ErrUnauthorized.
func (m *TokenManager) Parse(token string) (*Principal, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithIssuer(Issuer), jwt.WithExpirationRequired())
	if err != nil {
		return nil, domain.Wrap(domain.ErrUnauthorized, "invalid or expired token", err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return nil, domain.E(domain.ErrUnauthorized, "invalid token claims")
	}

	sub, _ := claims["sub"].(string)
	org, _ := claims["org"].(string)
	roleStr, _ := claims["role"].(string)

	userID, err := uuid.Parse(sub)
	if err != nil {
		return nil, domain.E(domain.ErrUnauthorized, "invalid token subject")
	}
	orgID, err := uuid.Parse(org)
	if err != nil {
		return nil, domain.E(domain.ErrUnauthorized, "invalid token organization")
	}
	role := domain.Role(roleStr)
	if !domain.ValidRole(role) {
		return nil, domain.E(domain.ErrUnauthorized, "invalid token role")
	}

	return &Principal{UserID: userID, OrgID: orgID, Role: role}, nil
}
