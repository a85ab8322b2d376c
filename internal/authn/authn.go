// Package authn issues and validates the bearer tokens returned by
// POST /auth/login and accepted by every other authenticated route.
package authn

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/r3e-cellvault/cellserver/pkg/errors"
)

// Claims identifies the authenticated user a token was issued for.
type Claims struct {
	UserID  string `json:"sub"`
	Email   string `json:"email"`
	IsAdmin bool   `json:"is_admin,omitempty"`
	jwt.RegisteredClaims
}

// Manager issues and validates HS256 JWTs signed with a shared secret.
type Manager struct {
	secret   []byte
	tokenTTL time.Duration
}

// Config controls Manager construction.
type Config struct {
	SigningKey string
	TokenTTL   time.Duration
}

// NewManager builds a Manager. An unset (zero) TokenTTL defaults to 60
// minutes, the default session length for issued tokens.
func NewManager(cfg Config) *Manager {
	ttl := cfg.TokenTTL
	if ttl == 0 {
		ttl = 60 * time.Minute
	}
	return &Manager{secret: []byte(cfg.SigningKey), tokenTTL: ttl}
}

// Issue returns a signed token for userID/email, valid for the
// manager's configured TTL, along with its expiry.
func (m *Manager) Issue(userID, email string, isAdmin bool) (string, time.Time, error) {
	if len(m.secret) == 0 {
		return "", time.Time{}, errors.Internal("token signing key not configured", nil)
	}

	now := time.Now()
	exp := now.Add(m.tokenTTL)
	claims := Claims{
		UserID:  userID,
		Email:   email,
		IsAdmin: isAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, errors.Internal("failed to sign token", err)
	}
	return signed, exp, nil
}

// Validate parses and verifies a bearer token, returning its claims.
// Any failure (malformed, wrong signature, expired) surfaces as
// Unauthenticated, matching the uniform failure the API surface uses
// for missing/invalid credentials.
func (m *Manager) Validate(tokenString string) (*Claims, error) {
	tokenString = strings.TrimPrefix(strings.TrimSpace(tokenString), "Bearer ")
	if tokenString == "" {
		return nil, errors.Unauthenticated("missing bearer token")
	}
	if len(m.secret) == 0 {
		return nil, errors.Internal("token signing key not configured", nil)
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Unauthenticated("unexpected signing method")
		}
		return m.secret, nil
	})
	if err != nil {
		return nil, errors.Unauthenticated("invalid or expired token")
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.Unauthenticated("invalid token")
	}
	return claims, nil
}
