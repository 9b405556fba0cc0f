// Package token issues and verifies the compact signed tokens used to
// authenticate gateway connections. Tokens are standard three-part
// HMAC-SHA256 JWTs carrying a subject label, granted scopes and an expiry.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	// ErrTokenInvalid covers malformed tokens and bad signatures.
	ErrTokenInvalid = errors.New("invalid token")
	// ErrTokenExpired is returned when the token's expiry has passed.
	ErrTokenExpired = errors.New("token expired")
	// ErrTokenRevoked is returned when the token id is in the revocation set.
	ErrTokenRevoked = errors.New("token revoked")
)

// Claims is the payload carried by an issued token. Immutable once issued;
// revocation is tracked by id out-of-band.
type Claims struct {
	Scopes []string `json:"scopes"`
	jwt.RegisteredClaims
}

// HasScope reports whether the token grants the given scope.
func (c *Claims) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Manager issues and verifies tokens against a server-held secret and a
// revocation store. Constructed at startup and passed by reference so
// tests can instantiate isolated instances.
type Manager struct {
	secret  []byte
	ttl     time.Duration
	revoked *RevocationStore
}

// NewManager creates a token manager. ttl bounds the lifetime of newly
// issued tokens.
func NewManager(secret string, ttl time.Duration, revoked *RevocationStore) (*Manager, error) {
	if secret == "" {
		return nil, fmt.Errorf("token secret is required")
	}
	if revoked == nil {
		return nil, fmt.Errorf("revocation store is required")
	}
	if ttl <= 0 {
		ttl = 90 * 24 * time.Hour
	}
	return &Manager{
		secret:  []byte(secret),
		ttl:     ttl,
		revoked: revoked,
	}, nil
}

// TTL returns the lifetime applied to newly issued tokens.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// Issue mints a token for the given subject with the given scopes. The
// returned id identifies the token for later revocation.
func (m *Manager) Issue(subject string, scopes []string) (token string, id string, err error) {
	if subject == "" {
		return "", "", fmt.Errorf("subject is required")
	}
	if len(scopes) == 0 {
		return "", "", fmt.Errorf("at least one scope is required")
	}

	id = uuid.New().String()
	now := time.Now()
	claims := &Claims{
		Scopes: scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        id,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
			Issuer:    "quill",
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, id, nil
}

// Verify validates signature and expiry, then consults the revocation set.
// Expiry is enforced here, not just at issuance.
func (m *Manager) Verify(tokenString string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrTokenInvalid
	}
	if m.revoked.IsRevoked(claims.ID) {
		return nil, ErrTokenRevoked
	}
	return claims, nil
}

// Revoke adds the token id to the revocation set.
func (m *Manager) Revoke(id string) error {
	return m.revoked.Revoke(id)
}

// RevokedIDs lists all revoked token ids.
func (m *Manager) RevokedIDs() []string {
	return m.revoked.IDs()
}
