// Package authtoken verifies the short-lived access tokens minted by the
// auth service. Services share one HMAC signing secret; token issuance itself
// stays outside this repository.
package authtoken

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken indicates the token failed signature or claim validation.
var ErrInvalidToken = errors.New("invalid access token")

// Identity is the authenticated principal carried by an access token.
type Identity struct {
	UserID string
	Name   string
	Email  string
}

// Verifier validates HMAC-signed access tokens.
type Verifier struct {
	secret []byte
	clock  func() time.Time
}

type accessClaims struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// NewVerifier builds a Verifier for the given shared secret.
func NewVerifier(secret string) (*Verifier, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("signing secret is required")
	}
	return &Verifier{secret: []byte(secret), clock: time.Now}, nil
}

// Verify parses and validates token, returning the embedded identity.
func (v *Verifier) Verify(token string) (Identity, error) {
	if v == nil || len(v.secret) == 0 {
		return Identity{}, errors.New("verifier is not configured")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, ErrInvalidToken
	}

	claims := &accessClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return v.secret, nil
	}, jwt.WithTimeFunc(v.clock), jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !parsed.Valid {
		return Identity{}, ErrInvalidToken
	}

	userID := strings.TrimSpace(claims.Subject)
	if userID == "" {
		return Identity{}, ErrInvalidToken
	}
	name := strings.TrimSpace(claims.Name)
	if name == "" {
		name = userID
	}
	return Identity{
		UserID: userID,
		Name:   name,
		Email:  strings.TrimSpace(claims.Email),
	}, nil
}

// Sign mints a token for identity that expires after ttl. Production tokens
// come from the auth service; this is for local tooling and tests.
func Sign(secret string, identity Identity, ttl time.Duration) (string, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return "", errors.New("signing secret is required")
	}
	if strings.TrimSpace(identity.UserID) == "" {
		return "", errors.New("user id is required")
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}

	now := time.Now().UTC()
	claims := accessClaims{
		Name:  strings.TrimSpace(identity.Name),
		Email: strings.TrimSpace(identity.Email),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strings.TrimSpace(identity.UserID),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}
	return signed, nil
}
