package client

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenProvider supplies the short-lived credential used to open the
// realtime connection. Token issuance stays with the auth service; the
// session layer only asks for a currently valid token and refreshes it when
// the expiry passed.
type TokenProvider interface {
	Token() (string, error)
	Expired() bool
	Refresh(ctx context.Context) (string, error)
}

// StaticTokenProvider returns a fixed token that never expires.
type StaticTokenProvider string

// Token returns the fixed token.
func (p StaticTokenProvider) Token() (string, error) {
	token := strings.TrimSpace(string(p))
	if token == "" {
		return "", errors.New("static token is empty")
	}
	return token, nil
}

// Expired always reports false.
func (p StaticTokenProvider) Expired() bool { return false }

// Refresh returns the fixed token unchanged.
func (p StaticTokenProvider) Refresh(context.Context) (string, error) { return p.Token() }

// expiryLeeway refreshes slightly before the embedded expiry so a token
// does not die between resolution and the websocket handshake.
const expiryLeeway = 30 * time.Second

// RefreshingTokenProvider caches a JWT and refreshes it through a callback
// once the expiry embedded in the token passes. The token is parsed without
// signature verification; only the server holds the signing secret.
type RefreshingTokenProvider struct {
	mu        sync.Mutex
	token     string
	expiresAt time.Time
	refresh   func(ctx context.Context) (string, error)
	clock     func() time.Time
}

// NewRefreshingTokenProvider builds a provider around a refresh callback
// that fetches a fresh token from the auth service.
func NewRefreshingTokenProvider(refresh func(ctx context.Context) (string, error)) (*RefreshingTokenProvider, error) {
	if refresh == nil {
		return nil, errors.New("refresh callback is required")
	}
	return &RefreshingTokenProvider{refresh: refresh, clock: time.Now}, nil
}

// Token returns the cached token, which may be absent or expired; callers
// check Expired and call Refresh as needed.
func (p *RefreshingTokenProvider) Token() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.token, nil
}

// Expired reports whether the cached token is absent or past its expiry.
func (p *RefreshingTokenProvider) Expired() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.token == "" {
		return true
	}
	if p.expiresAt.IsZero() {
		return false
	}
	return !p.clock().Add(expiryLeeway).Before(p.expiresAt)
}

// Refresh fetches a new token and caches it together with its expiry.
func (p *RefreshingTokenProvider) Refresh(ctx context.Context) (string, error) {
	token, err := p.refresh(ctx)
	if err != nil {
		return "", err
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", errors.New("refresh returned an empty token")
	}

	expiresAt := tokenExpiry(token)

	p.mu.Lock()
	p.token = token
	p.expiresAt = expiresAt
	p.mu.Unlock()
	return token, nil
}

func tokenExpiry(token string) time.Time {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}
	}
	if claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}
