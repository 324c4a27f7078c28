package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/harborview/taskhub/internal/platform/authtoken"
)

func TestStaticTokenProvider(t *testing.T) {
	provider := StaticTokenProvider("abc123")

	token, err := provider.Token()
	if err != nil || token != "abc123" {
		t.Fatalf("token = %q err = %v", token, err)
	}
	if provider.Expired() {
		t.Fatal("static tokens never expire")
	}

	if _, err := StaticTokenProvider("  ").Token(); err == nil {
		t.Fatal("expected error for blank static token")
	}
}

func TestRefreshingTokenProviderRequiresCallback(t *testing.T) {
	if _, err := NewRefreshingTokenProvider(nil); err == nil {
		t.Fatal("expected error for nil refresh callback")
	}
}

func TestRefreshingTokenProviderLifecycle(t *testing.T) {
	signed, err := authtoken.Sign("secret", authtoken.Identity{UserID: "u1", Name: "One"}, time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	calls := 0
	provider, err := NewRefreshingTokenProvider(func(context.Context) (string, error) {
		calls++
		return signed, nil
	})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}

	if !provider.Expired() {
		t.Fatal("provider without a token should report expired")
	}

	token, err := provider.Refresh(context.Background())
	if err != nil || token != signed {
		t.Fatalf("refresh = %q err = %v", token, err)
	}
	if calls != 1 {
		t.Fatalf("refresh calls = %d, want 1", calls)
	}
	if provider.Expired() {
		t.Fatal("fresh token should not be expired")
	}

	cached, err := provider.Token()
	if err != nil || cached != signed {
		t.Fatalf("cached token = %q err = %v", cached, err)
	}
}

func TestRefreshingTokenProviderExpiry(t *testing.T) {
	signed, err := authtoken.Sign("secret", authtoken.Identity{UserID: "u1"}, time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	provider, err := NewRefreshingTokenProvider(func(context.Context) (string, error) {
		return signed, nil
	})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	if _, err := provider.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	// Past the embedded expiry the provider reports expired again.
	provider.clock = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if !provider.Expired() {
		t.Fatal("token past its expiry should report expired")
	}
}

func TestRefreshingTokenProviderPropagatesErrors(t *testing.T) {
	wantErr := errors.New("auth service down")
	provider, err := NewRefreshingTokenProvider(func(context.Context) (string, error) {
		return "", wantErr
	})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}

	if _, err := provider.Refresh(context.Background()); !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want %v", err, wantErr)
	}
}
