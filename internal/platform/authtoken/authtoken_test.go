package authtoken

import (
	"errors"
	"testing"
	"time"
)

func TestVerifyRoundTrip(t *testing.T) {
	token, err := Sign("secret-1", Identity{UserID: "user-1", Name: "Alice", Email: "alice@example.com"}, time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	verifier, err := NewVerifier("secret-1")
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	identity, err := verifier.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if identity.UserID != "user-1" {
		t.Fatalf("user id = %q, want %q", identity.UserID, "user-1")
	}
	if identity.Name != "Alice" {
		t.Fatalf("name = %q, want %q", identity.Name, "Alice")
	}
	if identity.Email != "alice@example.com" {
		t.Fatalf("email = %q, want %q", identity.Email, "alice@example.com")
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	token, err := Sign("secret-1", Identity{UserID: "user-1"}, time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	verifier, err := NewVerifier("secret-2")
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	if _, err := verifier.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	token, err := Sign("secret-1", Identity{UserID: "user-1"}, time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	verifier, err := NewVerifier("secret-1")
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	verifier.clock = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if _, err := verifier.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestVerifyRejectsBlankToken(t *testing.T) {
	verifier, err := NewVerifier("secret-1")
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	if _, err := verifier.Verify("   "); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestVerifyDefaultsNameToUserID(t *testing.T) {
	token, err := Sign("secret-1", Identity{UserID: "user-1"}, time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	verifier, err := NewVerifier("secret-1")
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	identity, err := verifier.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if identity.Name != "user-1" {
		t.Fatalf("name = %q, want user id fallback", identity.Name)
	}
}

func TestSignRequiresUserID(t *testing.T) {
	if _, err := Sign("secret-1", Identity{}, time.Minute); err == nil {
		t.Fatal("expected error for missing user id")
	}
}

func TestNewVerifierRequiresSecret(t *testing.T) {
	if _, err := NewVerifier(" "); err == nil {
		t.Fatal("expected error for blank secret")
	}
}
