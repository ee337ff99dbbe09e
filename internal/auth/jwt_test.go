package auth

import (
	"errors"
	"testing"
	"time"
)

func newTestManager(access, refresh time.Duration) *TokenManager {
	return NewTokenManager(&TokenManagerConfig{
		Secret:          "test-secret",
		AccessLifetime:  access,
		RefreshLifetime: refresh,
		Issuer:          "test",
	})
}

func TestGeneratePairAndValidate(t *testing.T) {
	m := newTestManager(time.Minute, time.Hour)

	pair, err := m.GeneratePair("user-1", "a@example.com", "user")
	if err != nil {
		t.Fatalf("GeneratePair() error = %v", err)
	}
	if pair.AccessJTI == pair.RefreshJTI {
		t.Error("access and refresh tokens share a jti")
	}

	claims, err := m.ValidateAccess(pair.AccessToken)
	if err != nil {
		t.Fatalf("ValidateAccess() error = %v", err)
	}
	if claims.UserID != "user-1" || claims.Subject != "a@example.com" || claims.Role != "user" {
		t.Errorf("unexpected access claims: %+v", claims)
	}
	if claims.ID != pair.AccessJTI {
		t.Errorf("access jti = %q, want %q", claims.ID, pair.AccessJTI)
	}

	rc, err := m.ValidateRefresh(pair.RefreshToken)
	if err != nil {
		t.Fatalf("ValidateRefresh() error = %v", err)
	}
	if rc.TokenType != "refresh" {
		t.Errorf("refresh token type = %q, want refresh", rc.TokenType)
	}
}

func TestTokenTypeEnforcement(t *testing.T) {
	m := newTestManager(time.Minute, time.Hour)
	pair, err := m.GeneratePair("user-1", "a@example.com", "user")
	if err != nil {
		t.Fatalf("GeneratePair() error = %v", err)
	}

	if _, err := m.ValidateAccess(pair.RefreshToken); !errors.Is(err, ErrWrongTokenType) {
		t.Errorf("ValidateAccess(refresh) error = %v, want ErrWrongTokenType", err)
	}
	if _, err := m.ValidateRefresh(pair.AccessToken); !errors.Is(err, ErrWrongTokenType) {
		t.Errorf("ValidateRefresh(access) error = %v, want ErrWrongTokenType", err)
	}
}

func TestExpiredToken(t *testing.T) {
	m := newTestManager(-time.Minute, time.Hour)
	pair, err := m.GeneratePair("user-1", "a@example.com", "user")
	if err != nil {
		t.Fatalf("GeneratePair() error = %v", err)
	}

	if _, err := m.ValidateAccess(pair.AccessToken); !errors.Is(err, ErrExpiredToken) {
		t.Errorf("ValidateAccess(expired) error = %v, want ErrExpiredToken", err)
	}
}

func TestWrongSecret(t *testing.T) {
	m := newTestManager(time.Minute, time.Hour)
	pair, err := m.GeneratePair("user-1", "a@example.com", "user")
	if err != nil {
		t.Fatalf("GeneratePair() error = %v", err)
	}

	other := NewTokenManager(&TokenManagerConfig{Secret: "different-secret"})
	if _, err := other.ValidateAccess(pair.AccessToken); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("ValidateAccess with wrong secret error = %v, want ErrInvalidToken", err)
	}
}

func TestHashToken(t *testing.T) {
	h1 := HashToken("token-a")
	h2 := HashToken("token-a")
	h3 := HashToken("token-b")

	if h1 != h2 {
		t.Error("hash is not deterministic")
	}
	if h1 == h3 {
		t.Error("distinct tokens produced the same hash")
	}
	if len(h1) != 64 {
		t.Errorf("hash length = %d, want 64 hex chars", len(h1))
	}
}
