// Package auth implements the identity model: principals, JWT issuance and
// validation, and the identity gateway middleware that resolves a Principal
// for every inbound request.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// SharedTenantKey is the synthetic tenant key for company-wide knowledge
// readable by any authenticated principal. It is never a valid principal
// identity on its own.
const SharedTenantKey = "__shared__"

// AnonPrefix marks anonymous session identifiers.
const AnonPrefix = "anon_"

// anonEntropyBytes gives 192 bits of entropy per minted session id.
const anonEntropyBytes = 24

var (
	// ErrUnauthorized is returned when credentials are missing, invalid,
	// expired, or blocklisted. It never discloses which.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrForbidden is returned when an authenticated principal lacks the
	// required role.
	ErrForbidden = errors.New("forbidden")
)

// Kind distinguishes the two principal kinds.
type Kind int

const (
	// KindAnonymous is a cookie-identified session with private storage only.
	KindAnonymous Kind = iota
	// KindAuthenticated is a registered user identified by a valid access token.
	KindAuthenticated
)

func (k Kind) String() string {
	if k == KindAuthenticated {
		return "authenticated"
	}
	return "anonymous"
}

// Principal is the immutable per-request identity. ID is the tenant key used
// to scope every storage operation.
type Principal struct {
	Kind  Kind
	ID    string
	Email string
	Role  string
}

// TenantKey returns the key that scopes this principal's private storage.
func (p Principal) TenantKey() string {
	return p.ID
}

// IsAdmin reports whether the principal holds the admin role. Anonymous
// principals always fail this check.
func (p Principal) IsAdmin() bool {
	return p.Kind == KindAuthenticated && p.Role == "admin"
}

// CanReadShared reports whether shared-tenant data is visible to this
// principal.
func (p Principal) CanReadShared() bool {
	return p.Kind == KindAuthenticated
}

// VisibleTenantKeys returns the tenant keys this principal may read: always
// its own, plus the shared sentinel for authenticated principals.
func (p Principal) VisibleTenantKeys() []string {
	if p.CanReadShared() {
		return []string{p.ID, SharedTenantKey}
	}
	return []string{p.ID}
}

// CanSee reports whether data under the given tenant key is visible.
func (p Principal) CanSee(tenantKey string) bool {
	if tenantKey == p.ID {
		return true
	}
	return tenantKey == SharedTenantKey && p.CanReadShared()
}

// MintAnonymousID generates a fresh anonymous session id with the anon_
// prefix and 192 bits of entropy.
func MintAnonymousID() (string, error) {
	buf := make([]byte, anonEntropyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate session id: %w", err)
	}
	return AnonPrefix + hex.EncodeToString(buf), nil
}

// ValidAnonymousID reports whether a cookie value is a well-formed anonymous
// session id.
func ValidAnonymousID(id string) bool {
	if !strings.HasPrefix(id, AnonPrefix) {
		return false
	}
	suffix := strings.TrimPrefix(id, AnonPrefix)
	if len(suffix) != anonEntropyBytes*2 {
		return false
	}
	_, err := hex.DecodeString(suffix)
	return err == nil
}

type principalContextKey struct{}

// WithPrincipal returns a context carrying the principal.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, p)
}

// PrincipalFrom extracts the principal resolved by the identity gateway.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalContextKey{}).(Principal)
	return p, ok
}
