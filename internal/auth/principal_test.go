package auth

import (
	"strings"
	"testing"
)

func TestMintAnonymousID(t *testing.T) {
	id, err := MintAnonymousID()
	if err != nil {
		t.Fatalf("MintAnonymousID() error = %v", err)
	}
	if !strings.HasPrefix(id, AnonPrefix) {
		t.Errorf("minted id %q missing %q prefix", id, AnonPrefix)
	}
	if !ValidAnonymousID(id) {
		t.Errorf("minted id %q failed validation", id)
	}

	other, err := MintAnonymousID()
	if err != nil {
		t.Fatalf("MintAnonymousID() error = %v", err)
	}
	if id == other {
		t.Error("two minted ids are identical")
	}
}

func TestValidAnonymousID(t *testing.T) {
	tests := []struct {
		name string
		id   string
		want bool
	}{
		{"empty", "", false},
		{"no prefix", "abcdef0123456789abcdef0123456789abcdef0123456789", false},
		{"too short", "anon_abcdef", false},
		{"not hex", "anon_zzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzz", false},
		{"valid", "anon_0123456789abcdef0123456789abcdef0123456789abcdef", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidAnonymousID(tt.id); got != tt.want {
				t.Errorf("ValidAnonymousID(%q) = %v, want %v", tt.id, got, tt.want)
			}
		})
	}
}

func TestPrincipalVisibility(t *testing.T) {
	anon := Principal{Kind: KindAnonymous, ID: "anon_0123456789abcdef0123456789abcdef0123456789abcdef"}
	user := Principal{Kind: KindAuthenticated, ID: "11111111-1111-1111-1111-111111111111", Role: "user"}
	admin := Principal{Kind: KindAuthenticated, ID: "22222222-2222-2222-2222-222222222222", Role: "admin"}

	if anon.CanReadShared() {
		t.Error("anonymous principal should not read shared data")
	}
	if !user.CanReadShared() {
		t.Error("authenticated principal should read shared data")
	}
	if anon.IsAdmin() {
		t.Error("anonymous principal should never be admin")
	}
	if user.IsAdmin() {
		t.Error("non-admin user reported as admin")
	}
	if !admin.IsAdmin() {
		t.Error("admin user not reported as admin")
	}

	keys := user.VisibleTenantKeys()
	if len(keys) != 2 || keys[0] != user.ID || keys[1] != SharedTenantKey {
		t.Errorf("VisibleTenantKeys() = %v, want [own, shared]", keys)
	}
	keys = anon.VisibleTenantKeys()
	if len(keys) != 1 || keys[0] != anon.ID {
		t.Errorf("anonymous VisibleTenantKeys() = %v, want [own]", keys)
	}

	if anon.CanSee(SharedTenantKey) {
		t.Error("anonymous principal should not see shared tenant")
	}
	if !user.CanSee(SharedTenantKey) {
		t.Error("authenticated principal should see shared tenant")
	}
	if user.CanSee(admin.ID) {
		t.Error("principal should not see another principal's tenant")
	}
}
