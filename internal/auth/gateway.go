package auth

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// SessionCookieName is the anonymous session cookie.
const SessionCookieName = "session_id"

// Blocklist answers whether an access token jti has been revoked.
type Blocklist interface {
	IsBlocked(ctx context.Context, jti string) (bool, error)
}

// Gateway resolves a Principal for every inbound request. Resolution order:
// a valid, non-blocklisted bearer token wins; otherwise a well-formed
// anonymous cookie; otherwise a fresh anonymous session is minted and the
// cookie set.
type Gateway struct {
	tokens       *TokenManager
	blocklist    Blocklist
	cookieSecure bool
	cookieMaxAge time.Duration
	logger       *slog.Logger
}

// NewGateway creates an identity gateway.
func NewGateway(tokens *TokenManager, blocklist Blocklist, cookieSecure bool, anonTTL time.Duration, logger *slog.Logger) *Gateway {
	return &Gateway{
		tokens:       tokens,
		blocklist:    blocklist,
		cookieSecure: cookieSecure,
		cookieMaxAge: anonTTL,
		logger:       logger,
	}
}

// Middleware attaches a Principal to the request context. Requests with a
// malformed or revoked bearer token are rejected outright rather than
// downgraded to anonymous.
func (g *Gateway) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if raw := BearerToken(r); raw != "" {
			claims, err := g.tokens.ValidateAccess(raw)
			if err != nil {
				g.reject(w)
				return
			}
			blocked, err := g.blocklist.IsBlocked(r.Context(), claims.ID)
			if err != nil {
				g.logger.Error("blocklist lookup failed", "error", err)
				g.reject(w)
				return
			}
			if blocked {
				g.reject(w)
				return
			}
			p := Principal{
				Kind:  KindAuthenticated,
				ID:    claims.UserID,
				Email: claims.Subject,
				Role:  claims.Role,
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
			return
		}

		if cookie, err := r.Cookie(SessionCookieName); err == nil && ValidAnonymousID(cookie.Value) {
			p := Principal{Kind: KindAnonymous, ID: cookie.Value}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
			return
		}

		id, err := MintAnonymousID()
		if err != nil {
			g.logger.Error("failed to mint anonymous session", "error", err)
			http.Error(w, `{"error":"internal","message":"internal error"}`, http.StatusInternalServerError)
			return
		}
		g.SetSessionCookie(w, id)
		p := Principal{Kind: KindAnonymous, ID: id}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

// RequireAuthenticated rejects anonymous principals.
func RequireAuthenticated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFrom(r.Context())
		if !ok || p.Kind != KindAuthenticated {
			writeUnauthorized(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireAdmin rejects anyone without the admin role.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFrom(r.Context())
		if !ok || !p.IsAdmin() {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"error":"forbidden","message":"admin role required"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// SetSessionCookie writes the anonymous session cookie.
func (g *Gateway) SetSessionCookie(w http.ResponseWriter, id string) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(g.cookieMaxAge.Seconds()),
		HttpOnly: true,
		Secure:   g.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearSessionCookie expires the anonymous session cookie, used after a
// successful migration into a registered account.
func (g *Gateway) ClearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   g.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (g *Gateway) reject(w http.ResponseWriter) {
	writeUnauthorized(w)
}

func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"unauthorized","message":"authentication required"}`))
}

// BearerToken extracts the raw bearer token from the Authorization header,
// empty if absent or malformed.
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if h == "" {
		return ""
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
