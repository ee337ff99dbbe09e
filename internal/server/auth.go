package server

import (
	"errors"
	"net/http"
	"net/mail"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/parchment-ai/ragserver/internal/auth"
	"github.com/parchment-ai/ragserver/internal/graphstore"
	"github.com/parchment-ai/ragserver/internal/kvstore"
	"github.com/parchment-ai/ragserver/internal/migration"
)

const minPasswordLen = 8

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
}

type registerResponse struct {
	UserID    string           `json:"user_id"`
	Email     string           `json:"email"`
	Tokens    tokenResponse    `json:"tokens"`
	Migration *migration.Stats `json:"migration,omitempty"`
}

// handleRegister creates an account and, when the caller held an anonymous
// session, migrates that session's data into the new tenant before replying.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, codeValidation, "invalid request body")
		return
	}
	if _, err := mail.ParseAddress(req.Email); err != nil {
		writeError(w, http.StatusBadRequest, codeValidation, "invalid email address")
		return
	}
	if len(req.Password) < minPasswordLen {
		writeError(w, http.StatusBadRequest, codeValidation, "password must be at least 8 characters")
		return
	}

	if existing, err := s.Graph.UserByEmail(r.Context(), req.Email); err == nil && existing != nil {
		writeError(w, http.StatusConflict, codeConflict, "email already registered")
		return
	} else if err != nil && !errors.Is(err, graphstore.ErrNotFound) {
		s.writeMappedError(w, r, err)
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}

	user := graphstore.User{
		ID:           uuid.New().String(),
		Email:        req.Email,
		PasswordHash: string(hash),
		Role:         "user",
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.Graph.CreateUser(r.Context(), user); err != nil {
		s.writeMappedError(w, r, err)
		return
	}

	resp := registerResponse{UserID: user.ID, Email: user.Email}

	// Pull the anonymous session's data into the new account before the
	// response so the user's first authenticated request already sees it.
	if p := principal(r); p.Kind == auth.KindAnonymous {
		stats, err := s.Migrator.Migrate(r.Context(), p.ID, user.ID)
		if err != nil {
			s.Logger.Error("registration migration failed", "user_id", user.ID, "error", err)
		} else {
			resp.Migration = stats
			s.Gateway.ClearSessionCookie(w)
		}
	}

	tokens, err := s.issueTokens(r, user.ID, user.Email, user.Role)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	resp.Tokens = *tokens

	writeJSON(w, http.StatusCreated, resp)
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, codeValidation, "invalid request body")
		return
	}

	user, err := s.Graph.UserByEmail(r.Context(), req.Email)
	if err != nil {
		if errors.Is(err, graphstore.ErrNotFound) {
			writeError(w, http.StatusUnauthorized, codeUnauthorized, "invalid credentials")
			return
		}
		s.writeMappedError(w, r, err)
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
		writeError(w, http.StatusUnauthorized, codeUnauthorized, "invalid credentials")
		return
	}

	tokens, err := s.issueTokens(r, user.ID, user.Email, user.Role)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tokens)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// handleRefresh rotates a refresh token: validate, consume the stored hash
// atomically, and only then issue a new pair. A missing or mismatched record
// means the token was already used or never ours, so nothing is issued.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil || req.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, codeValidation, "refresh_token is required")
		return
	}

	claims, err := s.Tokens.ValidateRefresh(req.RefreshToken)
	if err != nil {
		writeError(w, http.StatusUnauthorized, codeUnauthorized, "invalid refresh token")
		return
	}

	storedHash, err := s.KV.ConsumeRefresh(r.Context(), claims.UserID, claims.ID)
	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			// Reuse or theft: the record was already consumed.
			writeError(w, http.StatusUnauthorized, codeUnauthorized, "refresh token already used")
			return
		}
		s.writeMappedError(w, r, err)
		return
	}
	if storedHash != auth.HashToken(req.RefreshToken) {
		writeError(w, http.StatusUnauthorized, codeUnauthorized, "invalid refresh token")
		return
	}

	tokens, err := s.issueTokens(r, claims.UserID, claims.Subject, claims.Role)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tokens)
}

type logoutRequest struct {
	RefreshToken string `json:"refresh_token,omitempty"`
}

// handleLogout revokes the presented access token for its remaining lifetime
// and consumes the refresh token if the client sends it along.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	raw := auth.BearerToken(r)
	claims, err := s.Tokens.ValidateAccess(raw)
	if err != nil {
		writeError(w, http.StatusUnauthorized, codeUnauthorized, "authentication required")
		return
	}

	if err := s.KV.BlockToken(r.Context(), claims.ID, claims.RemainingLifetime(time.Now())); err != nil {
		s.writeMappedError(w, r, err)
		return
	}

	var req logoutRequest
	if err := decodeJSON(r, &req); err == nil && req.RefreshToken != "" {
		if rc, err := s.Tokens.ValidateRefresh(req.RefreshToken); err == nil {
			if _, err := s.KV.ConsumeRefresh(r.Context(), rc.UserID, rc.ID); err != nil && !errors.Is(err, kvstore.ErrNotFound) {
				s.Logger.Warn("failed to revoke refresh token on logout", "error", err)
			}
		}
	}

	w.WriteHeader(http.StatusNoContent)
}

// issueTokens generates a pair and persists the refresh hash for single-use
// rotation.
func (s *Server) issueTokens(r *http.Request, userID, email, role string) (*tokenResponse, error) {
	pair, err := s.Tokens.GeneratePair(userID, email, role)
	if err != nil {
		return nil, err
	}
	if err := s.KV.PutRefresh(r.Context(), userID, pair.RefreshJTI, auth.HashToken(pair.RefreshToken), s.Config.RefreshTokenLifetime); err != nil {
		return nil, err
	}
	return &tokenResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    int(s.Config.AccessTokenLifetime.Seconds()),
	}, nil
}
