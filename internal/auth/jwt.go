package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	// ErrInvalidToken is returned when the token is invalid
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken is returned when the token has expired
	ErrExpiredToken = errors.New("token has expired")
	// ErrInvalidClaims is returned when the token claims are invalid
	ErrInvalidClaims = errors.New("invalid token claims")
	// ErrWrongTokenType is returned when a refresh token is presented where an
	// access token is required, or vice versa.
	ErrWrongTokenType = errors.New("wrong token type")
)

// Claims represents the JWT claims for user authentication. Subject holds the
// email; UserID is the tenant key. TokenType is empty on access tokens and
// "refresh" on refresh tokens.
type Claims struct {
	jwt.RegisteredClaims
	UserID    string `json:"user_id"`
	Role      string `json:"role"`
	TokenType string `json:"type,omitempty"`
}

// TokenPair is an access/refresh pair issued together.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	AccessJTI    string
	RefreshJTI   string
}

// TokenManagerConfig holds configuration for token generation and validation
type TokenManagerConfig struct {
	Secret          string
	AccessLifetime  time.Duration
	RefreshLifetime time.Duration
	Issuer          string
	SigningMethod   jwt.SigningMethod
}

// DefaultTokenManagerConfig returns a default token manager configuration
func DefaultTokenManagerConfig(secret string) *TokenManagerConfig {
	return &TokenManagerConfig{
		Secret:          secret,
		AccessLifetime:  15 * time.Minute,
		RefreshLifetime: 7 * 24 * time.Hour,
		Issuer:          "ragserver",
		SigningMethod:   jwt.SigningMethodHS256,
	}
}

// TokenManager issues and validates access/refresh token pairs
type TokenManager struct {
	config *TokenManagerConfig
}

// NewTokenManager creates a new token manager with the given configuration
func NewTokenManager(config *TokenManagerConfig) *TokenManager {
	if config.SigningMethod == nil {
		config.SigningMethod = jwt.SigningMethodHS256
	}
	return &TokenManager{config: config}
}

// GeneratePair issues a fresh access/refresh pair for the given user.
func (m *TokenManager) GeneratePair(userID, email, role string) (*TokenPair, error) {
	now := time.Now()

	accessJTI := uuid.New().String()
	access, err := m.sign(&Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        accessJTI,
			Issuer:    m.config.Issuer,
			Subject:   email,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.config.AccessLifetime)),
			NotBefore: jwt.NewNumericDate(now),
		},
		UserID: userID,
		Role:   role,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to sign access token: %w", err)
	}

	refreshJTI := uuid.New().String()
	refresh, err := m.sign(&Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        refreshJTI,
			Issuer:    m.config.Issuer,
			Subject:   email,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.config.RefreshLifetime)),
			NotBefore: jwt.NewNumericDate(now),
		},
		UserID:    userID,
		Role:      role,
		TokenType: "refresh",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to sign refresh token: %w", err)
	}

	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		AccessJTI:    accessJTI,
		RefreshJTI:   refreshJTI,
	}, nil
}

func (m *TokenManager) sign(claims *Claims) (string, error) {
	token := jwt.NewWithClaims(m.config.SigningMethod, claims)
	return token.SignedString([]byte(m.config.Secret))
}

// ValidateAccess validates an access token and returns its claims. Refresh
// tokens are rejected.
func (m *TokenManager) ValidateAccess(tokenString string) (*Claims, error) {
	claims, err := m.parse(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.TokenType != "" {
		return nil, ErrWrongTokenType
	}
	return claims, nil
}

// ValidateRefresh validates a refresh token and returns its claims. Access
// tokens are rejected.
func (m *TokenManager) ValidateRefresh(tokenString string) (*Claims, error) {
	claims, err := m.parse(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.TokenType != "refresh" {
		return nil, ErrWrongTokenType
	}
	return claims, nil
}

func (m *TokenManager) parse(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		// Verify the signing method
		if token.Method.Alg() != m.config.SigningMethod.Alg() {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(m.config.Secret), nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidClaims
	}
	if claims.UserID == "" || claims.ID == "" {
		return nil, ErrInvalidClaims
	}
	return claims, nil
}

// HashToken returns the hex SHA-256 of a raw token, used to store refresh
// tokens without persisting the token itself.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// RemainingLifetime returns how long until the claims expire; zero if already
// expired or no expiry set.
func (c *Claims) RemainingLifetime(now time.Time) time.Duration {
	if c.ExpiresAt == nil {
		return 0
	}
	d := c.ExpiresAt.Time.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}
