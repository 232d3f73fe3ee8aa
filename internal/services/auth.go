// Package services contains the core business logic: connection
// authentication, the session lifecycle, the song-request queue, and the
// wallet ledger.
package services

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/rockola/backend/internal/apperr"
	"github.com/rockola/backend/internal/models"
)

// bypassUID is the fixed identity the test bypass token maps to.
const bypassUID = "test-host"

// Claims represents the JWT payload for authenticated connections.
// SessionID scopes customer and display tokens to one session; host tokens
// carry the session they started.
type Claims struct {
	UID       string      `json:"uid"`
	SessionID string      `json:"sid,omitempty"`
	Role      models.Role `json:"role"`
	jwt.RegisteredClaims
}

// Identity returns the immutable identity value derived from the claims.
// It is passed explicitly into hub and queue calls.
func (c *Claims) Identity() models.Identity {
	return models.Identity{UID: c.UID, Role: c.Role}
}

// AuthService verifies identity tokens at connection time. The bypass token
// is resolved once at construction and is empty (disabled) in production.
type AuthService struct {
	secret                []byte
	hostTokenDuration     time.Duration
	customerTokenDuration time.Duration
	bypassToken           string
}

// NewAuthService creates an AuthService. bypassToken is only honored when
// allowBypass is true; production configuration must pass false.
func NewAuthService(secret string, hostDuration, customerDuration time.Duration, bypassToken string, allowBypass bool) *AuthService {
	if !allowBypass {
		bypassToken = ""
	}
	return &AuthService{
		secret:                []byte(secret),
		hostTokenDuration:     hostDuration,
		customerTokenDuration: customerDuration,
		bypassToken:           bypassToken,
	}
}

// GenerateToken creates a signed JWT for the given identity, scoped to a
// session. Host tokens have a longer expiry than customer/display tokens.
func (s *AuthService) GenerateToken(uid, sessionID string, role models.Role) (string, error) {
	duration := s.customerTokenDuration
	if role == models.RoleHost {
		duration = s.hostTokenDuration
	}

	claims := Claims{
		UID:       uid,
		SessionID: sessionID,
		Role:      role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "rockola",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(duration)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Authenticate verifies a token and returns its claims. A missing or invalid
// token rejects the connection before it reaches the hub; no session state
// is exposed to unauthenticated callers.
func (s *AuthService) Authenticate(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, apperr.Unauthorized("missing token")
	}

	if s.bypassToken != "" && tokenString == s.bypassToken {
		return &Claims{UID: bypassUID, Role: models.RoleHost}, nil
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, apperr.Unauthorized("invalid or expired token").WithCause(err)
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}

	return nil, apperr.Unauthorized("invalid token")
}
