// Package auth issues and verifies the bearer tokens presented on the
// websocket handshake and the REST surface, and mediates the OAuth code
// exchange with Google.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the token payload: the user identity the socket layer
// extracts on connect.
type Claims struct {
	UserID string `json:"userId"`
	Name   string `json:"name"`
	jwt.RegisteredClaims
}

// ErrInvalidToken is returned for any token that does not verify,
// including expired ones. Callers close the connection with an auth
// failure status and never learn why.
var ErrInvalidToken = errors.New("auth: invalid token")

// TokenService signs and verifies HS256 tokens with a shared secret.
type TokenService struct {
	secret     []byte
	expiration time.Duration
}

// NewTokenService builds a token service. Expiration applies to newly
// issued tokens.
func NewTokenService(secret string, expiration time.Duration) *TokenService {
	return &TokenService{secret: []byte(secret), expiration: expiration}
}

// Issue signs a token for the given user.
func (t *TokenService) Issue(userID, name string) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID: userID,
		Name:   name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.expiration)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a token, returning its claims.
func (t *TokenService) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return t.secret, nil
	})
	if err != nil || !token.Valid || claims.UserID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Secret exposes the signing key for middleware that verifies tokens
// itself.
func (t *TokenService) Secret() []byte {
	return t.secret
}
