// Package auth issues and verifies the HS256 tokens the copilot presents to
// the proxy.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Issuer name placed in every token.
const Issuer = "mendan"

var (
	ErrMissingToken = errors.New("auth: missing authorization header")
	ErrBadFormat    = errors.New("auth: invalid authorization format")
	ErrInvalidToken = errors.New("auth: invalid token")
)

// Claims represents the claims in a proxy token
type Claims struct {
	jwt.RegisteredClaims
	ClientID string `json:"client_id"`
}

// Tokens signs and verifies tokens with a shared secret. A zero-value secret
// disables authentication.
type Tokens struct {
	secret []byte
	expiry time.Duration
	now    func() time.Time
}

// New creates a token helper. expiry <= 0 defaults to 12 hours.
func New(secret string, expiry time.Duration) *Tokens {
	if expiry <= 0 {
		expiry = 12 * time.Hour
	}
	return &Tokens{secret: []byte(secret), expiry: expiry, now: time.Now}
}

// Enabled reports whether a secret is configured.
func (t *Tokens) Enabled() bool {
	return t != nil && len(t.secret) > 0
}

// Issue creates a signed token for clientID.
func (t *Tokens) Issue(clientID string) (string, time.Time, error) {
	now := t.now()
	expiresAt := now.Add(t.expiry)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			Subject:   clientID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		ClientID: clientID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// Verify parses and validates a token string.
func (t *Tokens) Verify(tokenString string) (*Claims, error) {
	parser := jwt.NewParser(
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(Issuer),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(t.now),
	)
	token, err := parser.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return t.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// FromHeader extracts the token from an "Authorization: Bearer <token>" value.
func FromHeader(header string) (string, error) {
	if header == "" {
		return "", ErrMissingToken
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" || strings.TrimSpace(parts[1]) == "" {
		return "", ErrBadFormat
	}
	return strings.TrimSpace(parts[1]), nil
}
