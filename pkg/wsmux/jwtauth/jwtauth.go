// Package jwtauth builds the bearer JWT some streaming APIs require in
// the WebSocket handshake or an initial auth frame (e.g. Coinbase
// Advanced Trade's WebSocket auth). It signs a caller-supplied, generic
// claim set — never an exchange-specific payload — keeping the engine
// exchange-agnostic: request signing itself is out of scope, this only
// covers the common case of wrapping a claim set in a signed JWT
// (jwt.NewWithClaims + SigningMethod + SignedString).
package jwtauth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Signer produces short-lived bearer JWTs from a fixed signing key and
// a caller-supplied claim template.
type Signer struct {
	method jwt.SigningMethod
	key    any
	issuer string
	ttl    time.Duration
}

// NewHMACSigner builds a Signer using HS256 over secret, suitable for
// exchanges that issue a shared secret for WebSocket auth.
func NewHMACSigner(secret []byte, issuer string, ttl time.Duration) *Signer {
	return &Signer{
		method: jwt.SigningMethodHS256,
		key:    secret,
		issuer: issuer,
		ttl:    ttl,
	}
}

// Sign builds a token carrying subject plus any extra claims, with
// iat/exp/iss set from the Signer's configuration, and returns the
// compact serialization to place in an Authorization header or an
// exchange's auth frame.
func (s *Signer) Sign(subject string, extraClaims map[string]any) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": subject,
		"iat": now.Unix(),
		"exp": now.Add(s.ttl).Unix(),
	}
	if s.issuer != "" {
		claims["iss"] = s.issuer
	}
	for k, v := range extraClaims {
		claims[k] = v
	}

	token := jwt.NewWithClaims(s.method, claims)
	return token.SignedString(s.key)
}
