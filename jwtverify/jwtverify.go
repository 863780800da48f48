// Package jwtverify provides a TokenVerifier backed by HMAC-signed JWTs.
// The convoke core only consumes the verify capability; this package keeps
// the token internals out of the dispatch layer.
package jwtverify

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNoClaims is returned when a valid token carries no map claims.
var ErrNoClaims = errors.New("token carries no claims")

// Verifier validates HMAC-signed bearer tokens. It satisfies the
// convoke.TokenVerifier interface.
type Verifier struct {
	secret []byte
}

// New creates a verifier for tokens signed with the given shared secret.
func New(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify parses and validates a token and returns its claims as the
// principal.
func (v *Verifier) Verify(token string) (any, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrNoClaims
	}
	return map[string]any(claims), nil
}

// Sign issues a token carrying the given claims, expiring after ttl. It is
// the counterpart of Verify for login handlers and tests.
func (v *Verifier) Sign(claims map[string]any, ttl time.Duration) (string, error) {
	mapClaims := jwt.MapClaims{}
	for key, value := range claims {
		mapClaims[key] = value
	}
	if ttl > 0 {
		mapClaims["exp"] = time.Now().Add(ttl).Unix()
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, mapClaims).SignedString(v.secret)
}
