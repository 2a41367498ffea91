// Package auth holds the short-lived access credential for a client session and renews it
// through the long-lived refresh cookie. It also issues and verifies tokens for the development server.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNoExpiry is returned when a token carries no exp claim.
var ErrNoExpiry = errors.New("credential has no expiry")

// Credential is an opaque bearer token plus the claims decoded from it locally.
type Credential struct {
	Token     string
	Subject   string
	ExpiresAt time.Time
}

// ParseCredential decodes the JWT payload without verifying the signature; the client never holds
// the signing key and only needs the expiry to avoid sending stale tokens.
func ParseCredential(token string) (Credential, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Credential{}, errors.New("credential is empty")
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return Credential{}, fmt.Errorf("decode credential: %w", err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return Credential{}, fmt.Errorf("decode credential: %w", err)
	}
	if exp == nil {
		return Credential{}, ErrNoExpiry
	}
	sub, _ := claims.GetSubject()
	return Credential{
		Token:     token,
		Subject:   sub,
		ExpiresAt: exp.Time,
	}, nil
}

// ExpiredAt reports whether the credential is unusable at now, treating anything within leeway of
// its expiry as already expired.
func (c Credential) ExpiredAt(now time.Time, leeway time.Duration) bool {
	if c.Token == "" {
		return true
	}
	return !c.ExpiresAt.After(now.Add(leeway))
}
