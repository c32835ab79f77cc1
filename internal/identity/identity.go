// Package identity resolves the authenticated local participant. The data
// and identity service issues JWT access tokens; the participant ID is the
// token's Subject claim.
package identity

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("identity: invalid token")

// Provider reports the authenticated local participant.
type Provider interface {
	CurrentUserID() string
}

// TokenProvider validates an access token once at construction and serves
// its subject for the process lifetime.
type TokenProvider struct {
	userID string
}

func NewTokenProvider(token, secret string) (*TokenProvider, error) {
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || !parsed.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}

	return &TokenProvider{userID: claims.Subject}, nil
}

func (p *TokenProvider) CurrentUserID() string {
	return p.userID
}

// Static is a fixed identity, for tests and local development.
type Static string

func (s Static) CurrentUserID() string {
	return string(s)
}
