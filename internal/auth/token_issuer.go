// Package auth issues and validates the bearer tokens chat bridges present
// to the HTTP API.
package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Scopes a bridge token may carry.
const (
	ScopeEvents = "events"
	ScopeAdmin  = "admin"
	ScopeStream = "stream"
)

var (
	errMissingSigningSecret = errors.New("signing secret must be provided")
	errMissingIssuer        = errors.New("issuer must be provided")
	errMissingAudience      = errors.New("audience must be provided")
	errInvalidTokenTTL      = errors.New("token ttl must be positive")
	errMissingSubjectClaim  = errors.New("subject claim must be provided")
	// ErrUnknownScope indicates a scope outside the supported set.
	ErrUnknownScope = errors.New("auth: unknown scope")
)

// Principal is the authenticated bridge behind a request.
type Principal struct {
	Subject string
	Scopes  []string
}

// Allows reports whether the principal holds scope.
func (p Principal) Allows(scope string) bool {
	return slices.Contains(p.Scopes, scope)
}

type bridgeClaims struct {
	Scopes []string `json:"scopes"`
	jwt.RegisteredClaims
}

// TokenIssuerConfig configures the bridge JWT issuer.
type TokenIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// TokenIssuer signs HS256 bridge tokens and validates them on the way back in.
type TokenIssuer struct {
	config TokenIssuerConfig
	clock  func() time.Time
}

// NewTokenIssuer validates the configuration and constructs a TokenIssuer.
func NewTokenIssuer(cfg TokenIssuerConfig) (*TokenIssuer, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, errMissingSigningSecret
	}
	if strings.TrimSpace(cfg.Issuer) == "" {
		return nil, errMissingIssuer
	}
	if strings.TrimSpace(cfg.Audience) == "" {
		return nil, errMissingAudience
	}
	if cfg.TokenTTL <= 0 {
		return nil, errInvalidTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	cfg.Clock = clock
	return &TokenIssuer{config: cfg, clock: clock}, nil
}

// ParseScopes validates a list of scope names. An empty list grants every scope.
func ParseScopes(values []string) ([]string, error) {
	if len(values) == 0 {
		return []string{ScopeEvents, ScopeAdmin, ScopeStream}, nil
	}
	scopes := make([]string, 0, len(values))
	for _, value := range values {
		scope := strings.ToLower(strings.TrimSpace(value))
		switch scope {
		case ScopeEvents, ScopeAdmin, ScopeStream:
		default:
			return nil, fmt.Errorf("%w: %q", ErrUnknownScope, value)
		}
		if !slices.Contains(scopes, scope) {
			scopes = append(scopes, scope)
		}
	}
	return scopes, nil
}

// IssueBridgeToken produces a signed JWT and its lifetime in seconds.
func (i *TokenIssuer) IssueBridgeToken(_ context.Context, subject string, scopes []string) (string, int64, error) {
	if strings.TrimSpace(subject) == "" {
		return "", 0, errMissingSubjectClaim
	}
	parsed, err := ParseScopes(scopes)
	if err != nil {
		return "", 0, err
	}

	now := i.clock().UTC()
	expiresAt := now.Add(i.config.TokenTTL)
	claims := bridgeClaims{
		Scopes: parsed,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    i.config.Issuer,
			Audience:  []string{i.config.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.config.SigningSecret)
	if err != nil {
		return "", 0, err
	}
	return signed, int64(i.config.TokenTTL.Seconds()), nil
}

// ValidateToken checks signature, issuer, audience and expiry and returns the
// bridge principal.
func (i *TokenIssuer) ValidateToken(tokenString string) (Principal, error) {
	claims := &bridgeClaims{}
	_, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", token.Method.Alg())
			}
			return i.config.SigningSecret, nil
		},
		jwt.WithAudience(i.config.Audience),
		jwt.WithIssuer(i.config.Issuer),
		jwt.WithTimeFunc(i.clock),
	)
	if err != nil {
		return Principal{}, err
	}
	if claims.Subject == "" {
		return Principal{}, errMissingSubjectClaim
	}
	return Principal{Subject: claims.Subject, Scopes: claims.Scopes}, nil
}
