package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func newTestIssuer(t *testing.T, clock func() time.Time) *TokenIssuer {
	t.Helper()
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("bridge-secret"),
		Issuer:        "cardbot-api",
		Audience:      "cardbot-bridge",
		TokenTTL:      time.Hour,
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	return issuer
}

func TestTokenIssuerIssuesBridgeTokens(t *testing.T) {
	issuer := newTestIssuer(t, nil)

	tokenString, expiresIn, err := issuer.IssueBridgeToken(context.Background(), "telegram-bridge", []string{"events", "stream"})
	if err != nil {
		t.Fatalf("expected successful issuance: %v", err)
	}
	if expiresIn != 3600 {
		t.Fatalf("expected one hour expiry, got %d", expiresIn)
	}

	claims := &bridgeClaims{}
	_, err = jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte("bridge-secret"), nil
	})
	if err != nil {
		t.Fatalf("failed to parse generated token: %v", err)
	}
	if claims.Subject != "telegram-bridge" {
		t.Fatalf("unexpected subject %s", claims.Subject)
	}
	if claims.Issuer != "cardbot-api" {
		t.Fatalf("unexpected issuer %s", claims.Issuer)
	}
	if len(claims.Scopes) != 2 || claims.Scopes[0] != ScopeEvents || claims.Scopes[1] != ScopeStream {
		t.Fatalf("unexpected scopes %#v", claims.Scopes)
	}
}

func TestTokenIssuerValidatesIssuedTokens(t *testing.T) {
	issuer := newTestIssuer(t, nil)

	tokenString, _, err := issuer.IssueBridgeToken(context.Background(), "discord-bridge", nil)
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}
	principal, err := issuer.ValidateToken(tokenString)
	if err != nil {
		t.Fatalf("expected validation success: %v", err)
	}
	if principal.Subject != "discord-bridge" {
		t.Fatalf("unexpected subject %s", principal.Subject)
	}
	if !principal.Allows(ScopeAdmin) || !principal.Allows(ScopeEvents) || !principal.Allows(ScopeStream) {
		t.Fatalf("empty scope request should grant every scope, got %v", principal.Scopes)
	}

	if _, err := issuer.ValidateToken("invalid.token"); err == nil {
		t.Fatalf("expected validation to fail for malformed token")
	}
}

func TestTokenIssuerRejectsExpiredTokens(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	issuer := newTestIssuer(t, func() time.Time { return now })

	tokenString, _, err := issuer.IssueBridgeToken(context.Background(), "telegram-bridge", []string{"events"})
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}
	now = now.Add(2 * time.Hour)
	if _, err := issuer.ValidateToken(tokenString); !errors.Is(err, jwt.ErrTokenExpired) {
		t.Fatalf("expected expired token error, got %v", err)
	}
}

func TestTokenIssuerRejectsForeignAudience(t *testing.T) {
	issuer := newTestIssuer(t, nil)
	other, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("bridge-secret"),
		Issuer:        "cardbot-api",
		Audience:      "someone-else",
		TokenTTL:      time.Hour,
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	tokenString, _, err := other.IssueBridgeToken(context.Background(), "telegram-bridge", nil)
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}
	if _, err := issuer.ValidateToken(tokenString); err == nil {
		t.Fatalf("expected audience mismatch to fail validation")
	}
}

func TestIssueBridgeTokenRejectsBadInput(t *testing.T) {
	issuer := newTestIssuer(t, nil)
	if _, _, err := issuer.IssueBridgeToken(context.Background(), " ", nil); err == nil {
		t.Fatalf("expected error for missing subject")
	}
	if _, _, err := issuer.IssueBridgeToken(context.Background(), "bridge", []string{"root"}); !errors.Is(err, ErrUnknownScope) {
		t.Fatalf("expected unknown scope error, got %v", err)
	}
}

func TestNewTokenIssuerValidatesConfig(t *testing.T) {
	testCases := []struct {
		name   string
		config TokenIssuerConfig
	}{
		{"missing secret", TokenIssuerConfig{Issuer: "cardbot-api", Audience: "cardbot-bridge", TokenTTL: time.Minute}},
		{"missing issuer", TokenIssuerConfig{SigningSecret: []byte("s"), Audience: "cardbot-bridge", TokenTTL: time.Minute}},
		{"blank audience", TokenIssuerConfig{SigningSecret: []byte("s"), Issuer: "cardbot-api", Audience: " ", TokenTTL: time.Minute}},
		{"zero ttl", TokenIssuerConfig{SigningSecret: []byte("s"), Issuer: "cardbot-api", Audience: "cardbot-bridge"}},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if _, err := NewTokenIssuer(testCase.config); err == nil {
				t.Fatalf("expected constructor error")
			}
		})
	}
}
