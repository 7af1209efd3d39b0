package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestTokenIssuerIssuesAdminTokens(t *testing.T) {
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("super-secret"),
		Issuer:        "coralclub-api",
		Audience:      "coralclub-admin",
		TokenTTL:      30 * time.Minute,
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	tokenString, expiresIn, err := issuer.IssueAdminToken(context.Background())
	if err != nil {
		t.Fatalf("expected successful issuance: %v", err)
	}
	if expiresIn != int64((30 * time.Minute).Seconds()) {
		t.Fatalf("unexpected expiry seconds %d", expiresIn)
	}

	parser := jwt.Parser{}
	claims := &AdminClaims{}
	_, err = parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte("super-secret"), nil
	})
	if err != nil {
		t.Fatalf("failed to parse generated token: %v", err)
	}

	if claims.Subject != AdminSubject {
		t.Fatalf("unexpected subject %s", claims.Subject)
	}
	if claims.Role != "admin" {
		t.Fatalf("unexpected role %s", claims.Role)
	}
	if claims.ID == "" {
		t.Fatalf("expected token id")
	}
	if len(claims.Audience) == 0 || claims.Audience[0] != "coralclub-admin" {
		t.Fatalf("unexpected audience %#v", claims.Audience)
	}
}

func TestTokenIssuerValidatesIssuedTokens(t *testing.T) {
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("another-secret"),
		Issuer:        "coralclub-api",
		Audience:      "coralclub-admin",
		TokenTTL:      15 * time.Minute,
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	tokenString, _, err := issuer.IssueAdminToken(context.Background())
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}

	subject, err := issuer.ValidateToken(tokenString)
	if err != nil {
		t.Fatalf("expected validation success: %v", err)
	}
	if subject != AdminSubject {
		t.Fatalf("unexpected subject %s", subject)
	}

	if _, err := issuer.ValidateToken("invalid.token"); err == nil {
		t.Fatalf("expected validation to fail for malformed token")
	}
}

func TestTokenIssuerRejectsExpiredTokens(t *testing.T) {
	now := time.Date(2025, 7, 1, 10, 0, 0, 0, time.UTC)
	current := now
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("secret"),
		Issuer:        "coralclub-api",
		Audience:      "coralclub-admin",
		TokenTTL:      time.Minute,
		Clock:         func() time.Time { return current },
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	tokenString, _, err := issuer.IssueAdminToken(context.Background())
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}

	current = now.Add(2 * time.Minute)
	if _, err := issuer.ValidateToken(tokenString); !errors.Is(err, jwt.ErrTokenExpired) {
		t.Fatalf("expected expiry error, got %v", err)
	}
}

func TestTokenIssuerRejectsForeignSecret(t *testing.T) {
	first, err := NewTokenIssuer(TokenIssuerConfig{SigningSecret: []byte("one"), Issuer: "coralclub-api", Audience: "coralclub-admin", TokenTTL: time.Minute})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	second, err := NewTokenIssuer(TokenIssuerConfig{SigningSecret: []byte("two"), Issuer: "coralclub-api", Audience: "coralclub-admin", TokenTTL: time.Minute})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	tokenString, _, err := first.IssueAdminToken(context.Background())
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}
	if _, err := second.ValidateToken(tokenString); err == nil {
		t.Fatalf("expected signature mismatch")
	}
}

func TestNewTokenIssuerValidatesConfig(t *testing.T) {
	tests := []struct {
		name   string
		config TokenIssuerConfig
	}{
		{name: "missing-secret", config: TokenIssuerConfig{Issuer: "coralclub-api", Audience: "coralclub-admin", TokenTTL: time.Minute}},
		{name: "missing-issuer", config: TokenIssuerConfig{SigningSecret: []byte("s"), Audience: "coralclub-admin", TokenTTL: time.Minute}},
		{name: "blank-audience", config: TokenIssuerConfig{SigningSecret: []byte("s"), Issuer: "coralclub-api", Audience: " ", TokenTTL: time.Minute}},
		{name: "zero-ttl", config: TokenIssuerConfig{SigningSecret: []byte("s"), Issuer: "coralclub-api", Audience: "coralclub-admin"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewTokenIssuer(tt.config); err == nil {
				t.Fatalf("expected constructor error")
			}
		})
	}
}
