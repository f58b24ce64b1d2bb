package auth

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"vitalwatch/internal/config"
	"vitalwatch/internal/model"
)

func testManager() *config.Manager {
	cfg := config.DefaultConfig()
	cfg.Auth.JWTSecret = "test-secret"
	cfg.Auth.IngestAPIKeys = []string{"device-key"}
	return config.NewStaticManager(cfg)
}

func sign(t *testing.T, secret string, claims jwt.RegisteredClaims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return tok
}

func TestJWTAuthenticator(t *testing.T) {
	a := NewJWTAuthenticator(testManager())
	valid := sign(t, "test-secret", jwt.RegisteredClaims{
		Subject:   "user-1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	expired := sign(t, "test-secret", jwt.RegisteredClaims{
		Subject:   "user-1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
	})
	wrongKey := sign(t, "other", jwt.RegisteredClaims{Subject: "user-1"})

	cases := []struct {
		name   string
		header string
		ok     bool
	}{
		{"valid", "Bearer " + valid, true},
		{"missing", "", false},
		{"wrong scheme", "Basic " + valid, false},
		{"expired", "Bearer " + expired, false},
		{"wrong key", "Bearer " + wrongKey, false},
		{"garbage", "Bearer not-a-token", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/api/dashboard/patients", nil)
			if tc.header != "" {
				r.Header.Set("Authorization", tc.header)
			}
			p, err := a.Authenticate(r)
			if tc.ok {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if p.Kind != KindUser || p.Subject != "user-1" {
					t.Fatalf("principal: %+v", p)
				}
				return
			}
			if !errors.Is(err, model.ErrAuthDenied) {
				t.Fatalf("expected auth denied, got %v", err)
			}
		})
	}
}

func TestJWTAuthenticatorIssuer(t *testing.T) {
	m := testManager()
	m.Get().Auth.JWTIssuer = "vitalwatch"
	a := NewJWTAuthenticator(m)
	tok := sign(t, "test-secret", jwt.RegisteredClaims{Subject: "user-1", Issuer: "someone-else"})
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("Authorization", "Bearer "+tok)
	if _, err := a.Authenticate(r); !errors.Is(err, model.ErrAuthDenied) {
		t.Fatalf("expected issuer mismatch to be denied, got %v", err)
	}
}

func TestAPIKeyAuthorizer(t *testing.T) {
	a := NewAPIKeyAuthorizer(testManager())
	ctx := context.Background()

	r := httptest.NewRequest("POST", "/api/ingest/readings", nil)
	r.Header.Set(APIKeyHeader, "device-key")
	if err := a.AuthorizeIngest(ctx, IngestPrincipal(r)); err != nil {
		t.Fatalf("valid key rejected: %v", err)
	}

	r.Header.Set(APIKeyHeader, "wrong")
	if err := a.AuthorizeIngest(ctx, IngestPrincipal(r)); !errors.Is(err, model.ErrAuthDenied) {
		t.Fatalf("wrong key accepted: %v", err)
	}

	r.Header.Del(APIKeyHeader)
	if err := a.AuthorizeIngest(ctx, IngestPrincipal(r)); !errors.Is(err, model.ErrAuthDenied) {
		t.Fatalf("missing key accepted: %v", err)
	}

	if err := a.AuthorizeIngest(ctx, Broker("kafka")); err != nil {
		t.Fatalf("trusted broker rejected: %v", err)
	}
	if err := a.AuthorizeIngest(ctx, Broker("amqp")); !errors.Is(err, model.ErrAuthDenied) {
		t.Fatalf("untrusted broker accepted: %v", err)
	}
	if err := a.AuthorizeIngest(ctx, Principal{Kind: KindUser, Subject: "u"}); !errors.Is(err, model.ErrAuthDenied) {
		t.Fatalf("dashboard user may not ingest: %v", err)
	}
}

func TestPrincipalSource(t *testing.T) {
	if Broker("mqtt").Source() != "mqtt" {
		t.Fatalf("broker source")
	}
	if (Principal{Kind: KindAPIKey}).Source() != "http" {
		t.Fatalf("api key source")
	}
}
