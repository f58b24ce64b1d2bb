// Package auth holds the request-level identity checks: bearer tokens for
// dashboard reads and shared keys or trusted brokers for ingestion.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"vitalwatch/internal/config"
	"vitalwatch/internal/model"
)

type Kind string

const (
	KindUser   Kind = "user"
	KindAPIKey Kind = "api_key"
	KindBroker Kind = "broker"
)

const APIKeyHeader = "x-api-key"

type Principal struct {
	Kind       Kind
	Subject    string
	Credential string
}

// Source labels where a reading came from, for logs and metrics.
func (p Principal) Source() string {
	switch p.Kind {
	case KindBroker:
		return p.Subject
	case KindAPIKey:
		return "http"
	case "":
		return "unknown"
	}
	return string(p.Kind)
}

func Broker(name string) Principal {
	return Principal{Kind: KindBroker, Subject: name}
}

// IngestPrincipal builds the principal for an ingest request from its
// shared-secret header. It never fails; authorization decides.
func IngestPrincipal(r *http.Request) Principal {
	return Principal{Kind: KindAPIKey, Credential: strings.TrimSpace(r.Header.Get(APIKeyHeader))}
}

type ConfigSource interface {
	Get() *config.Config
}

type JWTAuthenticator struct {
	cfg ConfigSource
}

func NewJWTAuthenticator(cfg ConfigSource) *JWTAuthenticator {
	return &JWTAuthenticator{cfg: cfg}
}

func (a *JWTAuthenticator) Authenticate(r *http.Request) (Principal, error) {
	header := r.Header.Get("Authorization")
	parts := strings.Split(header, " ")
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return Principal{}, fmt.Errorf("missing bearer token: %w", model.ErrAuthDenied)
	}
	current := a.cfg.Get().Auth
	if current.JWTSecret == "" {
		return Principal{}, fmt.Errorf("jwt secret not configured: %w", model.ErrAuthDenied)
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if current.JWTIssuer != "" {
		opts = append(opts, jwt.WithIssuer(current.JWTIssuer))
	}
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(parts[1], claims, func(*jwt.Token) (any, error) {
		return []byte(current.JWTSecret), nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Principal{}, fmt.Errorf("token expired: %w", model.ErrAuthDenied)
		}
		return Principal{}, fmt.Errorf("invalid token: %w", model.ErrAuthDenied)
	}
	if !token.Valid || claims.Subject == "" {
		return Principal{}, fmt.Errorf("invalid token: %w", model.ErrAuthDenied)
	}
	return Principal{Kind: KindUser, Subject: claims.Subject}, nil
}

type APIKeyAuthorizer struct {
	cfg ConfigSource
}

func NewAPIKeyAuthorizer(cfg ConfigSource) *APIKeyAuthorizer {
	return &APIKeyAuthorizer{cfg: cfg}
}

func (a *APIKeyAuthorizer) AuthorizeIngest(_ context.Context, p Principal) error {
	current := a.cfg.Get().Auth
	switch p.Kind {
	case KindAPIKey:
		if p.Credential == "" {
			return fmt.Errorf("missing api key: %w", model.ErrAuthDenied)
		}
		for _, key := range current.IngestAPIKeys {
			if key != "" && subtle.ConstantTimeCompare([]byte(key), []byte(p.Credential)) == 1 {
				return nil
			}
		}
		return fmt.Errorf("unknown api key: %w", model.ErrAuthDenied)
	case KindBroker:
		for _, src := range current.TrustedSources {
			if strings.EqualFold(src, p.Subject) {
				return nil
			}
		}
		return fmt.Errorf("untrusted source %q: %w", p.Subject, model.ErrAuthDenied)
	}
	return fmt.Errorf("principal kind %q may not ingest: %w", p.Kind, model.ErrAuthDenied)
}
