// Package auth resolves request credentials to a Principal. Two credential
// forms are accepted: RS256 bearer tokens and pre-hashed API keys. Every
// failure mode collapses into one opaque error so callers can't probe why a
// credential was rejected.
package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/stratosight/geotak/internal/tokens"
)

var (
	// ErrNoCredentials means the request carried neither credential form.
	ErrNoCredentials = errors.New("no credentials")

	// ErrInvalidCredentials deliberately carries no detail.
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// PrincipalKind discriminates the credential that produced a Principal.
type PrincipalKind string

const (
	KindBearer PrincipalKind = "BEARER"
	KindAPIKey PrincipalKind = "API_KEY"
)

// Principal is the authenticated identity for one request. Ephemeral.
type Principal struct {
	Subject string
	Kind    PrincipalKind
	Scopes  []string
}

// Key is the rate-limit bucket key for this principal.
func (p *Principal) Key() string {
	return strings.ToLower(string(p.Kind)) + ":" + p.Subject
}

// HasScope reports whether the principal holds the named scope.
func (p *Principal) HasScope(scope string) bool {
	for _, s := range p.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Authenticator verifies bearer tokens and API keys.
type Authenticator struct {
	validator *tokens.Validator
	keys      *KeyStore
}

func NewAuthenticator(v *tokens.Validator, ks *KeyStore) *Authenticator {
	return &Authenticator{validator: v, keys: ks}
}

// Authenticate resolves the request's credentials. Returns ErrNoCredentials
// for anonymous requests and ErrInvalidCredentials for everything else that
// fails, regardless of cause.
func (a *Authenticator) Authenticate(r *http.Request) (*Principal, error) {
	authHeader := r.Header.Get("Authorization")
	apiKey := r.Header.Get("X-API-Key")

	switch {
	case authHeader != "":
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			return nil, ErrInvalidCredentials
		}
		claims, err := a.validator.ValidateToken(parts[1])
		if err != nil {
			return nil, ErrInvalidCredentials
		}
		return &Principal{
			Subject: claims.Subject,
			Kind:    KindBearer,
			Scopes:  strings.Fields(claims.Scopes),
		}, nil

	case apiKey != "":
		entry, ok := a.keys.Lookup(apiKey)
		if !ok {
			return nil, ErrInvalidCredentials
		}
		return &Principal{
			Subject: entry.Subject,
			Kind:    KindAPIKey,
			Scopes:  append([]string(nil), entry.Scopes...),
		}, nil

	default:
		return nil, ErrNoCredentials
	}
}
