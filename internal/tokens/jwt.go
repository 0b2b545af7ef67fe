// Package tokens issues and validates the RS256 bearer tokens accepted at
// ingress. Validation needs only the public key; signing is used by
// cmd/tokengen and by tests.
package tokens

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var ErrInvalidToken = errors.New("invalid token")

// maxIssuedAtSkew tolerates clock drift on the issuer side; anything issued
// further in the future is rejected.
const maxIssuedAtSkew = 5 * time.Minute

// Claims carried by a bearer token. Scopes is the space-separated scp claim.
type Claims struct {
	Scopes string `json:"scp"`
	jwt.RegisteredClaims
}

// Validator checks token signatures against a fixed public key.
type Validator struct {
	publicKey *rsa.PublicKey
	now       func() time.Time
}

func NewValidator(pub *rsa.PublicKey) *Validator {
	return &Validator{publicKey: pub, now: time.Now}
}

// WithClock replaces the time source for tests.
func (v *Validator) WithClock(now func() time.Time) *Validator {
	v.now = now
	return v
}

// ValidateToken verifies signature, expiry and issued-at sanity.
func (v *Validator) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.publicKey, nil
	}, jwt.WithTimeFunc(v.now))
	if err != nil {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	if claims.ExpiresAt == nil {
		return nil, ErrInvalidToken
	}
	if claims.IssuedAt != nil && claims.IssuedAt.After(v.now().Add(maxIssuedAtSkew)) {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Signer mints tokens; operator tooling and test fixtures only.
type Signer struct {
	privateKey *rsa.PrivateKey
}

func NewSigner(priv *rsa.PrivateKey) *Signer {
	return &Signer{privateKey: priv}
}

// Sign issues a token for subject with the given space-separated scopes.
func (s *Signer) Sign(subject, scopes string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		Scopes: scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.New().String(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = "v1"
	return token.SignedString(s.privateKey)
}
