// Package token issues and verifies the bearer tokens injected into
// sandboxes. Each sandbox receives a token scoped to itself; the control
// plane accepts it only for requests against that same sandbox.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tsbx-io/tsbx/pkg/models"
)

const issuer = "tsbx"

// DefaultTTL bounds how long an injected sandbox token stays valid.
const DefaultTTL = 24 * time.Hour

// ErrInvalidToken is returned for tokens that fail signature, issuer, or
// expiry checks.
var ErrInvalidToken = errors.New("invalid token")

// Claims are the verified contents of a sandbox token.
type Claims struct {
	Principal     string               `json:"sub"`
	PrincipalType models.PrincipalType `json:"principal_type"`
	SandboxID     string               `json:"sandbox_id"`
	jwt.RegisteredClaims
}

// Issuer mints and verifies HS256 sandbox tokens with a shared secret.
type Issuer struct {
	secret []byte
	ttl    time.Duration
}

// NewIssuer builds an Issuer. An empty secret is refused: tokens signed
// with a guessable key would let any container impersonate any sandbox.
func NewIssuer(secret string, ttl time.Duration) (*Issuer, error) {
	if secret == "" {
		return nil, errors.New("token secret must not be empty")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Issuer{secret: []byte(secret), ttl: ttl}, nil
}

// Issue mints a token binding principal and principalType to sandboxID.
func (i *Issuer) Issue(principal string, principalType models.PrincipalType, sandboxID string) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		Principal:     principal,
		PrincipalType: principalType,
		SandboxID:     sandboxID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   principal,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign token for sandbox %s: %w", sandboxID, err)
	}
	return signed, nil
}

// Verify parses and validates a token, returning its claims.
func (i *Issuer) Verify(raw string) (*Claims, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return i.secret, nil
	}, jwt.WithIssuer(issuer), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.SandboxID == "" {
		return nil, fmt.Errorf("%w: missing sandbox_id claim", ErrInvalidToken)
	}
	return &claims, nil
}

// VerifyFor validates a token and checks it is scoped to sandboxID.
func (i *Issuer) VerifyFor(raw, sandboxID string) (*Claims, error) {
	claims, err := i.Verify(raw)
	if err != nil {
		return nil, err
	}
	if claims.SandboxID != sandboxID {
		return nil, fmt.Errorf("%w: token scoped to sandbox %s, not %s",
			ErrInvalidToken, claims.SandboxID, sandboxID)
	}
	return claims, nil
}
