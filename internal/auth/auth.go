// Package auth verifies the bearer tokens clients present on connect.
// Three verifier variants cover the deployment modes: a static HMAC
// secret for development and single-tenant installs, a PEM public key
// for an external issuer, and a JWKS endpoint with key-id lookup.
package auth

import (
	"context"
	"crypto/ecdsa"
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken indicates the token is definitively invalid.
	ErrInvalidToken = errors.New("auth: invalid token")

	// ErrUnavailable indicates the verifier cannot currently decide,
	// e.g. the JWKS endpoint is unreachable. Callers fail closed.
	ErrUnavailable = errors.New("auth: unavailable")
)

// Claims is the verified identity carried by a token.
type Claims struct {
	UserID   string
	Name     string
	IssuedAt time.Time
	Expires  time.Time
}

// Verifier checks a bearer token and returns the claims inside it.
type Verifier interface {
	// Verify returns:
	//   - (*Claims, nil) if the token is valid
	//   - (nil, ErrInvalidToken) if the token is definitively invalid
	//   - (nil, ErrUnavailable) if verification cannot be performed
	Verify(ctx context.Context, token string) (*Claims, error)
}

type wireClaims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

func fromWire(wc *wireClaims) (*Claims, error) {
	if wc.Subject == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrInvalidToken)
	}
	claims := &Claims{
		UserID: wc.Subject,
		Name:   wc.Name,
	}
	if wc.IssuedAt != nil {
		claims.IssuedAt = wc.IssuedAt.Time
	}
	if wc.ExpiresAt != nil {
		claims.Expires = wc.ExpiresAt.Time
	}
	return claims, nil
}

func parse(token string, methods []string, keyFn jwt.Keyfunc) (*Claims, error) {
	if token == "" {
		return nil, ErrInvalidToken
	}
	wc := &wireClaims{}
	parsed, err := jwt.ParseWithClaims(token, wc, keyFn,
		jwt.WithValidMethods(methods),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, ErrUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return nil, ErrInvalidToken
	}
	return fromWire(wc)
}

// HMACVerifier verifies HS256 tokens against a shared secret.
type HMACVerifier struct {
	secret []byte
}

// NewHMACVerifier builds a verifier for a static secret.
func NewHMACVerifier(secret []byte) *HMACVerifier {
	return &HMACVerifier{secret: secret}
}

func (v *HMACVerifier) Verify(_ context.Context, token string) (*Claims, error) {
	return parse(token, []string{"HS256"}, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
}

// PEMVerifier verifies tokens against an RSA or ECDSA public key
// loaded from PEM.
type PEMVerifier struct {
	key     any
	methods []string
}

// NewPEMVerifier parses a PEM-encoded public key and picks the
// matching signing methods.
func NewPEMVerifier(pemBytes []byte) (*PEMVerifier, error) {
	if key, err := jwt.ParseRSAPublicKeyFromPEM(pemBytes); err == nil {
		return &PEMVerifier{key: key, methods: []string{"RS256", "RS384", "RS512"}}, nil
	}
	key, err := jwt.ParseECPublicKeyFromPEM(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	return &PEMVerifier{key: key, methods: []string{"ES256", "ES384", "ES512"}}, nil
}

func (v *PEMVerifier) Verify(_ context.Context, token string) (*Claims, error) {
	return parse(token, v.methods, func(*jwt.Token) (any, error) {
		switch k := v.key.(type) {
		case *rsa.PublicKey:
			return k, nil
		case *ecdsa.PublicKey:
			return k, nil
		}
		return nil, fmt.Errorf("unsupported key type %T", v.key)
	})
}

// MintHS256 signs a development token. Used by the keygen subcommand
// and tests.
func MintHS256(secret []byte, userID, name string, ttl time.Duration, now time.Time) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, wireClaims{
		Name: name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	return token.SignedString(secret)
}
