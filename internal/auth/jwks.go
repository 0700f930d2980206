package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"
	"github.com/golang-jwt/jwt/v5"
)

const (
	jwksRefreshInterval = 15 * time.Minute
	// Floor between on-demand refreshes so an attacker cannot make us
	// hammer the endpoint with unknown kids.
	jwksMinRefresh = 30 * time.Second
	jwksMaxBody    = 1 << 20
)

// JWKSVerifier verifies RS256 tokens against a JWKS endpoint. Keys are
// cached by kid; an unknown kid triggers an on-demand refresh, and a
// background loop keeps the cache warm.
type JWKSVerifier struct {
	url    string
	http   *http.Client
	clock  quartz.Clock
	logger *log.Logger

	mu          sync.RWMutex
	keys        map[string]*rsa.PublicKey
	lastFetch   time.Time
	everFetched bool
}

// NewJWKSVerifier builds a verifier for a JWKS URL. Call Run to keep
// the cache refreshed.
func NewJWKSVerifier(url string, clock quartz.Clock, logger *log.Logger) *JWKSVerifier {
	return &JWKSVerifier{
		url:    url,
		http:   &http.Client{Timeout: 5 * time.Second},
		clock:  clock,
		logger: logger.WithPrefix("auth"),
		keys:   make(map[string]*rsa.PublicKey),
	}
}

// Run refreshes the key cache periodically until ctx is done.
func (v *JWKSVerifier) Run(ctx context.Context) error {
	if err := v.Refresh(ctx); err != nil {
		v.logger.Warn("Initial JWKS fetch failed", "url", v.url, "error", err)
	}
	ticker := v.clock.NewTicker(jwksRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := v.Refresh(ctx); err != nil {
				v.logger.Warn("JWKS refresh failed", "url", v.url, "error", err)
			}
		}
	}
}

type jwk struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	Use string `json:"use,omitempty"`
	N   string `json:"n"`
	E   string `json:"e"`
}

type jwks struct {
	Keys []jwk `json:"keys"`
}

// Refresh fetches the key set now.
func (v *JWKSVerifier) Refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	res, err := v.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: fetch jwks: %v", ErrUnavailable, err)
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: jwks status %d", ErrUnavailable, res.StatusCode)
	}

	var set jwks
	if err := json.NewDecoder(io.LimitReader(res.Body, jwksMaxBody)).Decode(&set); err != nil {
		return fmt.Errorf("%w: decode jwks: %v", ErrUnavailable, err)
	}

	keys := make(map[string]*rsa.PublicKey, len(set.Keys))
	for _, k := range set.Keys {
		if k.Kty != "RSA" || k.Kid == "" {
			continue
		}
		pub, err := rsaFromJWK(k)
		if err != nil {
			v.logger.Warn("Skipping unparseable JWKS key", "kid", k.Kid, "error", err)
			continue
		}
		keys[k.Kid] = pub
	}

	v.mu.Lock()
	v.keys = keys
	v.lastFetch = v.clock.Now()
	v.everFetched = true
	v.mu.Unlock()

	v.logger.Debug("Refreshed JWKS", "url", v.url, "keys", len(keys))
	return nil
}

func rsaFromJWK(k jwk) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("decode modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("decode exponent: %w", err)
	}
	e := 0
	for _, b := range eBytes {
		e = e<<8 | int(b)
	}
	if e == 0 {
		return nil, fmt.Errorf("zero exponent")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nBytes), E: e}, nil
}

func (v *JWKSVerifier) key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	v.mu.RLock()
	pub, ok := v.keys[kid]
	everFetched := v.everFetched
	stale := v.clock.Now().Sub(v.lastFetch) >= jwksMinRefresh
	v.mu.RUnlock()
	if ok {
		return pub, nil
	}

	// Unknown kid: the issuer may have rotated. Refresh at most once
	// per floor interval.
	if stale {
		if err := v.Refresh(ctx); err != nil && !everFetched {
			return nil, err
		}
		v.mu.RLock()
		pub, ok = v.keys[kid]
		v.mu.RUnlock()
		if ok {
			return pub, nil
		}
	}
	if !everFetched {
		return nil, fmt.Errorf("%w: no key set", ErrUnavailable)
	}
	return nil, fmt.Errorf("%w: unknown kid %q", ErrInvalidToken, kid)
}

func (v *JWKSVerifier) Verify(ctx context.Context, token string) (*Claims, error) {
	return parse(token, []string{"RS256"}, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("%w: missing kid", ErrInvalidToken)
		}
		return v.key(ctx, kid)
	})
}
