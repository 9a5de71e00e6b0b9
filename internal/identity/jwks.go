package identity

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// jwksMinRefresh bounds how often the key set is re-fetched, including on
// key-not-found.
const jwksMinRefresh = 60 * time.Second

type jwksCache struct {
	discoveryURL string
	jwksURL      string
	client       *http.Client
	logger       *slog.Logger

	mu          sync.RWMutex
	keys        map[string]any // kid -> public key
	lastRefresh time.Time
}

type discoveryDocument struct {
	JWKSURI string `json:"jwks_uri"`
}

type jwkKey struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

type jwkSet struct {
	Keys []jwkKey `json:"keys"`
}

func newJWKSCache(discoveryURL, jwksURL string, logger *slog.Logger) (*jwksCache, error) {
	if discoveryURL == "" && jwksURL == "" {
		return nil, fmt.Errorf("no discovery or jwks url configured")
	}
	return &jwksCache{
		discoveryURL: discoveryURL,
		jwksURL:      jwksURL,
		client:       &http.Client{Timeout: 10 * time.Second},
		logger:       logger,
		keys:         map[string]any{},
	}, nil
}

// keyFunc resolves the signing key for a token by kid, refreshing the key
// set when the kid is unknown (rate-limited).
func (c *jwksCache) keyFunc(ctx context.Context) jwt.Keyfunc {
	return func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("token has no kid header")
		}
		if key := c.lookup(kid); key != nil {
			return key, nil
		}
		if err := c.refresh(ctx); err != nil {
			return nil, err
		}
		if key := c.lookup(kid); key != nil {
			return key, nil
		}
		return nil, fmt.Errorf("signing key %q not found", kid)
	}
}

func (c *jwksCache) lookup(kid string) any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.keys[kid]
}

func (c *jwksCache) refresh(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if time.Since(c.lastRefresh) < jwksMinRefresh && len(c.keys) > 0 {
		return nil
	}

	url := c.jwksURL
	if url == "" {
		resolved, err := c.resolveJWKSURL(ctx)
		if err != nil {
			return err
		}
		url = resolved
	}

	set, err := c.fetchKeys(ctx, url)
	if err != nil {
		return err
	}

	keys := map[string]any{}
	for _, k := range set.Keys {
		pub, err := parseJWK(k)
		if err != nil {
			c.logger.Warn("skipping unparseable jwk", "kid", k.Kid, "error", err)
			continue
		}
		keys[k.Kid] = pub
	}
	if len(keys) == 0 {
		return fmt.Errorf("jwks endpoint returned no usable keys")
	}
	c.keys = keys
	c.lastRefresh = time.Now()
	return nil
}

func (c *jwksCache) resolveJWKSURL(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.discoveryURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("oidc discovery: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("oidc discovery: status %d", resp.StatusCode)
	}
	var doc discoveryDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return "", fmt.Errorf("oidc discovery: %w", err)
	}
	if doc.JWKSURI == "" {
		return "", fmt.Errorf("oidc discovery document has no jwks_uri")
	}
	return doc.JWKSURI, nil
}

func (c *jwksCache) fetchKeys(ctx context.Context, url string) (*jwkSet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("jwks fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("jwks fetch: status %d", resp.StatusCode)
	}
	var set jwkSet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return nil, fmt.Errorf("jwks decode: %w", err)
	}
	return &set, nil
}

func parseJWK(k jwkKey) (any, error) {
	switch k.Kty {
	case "RSA":
		n, err := base64.RawURLEncoding.DecodeString(k.N)
		if err != nil {
			return nil, fmt.Errorf("modulus: %w", err)
		}
		e, err := base64.RawURLEncoding.DecodeString(k.E)
		if err != nil {
			return nil, fmt.Errorf("exponent: %w", err)
		}
		return &rsa.PublicKey{
			N: new(big.Int).SetBytes(n),
			E: int(new(big.Int).SetBytes(e).Int64()),
		}, nil
	case "EC":
		if k.Crv != "P-256" {
			return nil, fmt.Errorf("unsupported curve %q", k.Crv)
		}
		x, err := base64.RawURLEncoding.DecodeString(k.X)
		if err != nil {
			return nil, fmt.Errorf("x: %w", err)
		}
		y, err := base64.RawURLEncoding.DecodeString(k.Y)
		if err != nil {
			return nil, fmt.Errorf("y: %w", err)
		}
		return &ecdsa.PublicKey{
			Curve: elliptic.P256(),
			X:     new(big.Int).SetBytes(x),
			Y:     new(big.Int).SetBytes(y),
		}, nil
	default:
		return nil, fmt.Errorf("unsupported key type %q", k.Kty)
	}
}
