// Package client verifies ID tokens issued by the identity provider.
package client

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

// DefaultLeeway is the clock skew tolerated for exp and nbf.
const DefaultLeeway = 30 * time.Second

// ValidatorConfig configures the token validator.
type ValidatorConfig struct {
	JWKSURL    string
	HTTPClient *http.Client
	// CheckExpiry enables exp/nbf enforcement.
	CheckExpiry bool
	Leeway      time.Duration
	Now         func() time.Time
	Logger      *slog.Logger
}

// Validator checks compact JWS ID tokens against a cached key set.
type Validator struct {
	cfg    ValidatorConfig
	client *http.Client
	logger *slog.Logger
	mu     sync.RWMutex
	cache  *jwksCache
}

// jwksCache is never mutated after construction; Refresh swaps it.
type jwksCache struct {
	set     jose.JSONWebKeySet
	fetched time.Time
}

// Claims is a view of a validated ID token.
type Claims struct {
	Subject   string
	Issuer    string
	Audiences []string
	Email     *string
	ExpiresAt time.Time
	IssuedAt  time.Time
	Raw       map[string]any
}

// NewValidator fetches the key set once and returns a ready validator. A
// failed fetch is returned to the caller without retrying.
func NewValidator(ctx context.Context, cfg ValidatorConfig) (*Validator, error) {
	if cfg.JWKSURL == "" {
		return nil, errors.New("jwks url is required")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Leeway == 0 {
		cfg.Leeway = DefaultLeeway
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	v := &Validator{cfg: cfg, client: client, logger: logger}
	if err := v.Refresh(ctx); err != nil {
		return nil, err
	}
	return v, nil
}

// Refresh re-downloads the key set and replaces the cached snapshot.
func (v *Validator) Refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.cfg.JWKSURL, nil)
	if err != nil {
		return fmt.Errorf("build jwks request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch jwks: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("fetch jwks: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return fmt.Errorf("decode jwks: %w", err)
	}
	if len(set.Keys) == 0 {
		return errors.New("jwks contains no keys")
	}

	cache := &jwksCache{set: set, fetched: v.cfg.Now()}
	v.mu.Lock()
	v.cache = cache
	v.mu.Unlock()

	v.logger.Debug("jwks loaded", "url", v.cfg.JWKSURL, "keys", len(set.Keys))
	return nil
}

// KeyCount reports how many keys the current snapshot holds.
func (v *Validator) KeyCount() int {
	return len(v.currentSet().Keys)
}

// Validate checks structure, issuer, audience and signature, in that order,
// then exp/nbf when enabled. The signature is verified on every call.
func (v *Validator) Validate(rawToken, issuer, audience string) (*Claims, error) {
	payload, err := decodePayload(rawToken)
	if err != nil {
		return nil, err
	}

	iss, _ := payload["iss"].(string)
	if iss != issuer {
		return nil, fmt.Errorf("%w: got %q, want %q", ErrIssuerMismatch, iss, issuer)
	}

	audiences := normalizeAudience(payload["aud"])
	if audience == "" || !slices.Contains(audiences, audience) {
		return nil, fmt.Errorf("%w: %q not in %v", ErrAudienceMismatch, audience, audiences)
	}

	if err := v.verifySignature(rawToken); err != nil {
		return nil, err
	}

	if v.cfg.CheckExpiry {
		timing := jwt.NewValidator(
			jwt.WithLeeway(v.cfg.Leeway),
			jwt.WithTimeFunc(v.cfg.Now),
		)
		if err := timing.Validate(jwt.MapClaims(payload)); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrExpired, err)
		}
	}

	return mapClaims(payload, audiences), nil
}

func (v *Validator) currentSet() jose.JSONWebKeySet {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.cache == nil {
		return jose.JSONWebKeySet{}
	}
	return v.cache.set
}

func (v *Validator) verifySignature(rawToken string) error {
	jws, err := jose.ParseSigned(rawToken)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedToken, err)
	}
	if len(jws.Signatures) != 1 {
		return fmt.Errorf("%w: expected one signature", ErrSignature)
	}
	header := jws.Signatures[0].Header
	if !algorithmAllowed(header.Algorithm) {
		return fmt.Errorf("%w: algorithm %q not allowed", ErrSignature, header.Algorithm)
	}

	set := v.currentSet()
	candidates := set.Keys
	if header.KeyID != "" {
		candidates = set.Key(header.KeyID)
	}
	for _, key := range candidates {
		if key.Algorithm != "" && key.Algorithm != header.Algorithm {
			continue
		}
		if _, err := jws.Verify(key.Key); err == nil {
			return nil
		}
	}
	return fmt.Errorf("%w: no key in set verifies the token (kid %q)", ErrSignature, header.KeyID)
}

// algorithmAllowed accepts every registered signing method except "none".
func algorithmAllowed(alg string) bool {
	if alg == "" || alg == "none" {
		return false
	}
	return slices.Contains(jwt.GetAlgorithms(), alg)
}

func decodePayload(rawToken string) (map[string]any, error) {
	parts := strings.Split(rawToken, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: expected 3 segments, got %d", ErrMalformedToken, len(parts))
	}

	segment := parts[1]
	if rem := len(segment) % 4; rem != 0 {
		segment += strings.Repeat("=", 4-rem)
	}
	data, err := base64.URLEncoding.DecodeString(segment)
	if err != nil {
		return nil, fmt.Errorf("%w: payload: %w", ErrMalformedToken, err)
	}

	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.UseNumber()
	var payload map[string]any
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: payload: %w", ErrMalformedToken, err)
	}
	if payload == nil {
		return nil, fmt.Errorf("%w: payload is not an object", ErrMalformedToken)
	}
	return payload, nil
}

func mapClaims(payload map[string]any, audiences []string) *Claims {
	claims := &Claims{
		Audiences: audiences,
		ExpiresAt: parseUnix(payload["exp"]),
		IssuedAt:  parseUnix(payload["iat"]),
		Raw:       payload,
	}
	claims.Issuer, _ = payload["iss"].(string)
	claims.Subject, _ = payload["sub"].(string)
	if email, ok := payload["email"].(string); ok {
		claims.Email = &email
	}
	return claims
}

func normalizeAudience(val any) []string {
	switch v := val.(type) {
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	case []any:
		res := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				res = append(res, s)
			}
		}
		return res
	default:
		return nil
	}
}

func parseUnix(val any) time.Time {
	switch v := val.(type) {
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return time.Unix(i, 0)
		}
		if f, err := v.Float64(); err == nil {
			return time.Unix(int64(f), 0)
		}
	case float64:
		return time.Unix(int64(v), 0)
	}
	return time.Time{}
}
