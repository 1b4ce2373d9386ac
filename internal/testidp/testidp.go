// Package testidp runs an in-process OpenID provider for tests. It serves
// discovery, authorization, token, userinfo, JWKS, registration and
// revocation endpoints and signs RS256 ID tokens.
package testidp

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

// KeyID is the kid of the provider's signing key.
const KeyID = "test-key-1"

// Client is a client registered with the provider.
type Client struct {
	ID                string
	Secret            string
	RegistrationToken string
}

// Options shape the provider's responses. Tests change them through
// Configure before driving a flow.
type Options struct {
	Subject string
	Email   string
	// OmitEmail drops the email claim from userinfo and ID tokens.
	OmitEmail bool
	// OmitIDToken leaves id_token out of token responses.
	OmitIDToken bool
	// IDTokenIssuer overrides the iss claim.
	IDTokenIssuer string
	// IDTokenAudience overrides the aud claim; any JSON value.
	IDTokenAudience any
	// IDTokenTTL defaults to one hour.
	IDTokenTTL time.Duration
	// SecretExpiresAt is returned as client_secret_expires_at when non-zero.
	SecretExpiresAt int64
	// DisableManagement omits registration_access_token and
	// registration_client_uri from registration responses.
	DisableManagement bool
	// TokenError makes the token endpoint fail with this OAuth error code.
	TokenError string
}

// Provider is a running fake IdP.
type Provider struct {
	Server *httptest.Server
	Key    *rsa.PrivateKey

	mu            sync.Mutex
	opts          Options
	clients       map[string]Client
	codes         map[string]struct{}
	accessTokens  map[string]string
	refreshTokens map[string]string
	revoked       []string
	registrations []map[string]any
	renewals      int
	lastTokenForm url.Values
	jwksFetches   int
	seq           int
}

// New starts a provider that knows one static client, "static-client"
// with secret "static-secret". The server is closed when the test ends.
func New(t testing.TB) *Provider {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	p := &Provider{
		Key: key,
		opts: Options{
			Subject: "user-123",
			Email:   "user@example.com",
		},
		clients:       map[string]Client{"static-client": {ID: "static-client", Secret: "static-secret"}},
		codes:         make(map[string]struct{}),
		accessTokens:  make(map[string]string),
		refreshTokens: make(map[string]string),
	}

	r := chi.NewRouter()
	r.Get("/.well-known/openid-configuration", p.handleDiscovery)
	r.Get("/authorize", p.handleAuthorize)
	r.Post("/token", p.handleToken)
	r.Get("/userinfo", p.handleUserInfo)
	r.Get("/jwks", p.handleJWKS)
	r.Post("/register", p.handleRegister)
	r.Post("/register/{clientID}", p.handleRenew)
	r.Put("/register/{clientID}", p.handleRenew)
	r.Post("/revoke", p.handleRevoke)

	p.Server = httptest.NewServer(r)
	t.Cleanup(p.Server.Close)
	return p
}

// Issuer is the provider's issuer identifier.
func (p *Provider) Issuer() string { return p.Server.URL }

// URL joins path to the server base URL.
func (p *Provider) URL(path string) string { return p.Server.URL + path }

// Configure mutates the response options.
func (p *Provider) Configure(fn func(*Options)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(&p.opts)
}

// AddClient registers a client the token endpoint will accept.
func (p *Provider) AddClient(c Client) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clients[c.ID] = c
}

// Client returns a registered client.
func (p *Provider) Client(id string) (Client, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.clients[id]
	return c, ok
}

// IssueCode mints a one-time authorization code.
func (p *Provider) IssueCode() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	code := p.randomLocked("code")
	p.codes[code] = struct{}{}
	return code
}

// Registrations returns the bodies of initial registration requests.
func (p *Provider) Registrations() []map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]map[string]any(nil), p.registrations...)
}

// Renewals counts secret rotation calls.
func (p *Provider) Renewals() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.renewals
}

// Revoked lists tokens posted to the revocation endpoint.
func (p *Provider) Revoked() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.revoked...)
}

// LastTokenForm returns the form of the latest token request.
func (p *Provider) LastTokenForm() url.Values {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastTokenForm
}

// JWKSFetches counts key set downloads.
func (p *Provider) JWKSFetches() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.jwksFetches
}

// SignIDToken signs claims with the provider key.
func (p *Provider) SignIDToken(claims jwt.MapClaims) (string, error) {
	return SignWithKey(p.Key, KeyID, claims)
}

// SignWithKey signs claims as an RS256 JWS with the given kid.
func SignWithKey(key *rsa.PrivateKey, kid string, claims jwt.MapClaims) (string, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if kid != "" {
		tok.Header["kid"] = kid
	}
	return tok.SignedString(key)
}

// JWKS returns the public key set.
func (p *Provider) JWKS() jose.JSONWebKeySet {
	return jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       &p.Key.PublicKey,
		KeyID:     KeyID,
		Algorithm: string(jose.RS256),
		Use:       "sig",
	}}}
}

func (p *Provider) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"issuer":                                p.Issuer(),
		"authorization_endpoint":                p.URL("/authorize"),
		"token_endpoint":                        p.URL("/token"),
		"userinfo_endpoint":                     p.URL("/userinfo"),
		"jwks_uri":                              p.URL("/jwks"),
		"registration_endpoint":                 p.URL("/register"),
		"revocation_endpoint":                   p.URL("/revoke"),
		"response_types_supported":              []string{"code"},
		"subject_types_supported":               []string{"public"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
	})
}

// handleAuthorize approves every request and redirects back with a code.
func (p *Provider) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	redirect, err := url.Parse(q.Get("redirect_uri"))
	if err != nil || redirect.Scheme == "" {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "redirect_uri required")
		return
	}
	values := redirect.Query()
	values.Set("code", p.IssueCode())
	values.Set("state", q.Get("state"))
	redirect.RawQuery = values.Encode()
	http.Redirect(w, r, redirect.String(), http.StatusFound)
}

func (p *Provider) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastTokenForm = r.PostForm

	clientID, secret := r.PostForm.Get("client_id"), r.PostForm.Get("client_secret")
	if id, s, ok := r.BasicAuth(); ok {
		clientID, secret = id, s
	}
	c, ok := p.clients[clientID]
	if !ok || c.Secret != secret {
		writeOAuthError(w, http.StatusUnauthorized, "invalid_client", "unknown client or bad secret")
		return
	}
	if p.opts.TokenError != "" {
		writeOAuthError(w, http.StatusBadRequest, p.opts.TokenError, "token request rejected")
		return
	}

	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		code := r.PostForm.Get("code")
		if _, ok := p.codes[code]; !ok {
			writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "unknown or used code")
			return
		}
		delete(p.codes, code)
		p.issueTokensLocked(w, clientID, "")
	case "refresh_token":
		rt := r.PostForm.Get("refresh_token")
		if _, ok := p.refreshTokens[rt]; !ok {
			writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "unknown refresh token")
			return
		}
		p.issueTokensLocked(w, clientID, rt)
	default:
		writeOAuthError(w, http.StatusBadRequest, "unsupported_grant_type", "")
	}
}

func (p *Provider) issueTokensLocked(w http.ResponseWriter, clientID, refreshToken string) {
	access := p.randomLocked("at")
	p.accessTokens[access] = p.opts.Subject
	if refreshToken == "" {
		refreshToken = p.randomLocked("rt")
		p.refreshTokens[refreshToken] = p.opts.Subject
	}

	resp := map[string]any{
		"access_token":  access,
		"token_type":    "Bearer",
		"expires_in":    3600,
		"refresh_token": refreshToken,
	}
	if !p.opts.OmitIDToken {
		idToken, err := p.SignIDToken(p.idTokenClaimsLocked(clientID))
		if err != nil {
			writeOAuthError(w, http.StatusInternalServerError, "server_error", err.Error())
			return
		}
		resp["id_token"] = idToken
	}
	writeJSON(w, http.StatusOK, resp)
}

func (p *Provider) idTokenClaimsLocked(clientID string) jwt.MapClaims {
	now := time.Now()
	ttl := p.opts.IDTokenTTL
	if ttl == 0 {
		ttl = time.Hour
	}
	claims := jwt.MapClaims{
		"iss": p.Issuer(),
		"sub": p.opts.Subject,
		"aud": clientID,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	if p.opts.IDTokenIssuer != "" {
		claims["iss"] = p.opts.IDTokenIssuer
	}
	if p.opts.IDTokenAudience != nil {
		claims["aud"] = p.opts.IDTokenAudience
	}
	if !p.opts.OmitEmail {
		claims["email"] = p.opts.Email
	}
	return claims
}

func (p *Provider) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	token, ok := bearer(r)
	p.mu.Lock()
	sub, known := p.accessTokens[token]
	omitEmail, email := p.opts.OmitEmail, p.opts.Email
	p.mu.Unlock()
	if !ok || !known {
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		writeOAuthError(w, http.StatusUnauthorized, "invalid_token", "")
		return
	}
	body := map[string]any{"sub": sub}
	if !omitEmail {
		body["email"] = email
	}
	writeJSON(w, http.StatusOK, body)
}

func (p *Provider) handleJWKS(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	p.jwksFetches++
	p.mu.Unlock()
	writeJSON(w, http.StatusOK, p.JWKS())
}

func (p *Provider) handleRegister(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		writeOAuthError(w, http.StatusUnsupportedMediaType, "invalid_client_metadata", "json required")
		return
	}
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_client_metadata", err.Error())
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.registrations = append(p.registrations, body)
	c := Client{
		ID:                p.randomLocked("dyn"),
		Secret:            p.randomLocked("secret"),
		RegistrationToken: p.randomLocked("rat"),
	}
	p.clients[c.ID] = c
	writeJSON(w, http.StatusCreated, p.registrationResponseLocked(c))
}

func (p *Provider) handleRenew(w http.ResponseWriter, r *http.Request) {
	token, _ := bearer(r)
	id := chi.URLParam(r, "clientID")

	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.clients[id]
	if !ok || c.RegistrationToken == "" || c.RegistrationToken != token {
		writeOAuthError(w, http.StatusUnauthorized, "invalid_token", "bad registration access token")
		return
	}
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_client_metadata", err.Error())
		return
	}
	if v, present := body["client_secret"]; !present || v != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_client_metadata", "expected client_secret: null")
		return
	}
	p.renewals++
	c.Secret = p.randomLocked("secret")
	p.clients[id] = c
	writeJSON(w, http.StatusOK, p.registrationResponseLocked(c))
}

func (p *Provider) registrationResponseLocked(c Client) map[string]any {
	resp := map[string]any{
		"client_id":     c.ID,
		"client_secret": c.Secret,
	}
	if p.opts.SecretExpiresAt != 0 {
		resp["client_secret_expires_at"] = p.opts.SecretExpiresAt
	}
	if !p.opts.DisableManagement {
		resp["registration_access_token"] = c.RegistrationToken
		resp["registration_client_uri"] = p.URL("/register/" + c.ID)
	}
	return resp
}

func (p *Provider) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.clients[r.PostForm.Get("client_id")]
	if !ok || c.Secret != r.PostForm.Get("client_secret") {
		writeOAuthError(w, http.StatusUnauthorized, "invalid_client", "")
		return
	}
	token := r.PostForm.Get("token")
	p.revoked = append(p.revoked, token)
	delete(p.accessTokens, token)
	delete(p.refreshTokens, token)
	w.WriteHeader(http.StatusOK)
}

func (p *Provider) randomLocked(prefix string) string {
	p.seq++
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return fmt.Sprintf("%s-%d-%s", prefix, p.seq, hex.EncodeToString(buf))
}

func bearer(r *http.Request) (string, bool) {
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	return parts[1], true
}

func writeOAuthError(w http.ResponseWriter, status int, code, description string) {
	body := map[string]string{"error": code}
	if description != "" {
		body["error_description"] = description
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
