package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"oidcrp/client"
	"oidcrp/store"
)

// Phase is a step of one authorization attempt.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseAwaitingCallback
	PhaseExchanging
	PhaseValidating
	PhaseAuthenticated
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseAwaitingCallback:
		return "awaiting_callback"
	case PhaseExchanging:
		return "exchanging"
	case PhaseValidating:
		return "validating"
	case PhaseAuthenticated:
		return "authenticated"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// reservedAuthnParams are set by the engine and cannot be overridden from
// relying_party.authn_parameters.
var reservedAuthnParams = map[string]bool{
	"scope":         true,
	"response_type": true,
	"client_id":     true,
	"state":         true,
	"redirect_uri":  true,
}

// IDTokenValidator verifies an ID token for an issuer and audience.
type IDTokenValidator interface {
	Validate(rawToken, issuer, audience string) (*client.Claims, error)
}

// Dependencies are the collaborators an Engine is built with.
type Dependencies struct {
	Store   store.Store
	Pending store.PendingStore
	// HTTPClient is used for every IdP call. Defaults to NewHTTPClient.
	HTTPClient *http.Client
	// Validator overrides the JWKS backed validator built from jwks_uri.
	Validator IDTokenValidator
	Logger    *slog.Logger
}

// CallbackParams are the query parameters the IdP redirects back with.
type CallbackParams struct {
	State            string
	Code             string
	Error            string
	ErrorDescription string
}

// CallbackParamsFromQuery extracts callback parameters from a query.
func CallbackParamsFromQuery(q url.Values) CallbackParams {
	return CallbackParams{
		State:            q.Get("state"),
		Code:             q.Get("code"),
		Error:            q.Get("error"),
		ErrorDescription: q.Get("error_description"),
	}
}

// TokenSet is the result of a token endpoint call.
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	IDToken      string
	TokenType    string
	Expiry       time.Time
}

// Engine drives the authorization code flow against one IdP.
type Engine struct {
	settings   atomic.Pointer[Settings]
	store      store.Store
	pending    store.PendingStore
	httpClient *http.Client
	validator  IDTokenValidator
	registrar  *Registrar
	logger     *slog.Logger
}

// NewEngine resolves discovery metadata and dynamic registration, checks
// that every mandatory setting is present and loads the signing keys. Any
// failure is fatal: the engine refuses to start.
func NewEngine(ctx context.Context, cfg Config, deps Dependencies) (*Engine, error) {
	const op = "flow.NewEngine"
	if deps.Store == nil || deps.Pending == nil {
		return nil, newError(KindConfiguration, op, errors.New("store and pending store are required"))
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	httpClient := deps.HTTPClient
	if httpClient == nil {
		httpClient = NewHTTPClient(cfg.RelyingParty.VerifyTLS, logger)
	}

	e := &Engine{
		store:      deps.Store,
		pending:    deps.Pending,
		httpClient: httpClient,
		registrar:  NewRegistrar(httpClient, deps.Store, logger),
		logger:     logger,
	}

	settings := NewSettings(cfg)
	if settings.DiscoveryURL() != "" {
		doc, err := FetchDiscovery(ctx, httpClient, settings.DiscoveryURL())
		if err != nil {
			return nil, err
		}
		settings = settings.WithDiscovery(doc)
		logger.Info("discovery metadata loaded", "issuer", doc.Issuer)
	}

	if settings.DynamicRegistrationEnabled() {
		if settings.Endpoints().Registration == "" {
			logger.Warn("dynamic registration enabled but no registration endpoint is known, using static credentials")
		} else {
			reg, err := e.registrar.Ensure(ctx, settings)
			if err != nil {
				return nil, err
			}
			settings = settings.WithRegistration(reg)
		}
	}

	if err := settings.Validate(); err != nil {
		return nil, err
	}

	switch {
	case deps.Validator != nil:
		e.validator = deps.Validator
	case settings.Endpoints().JWKS != "":
		v, err := client.NewValidator(ctx, client.ValidatorConfig{
			JWKSURL:     settings.Endpoints().JWKS,
			HTTPClient:  httpClient,
			CheckExpiry: cfg.RelyingParty.CheckExpiry,
			Leeway:      cfg.RelyingParty.Leeway,
			Logger:      logger,
		})
		if err != nil {
			return nil, newError(KindTransport, op, err)
		}
		e.validator = v
	default:
		logger.Warn("no jwks_uri configured, ID tokens will not be validated")
	}

	e.settings.Store(settings)
	logger.Info("relying party ready",
		"client_id", settings.ClientID(),
		"authorization_endpoint", settings.Endpoints().Authorization,
		"dynamic_registration", settings.DynamicRegistrationEnabled(),
		"id_token_validation", e.validator != nil)
	return e, nil
}

// Settings returns the current configuration snapshot.
func (e *Engine) Settings() *Settings {
	return e.settings.Load()
}

// ValidatesIDTokens reports whether a validator is configured.
func (e *Engine) ValidatesIDTokens() bool {
	return e.validator != nil
}

// BeginAuthn stores a fresh state for loginKey and returns the authorization
// request URL to redirect the browser to.
func (e *Engine) BeginAuthn(ctx context.Context, loginKey, acr string, forceAuthn bool) (string, error) {
	const op = "flow.BeginAuthn"
	if loginKey == "" {
		return "", newError(KindConfiguration, op, errors.New("login context key required"))
	}
	s := e.Settings()

	state, err := randomToken(TokenLength)
	if err != nil {
		return "", newError(KindConfiguration, op, err)
	}
	if err := e.pending.PutPending(ctx, loginKey, store.PendingAuthn{State: state, CreatedAt: time.Now()}); err != nil {
		return "", newError(KindStore, op, err)
	}

	var opts []oauth2.AuthCodeOption
	for k, v := range s.AuthnParameters() {
		if reservedAuthnParams[k] {
			e.logger.Warn("ignoring reserved authentication parameter", "param", k)
			continue
		}
		opts = append(opts, oauth2.SetAuthURLParam(k, v))
	}
	if acr != "" {
		opts = append(opts, oauth2.SetAuthURLParam("acr_values", acr))
	}
	if forceAuthn {
		opts = append(opts, oauth2.SetAuthURLParam("prompt", "login"))
	}

	e.logger.Debug("authorization request created", "phase", PhaseAwaitingCallback.String(), "acr", acr, "force_authn", forceAuthn)
	return oauth2Config(s).AuthCodeURL(state, opts...), nil
}

// CompleteAuthn finishes the attempt started by BeginAuthn for loginKey. The
// stored state is consumed before anything else happens, whatever the
// outcome.
func (e *Engine) CompleteAuthn(ctx context.Context, loginKey string, params CallbackParams) (store.Session, store.User, error) {
	f := &authnFlow{engine: e, settings: e.Settings(), phase: PhaseAwaitingCallback}
	sess, user, err := f.run(ctx, loginKey, params)
	if err != nil {
		e.logger.Warn("authentication failed", "phase", PhaseFailed.String(), "failed_in", f.phase.String(), "kind", KindOf(err).String(), "error", err)
		f.phase = PhaseFailed
		return store.Session{}, store.User{}, err
	}
	return sess, user, nil
}

type authnFlow struct {
	engine   *Engine
	settings *Settings
	phase    Phase
}

func (f *authnFlow) enter(p Phase) {
	f.phase = p
	f.engine.logger.Debug("authentication phase", "phase", p.String())
}

func (f *authnFlow) run(ctx context.Context, loginKey string, params CallbackParams) (store.Session, store.User, error) {
	const op = "flow.CompleteAuthn"
	e, s := f.engine, f.settings

	pending, err := e.pending.TakePending(ctx, loginKey)
	if errors.Is(err, store.ErrNotFound) {
		return store.Session{}, store.User{}, newError(KindStateMismatch, op, errors.New("no pending authorization request"))
	}
	if err != nil {
		return store.Session{}, store.User{}, newError(KindStore, op, err)
	}
	if params.State == "" || subtle.ConstantTimeCompare([]byte(params.State), []byte(pending.State)) != 1 {
		return store.Session{}, store.User{}, newError(KindStateMismatch, op, errors.New("state does not match"))
	}

	if params.Error != "" {
		return store.Session{}, store.User{}, &Error{
			Kind:        KindAuthorizationDenied,
			Op:          op,
			Code:        params.Error,
			Description: params.ErrorDescription,
			Err:         ErrMissingCode,
		}
	}
	if params.Code == "" {
		return store.Session{}, store.User{}, newError(KindMissingCode, op, errors.New("no authorization code in callback"))
	}

	f.enter(PhaseExchanging)
	tok, err := oauth2Config(s).Exchange(oidc.ClientContext(ctx, e.httpClient), params.Code)
	if err != nil {
		return store.Session{}, store.User{}, tokenError(op, err)
	}

	f.enter(PhaseValidating)
	rawIDToken, _ := tok.Extra("id_token").(string)
	claims, err := e.validateIDToken(op, s, rawIDToken)
	if err != nil {
		return store.Session{}, store.User{}, err
	}

	user, err := e.resolveUser(ctx, op, s, tok.AccessToken, claims)
	if err != nil {
		return store.Session{}, store.User{}, err
	}

	id, err := randomToken(TokenLength)
	if err != nil {
		return store.Session{}, store.User{}, newError(KindConfiguration, op, err)
	}
	sess := store.Session{
		ID:           id,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		UserSub:      user.Sub,
	}
	if claims != nil {
		sess.IDToken = rawIDToken
	}
	if err := e.store.SaveSession(ctx, sess, user); err != nil {
		return store.Session{}, store.User{}, newError(KindStore, op, err)
	}

	f.enter(PhaseAuthenticated)
	e.logger.Info("user authenticated", "sub", user.Sub, "id_token_validated", claims != nil)
	return sess, user, nil
}

// validateIDToken returns nil claims when no validator is configured. With
// a validator, a missing or invalid ID token is forbidden: an access token
// alone never authenticates the user.
func (e *Engine) validateIDToken(op string, s *Settings, rawIDToken string) (*client.Claims, error) {
	if e.validator == nil {
		return nil, nil
	}
	if rawIDToken == "" {
		return nil, newError(KindForbidden, op, errors.New("token response has no id_token"))
	}
	issuer := s.Endpoints().Issuer
	if issuer == "" {
		return nil, newError(KindConfiguration, op, errors.New("issuer not set, refusing to validate id_token"))
	}
	claims, err := e.validator.Validate(rawIDToken, issuer, s.ClientID())
	if err != nil {
		return nil, newError(KindForbidden, op, newError(KindTokenValidation, op, err))
	}
	return claims, nil
}

// resolveUser reads the user from the userinfo endpoint, or from the
// validated ID token when there is no userinfo endpoint.
func (e *Engine) resolveUser(ctx context.Context, op string, s *Settings, accessToken string, claims *client.Claims) (store.User, error) {
	if s.Endpoints().UserInfo == "" {
		if claims == nil || claims.Subject == "" {
			return store.User{}, newError(KindProtocol, op, errors.New("no userinfo endpoint and no validated subject"))
		}
		return store.User{Sub: claims.Subject, Email: claims.Email}, nil
	}

	user, err := e.UserInfo(ctx, accessToken)
	if err != nil {
		return store.User{}, err
	}
	if claims != nil && claims.Subject != "" && claims.Subject != user.Sub {
		return store.User{}, newError(KindProtocol, op,
			fmt.Errorf("userinfo sub %q does not match id_token sub %q", user.Sub, claims.Subject))
	}
	return user, nil
}

// UserInfo fetches the user behind accessToken. A response without email
// yields a nil Email; a response without sub is a protocol error.
func (e *Engine) UserInfo(ctx context.Context, accessToken string) (store.User, error) {
	const op = "flow.UserInfo"
	s := e.Settings()
	ep := s.Endpoints()
	if ep.UserInfo == "" {
		return store.User{}, newError(KindConfiguration, op, errors.New("userinfo_endpoint not set"))
	}

	ctx = oidc.ClientContext(ctx, e.httpClient)
	provider := (&oidc.ProviderConfig{
		IssuerURL:   ep.Issuer,
		AuthURL:     ep.Authorization,
		TokenURL:    ep.Token,
		UserInfoURL: ep.UserInfo,
		JWKSURL:     ep.JWKS,
	}).NewProvider(ctx)

	info, err := provider.UserInfo(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"}))
	if err != nil {
		return store.User{}, newError(KindTransport, op, err)
	}
	if info.Subject == "" {
		return store.User{}, newError(KindProtocol, op, errors.New("userinfo response has no sub"))
	}

	var raw map[string]any
	if err := info.Claims(&raw); err != nil {
		return store.User{}, newError(KindProtocol, op, err)
	}
	user := store.User{Sub: info.Subject}
	if email, ok := raw["email"].(string); ok {
		user.Email = &email
	}
	return user, nil
}

// Refresh exchanges a refresh token for a new token set.
func (e *Engine) Refresh(ctx context.Context, refreshToken string) (TokenSet, error) {
	const op = "flow.Refresh"
	if refreshToken == "" {
		return TokenSet{}, newError(KindProtocol, op, errors.New("refresh token required"))
	}
	s := e.Settings()

	src := oauth2Config(s).TokenSource(oidc.ClientContext(ctx, e.httpClient), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return TokenSet{}, tokenError(op, err)
	}
	set := TokenSet{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Expiry:       tok.Expiry,
	}
	set.IDToken, _ = tok.Extra("id_token").(string)
	e.logger.Debug("tokens refreshed", "rotated_refresh_token", set.RefreshToken != refreshToken)
	return set, nil
}

// RefreshSession refreshes the tokens of a stored session and saves them
// under the same id. A new ID token in the response must validate.
func (e *Engine) RefreshSession(ctx context.Context, sessionID string) (store.Session, store.User, error) {
	const op = "flow.RefreshSession"
	sess, user, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Session{}, store.User{}, newError(KindProtocol, op, errors.New("unknown session"))
		}
		return store.Session{}, store.User{}, newError(KindStore, op, err)
	}

	set, err := e.Refresh(ctx, sess.RefreshToken)
	if err != nil {
		return store.Session{}, store.User{}, err
	}
	sess.AccessToken = set.AccessToken
	sess.RefreshToken = set.RefreshToken

	if set.IDToken != "" && e.validator != nil {
		claims, err := e.validateIDToken(op, e.Settings(), set.IDToken)
		if err != nil {
			return store.Session{}, store.User{}, err
		}
		if claims.Subject != "" && claims.Subject != user.Sub {
			return store.Session{}, store.User{}, newError(KindForbidden, op, errors.New("refreshed id_token belongs to another subject"))
		}
		sess.IDToken = set.IDToken
	}

	if err := e.store.SaveSession(ctx, sess, user); err != nil {
		return store.Session{}, store.User{}, newError(KindStore, op, err)
	}
	return sess, user, nil
}

// Revoke asks the IdP to revoke token. Without a revocation endpoint it
// only logs and returns nil.
func (e *Engine) Revoke(ctx context.Context, token string) error {
	const op = "flow.Revoke"
	s := e.Settings()
	endpoint := s.Endpoints().Revocation
	if endpoint == "" {
		e.logger.Info("no revocation endpoint set, skipping revocation")
		return nil
	}

	form := url.Values{}
	form.Set("token", token)
	form.Set("client_id", s.ClientID())
	form.Set("client_secret", s.ClientSecret())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return newError(KindConfiguration, op, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return newError(KindTransport, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return newError(KindTransport, op, fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(body))))
	}
	e.logger.Debug("token revoked", "token", maskSecret(token))
	return nil
}

// RenewRegistration rotates the client secret, or registers again when the
// current registration cannot be renewed, and swaps in the new snapshot.
func (e *Engine) RenewRegistration(ctx context.Context) (store.DynamicRegistration, error) {
	const op = "flow.RenewRegistration"
	s := e.Settings()
	if !s.DynamicRegistrationEnabled() {
		return store.DynamicRegistration{}, newError(KindConfiguration, op, errors.New("dynamic registration is disabled"))
	}

	var (
		reg store.DynamicRegistration
		err error
	)
	if current, ok := s.Registration(); ok && current.Renewable() {
		reg, err = e.registrar.Renew(ctx, s, current)
	} else {
		reg, err = e.registrar.Register(ctx, s)
	}
	if err != nil {
		return store.DynamicRegistration{}, err
	}
	e.settings.Store(s.WithRegistration(reg))
	return reg, nil
}

func oauth2Config(s *Settings) *oauth2.Config {
	ep := s.Endpoints()
	return &oauth2.Config{
		ClientID:     s.ClientID(),
		ClientSecret: s.ClientSecret(),
		RedirectURL:  s.RedirectURI(),
		Scopes:       s.Scopes(),
		Endpoint: oauth2.Endpoint{
			AuthURL:   ep.Authorization,
			TokenURL:  ep.Token,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// tokenError wraps a token endpoint failure, keeping the OAuth error code
// and description when the IdP sent one.
func tokenError(op string, err error) error {
	e := newError(KindTokenExchange, op, err)
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		e.Code = re.ErrorCode
		e.Description = re.ErrorDescription
	}
	return e
}
