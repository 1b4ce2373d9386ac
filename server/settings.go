package server

import (
	"fmt"
	"maps"
	"strings"

	"github.com/hashicorp/go-multierror"

	"oidcrp/store"
)

// Endpoints is the resolved set of IdP endpoints.
type Endpoints struct {
	Issuer        string
	Authorization string
	Token         string
	UserInfo      string
	Revocation    string
	Registration  string
	JWKS          string
}

// Settings is an immutable view of the relying-party configuration.
// Discovery metadata and a dynamic registration are adopted by deriving a
// new snapshot, never by mutating an existing one.
type Settings struct {
	baseURL      string
	rp           RelyingPartyConfig
	discovery    *DiscoveryDocument
	registration *store.DynamicRegistration
}

// NewSettings builds the initial snapshot from static configuration.
func NewSettings(cfg Config) *Settings {
	rp := cfg.RelyingParty
	rp.AuthnParameters = maps.Clone(rp.AuthnParameters)
	return &Settings{
		baseURL: strings.TrimSuffix(cfg.Server.BaseURL, "/"),
		rp:      rp,
	}
}

// WithDiscovery returns a copy that resolves endpoints from doc first.
func (s *Settings) WithDiscovery(doc DiscoveryDocument) *Settings {
	next := *s
	next.discovery = &doc
	return &next
}

// WithRegistration returns a copy that resolves client credentials from reg
// first.
func (s *Settings) WithRegistration(reg store.DynamicRegistration) *Settings {
	next := *s
	next.registration = &reg
	return &next
}

// Registration returns the adopted dynamic registration, if any.
func (s *Settings) Registration() (store.DynamicRegistration, bool) {
	if s.registration == nil {
		return store.DynamicRegistration{}, false
	}
	return *s.registration, true
}

// Discovered reports whether discovery metadata has been adopted.
func (s *Settings) Discovered() bool { return s.discovery != nil }

func (s *Settings) BaseURL() string { return s.baseURL }
func (s *Settings) AppName() string { return s.rp.AppName }

func (s *Settings) RedirectURI() string { return s.rp.RedirectURI }

// Scope is the space separated scope string sent to the IdP.
func (s *Settings) Scope() string { return s.rp.Scope }

// Scopes splits Scope on whitespace.
func (s *Settings) Scopes() []string { return strings.Fields(s.rp.Scope) }

func (s *Settings) VerifyTLS() bool { return s.rp.VerifyTLS }

func (s *Settings) DynamicRegistrationEnabled() bool { return s.rp.DynamicRegistration }

func (s *Settings) DiscoveryURL() string { return s.rp.DiscoveryURL }

// AuthnParameters returns a copy of the extra authorization request
// parameters.
func (s *Settings) AuthnParameters() map[string]string {
	return maps.Clone(s.rp.AuthnParameters)
}

// CheckExpiry reports whether ID token exp/nbf are enforced.
func (s *Settings) CheckExpiry() bool { return s.rp.CheckExpiry }

// ClientID prefers the dynamically registered value.
func (s *Settings) ClientID() string {
	if s.registration != nil && s.registration.ClientID != "" {
		return s.registration.ClientID
	}
	return s.rp.ClientID
}

// ClientSecret prefers the dynamically registered value.
func (s *Settings) ClientSecret() string {
	if s.registration != nil && s.registration.ClientSecret != "" {
		return s.registration.ClientSecret
	}
	return s.rp.ClientSecret
}

// Endpoints resolves each endpoint from discovery first, then from the
// manually configured value.
func (s *Settings) Endpoints() Endpoints {
	static := s.rp.Endpoints
	ep := Endpoints{
		Issuer:        static.Issuer,
		Authorization: static.AuthorizationEndpoint,
		Token:         static.TokenEndpoint,
		UserInfo:      static.UserInfoEndpoint,
		Revocation:    static.RevocationEndpoint,
		Registration:  static.RegistrationEndpoint,
		JWKS:          static.JWKSURI,
	}
	if d := s.discovery; d != nil {
		ep.Issuer = firstNonEmpty(d.Issuer, ep.Issuer)
		ep.Authorization = firstNonEmpty(d.AuthorizationEndpoint, ep.Authorization)
		ep.Token = firstNonEmpty(d.TokenEndpoint, ep.Token)
		ep.UserInfo = firstNonEmpty(d.UserInfoEndpoint, ep.UserInfo)
		ep.Revocation = firstNonEmpty(d.RevocationEndpoint, ep.Revocation)
		ep.Registration = firstNonEmpty(d.RegistrationEndpoint, ep.Registration)
		ep.JWKS = firstNonEmpty(d.JWKSURI, ep.JWKS)
	}
	return ep
}

// Validate reports every mandatory value that is still empty. The engine
// refuses to start when it fails.
func (s *Settings) Validate() error {
	ep := s.Endpoints()
	required := []struct {
		name  string
		value string
	}{
		{"authorization_endpoint", ep.Authorization},
		{"token_endpoint", ep.Token},
		{"client_id", s.ClientID()},
		{"client_secret", s.ClientSecret()},
		{"redirect_uri", s.RedirectURI()},
	}

	var result *multierror.Error
	for _, r := range required {
		if r.value == "" {
			result = multierror.Append(result, fmt.Errorf("%s not set", r.name))
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		return &Error{Kind: KindConfiguration, Op: "settings.Validate", Err: err}
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
