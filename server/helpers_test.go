package server

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"oidcrp/internal/testidp"
	"oidcrp/store"
)

const testBaseURL = "http://rp.test"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testConfig points at idp through discovery and uses its static client.
func testConfig(idp *testidp.Provider) Config {
	cfg := defaultConfig()
	cfg.Server.BaseURL = testBaseURL
	cfg.RelyingParty.DiscoveryURL = idp.URL("/.well-known/openid-configuration")
	cfg.RelyingParty.ClientID = "static-client"
	cfg.RelyingParty.ClientSecret = "static-secret"
	cfg.applyDefaults()
	return cfg
}

// manualConfig configures every endpoint by hand instead of discovery.
func manualConfig(idp *testidp.Provider) Config {
	cfg := testConfig(idp)
	cfg.RelyingParty.DiscoveryURL = ""
	cfg.RelyingParty.Endpoints = EndpointsConfig{
		Issuer:                idp.Issuer(),
		AuthorizationEndpoint: idp.URL("/authorize"),
		TokenEndpoint:         idp.URL("/token"),
		UserInfoEndpoint:      idp.URL("/userinfo"),
		RevocationEndpoint:    idp.URL("/revoke"),
		RegistrationEndpoint:  idp.URL("/register"),
		JWKSURI:               idp.URL("/jwks"),
	}
	return cfg
}

func newTestEngine(t *testing.T, cfg Config, mem *store.Memory) *Engine {
	t.Helper()
	if mem == nil {
		mem = store.NewMemory(0)
	}
	engine, err := NewEngine(context.Background(), cfg, Dependencies{
		Store:   mem,
		Pending: mem,
		Logger:  testLogger(),
	})
	require.NoError(t, err)
	return engine
}

// login runs BeginAuthn and returns the state sent to the IdP.
func login(t *testing.T, e *Engine, key string) string {
	t.Helper()
	state, _ := beginAuthn(t, e, key, "", false)
	return state
}
