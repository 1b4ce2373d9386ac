package server

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigAppliesEnvOverrides(t *testing.T) {
	path := writeConfig(t, `server:
  base_url: http://localhost:5443
  dev_mode: true
relying_party:
  client_id: web
  client_secret: s3cret
  discovery_url: https://idp.example.com/.well-known/openid-configuration
`)

	t.Setenv("OIDCRP_SERVER_BASE_URL", "https://rp.example.com")
	t.Setenv("OIDCRP_RP_CLIENT_ID", "from-env")
	t.Setenv("OIDCRP_RP_VERIFY_TLS", "false")
	t.Setenv("OIDCRP_RP_LEEWAY", "1m")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.Server.BaseURL != "https://rp.example.com" {
		t.Fatalf("BaseURL override mismatch, got %q", cfg.Server.BaseURL)
	}
	if cfg.RelyingParty.ClientID != "from-env" {
		t.Fatalf("ClientID override mismatch, got %q", cfg.RelyingParty.ClientID)
	}
	if cfg.RelyingParty.VerifyTLS {
		t.Fatal("expected verify_tls to be disabled by env")
	}
	if cfg.RelyingParty.Leeway != time.Minute {
		t.Fatalf("Leeway = %s", cfg.RelyingParty.Leeway)
	}
	if cfg.RelyingParty.RedirectURI != "https://rp.example.com/callback" {
		t.Fatalf("redirect_uri default mismatch, got %q", cfg.RelyingParty.RedirectURI)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, `# comment line
server:
  base_url: http://localhost:5443/
relying_party:
  authn_parameters:
    ui_locales: sv
  leeway: 45s
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	rp := cfg.RelyingParty
	if rp.Scope != DefaultScope || rp.AppName != DefaultAppName {
		t.Fatalf("unexpected defaults: scope=%q app_name=%q", rp.Scope, rp.AppName)
	}
	if !rp.VerifyTLS || !rp.CheckExpiry {
		t.Fatal("verify_tls and check_expiry default to true")
	}
	if rp.RedirectURI != "http://localhost:5443/callback" {
		t.Fatalf("redirect_uri = %q", rp.RedirectURI)
	}
	if rp.AuthnParameters["ui_locales"] != "sv" {
		t.Fatalf("authn_parameters = %v", rp.AuthnParameters)
	}
	if rp.Leeway != 45*time.Second {
		t.Fatalf("leeway = %s", rp.Leeway)
	}
	if cfg.Store.Driver != StoreMemory || cfg.Store.PendingTTL != DefaultPendingTTL {
		t.Fatalf("store defaults = %+v", cfg.Store)
	}
}

func TestLoadConfigRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, `relying_party:
  client_idd: typo
`)
	_, err := LoadConfig(path)
	if err == nil || !strings.Contains(err.Error(), "invalid config") {
		t.Fatalf("expected unknown key error, got %v", err)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected read error")
	}
}

func TestConfigValidateCollectsAllErrors(t *testing.T) {
	cfg := defaultConfig()
	cfg.Server.BaseURL = "ftp://rp"
	cfg.Server.DevMode = false
	cfg.Store.Driver = "postgres"
	cfg.RelyingParty.Endpoints.TokenEndpoint = "not a url"

	err := cfg.Validate()
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	for _, want := range []string{"server.base_url", "server.tls.domains", "store.driver", "token_endpoint"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not mention %s", err, want)
		}
	}
}

func TestConfigValidateStoreDrivers(t *testing.T) {
	tests := []struct {
		name    string
		store   StoreConfig
		wantErr bool
	}{
		{name: "memory", store: StoreConfig{Driver: StoreMemory}},
		{name: "sqlite", store: StoreConfig{Driver: StoreSQLite, SQLitePath: "rp.db"}},
		{name: "sqlite without path", store: StoreConfig{Driver: StoreSQLite}, wantErr: true},
		{name: "redis", store: StoreConfig{Driver: StoreRedis, Redis: RedisConfig{Addr: "localhost:6379"}}},
		{name: "redis without addr", store: StoreConfig{Driver: StoreRedis}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			cfg.Store = tt.store
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfigValidateCookieDomain(t *testing.T) {
	cfg := defaultConfig()
	cfg.Server.BaseURL = "https://rp.dev.example.com"
	cfg.Server.CookieDomain = ".dev.example.com"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("matching cookie domain rejected: %v", err)
	}

	cfg.Server.CookieDomain = ".other.com"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected cookie domain mismatch")
	}
}

func TestDefaultConfigValidates(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default template must validate: %v", err)
	}
}

func TestSplitAndTrimRemovesEmpty(t *testing.T) {
	out := splitAndTrim(" a , ,b,, c ")
	expected := []string{"a", "b", "c"}
	if len(out) != len(expected) {
		t.Fatalf("unexpected length: got %d want %d", len(out), len(expected))
	}
	for i := range expected {
		if out[i] != expected[i] {
			t.Fatalf("element %d mismatch: got %q want %q", i, out[i], expected[i])
		}
	}
}

func TestParseBool(t *testing.T) {
	if !parseBool("YES", false) || parseBool("off", true) || !parseBool("maybe", true) {
		t.Fatal("parseBool mismatch")
	}
}

func TestMaskSecret(t *testing.T) {
	if got := maskSecret("abcdefgh"); got != "abcd****" {
		t.Fatalf("maskSecret = %q", got)
	}
	if got := maskSecret("abc"); got != "***" {
		t.Fatalf("maskSecret = %q", got)
	}
}
