package server

import (
	"bytes"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"
)

// Defaults applied when the config file leaves a field empty.
const (
	DefaultAppName    = "oidcrp"
	DefaultScope      = "openid"
	DefaultLeeway     = 30 * time.Second
	DefaultPendingTTL = 10 * time.Minute
)

// Store drivers.
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"
)

// Config captures the full application configuration loaded from YAML and environment variables.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	RelyingParty RelyingPartyConfig `yaml:"relying_party"`
	Store        StoreConfig        `yaml:"store"`
}

// ServerConfig controls the listener and cookies of the front-end.
type ServerConfig struct {
	ListenAddr   string    `yaml:"listen_addr"`
	BaseURL      string    `yaml:"base_url"`
	DevMode      bool      `yaml:"dev_mode"`
	CookieDomain string    `yaml:"cookie_domain"`
	TLS          TLSConfig `yaml:"tls"`
}

// TLSConfig defines autocert behaviour.
type TLSConfig struct {
	Domains  []string `yaml:"domains"`
	Email    string   `yaml:"email"`
	CacheDir string   `yaml:"cache_dir"`
}

// RelyingPartyConfig describes this client's identity at the IdP.
type RelyingPartyConfig struct {
	AppName             string            `yaml:"app_name"`
	ClientID            string            `yaml:"client_id"`
	ClientSecret        string            `yaml:"client_secret"`
	DiscoveryURL        string            `yaml:"discovery_url"`
	RedirectURI         string            `yaml:"redirect_uri"`
	Scope               string            `yaml:"scope"`
	VerifyTLS           bool              `yaml:"verify_tls"`
	DynamicRegistration bool              `yaml:"dynamic_registration"`
	AuthnParameters     map[string]string `yaml:"authn_parameters,omitempty"`
	CheckExpiry         bool              `yaml:"check_expiry"`
	Leeway              time.Duration     `yaml:"leeway"`
	Endpoints           EndpointsConfig   `yaml:"endpoints"`
}

// EndpointsConfig holds manually configured IdP endpoints. Discovery
// metadata takes precedence over these when both are present.
type EndpointsConfig struct {
	Issuer                string `yaml:"issuer"`
	AuthorizationEndpoint string `yaml:"authorization_endpoint"`
	TokenEndpoint         string `yaml:"token_endpoint"`
	UserInfoEndpoint      string `yaml:"userinfo_endpoint"`
	RevocationEndpoint    string `yaml:"revocation_endpoint"`
	RegistrationEndpoint  string `yaml:"registration_endpoint"`
	JWKSURI               string `yaml:"jwks_uri"`
}

// StoreConfig selects the session persistence backend.
type StoreConfig struct {
	Driver     string        `yaml:"driver"`
	SQLitePath string        `yaml:"sqlite_path"`
	Redis      RedisConfig   `yaml:"redis"`
	PendingTTL time.Duration `yaml:"pending_ttl"`
}

// RedisConfig holds connection settings for the redis driver.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}

		decoder := yaml.NewDecoder(bytes.NewReader(stripYAMLComments(b)))
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil {
			if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
				slog.Error("Configuration contains unknown keys", "error", err, "file", path)
				return Config{}, fmt.Errorf("invalid config: %w (check for typos or deprecated fields)", err)
			}
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr: "127.0.0.1:5443",
			BaseURL:    "http://127.0.0.1:5443",
			DevMode:    true,
			TLS: TLSConfig{
				CacheDir: ".autocert",
			},
		},
		RelyingParty: RelyingPartyConfig{
			AppName:     DefaultAppName,
			Scope:       DefaultScope,
			VerifyTLS:   true,
			CheckExpiry: true,
			Leeway:      DefaultLeeway,
		},
		Store: StoreConfig{
			Driver:     StoreMemory,
			SQLitePath: "oidcrp.db",
			PendingTTL: DefaultPendingTTL,
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	cfg := defaultConfig()
	cfg.RelyingParty.DiscoveryURL = "https://idp.example.com/.well-known/openid-configuration"
	cfg.RelyingParty.ClientID = "my-client"
	cfg.RelyingParty.ClientSecret = "change-me"
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	c.Server.BaseURL = strings.TrimSuffix(c.Server.BaseURL, "/")
	if c.RelyingParty.RedirectURI == "" && c.Server.BaseURL != "" {
		c.RelyingParty.RedirectURI = c.Server.BaseURL + "/callback"
	}
	if c.RelyingParty.AppName == "" {
		c.RelyingParty.AppName = DefaultAppName
	}
	if c.RelyingParty.Scope == "" {
		c.RelyingParty.Scope = DefaultScope
	}
	if c.Store.Driver == "" {
		c.Store.Driver = StoreMemory
	}
	if c.Store.PendingTTL <= 0 {
		c.Store.PendingTTL = DefaultPendingTTL
	}
}

func stripYAMLComments(in []byte) []byte {
	lines := bytes.Split(in, []byte("\n"))
	out := make([][]byte, 0, len(lines))
	for _, line := range lines {
		trim := bytes.TrimLeft(line, " \t")
		if len(trim) > 0 && trim[0] == '#' {
			continue
		}
		out = append(out, line)
	}
	return bytes.Join(out, []byte("\n"))
}

func applyEnvOverrides(cfg *Config) {
	rp := &cfg.RelyingParty
	overrides := map[string]func(string){
		"OIDCRP_SERVER_LISTEN_ADDR":        func(v string) { cfg.Server.ListenAddr = v },
		"OIDCRP_SERVER_BASE_URL":           func(v string) { cfg.Server.BaseURL = v },
		"OIDCRP_SERVER_DEV_MODE":           func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"OIDCRP_SERVER_COOKIE_DOMAIN":      func(v string) { cfg.Server.CookieDomain = v },
		"OIDCRP_SERVER_TLS_DOMAINS":        func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"OIDCRP_SERVER_TLS_EMAIL":          func(v string) { cfg.Server.TLS.Email = v },
		"OIDCRP_RP_APP_NAME":               func(v string) { rp.AppName = v },
		"OIDCRP_RP_CLIENT_ID":              func(v string) { rp.ClientID = v },
		"OIDCRP_RP_CLIENT_SECRET":          func(v string) { rp.ClientSecret = v },
		"OIDCRP_RP_DISCOVERY_URL":          func(v string) { rp.DiscoveryURL = v },
		"OIDCRP_RP_REDIRECT_URI":           func(v string) { rp.RedirectURI = v },
		"OIDCRP_RP_SCOPE":                  func(v string) { rp.Scope = v },
		"OIDCRP_RP_VERIFY_TLS":             func(v string) { rp.VerifyTLS = parseBool(v, rp.VerifyTLS) },
		"OIDCRP_RP_DYNAMIC_REGISTRATION":   func(v string) { rp.DynamicRegistration = parseBool(v, rp.DynamicRegistration) },
		"OIDCRP_RP_CHECK_EXPIRY":           func(v string) { rp.CheckExpiry = parseBool(v, rp.CheckExpiry) },
		"OIDCRP_RP_LEEWAY":                 func(v string) { rp.Leeway = parseDuration(v, rp.Leeway) },
		"OIDCRP_RP_ISSUER":                 func(v string) { rp.Endpoints.Issuer = v },
		"OIDCRP_RP_AUTHORIZATION_ENDPOINT": func(v string) { rp.Endpoints.AuthorizationEndpoint = v },
		"OIDCRP_RP_TOKEN_ENDPOINT":         func(v string) { rp.Endpoints.TokenEndpoint = v },
		"OIDCRP_RP_JWKS_URI":               func(v string) { rp.Endpoints.JWKSURI = v },
		"OIDCRP_STORE_DRIVER":              func(v string) { cfg.Store.Driver = v },
		"OIDCRP_STORE_SQLITE_PATH":         func(v string) { cfg.Store.SQLitePath = v },
		"OIDCRP_STORE_REDIS_ADDR":          func(v string) { cfg.Store.Redis.Addr = v },
		"OIDCRP_STORE_REDIS_PASSWORD":      func(v string) { cfg.Store.Redis.Password = v },
		"OIDCRP_STORE_REDIS_DB":            func(v string) { cfg.Store.Redis.DB = parseInt(v, cfg.Store.Redis.DB) },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}

func parseInt(val string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil {
		return fallback
	}
	return n
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate checks the static shape of the config. Whether the IdP endpoints
// and client credentials are complete is only known after discovery and
// registration, so Settings.Validate checks those.
func (c Config) Validate() error {
	var result *multierror.Error

	if err := validateHTTPURL("server.base_url", c.Server.BaseURL); err != nil {
		result = multierror.Append(result, err)
	}
	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		slog.Error("Missing required configuration for production mode", "field", "server.tls.domains")
		result = multierror.Append(result, fmt.Errorf("server.tls.domains must be provided in production"))
	}

	if c.Server.CookieDomain != "" {
		if u, err := url.Parse(c.Server.BaseURL); err == nil {
			host := u.Hostname()
			cookieDomain := strings.TrimPrefix(c.Server.CookieDomain, ".")
			if !strings.HasSuffix(host, cookieDomain) {
				slog.Error("Cookie domain mismatch",
					"field", "server.cookie_domain",
					"cookie_domain", c.Server.CookieDomain,
					"base_url_host", host)
				result = multierror.Append(result, fmt.Errorf("server.cookie_domain '%s' does not match server.base_url host '%s'", c.Server.CookieDomain, host))
			}
		}
	}

	rp := c.RelyingParty
	optionalURLs := map[string]string{
		"relying_party.discovery_url":                    rp.DiscoveryURL,
		"relying_party.redirect_uri":                     rp.RedirectURI,
		"relying_party.endpoints.authorization_endpoint": rp.Endpoints.AuthorizationEndpoint,
		"relying_party.endpoints.token_endpoint":         rp.Endpoints.TokenEndpoint,
		"relying_party.endpoints.userinfo_endpoint":      rp.Endpoints.UserInfoEndpoint,
		"relying_party.endpoints.revocation_endpoint":    rp.Endpoints.RevocationEndpoint,
		"relying_party.endpoints.registration_endpoint":  rp.Endpoints.RegistrationEndpoint,
		"relying_party.endpoints.jwks_uri":               rp.Endpoints.JWKSURI,
	}
	for field, value := range optionalURLs {
		if value == "" {
			continue
		}
		if err := validateHTTPURL(field, value); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if rp.DynamicRegistration && c.Server.BaseURL == "" {
		result = multierror.Append(result, fmt.Errorf("server.base_url is required for dynamic registration"))
	}
	if rp.Leeway < 0 {
		result = multierror.Append(result, fmt.Errorf("relying_party.leeway must not be negative"))
	}

	switch c.Store.Driver {
	case StoreMemory:
	case StoreSQLite:
		if c.Store.SQLitePath == "" {
			result = multierror.Append(result, fmt.Errorf("store.sqlite_path is required for the sqlite driver"))
		}
	case StoreRedis:
		if c.Store.Redis.Addr == "" {
			result = multierror.Append(result, fmt.Errorf("store.redis.addr is required for the redis driver"))
		}
	default:
		slog.Error("Invalid store driver", "field", "store.driver", "value", c.Store.Driver, "valid_values", []string{StoreMemory, StoreSQLite, StoreRedis})
		result = multierror.Append(result, fmt.Errorf("store.driver must be one of memory, sqlite, redis, got: %s", c.Store.Driver))
	}

	if err := result.ErrorOrNil(); err != nil {
		return &Error{Kind: KindConfiguration, Op: "config.Validate", Err: err}
	}
	return nil
}

func validateHTTPURL(field, value string) error {
	if value == "" {
		slog.Error("Missing required configuration", "field", field)
		return fmt.Errorf("%s is required", field)
	}
	u, err := url.Parse(value)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		slog.Error("Invalid configuration value", "field", field, "value", value, "reason", "must be an absolute http(s) URL")
		return fmt.Errorf("%s must be an absolute http:// or https:// URL, got: %s", field, value)
	}
	return nil
}

// maskSecret keeps the first few characters of a secret for log correlation.
func maskSecret(s string) string {
	if len(s) <= 4 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", 4)
}
