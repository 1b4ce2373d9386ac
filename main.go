package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/crypto/acme/autocert"
	"gopkg.in/yaml.v3"

	"oidcrp/server"
)

func main() {
	configPath := flag.String("config", os.Getenv("OIDCRP_CONFIG"), "Path to YAML config")
	configCmd := flag.String("config-cmd", "", "Config command: 'init' or 'validate'")
	logLevel := flag.String("log-level", "info", "Logging level (debug, info, warn, error)")
	flag.StringVar(logLevel, "l", "info", "Alias for -log-level")
	flag.Parse()

	level, err := parseLogLevel(*logLevel)
	if err != nil {
		log.Fatalf("invalid log level %q: %v", *logLevel, err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	configFile := *configPath
	if configFile == "" {
		configFile = "./config.yaml"
	}

	if *configCmd != "" {
		switch *configCmd {
		case "init":
			if err := runConfigInit(configFile, logger); err != nil {
				log.Fatalf("config init failed: %v", err)
			}
			logger.Info("configuration initialized successfully", "path", configFile)
			return
		case "validate":
			if err := runConfigValidate(context.Background(), configFile, logger); err != nil {
				log.Fatalf("config validation failed: %v", err)
			}
			logger.Info("configuration is valid", "path", configFile)
			return
		default:
			log.Fatalf("unknown config command %q. Use 'init' or 'validate'", *configCmd)
		}
	}

	cfg, err := loadConfig(configFile, logger)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stores, err := openStores(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer stores.Close()

	engine, err := server.NewEngine(ctx, cfg, server.Dependencies{
		Store:   stores.Store,
		Pending: stores.Pending,
		Logger:  logger,
	})
	if err != nil {
		log.Fatalf("init relying party: %v", err)
	}

	if args := flag.Args(); len(args) > 0 {
		if err := runCommand(ctx, engine, args, os.Stdout); err != nil {
			logger.Error("command failed", "command", args[0], "error", err)
			os.Exit(1)
		}
		return
	}

	if err := serve(ctx, cfg, server.NewApp(cfg, engine, stores.Store, logger), logger); err != nil {
		log.Fatalf("serve: %v", err)
	}
}

// runCommand executes a one-shot operation against the IdP instead of
// starting the front-end.
func runCommand(ctx context.Context, engine *server.Engine, args []string, out io.Writer) error {
	switch args[0] {
	case "register":
		reg, err := engine.RenewRegistration(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "client_id: %s\n", reg.ClientID)
		if reg.ClientSecretExpiresAt != nil && *reg.ClientSecretExpiresAt != 0 {
			fmt.Fprintf(out, "client_secret_expires_at: %s\n", time.Unix(*reg.ClientSecretExpiresAt, 0).UTC().Format(time.RFC3339))
		}
		return nil
	case "refresh":
		if len(args) < 2 {
			return errors.New("usage: refresh <refresh_token>")
		}
		set, err := engine.Refresh(ctx, args[1])
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "access_token: %s\n", set.AccessToken)
		if set.RefreshToken != "" {
			fmt.Fprintf(out, "refresh_token: %s\n", set.RefreshToken)
		}
		if set.IDToken != "" {
			fmt.Fprintf(out, "id_token: %s\n", set.IDToken)
		}
		return nil
	case "revoke":
		if len(args) < 2 {
			return errors.New("usage: revoke <token>")
		}
		if err := engine.Revoke(ctx, args[1]); err != nil {
			return err
		}
		fmt.Fprintln(out, "revoked")
		return nil
	default:
		return fmt.Errorf("unknown command %q, expected register, refresh or revoke", args[0])
	}
}

func serve(ctx context.Context, cfg server.Config, app *server.App, logger *slog.Logger) error {
	handler := app.Routes()
	if !cfg.Server.DevMode {
		handler = withHSTS(handler)
	}

	var shutdownFns []func(context.Context) error
	errCh := make(chan error, 2)

	if cfg.Server.DevMode {
		srv := &http.Server{
			Addr:              cfg.Server.ListenAddr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
		}
		shutdownFns = append(shutdownFns, srv.Shutdown)
		logger.Info("server listening", "mode", "dev", "addr", cfg.Server.ListenAddr, "base_url", cfg.Server.BaseURL)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("http server: %w", err)
			}
		}()
	} else {
		m := &autocert.Manager{
			Cache:      autocert.DirCache(cfg.Server.TLS.CacheDir),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.Server.TLS.Domains...),
			Email:      cfg.Server.TLS.Email,
		}

		httpRedirect := &http.Server{
			Addr:              ":80",
			Handler:           m.HTTPHandler(http.HandlerFunc(redirectToHTTPS)),
			ReadHeaderTimeout: 10 * time.Second,
		}
		shutdownFns = append(shutdownFns, httpRedirect.Shutdown)
		go func() {
			if err := httpRedirect.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("http redirect: %w", err)
			}
		}()

		httpsSrv := &http.Server{
			Addr:    cfg.Server.ListenAddr,
			Handler: handler,
			TLSConfig: &tls.Config{
				GetCertificate: m.GetCertificate,
				MinVersion:     tls.VersionTLS12,
			},
			ReadHeaderTimeout: 10 * time.Second,
		}
		shutdownFns = append(shutdownFns, httpsSrv.Shutdown)
		logger.Info("server listening", "mode", "tls", "addr", cfg.Server.ListenAddr, "domains", cfg.Server.TLS.Domains)
		go func() {
			if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("https server: %w", err)
			}
		}()
	}

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	for _, fn := range shutdownFns {
		_ = fn(shutdownCtx)
	}
	logger.Info("server stopped")
	return serveErr
}

func redirectToHTTPS(w http.ResponseWriter, r *http.Request) {
	target := "https://" + r.Host + r.URL.RequestURI()
	http.Redirect(w, r, target, http.StatusMovedPermanently)
}

func withHSTS(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
		h.ServeHTTP(w, r)
	})
}

func loadConfig(path string, logger *slog.Logger) (server.Config, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return server.Config{}, fmt.Errorf("config file not found at %s. Run with -config-cmd=init to create it", path)
		}
		return server.Config{}, fmt.Errorf("stat config: %w", err)
	}
	logger.Debug("loading config", "path", path)
	return server.LoadConfig(path)
}

func runConfigInit(path string, logger *slog.Logger) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s. Remove it first or use a different path", path)
	}
	if err := writeConfigFile(path, server.DefaultConfig()); err != nil {
		return err
	}
	logger.Info("configuration template written, edit client and discovery settings before starting", "path", path)
	return nil
}

// runConfigValidate loads the file and, when discovery is configured,
// checks that the metadata document is reachable.
func runConfigValidate(ctx context.Context, path string, logger *slog.Logger) error {
	cfg, err := server.LoadConfig(path)
	if err != nil {
		return err
	}
	if cfg.RelyingParty.DiscoveryURL == "" {
		logger.Info("no discovery url configured, skipping reachability check")
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	client := server.NewHTTPClient(cfg.RelyingParty.VerifyTLS, logger)
	doc, err := server.FetchDiscovery(ctx, client, cfg.RelyingParty.DiscoveryURL)
	if err != nil {
		return fmt.Errorf("discovery: %w", err)
	}
	logger.Info("discovery metadata is reachable",
		"issuer", doc.Issuer,
		"registration_endpoint", doc.RegistrationEndpoint != "",
		"revocation_endpoint", doc.RevocationEndpoint != "")
	return nil
}

func parseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level")
	}
}

func writeConfigFile(path string, cfg server.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
