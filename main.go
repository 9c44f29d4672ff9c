package main

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"

	"aasgate/internal/config"
	"aasgate/internal/gateway"
	"aasgate/internal/oidc"
	"aasgate/internal/tokenstore"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "-healthcheck" {
		healthURL := os.Getenv("HEALTHCHECK_URL")
		if healthURL == "" {
			healthURL = "http://localhost:3000/healthz"
		}
		client := &http.Client{Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}}
		resp, err := client.Get(healthURL)
		if err != nil || resp.StatusCode != 200 {
			os.Exit(1)
		}
		os.Exit(0)
	}

	configPath := os.Getenv("CONFIG_FILE")
	if configPath == "" {
		slog.Error("CONFIG_FILE environment variable is required")
		os.Exit(1)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.LogLevel)

	httpClient := &http.Client{Timeout: 30 * time.Second}
	if cfg.InsecureSkipVerify {
		httpClient.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
		slog.Warn("TLS certificate verification is disabled")
	}

	endpoints := oidc.RealmEndpoints(cfg.Auth.BaseURL, cfg.Auth.Realm)
	oidcCfg := oidc.Config{
		Endpoints:             endpoints,
		ClientID:              cfg.Auth.ClientID,
		Scopes:                cfg.Auth.Scopes,
		RedirectURI:           cfg.PublicURL + cfg.Auth.CallbackPath,
		SilentRedirectURI:     cfg.PublicURL + cfg.Auth.SilentCallbackPath,
		PostLogoutRedirectURI: cfg.PublicURL + cfg.Auth.PostLogoutPath,
		Origin:                cfg.Origin,
	}

	standard, err := discoverProvider(oidcCfg, httpClient)
	if err != nil {
		slog.Error("Failed to reach identity provider", "issuer", endpoints.Issuer, "error", err)
		os.Exit(1)
	}
	endpoint := oidc.NewTokenEndpoint(endpoints.Token, cfg.Auth.ClientID, httpClient, slog.Default())

	var legacy tokenstore.Backend
	if cfg.Auth.LegacyTokenFile != "" {
		legacyFile, err := tokenstore.OpenLegacyFile(cfg.Auth.LegacyTokenFile)
		if err != nil {
			slog.Error("Failed to open legacy token file", "path", cfg.Auth.LegacyTokenFile, "error", err)
			os.Exit(1)
		}
		legacy = legacyFile
		slog.Info("Legacy token fallback enabled", "path", cfg.Auth.LegacyTokenFile)
	}

	frames := gateway.NewFrameRegistry()
	handler := gateway.New(cfg, oidcCfg, standard, endpoint, frames, legacy, httpClient, clockwork.NewRealClock(), slog.Default())

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("Listening", "addr", cfg.ListenAddr, "issuer", endpoints.Issuer)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-shutdown
	slog.Info("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		slog.Error("Shutdown failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Server stopped")
}

// discoverProvider retries discovery so the gateway survives an
// identity provider that starts after it does.
func discoverProvider(cfg oidc.Config, httpClient *http.Client) (*oidc.StandardClient, error) {
	var lastErr error
	for attempt := 0; attempt < 30; attempt++ {
		if attempt > 0 {
			time.Sleep(2 * time.Second)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		standard, err := oidc.NewStandardClient(ctx, cfg, httpClient, slog.Default())
		cancel()
		if err == nil {
			return standard, nil
		}
		lastErr = err
		slog.Warn("Provider discovery failed, retrying", "attempt", attempt+1, "error", err)
	}
	return nil, lastErr
}

func setupLogger(level string) {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	slog.SetDefault(slog.New(handler))
}
