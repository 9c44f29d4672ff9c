package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config is the top-level configuration.
type Config struct {
	ListenAddr         string `toml:"listen_addr"`
	PublicURL          string `toml:"public_url"`
	LogLevel           string `toml:"log_level"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`

	Auth    AuthConfig    `toml:"auth"`
	Backend BackendConfig `toml:"backend"`

	// Computed fields (not from TOML)
	Origin string // scheme://host of public_url
}

// AuthConfig describes the identity provider connection.
type AuthConfig struct {
	BaseURL            string   `toml:"base_url"`
	Realm              string   `toml:"realm"`
	ClientID           string   `toml:"client_id"`
	Scopes             []string `toml:"scopes"`
	CallbackPath       string   `toml:"callback_path"`
	SilentCallbackPath string   `toml:"silent_callback_path"`
	PostLogoutPath     string   `toml:"post_logout_path"`
	LegacyTokenFile    string   `toml:"legacy_token_file"` // durable token store from older releases, read-only
}

// BackendConfig describes the model workbench API.
type BackendConfig struct {
	BaseURL string `toml:"base_url"`
}

// Load reads the configuration from a TOML file.
func Load(path string) (*Config, error) {
	cfg := &Config{
		ListenAddr: ":3000",
		LogLevel:   "info",
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	// Apply defaults
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":3000"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if len(cfg.Auth.Scopes) == 0 {
		cfg.Auth.Scopes = []string{"openid", "profile", "email"}
	}
	if cfg.Auth.CallbackPath == "" {
		cfg.Auth.CallbackPath = "/auth/callback"
	}
	if cfg.Auth.SilentCallbackPath == "" {
		cfg.Auth.SilentCallbackPath = "/auth/silent/callback"
	}
	if cfg.Auth.PostLogoutPath == "" {
		cfg.Auth.PostLogoutPath = "/"
	}

	origin, err := parseOrigin(&cfg.PublicURL)
	if err != nil {
		return nil, fmt.Errorf("public_url: %w", err)
	}
	cfg.Origin = origin

	if err := validateBaseURL(cfg.Auth.BaseURL); err != nil {
		return nil, fmt.Errorf("auth.base_url: %w", err)
	}
	if cfg.Auth.Realm == "" {
		return nil, fmt.Errorf("auth.realm is required")
	}
	if cfg.Auth.ClientID == "" {
		return nil, fmt.Errorf("auth.client_id is required")
	}
	if err := validateBaseURL(cfg.Backend.BaseURL); err != nil {
		return nil, fmt.Errorf("backend.base_url: %w", err)
	}

	return cfg, nil
}

// parseOrigin validates public_url, normalizes it, and returns its
// origin (scheme://host).
func parseOrigin(publicURL *string) (string, error) {
	if *publicURL == "" {
		return "", fmt.Errorf("required")
	}
	u, err := url.Parse(*publicURL)
	if err != nil {
		return "", fmt.Errorf("invalid URL %q: %w", *publicURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%q: scheme must be http or https", *publicURL)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%q: host is required", *publicURL)
	}
	*publicURL = u.Scheme + "://" + u.Host + strings.TrimRight(u.Path, "/")
	return u.Scheme + "://" + u.Host, nil
}

func validateBaseURL(baseURL string) error {
	if baseURL == "" {
		return fmt.Errorf("required")
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return fmt.Errorf("invalid URL %q: %w", baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%q: scheme must be http or https", baseURL)
	}
	if u.Host == "" {
		return fmt.Errorf("%q: host is required", baseURL)
	}
	return nil
}
