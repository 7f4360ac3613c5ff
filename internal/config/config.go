// Package config loads the gateway's YAML configuration file, applies
// defaults and environment overrides, and validates the result before the
// CLI wires up the services.
package config

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Environment variables overriding file values. Secrets should come from
// the environment rather than the config file.
const (
	EnvListenAddr     = "GATEWAY_LISTEN_ADDR"
	EnvExternalURL    = "GATEWAY_EXTERNAL_URL"
	EnvValkeyAddress  = "GATEWAY_VALKEY_ADDRESS"
	EnvValkeyPassword = "GATEWAY_VALKEY_PASSWORD"

	// EnvValkeyEncryptionKey holds a base64-encoded 32-byte key enabling
	// token encryption at rest in the Valkey backend
	EnvValkeyEncryptionKey = "GATEWAY_VALKEY_ENCRYPTION_KEY"
)

// Storage backend names accepted in storage.backend
const (
	BackendMemory = "memory"
	BackendValkey = "valkey"
)

// Config is the root of the gateway configuration file.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	OAuth     OAuthConfig     `yaml:"oauth"`
	Storage   StorageConfig   `yaml:"storage"`
	Insights  InsightsConfig  `yaml:"insights"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig configures the public-facing HTTP server.
type ServerConfig struct {
	// ListenAddr is the bind address, e.g. ":8443"
	ListenAddr string `yaml:"listen_addr"`

	// ExternalURL is the externally visible base URL. It becomes the OAuth
	// issuer and the RFC 9728 resource identifier.
	ExternalURL string `yaml:"external_url"`

	TLS TLSConfig `yaml:"tls"`

	// TrustProxy enables X-Forwarded-For/X-Real-IP handling. Only enable
	// behind a trusted reverse proxy.
	TrustProxy        bool `yaml:"trust_proxy"`
	TrustedProxyCount int  `yaml:"trusted_proxy_count"`
}

// TLSConfig configures TLS termination. Disabled must be set explicitly to
// run plain HTTP.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	Disabled bool   `yaml:"disabled"`
}

// OAuthConfig configures the authorization server behavior.
type OAuthConfig struct {
	// SkipUserAuth acknowledges single-user mode: every authorization
	// request is auto-approved for DefaultSubject. The gateway refuses to
	// start unless this is set.
	SkipUserAuth bool `yaml:"skip_user_auth"`

	DefaultSubject string `yaml:"default_subject"`

	// TTLs in seconds
	AuthorizationCodeTTL int64 `yaml:"authorization_code_ttl"`
	AccessTokenTTL       int64 `yaml:"access_token_ttl"`

	MaxClientsPerIP int      `yaml:"max_clients_per_ip"`
	SupportedScopes []string `yaml:"supported_scopes"`

	RateLimit RateLimitConfig `yaml:"rate_limit"`

	// EnableAuditLogging turns on the security audit log
	EnableAuditLogging bool `yaml:"enable_audit_logging"`
}

// RateLimitConfig configures the per-IP token endpoint rate limiter.
// A zero rate disables limiting.
type RateLimitConfig struct {
	Rate  int `yaml:"rate"`
	Burst int `yaml:"burst"`
}

// StorageConfig selects and configures the storage backend.
type StorageConfig struct {
	// Backend is "memory" or "valkey"
	Backend string `yaml:"backend"`

	Valkey ValkeyConfig `yaml:"valkey"`
}

// ValkeyConfig configures the shared Valkey backend.
type ValkeyConfig struct {
	Address   string `yaml:"address"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`

	// EncryptionKey is a base64-encoded 32-byte AES-256 key. When set,
	// access token records are encrypted at rest. Prefer the
	// GATEWAY_VALKEY_ENCRYPTION_KEY environment variable over the file.
	EncryptionKey string `yaml:"encryption_key"`
}

// DecodedEncryptionKey returns the raw key bytes, or nil when no key is
// configured.
func (v ValkeyConfig) DecodedEncryptionKey() ([]byte, error) {
	if v.EncryptionKey == "" {
		return nil, nil
	}
	key, err := base64.StdEncoding.DecodeString(v.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("storage.valkey.encryption_key must be base64: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("storage.valkey.encryption_key must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// InsightsConfig configures the embedded insights MCP server.
type InsightsConfig struct {
	// ListenAddr should stay on a loopback interface; clients reach the
	// server through the authenticated forwarder.
	ListenAddr string `yaml:"listen_addr"`
	DataDir    string `yaml:"data_dir"`
}

// TelemetryConfig configures OpenTelemetry instrumentation.
type TelemetryConfig struct {
	Enabled      bool `yaml:"enabled"`
	LogClientIPs bool `yaml:"log_client_ips"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error
	Level string `yaml:"level"`
	// Format is "text" or "json"
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is provided.
func Default() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr: ":8443",
		},
		OAuth: OAuthConfig{
			DefaultSubject:       "default_user",
			AuthorizationCodeTTL: 600,
			AccessTokenTTL:       3600,
			MaxClientsPerIP:      10,
			SupportedScopes:      []string{"tools", "insights"},
			RateLimit: RateLimitConfig{
				Rate:  10,
				Burst: 20,
			},
			EnableAuditLogging: true,
		},
		Storage: StorageConfig{
			Backend: BackendMemory,
			Valkey: ValkeyConfig{
				Address:   "localhost:6379",
				KeyPrefix: "gw:",
			},
		},
		Insights: InsightsConfig{
			ListenAddr: "127.0.0.1:9101",
			DataDir:    "./mcp_data",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the configuration file at path on top of the defaults, applies
// environment overrides, and validates. An empty path loads defaults and
// environment only.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(EnvListenAddr); v != "" {
		cfg.Server.ListenAddr = v
	}
	if v := os.Getenv(EnvExternalURL); v != "" {
		cfg.Server.ExternalURL = v
	}
	if v := os.Getenv(EnvValkeyAddress); v != "" {
		cfg.Storage.Valkey.Address = v
	}
	if v := os.Getenv(EnvValkeyPassword); v != "" {
		cfg.Storage.Valkey.Password = v
	}
	if v := os.Getenv(EnvValkeyEncryptionKey); v != "" {
		cfg.Storage.Valkey.EncryptionKey = v
	}
}

// Validate checks the configuration for values the gateway cannot start
// without.
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr is required")
	}

	if c.Server.ExternalURL == "" {
		return fmt.Errorf("server.external_url is required")
	}
	u, err := url.Parse(c.Server.ExternalURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("server.external_url must be an absolute http(s) URL, got %q", c.Server.ExternalURL)
	}

	if !c.Server.TLS.Disabled {
		if c.Server.TLS.CertFile == "" || c.Server.TLS.KeyFile == "" {
			return fmt.Errorf("server.tls.cert_file and server.tls.key_file are required unless server.tls.disabled is set")
		}
	}

	if !c.OAuth.SkipUserAuth {
		return fmt.Errorf("oauth.skip_user_auth must be set: the gateway runs in single-user mode and " +
			"auto-approves every authorization request for oauth.default_subject")
	}

	switch c.Storage.Backend {
	case BackendMemory:
	case BackendValkey:
		if c.Storage.Valkey.Address == "" {
			return fmt.Errorf("storage.valkey.address is required when storage.backend is %q", BackendValkey)
		}
		if _, err := c.Storage.Valkey.DecodedEncryptionKey(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("storage.backend must be %q or %q, got %q", BackendMemory, BackendValkey, c.Storage.Backend)
	}

	if c.Insights.ListenAddr == "" {
		return fmt.Errorf("insights.listen_addr is required")
	}
	if c.Insights.DataDir == "" {
		return fmt.Errorf("insights.data_dir is required")
	}

	if _, err := c.Logging.SlogLevel(); err != nil {
		return err
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be \"text\" or \"json\", got %q", c.Logging.Format)
	}

	return nil
}

// SlogLevel maps the configured level name to a slog.Level.
func (l LoggingConfig) SlogLevel() (slog.Level, error) {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("logging.level must be one of debug, info, warn, error; got %q", l.Level)
	}
}

// NewLogger builds the process logger from the logging section.
func (l LoggingConfig) NewLogger() (*slog.Logger, error) {
	level, err := l.SlogLevel()
	if err != nil {
		return nil, err
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.ToLower(l.Format) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler), nil
}
