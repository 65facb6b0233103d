package gateway

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Hardcoded target-system defaults
const (
	DefaultTargetTimeout = 30 * time.Second
	DefaultEmailDomain   = "butlerlabs.dev"
	DefaultIdentityHdr   = "X-Forwarded-User"
)

// Hardcoded CORS defaults
var (
	DefaultCORSAllowedHeaders = []string{"Authorization", "Content-Type", "X-Butler-Team", "X-Request-Id"}
	DefaultCORSAllowedMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
)

// Config captures the full gateway configuration loaded from YAML and environment variables.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Target   TargetConfig   `yaml:"target"`
	Identity IdentityConfig `yaml:"identity"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL       string     `yaml:"public_url"`
	DevListenAddr   string     `yaml:"dev_listen_addr"`
	HTTPListenAddr  string     `yaml:"http_listen_addr"`
	HTTPSListenAddr string     `yaml:"https_listen_addr"`
	DevMode         bool       `yaml:"dev_mode"`
	SecretsPath     string     `yaml:"secrets_path"`
	TLS             TLSConfig  `yaml:"tls"`
	CORS            CORSConfig `yaml:"cors"`
}

// TLSConfig defines autocert behaviour.
type TLSConfig struct {
	Domains []string `yaml:"domains"`
	Email   string   `yaml:"email"`
}

// CORSConfig lists the origins, methods, and headers permitted for browser callers.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// TargetConfig describes the downstream Butler deployment being proxied to,
// including the service account used to authenticate against it.
type TargetConfig struct {
	URL                string `yaml:"url"`
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	Timeout            string `yaml:"timeout"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// RequestTimeout returns the configured timeout, falling back to the default.
func (t TargetConfig) RequestTimeout() time.Duration {
	if t.Timeout == "" {
		return DefaultTargetTimeout
	}
	return parseDuration(t.Timeout, DefaultTargetTimeout)
}

// IdentityConfig controls how the caller's upstream identity is extracted and
// mapped onto Butler's user model.
type IdentityConfig struct {
	EmailDomain string     `yaml:"email_domain"`
	Header      string     `yaml:"header"`
	OIDC        OIDCConfig `yaml:"oidc"`
}

// OIDCConfig enables token-based principal extraction when the upstream
// identity proxy forwards ID tokens instead of plain headers.
type OIDCConfig struct {
	Issuer   string `yaml:"issuer"`
	ClientID string `yaml:"client_id"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}

		// Strict unmarshaling to detect unknown fields
		decoder := yaml.NewDecoder(strings.NewReader(string(b)))
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://127.0.0.1:7007",
			DevListenAddr:   "127.0.0.1:7007",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			SecretsPath:     ".secrets",
			CORS: CORSConfig{
				AllowedMethods: DefaultCORSAllowedMethods,
				AllowedHeaders: DefaultCORSAllowedHeaders,
			},
		},
		Target: TargetConfig{
			URL: "https://butler.internal:8443",
		},
		Identity: IdentityConfig{
			EmailDomain: DefaultEmailDomain,
			Header:      DefaultIdentityHdr,
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"PORTAL_SERVER_PUBLIC_URL":       func(v string) { cfg.Server.PublicURL = v },
		"PORTAL_SERVER_DEV_LISTEN_ADDR":  func(v string) { cfg.Server.DevListenAddr = v },
		"PORTAL_SERVER_HTTP_LISTEN_ADDR": func(v string) { cfg.Server.HTTPListenAddr = v },
		"PORTAL_SERVER_DEV_MODE":         func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"PORTAL_TARGET_URL":              func(v string) { cfg.Target.URL = v },
		"PORTAL_TARGET_USERNAME":         func(v string) { cfg.Target.Username = v },
		"PORTAL_TARGET_PASSWORD":         func(v string) { cfg.Target.Password = v },
		"PORTAL_TARGET_TIMEOUT":          func(v string) { cfg.Target.Timeout = v },
		"PORTAL_IDENTITY_EMAIL_DOMAIN":   func(v string) { cfg.Identity.EmailDomain = v },
		"PORTAL_IDENTITY_HEADER":         func(v string) { cfg.Identity.Header = v },
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

// Validate performs minimal sanity checks on the config.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		return errors.New("server.public_url is required")
	}
	if !strings.HasPrefix(c.Server.PublicURL, "http://") && !strings.HasPrefix(c.Server.PublicURL, "https://") {
		return fmt.Errorf("server.public_url must start with http:// or https://, got: %s", c.Server.PublicURL)
	}
	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		return errors.New("server.tls.domains must be provided in production")
	}

	if c.Target.URL == "" {
		return errors.New("target.url is required")
	}
	if !strings.HasPrefix(c.Target.URL, "http://") && !strings.HasPrefix(c.Target.URL, "https://") {
		return fmt.Errorf("target.url must start with http:// or https://, got: %s", c.Target.URL)
	}
	if c.Target.Username == "" || c.Target.Password == "" {
		return errors.New("target.username and target.password are required")
	}
	if c.Target.Timeout != "" {
		if _, err := time.ParseDuration(c.Target.Timeout); err != nil {
			return fmt.Errorf("target.timeout: invalid duration %q: %w", c.Target.Timeout, err)
		}
	}

	if c.Identity.EmailDomain == "" {
		return errors.New("identity.email_domain is required")
	}
	if strings.Contains(c.Identity.EmailDomain, "@") {
		return fmt.Errorf("identity.email_domain must be a bare domain, got: %s", c.Identity.EmailDomain)
	}
	if c.Identity.Header == "" && c.Identity.OIDC.Issuer == "" {
		return errors.New("identity.header or identity.oidc.issuer is required")
	}
	if c.Identity.OIDC.Issuer != "" && c.Identity.OIDC.ClientID == "" {
		return errors.New("identity.oidc.client_id is required when identity.oidc.issuer is set")
	}

	return nil
}
