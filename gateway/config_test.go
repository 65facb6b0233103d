package gateway

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeTestConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "portal.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeTestConfig(t, `
target:
  username: portal-svc
  password: hunter2
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Target.URL != "https://butler.internal:8443" {
		t.Errorf("target.url = %q", cfg.Target.URL)
	}
	if cfg.Identity.EmailDomain != "butlerlabs.dev" {
		t.Errorf("identity.email_domain = %q", cfg.Identity.EmailDomain)
	}
	if cfg.Identity.Header != "X-Forwarded-User" {
		t.Errorf("identity.header = %q", cfg.Identity.Header)
	}
	if !cfg.Server.DevMode {
		t.Errorf("dev_mode should default to true")
	}
}

func TestLoadConfigRejectsUnknownFields(t *testing.T) {
	path := writeTestConfig(t, `
target:
  username: portal-svc
  password: hunter2
  legacy_mode: true
`)
	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("expected unknown-field error")
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	path := writeTestConfig(t, `
target:
  url: https://file.example.com
  username: file-user
  password: file-pass
`)
	t.Setenv("PORTAL_TARGET_URL", "https://env.example.com")
	t.Setenv("PORTAL_TARGET_USERNAME", "env-user")
	t.Setenv("PORTAL_IDENTITY_EMAIL_DOMAIN", "env.example.com")
	t.Setenv("PORTAL_SERVER_DEV_MODE", "true")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Target.URL != "https://env.example.com" {
		t.Errorf("target.url = %q", cfg.Target.URL)
	}
	if cfg.Target.Username != "env-user" {
		t.Errorf("target.username = %q", cfg.Target.Username)
	}
	if cfg.Target.Password != "file-pass" {
		t.Errorf("target.password = %q, want value from file", cfg.Target.Password)
	}
	if cfg.Identity.EmailDomain != "env.example.com" {
		t.Errorf("identity.email_domain = %q", cfg.Identity.EmailDomain)
	}
}

func TestValidate(t *testing.T) {
	base := func() Config {
		cfg := DefaultConfig()
		cfg.Target.Username = "portal-svc"
		cfg.Target.Password = "hunter2"
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"missing_public_url", func(c *Config) { c.Server.PublicURL = "" }, "public_url"},
		{"bad_public_url_scheme", func(c *Config) { c.Server.PublicURL = "ftp://x" }, "public_url"},
		{"prod_without_tls_domains", func(c *Config) { c.Server.DevMode = false }, "tls.domains"},
		{"missing_target_url", func(c *Config) { c.Target.URL = "" }, "target.url"},
		{"missing_credentials", func(c *Config) { c.Target.Password = "" }, "password"},
		{"bad_timeout", func(c *Config) { c.Target.Timeout = "soon" }, "timeout"},
		{"email_domain_with_at", func(c *Config) { c.Identity.EmailDomain = "@butlerlabs.dev" }, "bare domain"},
		{"no_principal_source", func(c *Config) { c.Identity.Header = "" }, "identity.header"},
		{"oidc_without_client_id", func(c *Config) { c.Identity.OIDC.Issuer = "https://issuer" }, "client_id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %v, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestRequestTimeout(t *testing.T) {
	tests := []struct {
		timeout string
		want    time.Duration
	}{
		{"", DefaultTargetTimeout},
		{"5s", 5 * time.Second},
		{"2m", 2 * time.Minute},
		{"bogus", DefaultTargetTimeout},
	}
	for _, tt := range tests {
		cfg := TargetConfig{Timeout: tt.timeout}
		if got := cfg.RequestTimeout(); got != tt.want {
			t.Errorf("RequestTimeout(%q) = %v, want %v", tt.timeout, got, tt.want)
		}
	}
}
