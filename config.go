package consign

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds connection and behavior configuration for the session SDK.
type Config struct {
	// BaseURL is the authentication server, e.g. "https://api.example.com/api".
	BaseURL string `yaml:"base_url"`

	// Endpoint paths, relative to BaseURL.
	LoginPath   string `yaml:"login_path"`
	RefreshPath string `yaml:"refresh_path"`
	SocialPath  string `yaml:"social_path"`

	// JWKSURL enables local verification of restored tokens against the
	// server's published keys. Optional.
	JWKSURL string `yaml:"jwks_url"`

	// JWKSIssuer, when set, is the required "iss" claim.
	JWKSIssuer string `yaml:"jwks_issuer"`

	// HTTPTimeout bounds each call to the authentication server. Default: 10s.
	HTTPTimeout time.Duration `yaml:"http_timeout"`

	// RefreshTimeout bounds a shared refresh flight. Default: 30s.
	RefreshTimeout time.Duration `yaml:"refresh_timeout"`

	// ExpiryLeeway treats a credential as expired this long before its
	// recorded expiry. Default: 0.
	ExpiryLeeway time.Duration `yaml:"expiry_leeway"`

	// UnknownRoleFallback is the role assigned when the server sends a role
	// this SDK does not recognise. Default: owner.
	UnknownRoleFallback Role `yaml:"unknown_role_fallback"`

	// ProactiveRefresh makes the request pipeline refresh an expired
	// credential before sending instead of sending the request anonymously.
	ProactiveRefresh bool `yaml:"proactive_refresh"`

	// StoreKeyPrefix namespaces the persisted slots. Default: "consign.".
	StoreKeyPrefix string `yaml:"store_key_prefix"`

	// MetricsEnabled registers Prometheus collectors on the default registry.
	MetricsEnabled bool `yaml:"metrics_enabled"`
}

// Defaults used by DefaultConfig.
const (
	DefaultLoginPath      = "/login"
	DefaultRefreshPath    = "/refresh"
	DefaultSocialPath     = "/auth/social"
	DefaultHTTPTimeout    = 10 * time.Second
	DefaultRefreshTimeout = 30 * time.Second
	DefaultStoreKeyPrefix = "consign."
)

// DefaultConfig returns a configuration with every optional field set.
func DefaultConfig() Config {
	return Config{
		LoginPath:           DefaultLoginPath,
		RefreshPath:         DefaultRefreshPath,
		SocialPath:          DefaultSocialPath,
		HTTPTimeout:         DefaultHTTPTimeout,
		RefreshTimeout:      DefaultRefreshTimeout,
		UnknownRoleFallback: RoleOwner,
		StoreKeyPrefix:      DefaultStoreKeyPrefix,
	}
}

// LoadConfig reads a YAML file on top of DefaultConfig and then applies
// environment overrides. An empty path skips the file.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("consign: read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("consign: parse config %s: %w: %w", path, ErrConfig, err)
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from the environment.
//
// Recognised variables:
//   - CONSIGN_BASE_URL
//   - CONSIGN_LOGIN_PATH, CONSIGN_REFRESH_PATH, CONSIGN_SOCIAL_PATH
//   - CONSIGN_JWKS_URL, CONSIGN_JWKS_ISSUER
//   - CONSIGN_HTTP_TIMEOUT, CONSIGN_REFRESH_TIMEOUT, CONSIGN_EXPIRY_LEEWAY (Go durations)
//   - CONSIGN_UNKNOWN_ROLE_FALLBACK
//   - CONSIGN_PROACTIVE_REFRESH, CONSIGN_METRICS_ENABLED (booleans)
//   - CONSIGN_STORE_KEY_PREFIX
func (c *Config) ApplyEnv() error {
	envString("CONSIGN_BASE_URL", &c.BaseURL)
	envString("CONSIGN_LOGIN_PATH", &c.LoginPath)
	envString("CONSIGN_REFRESH_PATH", &c.RefreshPath)
	envString("CONSIGN_SOCIAL_PATH", &c.SocialPath)
	envString("CONSIGN_STORE_KEY_PREFIX", &c.StoreKeyPrefix)
	envString("CONSIGN_JWKS_URL", &c.JWKSURL)
	envString("CONSIGN_JWKS_ISSUER", &c.JWKSIssuer)

	for key, dst := range map[string]*time.Duration{
		"CONSIGN_HTTP_TIMEOUT":    &c.HTTPTimeout,
		"CONSIGN_REFRESH_TIMEOUT": &c.RefreshTimeout,
		"CONSIGN_EXPIRY_LEEWAY":   &c.ExpiryLeeway,
	} {
		if v := env(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil || d < 0 {
				return fmt.Errorf("consign: %s=%q: %w", key, v, ErrConfig)
			}
			*dst = d
		}
	}

	for key, dst := range map[string]*bool{
		"CONSIGN_PROACTIVE_REFRESH": &c.ProactiveRefresh,
		"CONSIGN_METRICS_ENABLED":   &c.MetricsEnabled,
	} {
		if v := env(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("consign: %s=%q: %w", key, v, ErrConfig)
			}
			*dst = b
		}
	}

	if v := env("CONSIGN_UNKNOWN_ROLE_FALLBACK"); v != "" {
		r, ok := ParseRole(v)
		if !ok {
			return fmt.Errorf("consign: CONSIGN_UNKNOWN_ROLE_FALLBACK=%q: %w", v, ErrConfig)
		}
		c.UnknownRoleFallback = r
	}
	return nil
}

// Validate checks that the configuration can be used to build a client.
func (c Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("consign: base_url is required: %w", ErrConfig)
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("consign: base_url %q is not an absolute URL: %w", c.BaseURL, ErrConfig)
	}
	if c.JWKSURL != "" {
		if u, err := url.Parse(c.JWKSURL); err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("consign: jwks_url %q is not an absolute URL: %w", c.JWKSURL, ErrConfig)
		}
	}
	if c.HTTPTimeout <= 0 || c.RefreshTimeout <= 0 {
		return fmt.Errorf("consign: timeouts must be positive: %w", ErrConfig)
	}
	if c.UnknownRoleFallback == RoleAdmin {
		return fmt.Errorf("consign: unknown roles must not fall back to admin: %w", ErrConfig)
	}
	return nil
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func envString(key string, dst *string) {
	if v := env(key); v != "" {
		*dst = v
	}
}
