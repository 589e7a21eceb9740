// ABOUTME: Configuration loading and parsing for mcpgate
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Defaults applied when a field is left empty.
const (
	DefaultTokenTTL         = time.Hour
	DefaultIssuer           = "mcpgate"
	DefaultRateLimit        = 60
	DefaultRateWindow       = time.Minute
	DefaultRateCooldown     = 5 * time.Minute
	DefaultRateMaxBackoff   = 15 * time.Minute
	DefaultRateIdleTTL      = 30 * time.Minute
	DefaultExchangeLimit    = 10
	DefaultAuditBufferLimit = 1024
	DefaultHandlerTimeout   = 30 * time.Second
	DefaultMetricsPath      = "/metrics"
	MinJWTSecretLength      = 32
)

// Config represents the complete mcpgate configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit" toml:"rate_limit"`
	Audit     AuditConfig     `yaml:"audit" toml:"audit"`
	Dispatch  DispatchConfig  `yaml:"dispatch" toml:"dispatch"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"` // gRPC health service
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	// TrustProxyHeaders makes the source IP come from X-Forwarded-For, read
	// right to left past TrustedProxies. With no TrustedProxies the direct
	// peer is the only proxy and the right-most entry is the client.
	TrustProxyHeaders bool     `yaml:"trust_proxy_headers" toml:"trust_proxy_headers"`
	TrustedProxies    []string `yaml:"trusted_proxies" toml:"trusted_proxies"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"`
	Funnel    bool   `yaml:"funnel" toml:"funnel"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// AuthConfig holds credential and token configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
	Issuer    string `yaml:"issuer" toml:"issuer"`

	// RevocationCheck re-reads the backing API key on every bearer request so that
	// revocation takes effect before the token expires. Defaults to true.
	RevocationCheck *bool `yaml:"revocation_check" toml:"revocation_check"`

	// BcryptCost for hashing API key secrets (0 = bcrypt.DefaultCost)
	BcryptCost int `yaml:"bcrypt_cost" toml:"bcrypt_cost"`

	TokenTTL    time.Duration `yaml:"-" toml:"-"`
	TokenTTLRaw string        `yaml:"token_ttl" toml:"token_ttl"`
}

// RevocationCheckEnabled reports the effective revocation_check setting.
func (a AuthConfig) RevocationCheckEnabled() bool {
	return a.RevocationCheck == nil || *a.RevocationCheck
}

// RateLimitConfig holds per-identity sliding window settings
type RateLimitConfig struct {
	Requests int `yaml:"requests" toml:"requests"`
	// ExchangeRequests limits token exchanges per client IP within Window
	ExchangeRequests int `yaml:"exchange_requests" toml:"exchange_requests"`

	Window     time.Duration `yaml:"-" toml:"-"`
	Cooldown   time.Duration `yaml:"-" toml:"-"`
	MaxBackoff time.Duration `yaml:"-" toml:"-"`
	IdleTTL    time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	WindowRaw     string `yaml:"window" toml:"window"`
	CooldownRaw   string `yaml:"cooldown" toml:"cooldown"`
	MaxBackoffRaw string `yaml:"max_backoff" toml:"max_backoff"`
	IdleTTLRaw    string `yaml:"idle_ttl" toml:"idle_ttl"`
}

// AuditConfig holds audit sink configuration
type AuditConfig struct {
	// BufferLimit is the number of pending audit writes tolerated while the sink
	// is unavailable before new tool executions are refused.
	BufferLimit int `yaml:"buffer_limit" toml:"buffer_limit"`
	// FilePath optionally mirrors every record to an append-only JSON lines file.
	FilePath string `yaml:"file_path" toml:"file_path"`
}

// DispatchConfig holds execution settings
type DispatchConfig struct {
	HandlerTimeout    time.Duration `yaml:"-" toml:"-"`
	HandlerTimeoutRaw string        `yaml:"handler_timeout" toml:"handler_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expandedData, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	applyEnvOverrides(&cfg)
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyEnvOverrides lets deployments inject secrets and paths without editing the file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MCPGATE_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("MCPGATE_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
}

// ApplyDefaults fills zero-valued fields with their defaults.
func (c *Config) ApplyDefaults() {
	if c.Auth.Issuer == "" {
		c.Auth.Issuer = DefaultIssuer
	}
	if c.Auth.TokenTTL <= 0 {
		c.Auth.TokenTTL = DefaultTokenTTL
	}
	if c.RateLimit.Requests <= 0 {
		c.RateLimit.Requests = DefaultRateLimit
	}
	if c.RateLimit.ExchangeRequests <= 0 {
		c.RateLimit.ExchangeRequests = DefaultExchangeLimit
	}
	if c.RateLimit.Window <= 0 {
		c.RateLimit.Window = DefaultRateWindow
	}
	if c.RateLimit.Cooldown <= 0 {
		c.RateLimit.Cooldown = DefaultRateCooldown
	}
	if c.RateLimit.MaxBackoff <= 0 {
		c.RateLimit.MaxBackoff = DefaultRateMaxBackoff
	}
	if c.RateLimit.IdleTTL <= 0 {
		c.RateLimit.IdleTTL = DefaultRateIdleTTL
	}
	if c.Audit.BufferLimit <= 0 {
		c.Audit.BufferLimit = DefaultAuditBufferLimit
	}
	if c.Dispatch.HandlerTimeout <= 0 {
		c.Dispatch.HandlerTimeout = DefaultHandlerTimeout
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// Server addresses are required unless Tailscale is enabled
	if !c.Tailscale.Enabled {
		if c.Server.HTTPAddr == "" {
			return fmt.Errorf("server.http_addr is required (or enable tailscale)")
		}
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if len(c.Auth.JWTSecret) < MinJWTSecretLength {
		return fmt.Errorf("auth.jwt_secret must be at least %d bytes", MinJWTSecretLength)
	}

	if c.RateLimit.MaxBackoff < c.RateLimit.Window {
		return fmt.Errorf("rate_limit.max_backoff (%s) must not be shorter than rate_limit.window (%s)",
			c.RateLimit.MaxBackoff, c.RateLimit.Window)
	}

	for _, p := range c.Server.TrustedProxies {
		if !validPrefix(p) {
			return fmt.Errorf("server.trusted_proxies: %q is not an address or CIDR", p)
		}
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /")
	}

	return nil
}

func validPrefix(s string) bool {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "/") {
		_, err := netip.ParsePrefix(s)
		return err == nil
	}
	_, err := netip.ParseAddr(s)
	return err == nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"auth.token_ttl", cfg.Auth.TokenTTLRaw, &cfg.Auth.TokenTTL},
		{"rate_limit.window", cfg.RateLimit.WindowRaw, &cfg.RateLimit.Window},
		{"rate_limit.cooldown", cfg.RateLimit.CooldownRaw, &cfg.RateLimit.Cooldown},
		{"rate_limit.max_backoff", cfg.RateLimit.MaxBackoffRaw, &cfg.RateLimit.MaxBackoff},
		{"rate_limit.idle_ttl", cfg.RateLimit.IdleTTLRaw, &cfg.RateLimit.IdleTTL},
		{"dispatch.handler_timeout", cfg.Dispatch.HandlerTimeoutRaw, &cfg.Dispatch.HandlerTimeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative", f.name)
		}
		*f.dst = d
	}

	return nil
}
