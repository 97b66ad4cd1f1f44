package core

import (
	"crypto/subtle"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the entire aegisd configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Bus      BusConfig      `yaml:"bus"`
	Store    StoreConfig    `yaml:"store"`
	Security SecurityConfig `yaml:"security"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds admin API server settings.
type ServerConfig struct {
	Host        string   `yaml:"host"`
	Port        int      `yaml:"port"`
	APIKeys     []string `yaml:"api_keys"`
	CORSOrigins []string `yaml:"cors_origins"`
	// TrustProxy enables client IP resolution from X-Forwarded-For / X-Real-IP.
	TrustProxy        bool `yaml:"trust_proxy"`
	TrustedProxyCount int  `yaml:"trusted_proxy_count"`
}

// BusConfig holds NATS event bus settings.
type BusConfig struct {
	Enabled  bool   `yaml:"enabled"`
	URL      string `yaml:"url"`
	Embedded bool   `yaml:"embedded"`
	DataDir  string `yaml:"data_dir"`
	Port     int    `yaml:"port"`
}

// StoreConfig holds shared state store settings. An empty URL selects the
// in-process memory store (single-replica mode, no cross-restart persistence).
type StoreConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

func (c *StoreConfig) UnmarshalYAML(node *yaml.Node) error {
	var aux struct {
		URL     string `yaml:"url"`
		Timeout string `yaml:"timeout"`
	}
	if err := node.Decode(&aux); err != nil {
		return err
	}
	if aux.URL != "" {
		c.URL = aux.URL
	}
	return setDuration(&c.Timeout, aux.Timeout, "store.timeout")
}

func (c StoreConfig) MarshalYAML() (interface{}, error) {
	return struct {
		URL     string `yaml:"url"`
		Timeout string `yaml:"timeout"`
	}{c.URL, c.Timeout.String()}, nil
}

// SecurityConfig holds the mitigation engine policy knobs.
type SecurityConfig struct {
	RateLimit          RateLimitConfig  `yaml:"rate_limit"`
	BruteForce         BruteForceConfig `yaml:"brute_force"`
	IPAllowlist        []string         `yaml:"ip_allowlist"`
	IPBlocklist        []string         `yaml:"ip_blocklist"`
	SuspiciousPatterns []string         `yaml:"suspicious_patterns"`
	// MaxBufferedEvents caps the in-memory event buffer.
	MaxBufferedEvents int `yaml:"max_buffered_events"`
	// MaxPersistedEvents caps the persisted event log (oldest trimmed first).
	MaxPersistedEvents int64 `yaml:"max_persisted_events"`
}

// RateLimitConfig configures the fixed-window rate limiter.
type RateLimitConfig struct {
	Window time.Duration `yaml:"window"`
	Max    int64         `yaml:"max"`
	// SkipSuccessful excludes 2xx responses from the window count.
	SkipSuccessful bool `yaml:"skip_successful"`
}

// yaml.v3 has no native duration support, so duration knobs round-trip
// through "30s"-style strings. Absent fields keep their current values.
func (c *RateLimitConfig) UnmarshalYAML(node *yaml.Node) error {
	var aux struct {
		Window         string `yaml:"window"`
		Max            *int64 `yaml:"max"`
		SkipSuccessful *bool  `yaml:"skip_successful"`
	}
	if err := node.Decode(&aux); err != nil {
		return err
	}
	if err := setDuration(&c.Window, aux.Window, "rate_limit.window"); err != nil {
		return err
	}
	if aux.Max != nil {
		c.Max = *aux.Max
	}
	if aux.SkipSuccessful != nil {
		c.SkipSuccessful = *aux.SkipSuccessful
	}
	return nil
}

func (c RateLimitConfig) MarshalYAML() (interface{}, error) {
	return struct {
		Window         string `yaml:"window"`
		Max            int64  `yaml:"max"`
		SkipSuccessful bool   `yaml:"skip_successful"`
	}{c.Window.String(), c.Max, c.SkipSuccessful}, nil
}

// BruteForceConfig configures the exponential-backoff brute-force guard.
type BruteForceConfig struct {
	FreeRetries int64         `yaml:"free_retries"`
	MinWait     time.Duration `yaml:"min_wait"`
	MaxWait     time.Duration `yaml:"max_wait"`
	// Lifetime is a hard ceiling on counter age: no attempt counter survives
	// past its first failure plus Lifetime, regardless of backoff TTL.
	Lifetime time.Duration `yaml:"lifetime"`
}

func (c *BruteForceConfig) UnmarshalYAML(node *yaml.Node) error {
	var aux struct {
		FreeRetries *int64 `yaml:"free_retries"`
		MinWait     string `yaml:"min_wait"`
		MaxWait     string `yaml:"max_wait"`
		Lifetime    string `yaml:"lifetime"`
	}
	if err := node.Decode(&aux); err != nil {
		return err
	}
	if aux.FreeRetries != nil {
		c.FreeRetries = *aux.FreeRetries
	}
	if err := setDuration(&c.MinWait, aux.MinWait, "brute_force.min_wait"); err != nil {
		return err
	}
	if err := setDuration(&c.MaxWait, aux.MaxWait, "brute_force.max_wait"); err != nil {
		return err
	}
	return setDuration(&c.Lifetime, aux.Lifetime, "brute_force.lifetime")
}

func (c BruteForceConfig) MarshalYAML() (interface{}, error) {
	return struct {
		FreeRetries int64  `yaml:"free_retries"`
		MinWait     string `yaml:"min_wait"`
		MaxWait     string `yaml:"max_wait"`
		Lifetime    string `yaml:"lifetime"`
	}{c.FreeRetries, c.MinWait.String(), c.MaxWait.String(), c.Lifetime.String()}, nil
}

func setDuration(dst *time.Duration, raw, field string) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parsing %s: %w", field, err)
	}
	*dst = d
	return nil
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns a Config with sane defaults — zero-config works out of the box.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 1790,
		},
		Bus: BusConfig{
			Enabled:  false,
			URL:      "nats://127.0.0.1:4222",
			Embedded: true,
			DataDir:  "./data/nats",
			Port:     4222,
		},
		Store: StoreConfig{
			URL:     "",
			Timeout: 500 * time.Millisecond,
		},
		Security: SecurityConfig{
			RateLimit: RateLimitConfig{
				Window:         time.Minute,
				Max:            100,
				SkipSuccessful: false,
			},
			BruteForce: BruteForceConfig{
				FreeRetries: 5,
				MinWait:     5 * time.Second,
				MaxWait:     time.Minute,
				Lifetime:    time.Hour,
			},
			SuspiciousPatterns: []string{
				`(?i)(union\s+select|select\s+.*\s+from\s+|insert\s+into|drop\s+table)`,
				`(?i)<script[\s>]`,
				`(?i)javascript:`,
				`\.\./\.\./`,
				`(?i)(etc/passwd|/proc/self)`,
				`(?i)(;|\|\||&&)\s*(cat|wget|curl|nc|bash)\s`,
			},
			MaxBufferedEvents:  1000,
			MaxPersistedEvents: 5000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// LoadConfig loads configuration from a YAML file, falling back to defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Load API keys from environment if not set in config
	if len(cfg.Server.APIKeys) == 0 {
		if envKey := os.Getenv("AEGISD_API_KEY"); envKey != "" {
			cfg.Server.APIKeys = []string{envKey}
		}
	}
	if cfg.Store.URL == "" {
		cfg.Store.URL = os.Getenv("AEGISD_REDIS_URL")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SaveConfig writes the configuration to a YAML file.
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// Validate checks policy knobs for values the engine cannot honor.
func (c *Config) Validate() error {
	sec := &c.Security
	if sec.RateLimit.Window <= 0 {
		return fmt.Errorf("security.rate_limit.window must be positive, got %s", sec.RateLimit.Window)
	}
	if sec.RateLimit.Max <= 0 {
		return fmt.Errorf("security.rate_limit.max must be positive, got %d", sec.RateLimit.Max)
	}
	if sec.BruteForce.MinWait <= 0 || sec.BruteForce.MaxWait < sec.BruteForce.MinWait {
		return fmt.Errorf("security.brute_force waits invalid: min=%s max=%s",
			sec.BruteForce.MinWait, sec.BruteForce.MaxWait)
	}
	if sec.BruteForce.Lifetime < sec.BruteForce.MaxWait {
		return fmt.Errorf("security.brute_force.lifetime %s shorter than max_wait %s",
			sec.BruteForce.Lifetime, sec.BruteForce.MaxWait)
	}
	if _, err := sec.CompilePatterns(); err != nil {
		return err
	}
	return nil
}

// CompilePatterns compiles the suspicious pattern list, preserving order.
func (s *SecurityConfig) CompilePatterns() ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(s.SuspiciousPatterns))
	for _, p := range s.SuspiciousPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compiling suspicious pattern %q: %w", p, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

// LogLevel returns the parsed log level string.
func (c *Config) LogLevel() string {
	return strings.ToLower(c.Logging.Level)
}

// AuthEnabled returns true if API key authentication is configured.
func (c *Config) AuthEnabled() bool {
	return len(c.Server.APIKeys) > 0
}

// ValidateAPIKey checks if the provided key matches any configured API key.
// Uses constant-time comparison to prevent timing attacks.
func (c *Config) ValidateAPIKey(key string) bool {
	for _, valid := range c.Server.APIKeys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(valid)) == 1 {
			return true
		}
	}
	return false
}
