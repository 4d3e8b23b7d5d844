// ABOUTME: Configuration loading and parsing for murmur
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Database drivers
const (
	DriverSQLite    = "sqlite"  // modernc.org/sqlite, pure Go
	DriverSQLiteCGO = "sqlite3" // mattn/go-sqlite3
	DriverPostgres  = "postgres"
)

// MinJWTSecretLength mirrors the token signer's requirement.
const MinJWTSecretLength = 32

// Config represents the complete murmur configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Redis     RedisConfig     `yaml:"redis" toml:"redis"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Realtime  RealtimeConfig  `yaml:"realtime" toml:"realtime"`
	Chat      ChatConfig      `yaml:"chat" toml:"chat"`
	RateLimit RateLimitConfig `yaml:"rate_limit" toml:"rate_limit"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds the HTTP listener configuration
type ServerConfig struct {
	HTTPAddr       string   `yaml:"http_addr" toml:"http_addr"`
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"` // CORS and WebSocket origins; empty allows any
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"` // serve TLS on :443 with tailnet certificates
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Driver string `yaml:"driver" toml:"driver"` // sqlite (default), sqlite3 or postgres
	Path   string `yaml:"path" toml:"path"`     // SQLite file
	URL    string `yaml:"url" toml:"url"`       // PostgreSQL connection string
}

// RedisConfig enables cross-node event fan-out
type RedisConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	URL     string `yaml:"url" toml:"url"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret" toml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"-" toml:"-"`

	TokenTTLRaw string `yaml:"token_ttl" toml:"token_ttl"`
}

// RealtimeConfig holds WebSocket and event timing configuration
type RealtimeConfig struct {
	TypingThrottle time.Duration `yaml:"-" toml:"-"`
	PingPeriod     time.Duration `yaml:"-" toml:"-"`
	PongWait       time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	TypingThrottleRaw string `yaml:"typing_throttle" toml:"typing_throttle"`
	PingPeriodRaw     string `yaml:"ping_period" toml:"ping_period"`
	PongWaitRaw       string `yaml:"pong_wait" toml:"pong_wait"`
}

// ChatConfig holds presentation settings for the messaging service
type ChatConfig struct {
	Timezone    string         `yaml:"timezone" toml:"timezone"` // IANA name for HH:MM labels
	SearchLimit int            `yaml:"search_limit" toml:"search_limit"`
	Location    *time.Location `yaml:"-" toml:"-"`
}

// RateLimitConfig bounds API requests per user
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" toml:"requests_per_second"`
	Burst             int     `yaml:"burst" toml:"burst"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"` // text (colorized console) or json
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Default returns a configuration with every optional field populated.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	_ = parseDurations(cfg) // defaults always parse
	cfg.Chat.Location = time.UTC
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" && !c.Tailscale.Enabled {
		c.Server.HTTPAddr = "127.0.0.1:8080"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = DriverSQLite
	}
	if c.Auth.TokenTTLRaw == "" {
		c.Auth.TokenTTLRaw = "24h"
	}
	if c.Realtime.TypingThrottleRaw == "" {
		c.Realtime.TypingThrottleRaw = "1s"
	}
	if c.Chat.Timezone == "" {
		c.Chat.Timezone = "UTC"
	}
	if c.Chat.SearchLimit <= 0 {
		c.Chat.SearchLimit = 10
	}
	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 20
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 40
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	loc, err := time.LoadLocation(cfg.Chat.Timezone)
	if err != nil {
		return nil, fmt.Errorf("loading chat.timezone %q: %w", cfg.Chat.Timezone, err)
	}
	cfg.Chat.Location = loc

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	switch c.Database.Driver {
	case DriverSQLite, DriverSQLiteCGO:
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for driver %q", c.Database.Driver)
		}
	case DriverPostgres:
		if c.Database.URL == "" {
			return fmt.Errorf("database.url is required for driver %q", c.Database.Driver)
		}
	default:
		return fmt.Errorf("database.driver %q is not one of sqlite, sqlite3, postgres", c.Database.Driver)
	}

	if c.Redis.Enabled && c.Redis.URL == "" {
		return fmt.Errorf("redis.url is required when redis is enabled")
	}

	if len(c.Auth.JWTSecret) < MinJWTSecretLength {
		return fmt.Errorf("auth.jwt_secret must be at least %d characters", MinJWTSecretLength)
	}
	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be positive")
	}

	if c.RateLimit.RequestsPerSecond < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit values must not be negative")
	}

	if !slices.Contains([]string{"debug", "info", "warn", "error"}, strings.ToLower(c.Logging.Level)) {
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	if !slices.Contains([]string{"text", "json"}, strings.ToLower(c.Logging.Format)) {
		return fmt.Errorf("logging.format %q is not one of text, json", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"auth.token_ttl", cfg.Auth.TokenTTLRaw, &cfg.Auth.TokenTTL},
		{"realtime.typing_throttle", cfg.Realtime.TypingThrottleRaw, &cfg.Realtime.TypingThrottle},
		{"realtime.ping_period", cfg.Realtime.PingPeriodRaw, &cfg.Realtime.PingPeriod},
		{"realtime.pong_wait", cfg.Realtime.PongWaitRaw, &cfg.Realtime.PongWait},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

// DefaultPath returns the config file location.
// Priority: MURMUR_CONFIG env var > XDG_CONFIG_HOME/murmur/murmur.yaml > ~/.config/murmur/murmur.yaml
func DefaultPath() string {
	if path := os.Getenv("MURMUR_CONFIG"); path != "" {
		return path
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "murmur.yaml" // fallback
		}
		configDir = filepath.Join(home, ".config")
	}
	return filepath.Join(configDir, "murmur", "murmur.yaml")
}

// DefaultDataDir returns the directory for the SQLite database and tsnet state.
// Priority: XDG_DATA_HOME/murmur > ~/.local/share/murmur
func DefaultDataDir() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "."
		}
		dataDir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataDir, "murmur")
}

// Sample renders a starter YAML configuration with the database under dataDir.
func Sample(dataDir string) string {
	var b strings.Builder
	b.WriteString("# murmur configuration\n\n")
	b.WriteString("server:\n")
	b.WriteString("  http_addr: \"127.0.0.1:8080\"\n")
	b.WriteString("  allowed_origins: []\n\n")
	b.WriteString("tailscale:\n")
	b.WriteString("  enabled: false\n")
	b.WriteString("  hostname: \"murmur\"\n")
	b.WriteString("  auth_key: \"${TS_AUTHKEY}\"\n")
	fmt.Fprintf(&b, "  state_dir: %q\n", filepath.Join(dataDir, "tsnet"))
	b.WriteString("  ephemeral: false\n\n")
	b.WriteString("database:\n")
	b.WriteString("  driver: \"sqlite\"\n")
	fmt.Fprintf(&b, "  path: %q\n", filepath.Join(dataDir, "murmur.db"))
	b.WriteString("  url: \"${MURMUR_DATABASE_URL}\"\n\n")
	b.WriteString("redis:\n")
	b.WriteString("  enabled: false\n")
	b.WriteString("  url: \"redis://localhost:6379/0\"\n\n")
	b.WriteString("auth:\n")
	b.WriteString("  jwt_secret: \"${MURMUR_JWT_SECRET}\"\n")
	b.WriteString("  token_ttl: \"24h\"\n\n")
	b.WriteString("realtime:\n")
	b.WriteString("  typing_throttle: \"1s\"\n")
	b.WriteString("  ping_period: \"54s\"\n")
	b.WriteString("  pong_wait: \"60s\"\n\n")
	b.WriteString("chat:\n")
	b.WriteString("  timezone: \"UTC\"\n")
	b.WriteString("  search_limit: 10\n\n")
	b.WriteString("rate_limit:\n")
	b.WriteString("  requests_per_second: 20\n")
	b.WriteString("  burst: 40\n\n")
	b.WriteString("logging:\n")
	b.WriteString("  level: \"info\"\n")
	b.WriteString("  format: \"text\"\n\n")
	b.WriteString("metrics:\n")
	b.WriteString("  enabled: true\n")
	b.WriteString("  path: \"/metrics\"\n")
	return b.String()
}
