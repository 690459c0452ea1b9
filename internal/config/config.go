// ABOUTME: Configuration loading and parsing for pulse-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"cmp"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/2389/pulse-gateway/internal/ratelimit"
	"github.com/2389/pulse-gateway/internal/room"
)

// Config represents the complete pulse-gateway configuration
type Config struct {
	Server    ServerConfig        `yaml:"server"`
	Auth      AuthConfig          `yaml:"auth"`
	Sessions  SessionsConfig      `yaml:"sessions"`
	RateLimit RateLimitConfig     `yaml:"rate_limit"`
	Channels  map[string][]string `yaml:"channels"`
	Database  DatabaseConfig      `yaml:"database"`
	Presence  PresenceConfig      `yaml:"presence"`
	Bridge    BridgeConfig        `yaml:"bridge"`
	Logging   LoggingConfig       `yaml:"logging"`
	Metrics   MetricsConfig       `yaml:"metrics"`
}

// ServerConfig holds the HTTP listener and websocket transport settings
type ServerConfig struct {
	HTTPAddr        string   `yaml:"http_addr"`
	AllowedOrigins  []string `yaml:"allowed_origins"` // empty allows any origin
	MaxMessageBytes int64    `yaml:"max_message_bytes"`
	SendQueueSize   int      `yaml:"send_queue_size"`

	HandshakeTimeout time.Duration `yaml:"-"`
	WriteTimeout     time.Duration `yaml:"-"`
	PingInterval     time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	HandshakeTimeoutRaw string `yaml:"handshake_timeout"`
	WriteTimeoutRaw     string `yaml:"write_timeout"`
	PingIntervalRaw     string `yaml:"ping_interval"`
}

// AuthConfig holds token validation settings
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	Issuer    string `yaml:"issuer"`
	RoleClaim string `yaml:"role_claim"`
	OrgClaim  string `yaml:"org_claim"`
}

// SessionsConfig holds liveness settings for connected sessions
type SessionsConfig struct {
	HeartbeatTimeout       time.Duration `yaml:"-"`
	HeartbeatCheckInterval time.Duration `yaml:"-"`

	HeartbeatTimeoutRaw       string `yaml:"heartbeat_timeout"`
	HeartbeatCheckIntervalRaw string `yaml:"heartbeat_check_interval"`
}

// RateLimitConfig holds the per-connection inbound event limit
type RateLimitConfig struct {
	MaxEvents int `yaml:"max_events"`

	Window        time.Duration `yaml:"-"`
	SweepInterval time.Duration `yaml:"-"`
	IdleTTL       time.Duration `yaml:"-"`

	WindowRaw        string `yaml:"window"`
	SweepIntervalRaw string `yaml:"sweep_interval"`
	IdleTTLRaw       string `yaml:"idle_ttl"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// PresenceConfig holds the Redis presence mirror settings. An empty address
// disables the mirror.
type PresenceConfig struct {
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	KeyPrefix     string `yaml:"key_prefix"`

	TTL    time.Duration `yaml:"-"`
	TTLRaw string        `yaml:"ttl"`
}

// BridgeConfig holds the NATS ingress settings. An empty URL disables the bridge.
type BridgeConfig struct {
	NATSURL    string `yaml:"nats_url"`
	Subject    string `yaml:"subject"`
	QueueGroup string `yaml:"queue_group"`
	DedupeSize int    `yaml:"dedupe_size"`

	DedupeTTL    time.Duration `yaml:"-"`
	DedupeTTLRaw string        `yaml:"dedupe_ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults
const (
	DefaultHTTPAddr               = "0.0.0.0:8080"
	DefaultMaxMessageBytes        = 64 * 1024
	DefaultSendQueueSize          = 256
	DefaultHandshakeTimeout       = 10 * time.Second
	DefaultWriteTimeout           = 10 * time.Second
	DefaultPingInterval           = 25 * time.Second
	DefaultHeartbeatTimeout       = 90 * time.Second
	DefaultHeartbeatCheckInterval = 15 * time.Second
	DefaultPresenceTTL            = 2 * time.Minute
	DefaultPresenceKeyPrefix      = "pulse:presence:"
	DefaultBridgeSubject          = "pulse.dispatch"
	DefaultBridgeQueueGroup       = "pulse-gateway"
	DefaultBridgeDedupeSize       = 10000
	DefaultBridgeDedupeTTL        = 5 * time.Minute
	DefaultMetricsPath            = "/metrics"
)

// DefaultPath returns the configuration path used when none is given:
// $PULSE_CONFIG, else $XDG_CONFIG_HOME/pulse/gateway.yaml, else
// ~/.config/pulse/gateway.yaml.
func DefaultPath() string {
	if p := os.Getenv("PULSE_CONFIG"); p != "" {
		return p
	}
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml"
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "pulse", "gateway.yaml")
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration content, applies defaults and validates it.
func Parse(data []byte) (*Config, error) {
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

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
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	setDefault(&c.Server.HTTPAddr, DefaultHTTPAddr)
	setDefault(&c.Server.MaxMessageBytes, DefaultMaxMessageBytes)
	setDefault(&c.Server.SendQueueSize, DefaultSendQueueSize)
	setDefault(&c.Server.HandshakeTimeout, DefaultHandshakeTimeout)
	setDefault(&c.Server.WriteTimeout, DefaultWriteTimeout)
	setDefault(&c.Server.PingInterval, DefaultPingInterval)

	setDefault(&c.Sessions.HeartbeatTimeout, DefaultHeartbeatTimeout)
	setDefault(&c.Sessions.HeartbeatCheckInterval, DefaultHeartbeatCheckInterval)

	setDefault(&c.Presence.KeyPrefix, DefaultPresenceKeyPrefix)
	setDefault(&c.Presence.TTL, DefaultPresenceTTL)

	setDefault(&c.Bridge.Subject, DefaultBridgeSubject)
	setDefault(&c.Bridge.QueueGroup, DefaultBridgeQueueGroup)
	setDefault(&c.Bridge.DedupeSize, DefaultBridgeDedupeSize)
	setDefault(&c.Bridge.DedupeTTL, DefaultBridgeDedupeTTL)

	setDefault(&c.Logging.Level, "info")
	setDefault(&c.Logging.Format, "text")
	setDefault(&c.Metrics.Path, DefaultMetricsPath)
	// rate_limit zero values are filled in by the limiter itself
}

func setDefault[T comparable](field *T, value T) {
	var zero T
	if *field == zero {
		*field = value
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return errors.New("server.http_addr is required")
	}
	if c.Server.SendQueueSize < 0 {
		return errors.New("server.send_queue_size must not be negative")
	}
	if c.Server.PingInterval >= c.Sessions.HeartbeatTimeout {
		return fmt.Errorf("server.ping_interval (%s) must be shorter than sessions.heartbeat_timeout (%s)",
			c.Server.PingInterval, c.Sessions.HeartbeatTimeout)
	}

	if c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required")
	}
	if len(c.Auth.JWTSecret) < 32 {
		return errors.New("auth.jwt_secret must be at least 32 bytes")
	}

	if c.RateLimit.MaxEvents < 0 {
		return errors.New("rate_limit.max_events must not be negative")
	}
	window := cmp.Or(c.RateLimit.Window, ratelimit.DefaultWindow)
	idleTTL := cmp.Or(c.RateLimit.IdleTTL, ratelimit.DefaultIdleTTL)
	if idleTTL < window {
		return fmt.Errorf("rate_limit.idle_ttl (%s) must not be shorter than rate_limit.window (%s)", idleTTL, window)
	}

	for name := range c.Channels {
		if _, ok := room.ParseChannel(name); !ok {
			return fmt.Errorf("channels.%s is not a known channel", name)
		}
	}

	if c.Database.Path == "" {
		return errors.New("database.path is required")
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// Policy returns the channel capability table, with configured channels
// replacing the built-in role lists.
func (c *Config) Policy() room.Policy {
	p := room.DefaultPolicy()
	for name, roles := range c.Channels {
		if ch, ok := room.ParseChannel(name); ok {
			p[ch] = roles
		}
	}
	return p
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"server.handshake_timeout", cfg.Server.HandshakeTimeoutRaw, &cfg.Server.HandshakeTimeout},
		{"server.write_timeout", cfg.Server.WriteTimeoutRaw, &cfg.Server.WriteTimeout},
		{"server.ping_interval", cfg.Server.PingIntervalRaw, &cfg.Server.PingInterval},
		{"sessions.heartbeat_timeout", cfg.Sessions.HeartbeatTimeoutRaw, &cfg.Sessions.HeartbeatTimeout},
		{"sessions.heartbeat_check_interval", cfg.Sessions.HeartbeatCheckIntervalRaw, &cfg.Sessions.HeartbeatCheckInterval},
		{"rate_limit.window", cfg.RateLimit.WindowRaw, &cfg.RateLimit.Window},
		{"rate_limit.sweep_interval", cfg.RateLimit.SweepIntervalRaw, &cfg.RateLimit.SweepInterval},
		{"rate_limit.idle_ttl", cfg.RateLimit.IdleTTLRaw, &cfg.RateLimit.IdleTTL},
		{"presence.ttl", cfg.Presence.TTLRaw, &cfg.Presence.TTL},
		{"bridge.dedupe_ttl", cfg.Bridge.DedupeTTLRaw, &cfg.Bridge.DedupeTTL},
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
			return fmt.Errorf("parsing %s %q: must not be negative", f.name, f.raw)
		}
		*f.dst = d
	}

	return nil
}
