// ABOUTME: Configuration loading and parsing for cohora-gateway
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config represents the complete cohora-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Relay     RelayConfig     `yaml:"relay" toml:"relay"`
	Tools     ToolsConfig     `yaml:"tools" toml:"tools"`
	Session   SessionConfig   `yaml:"session" toml:"session"`
	Model     ModelConfig     `yaml:"model" toml:"model"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
}

// AuthConfig holds optional bearer token configuration.
// When JWTSecret is empty the X-User-Id header alone identifies the caller.
type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret" toml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"-" toml:"-"`

	TokenTTLRaw string `yaml:"token_ttl" toml:"token_ttl"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // public Funnel, implies HTTPS on :443
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// RelayConfig holds connection, heartbeat and pending queue settings
type RelayConfig struct {
	HeartbeatInterval time.Duration `yaml:"-" toml:"-"`
	HeartbeatTimeout  time.Duration `yaml:"-" toml:"-"`
	AuthTimeout       time.Duration `yaml:"-" toml:"-"`
	PendingTTL        time.Duration `yaml:"-" toml:"-"`

	MaxPending      int     `yaml:"max_pending" toml:"max_pending"`
	MaxMessageBytes int     `yaml:"max_message_bytes" toml:"max_message_bytes"`
	SendRate        float64 `yaml:"send_rate" toml:"send_rate"` // messages per second per sender, 0 disables
	SendBurst       int     `yaml:"send_burst" toml:"send_burst"`

	// Raw string values for unmarshaling
	HeartbeatIntervalRaw string `yaml:"heartbeat_interval" toml:"heartbeat_interval"`
	HeartbeatTimeoutRaw  string `yaml:"heartbeat_timeout" toml:"heartbeat_timeout"`
	AuthTimeoutRaw       string `yaml:"auth_timeout" toml:"auth_timeout"`
	PendingTTLRaw        string `yaml:"pending_ttl" toml:"pending_ttl"`
}

// ToolsConfig holds tool registry and provider settings
type ToolsConfig struct {
	ListenTimeout       time.Duration `yaml:"-" toml:"-"`
	ProviderInitTimeout time.Duration `yaml:"-" toml:"-"`
	MaxParallelInit     int           `yaml:"max_parallel_init" toml:"max_parallel_init"`

	// AllowStdioProviders lets users register providers that run a command
	// on the gateway host. Off by default.
	AllowStdioProviders bool     `yaml:"allow_stdio_providers" toml:"allow_stdio_providers"`
	// StdioCommands, when set, lists the only commands stdio providers may run.
	StdioCommands       []string `yaml:"stdio_commands" toml:"stdio_commands"`

	ListenTimeoutRaw       string `yaml:"listen_timeout" toml:"listen_timeout"`
	ProviderInitTimeoutRaw string `yaml:"provider_init_timeout" toml:"provider_init_timeout"`
}

// SessionConfig bounds a single agent session
type SessionConfig struct {
	StepBudget  int           `yaml:"step_budget" toml:"step_budget"`
	TurnTimeout time.Duration `yaml:"-" toml:"-"`

	TurnTimeoutRaw string `yaml:"turn_timeout" toml:"turn_timeout"`
}

// ModelConfig configures the OpenAI-compatible chat completions endpoint
type ModelConfig struct {
	BaseURL     string  `yaml:"base_url" toml:"base_url"`
	APIKey      string  `yaml:"api_key" toml:"api_key"`
	Model       string  `yaml:"model" toml:"model"`
	MaxTokens   int     `yaml:"max_tokens" toml:"max_tokens"`
	Temperature float64 `yaml:"temperature" toml:"temperature"`
	MaxRetries  int     `yaml:"max_retries" toml:"max_retries"`
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

// Defaults applied when a value is left unset.
const (
	DefaultHTTPAddr            = "0.0.0.0:8000"
	DefaultHeartbeatInterval   = 5 * time.Second
	DefaultHeartbeatTimeout    = 30 * time.Second
	DefaultAuthTimeout         = 10 * time.Second
	DefaultPendingTTL          = 24 * time.Hour
	DefaultMaxPending          = 1000
	DefaultMaxMessageBytes     = 64 * 1024
	DefaultListenTimeout       = 60 * time.Second
	DefaultProviderInitTimeout = 30 * time.Second
	DefaultMaxParallelInit     = 4
	DefaultStepBudget          = 20
	DefaultTurnTimeout         = 10 * time.Minute
	DefaultTokenTTL            = 30 * 24 * time.Hour
	DefaultModelBaseURL        = "https://api.openai.com/v1"
	DefaultModelMaxRetries     = 2
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Files ending in .toml are decoded as TOML, everything else as YAML.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := Parse(data, strings.EqualFold(filepath.Ext(path), ".toml"))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes raw configuration bytes, applies defaults and validates the result.
func Parse(data []byte, isTOML bool) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if isTOML {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
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
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" && !c.Tailscale.Enabled {
		c.Server.HTTPAddr = DefaultHTTPAddr
	}
	if c.Auth.TokenTTL == 0 {
		c.Auth.TokenTTL = DefaultTokenTTL
	}

	r := &c.Relay
	if r.HeartbeatInterval == 0 {
		r.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if r.HeartbeatTimeout == 0 {
		r.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if r.AuthTimeout == 0 {
		r.AuthTimeout = DefaultAuthTimeout
	}
	if r.PendingTTL == 0 {
		r.PendingTTL = DefaultPendingTTL
	}
	if r.MaxPending == 0 {
		r.MaxPending = DefaultMaxPending
	}
	if r.MaxMessageBytes == 0 {
		r.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if r.SendRate > 0 && r.SendBurst == 0 {
		r.SendBurst = 1
	}

	if c.Tools.ListenTimeout == 0 {
		c.Tools.ListenTimeout = DefaultListenTimeout
	}
	if c.Tools.ProviderInitTimeout == 0 {
		c.Tools.ProviderInitTimeout = DefaultProviderInitTimeout
	}
	if c.Tools.MaxParallelInit == 0 {
		c.Tools.MaxParallelInit = DefaultMaxParallelInit
	}

	if c.Session.StepBudget == 0 {
		c.Session.StepBudget = DefaultStepBudget
	}
	if c.Session.TurnTimeout == 0 {
		c.Session.TurnTimeout = DefaultTurnTimeout
	}

	if c.Model.BaseURL == "" {
		c.Model.BaseURL = DefaultModelBaseURL
	}
	if c.Model.MaxRetries == 0 {
		c.Model.MaxRetries = DefaultModelMaxRetries
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

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Relay.HeartbeatTimeout <= c.Relay.HeartbeatInterval {
		return fmt.Errorf("relay.heartbeat_timeout (%s) must exceed relay.heartbeat_interval (%s)",
			c.Relay.HeartbeatTimeout, c.Relay.HeartbeatInterval)
	}

	if c.Relay.MaxPending < 0 {
		return fmt.Errorf("relay.max_pending must not be negative")
	}

	if c.Relay.SendRate < 0 {
		return fmt.Errorf("relay.send_rate must not be negative")
	}

	if len(c.Tools.StdioCommands) > 0 && !c.Tools.AllowStdioProviders {
		return fmt.Errorf("tools.stdio_commands requires tools.allow_stdio_providers")
	}

	if c.Session.StepBudget < 1 {
		return fmt.Errorf("session.step_budget must be at least 1")
	}

	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
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
		{"relay.heartbeat_interval", cfg.Relay.HeartbeatIntervalRaw, &cfg.Relay.HeartbeatInterval},
		{"relay.heartbeat_timeout", cfg.Relay.HeartbeatTimeoutRaw, &cfg.Relay.HeartbeatTimeout},
		{"relay.auth_timeout", cfg.Relay.AuthTimeoutRaw, &cfg.Relay.AuthTimeout},
		{"relay.pending_ttl", cfg.Relay.PendingTTLRaw, &cfg.Relay.PendingTTL},
		{"tools.listen_timeout", cfg.Tools.ListenTimeoutRaw, &cfg.Tools.ListenTimeout},
		{"tools.provider_init_timeout", cfg.Tools.ProviderInitTimeoutRaw, &cfg.Tools.ProviderInitTimeout},
		{"session.turn_timeout", cfg.Session.TurnTimeoutRaw, &cfg.Session.TurnTimeout},
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

// DefaultYAML is written by `cohora-gateway init`.
const DefaultYAML = `# cohora-gateway configuration

server:
  http_addr: "0.0.0.0:8000"

database:
  path: "./cohora.db"

auth:
  # When set, user creation issues a bearer token; a presented token must match X-User-Id.
  jwt_secret: "${COHORA_JWT_SECRET}"
  token_ttl: "720h"

relay:
  heartbeat_interval: "5s"
  heartbeat_timeout: "30s"
  auth_timeout: "10s"
  max_pending: 1000
  pending_ttl: "24h"
  max_message_bytes: 65536
  send_rate: 5
  send_burst: 10

tools:
  listen_timeout: "60s"
  provider_init_timeout: "30s"
  max_parallel_init: 4
  # Stdio providers run commands on this host. Leave off unless every user
  # is trusted, and prefer listing the commands they may run.
  allow_stdio_providers: false
  # stdio_commands: ["npx", "uvx"]

session:
  step_budget: 20
  turn_timeout: "10m"

model:
  base_url: "https://api.openai.com/v1"
  api_key: "${OPENAI_API_KEY}"
  model: "gpt-4o-mini"
  max_tokens: 2048
  max_retries: 2

logging:
  level: "info"
  format: "text"

metrics:
  enabled: true
  path: "/metrics"

tailscale:
  enabled: false
  hostname: "cohora"
  state_dir: "./tsnet-state"
  ephemeral: false
  funnel: false
`
