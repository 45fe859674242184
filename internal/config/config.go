// ABOUTME: Configuration loading and parsing for coven-relay
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

// Backend types
const (
	BackendEcho    = "echo"
	BackendProcess = "process"
)

// Config represents the complete coven-relay configuration
type Config struct {
	Server      ServerConfig      `yaml:"server" toml:"server"`
	Tailscale   TailscaleConfig   `yaml:"tailscale" toml:"tailscale"`
	Database    DatabaseConfig    `yaml:"database" toml:"database"`
	Auth        AuthConfig        `yaml:"auth" toml:"auth"`
	Backend     BackendConfig     `yaml:"backend" toml:"backend"`
	Pool        PoolConfig        `yaml:"pool" toml:"pool"`
	Buffers     BuffersConfig     `yaml:"buffers" toml:"buffers"`
	Submissions SubmissionsConfig `yaml:"submissions" toml:"submissions"`
	Schedules   []ScheduleConfig  `yaml:"schedules" toml:"schedules"`
	Logging     LoggingConfig     `yaml:"logging" toml:"logging"`
}

// ServerConfig holds the HTTP listener configuration
type ServerConfig struct {
	HTTPAddr        string        `yaml:"http_addr" toml:"http_addr"`
	ShutdownTimeout time.Duration `yaml:"-" toml:"-"`

	ShutdownTimeoutRaw string `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // Enable public Funnel (implies HTTPS)
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
	// Retention is how long finished submission records are kept. Zero keeps them forever.
	Retention time.Duration `yaml:"-" toml:"-"`

	RetentionRaw string `yaml:"retention" toml:"retention"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	// Disabled serves the API without bearer tokens. Intended for tailnet-only deployments.
	Disabled  bool   `yaml:"disabled" toml:"disabled"`
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
	Issuer    string `yaml:"issuer" toml:"issuer"`
}

// BackendConfig selects and configures the execution backend
type BackendConfig struct {
	Type       string   `yaml:"type" toml:"type"`
	Command    string   `yaml:"command" toml:"command"`
	Args       []string `yaml:"args" toml:"args"`
	Env        []string `yaml:"env" toml:"env"`
	WorkingDir string   `yaml:"working_dir" toml:"working_dir"`
	Model      string   `yaml:"model" toml:"model"`
	// Delay slows the echo backend down so streams can be observed.
	Delay time.Duration `yaml:"-" toml:"-"`

	DelayRaw string `yaml:"delay" toml:"delay"`
}

// PoolConfig holds execution handle pool timing
type PoolConfig struct {
	IdleTimeout   time.Duration `yaml:"-" toml:"-"`
	SweepInterval time.Duration `yaml:"-" toml:"-"`

	IdleTimeoutRaw   string `yaml:"idle_timeout" toml:"idle_timeout"`
	SweepIntervalRaw string `yaml:"sweep_interval" toml:"sweep_interval"`
}

// BuffersConfig holds response buffer and relay timing
type BuffersConfig struct {
	TTL         time.Duration `yaml:"-" toml:"-"`
	GCInterval  time.Duration `yaml:"-" toml:"-"`
	WaitTimeout time.Duration `yaml:"-" toml:"-"`
	Heartbeats  bool          `yaml:"heartbeats" toml:"heartbeats"`

	TTLRaw         string `yaml:"ttl" toml:"ttl"`
	GCIntervalRaw  string `yaml:"gc_interval" toml:"gc_interval"`
	WaitTimeoutRaw string `yaml:"wait_timeout" toml:"wait_timeout"`
}

// SubmissionsConfig holds headless submitter limits
type SubmissionsConfig struct {
	Concurrency int           `yaml:"concurrency" toml:"concurrency"`
	MaxHistory  int           `yaml:"max_history" toml:"max_history"`
	MaxRuntime  time.Duration `yaml:"-" toml:"-"`
	DedupeTTL   time.Duration `yaml:"-" toml:"-"`

	MaxRuntimeRaw string `yaml:"max_runtime" toml:"max_runtime"`
	DedupeTTLRaw  string `yaml:"dedupe_ttl" toml:"dedupe_ttl"`
}

// ScheduleConfig describes one interval schedule
type ScheduleConfig struct {
	ID         string        `yaml:"id" toml:"id"`
	Prompt     string        `yaml:"prompt" toml:"prompt"`
	WorkingDir string        `yaml:"working_dir" toml:"working_dir"`
	Model      string        `yaml:"model" toml:"model"`
	Tools      []string      `yaml:"tools" toml:"tools"`
	RunOnStart bool          `yaml:"run_on_start" toml:"run_on_start"`
	Interval   time.Duration `yaml:"-" toml:"-"`
	MaxRuntime time.Duration `yaml:"-" toml:"-"`

	IntervalRaw   string `yaml:"interval" toml:"interval"`
	MaxRuntimeRaw string `yaml:"max_runtime" toml:"max_runtime"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
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

	cfg, err := Parse(data, formatFor(path))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes configuration content in the given format ("yaml" or "toml").
func Parse(data []byte, format string) (*Config, error) {
	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	var cfg Config
	switch format {
	case "toml":
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	case "yaml", "":
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", format)
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

func formatFor(path string) string {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return "toml"
	}
	return "yaml"
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

// applyDefaults fills in zero values. Pool, buffer, and submitter timings
// left at zero fall through to their package defaults.
func (c *Config) applyDefaults() {
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}
	if c.Backend.Type == "" {
		c.Backend.Type = BackendEcho
	}
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		c.Tailscale.Hostname = "coven-relay"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// The HTTP address is required unless Tailscale is enabled
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if !c.Auth.Disabled && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required (or set auth.disabled)")
	}

	switch c.Backend.Type {
	case BackendEcho:
	case BackendProcess:
		if c.Backend.Command == "" {
			return fmt.Errorf("backend.command is required for the process backend")
		}
	default:
		return fmt.Errorf("backend.type must be %q or %q, got %q", BackendEcho, BackendProcess, c.Backend.Type)
	}

	if c.Submissions.Concurrency < 0 {
		return fmt.Errorf("submissions.concurrency must not be negative")
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	seen := make(map[string]bool, len(c.Schedules))
	for i, s := range c.Schedules {
		if s.ID == "" {
			return fmt.Errorf("schedules[%d].id is required", i)
		}
		if seen[s.ID] {
			return fmt.Errorf("schedules[%d].id %q is duplicated", i, s.ID)
		}
		seen[s.ID] = true
		if s.Prompt == "" {
			return fmt.Errorf("schedules[%d].prompt is required", i)
		}
		if s.Interval <= 0 {
			return fmt.Errorf("schedules[%d].interval is required", i)
		}
	}

	return nil
}

// durationField pairs a raw duration string with its parsed destination
type durationField struct {
	name string
	raw  string
	dst  *time.Duration
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []durationField{
		{"server.shutdown_timeout", cfg.Server.ShutdownTimeoutRaw, &cfg.Server.ShutdownTimeout},
		{"database.retention", cfg.Database.RetentionRaw, &cfg.Database.Retention},
		{"backend.delay", cfg.Backend.DelayRaw, &cfg.Backend.Delay},
		{"pool.idle_timeout", cfg.Pool.IdleTimeoutRaw, &cfg.Pool.IdleTimeout},
		{"pool.sweep_interval", cfg.Pool.SweepIntervalRaw, &cfg.Pool.SweepInterval},
		{"buffers.ttl", cfg.Buffers.TTLRaw, &cfg.Buffers.TTL},
		{"buffers.gc_interval", cfg.Buffers.GCIntervalRaw, &cfg.Buffers.GCInterval},
		{"buffers.wait_timeout", cfg.Buffers.WaitTimeoutRaw, &cfg.Buffers.WaitTimeout},
		{"submissions.max_runtime", cfg.Submissions.MaxRuntimeRaw, &cfg.Submissions.MaxRuntime},
		{"submissions.dedupe_ttl", cfg.Submissions.DedupeTTLRaw, &cfg.Submissions.DedupeTTL},
	}
	for i := range cfg.Schedules {
		s := &cfg.Schedules[i]
		fields = append(fields,
			durationField{fmt.Sprintf("schedules[%d].interval", i), s.IntervalRaw, &s.Interval},
			durationField{fmt.Sprintf("schedules[%d].max_runtime", i), s.MaxRuntimeRaw, &s.MaxRuntime},
		)
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
