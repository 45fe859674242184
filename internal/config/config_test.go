// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, defaults, durations, and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_ValidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "relay.yaml")

	configContent := `
server:
  http_addr: "0.0.0.0:8080"
  shutdown_timeout: "10s"

database:
  path: "./relay.db"
  retention: "168h"

auth:
  jwt_secret: "test-secret"
  issuer: "coven-relay"

backend:
  type: process
  command: "/usr/local/bin/agent"
  args: ["--json"]
  env: ["AGENT_MODE=relay"]
  working_dir: "/srv/work"
  model: "sonnet"

pool:
  idle_timeout: "15m"
  sweep_interval: "30s"

buffers:
  ttl: "10m"
  gc_interval: "1m"
  wait_timeout: "20s"
  heartbeats: true

submissions:
  concurrency: 2
  max_history: 50
  max_runtime: "5m"
  dedupe_ttl: "2h"

schedules:
  - id: nightly
    prompt: "summarize the day"
    interval: "24h"
    max_runtime: "15m"
    tools: ["shell"]
    run_on_start: true

logging:
  level: "debug"
  format: "json"
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.HTTPAddr != "0.0.0.0:8080" {
		t.Errorf("expected http_addr 0.0.0.0:8080, got %s", cfg.Server.HTTPAddr)
	}
	if cfg.Server.ShutdownTimeout != 10*time.Second {
		t.Errorf("expected shutdown_timeout 10s, got %v", cfg.Server.ShutdownTimeout)
	}
	if cfg.Database.Retention != 168*time.Hour {
		t.Errorf("expected retention 168h, got %v", cfg.Database.Retention)
	}
	if cfg.Backend.Type != BackendProcess || cfg.Backend.Command != "/usr/local/bin/agent" {
		t.Errorf("unexpected backend config: %+v", cfg.Backend)
	}
	if len(cfg.Backend.Args) != 1 || cfg.Backend.Args[0] != "--json" {
		t.Errorf("unexpected backend args: %v", cfg.Backend.Args)
	}
	if cfg.Pool.IdleTimeout != 15*time.Minute {
		t.Errorf("expected idle_timeout 15m, got %v", cfg.Pool.IdleTimeout)
	}
	if cfg.Pool.SweepInterval != 30*time.Second {
		t.Errorf("expected sweep_interval 30s, got %v", cfg.Pool.SweepInterval)
	}
	if cfg.Buffers.TTL != 10*time.Minute || cfg.Buffers.WaitTimeout != 20*time.Second || !cfg.Buffers.Heartbeats {
		t.Errorf("unexpected buffers config: %+v", cfg.Buffers)
	}
	if cfg.Submissions.Concurrency != 2 || cfg.Submissions.MaxRuntime != 5*time.Minute || cfg.Submissions.DedupeTTL != 2*time.Hour {
		t.Errorf("unexpected submissions config: %+v", cfg.Submissions)
	}
	if len(cfg.Schedules) != 1 {
		t.Fatalf("expected 1 schedule, got %d", len(cfg.Schedules))
	}
	s := cfg.Schedules[0]
	if s.ID != "nightly" || s.Interval != 24*time.Hour || s.MaxRuntime != 15*time.Minute || !s.RunOnStart {
		t.Errorf("unexpected schedule: %+v", s)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("unexpected logging config: %+v", cfg.Logging)
	}
}

func TestLoad_ValidTOML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "relay.toml")

	configContent := `
[server]
http_addr = "127.0.0.1:9000"

[database]
path = "/var/lib/coven/relay.db"

[auth]
disabled = true

[backend]
type = "echo"
delay = "50ms"

[pool]
idle_timeout = "5m"

[[schedules]]
id = "hourly"
prompt = "check the queue"
interval = "1h"
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.HTTPAddr != "127.0.0.1:9000" {
		t.Errorf("expected http_addr 127.0.0.1:9000, got %s", cfg.Server.HTTPAddr)
	}
	if !cfg.Auth.Disabled {
		t.Error("expected auth.disabled")
	}
	if cfg.Backend.Delay != 50*time.Millisecond {
		t.Errorf("expected delay 50ms, got %v", cfg.Backend.Delay)
	}
	if cfg.Pool.IdleTimeout != 5*time.Minute {
		t.Errorf("expected idle_timeout 5m, got %v", cfg.Pool.IdleTimeout)
	}
	if len(cfg.Schedules) != 1 || cfg.Schedules[0].Interval != time.Hour {
		t.Errorf("unexpected schedules: %+v", cfg.Schedules)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("RELAY_TEST_SECRET", "from-env")
	t.Setenv("RELAY_TEST_DB", "/tmp/relay-env.db")

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "relay.yaml")
	configContent := `
server:
  http_addr: ":8080"
database:
  path: "${RELAY_TEST_DB}"
auth:
  jwt_secret: "${RELAY_TEST_SECRET}"
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Auth.JWTSecret != "from-env" {
		t.Errorf("expected jwt_secret from-env, got %q", cfg.Auth.JWTSecret)
	}
	if cfg.Database.Path != "/tmp/relay-env.db" {
		t.Errorf("expected database path from env, got %q", cfg.Database.Path)
	}
}

func TestExpandEnvVars_Unset(t *testing.T) {
	got := expandEnvVars("a=${RELAY_DEFINITELY_UNSET_VAR};b")
	if got != "a=;b" {
		t.Errorf("expected unset var to expand to empty, got %q", got)
	}
}

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte(`
server:
  http_addr: ":8080"
database:
  path: "relay.db"
auth:
  disabled: true
`), "yaml")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if cfg.Backend.Type != BackendEcho {
		t.Errorf("expected default backend echo, got %q", cfg.Backend.Type)
	}
	if cfg.Server.ShutdownTimeout != 30*time.Second {
		t.Errorf("expected default shutdown_timeout 30s, got %v", cfg.Server.ShutdownTimeout)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "text" {
		t.Errorf("unexpected default logging: %+v", cfg.Logging)
	}
	if cfg.Pool.IdleTimeout != 0 || cfg.Buffers.TTL != 0 {
		t.Error("unset timings should stay zero so package defaults apply")
	}
}

func TestParse_TailscaleHostnameDefault(t *testing.T) {
	cfg, err := Parse([]byte(`
tailscale:
  enabled: true
database:
  path: "relay.db"
auth:
  disabled: true
`), "yaml")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.Tailscale.Hostname != "coven-relay" {
		t.Errorf("expected default tailscale hostname, got %q", cfg.Tailscale.Hostname)
	}
}

func TestParse_InvalidDuration(t *testing.T) {
	_, err := Parse([]byte(`
server:
  http_addr: ":8080"
database:
  path: "relay.db"
auth:
  disabled: true
pool:
  idle_timeout: "forever"
`), "yaml")
	if err == nil {
		t.Fatal("expected error for invalid duration")
	}
	if !strings.Contains(err.Error(), "pool.idle_timeout") {
		t.Errorf("error should name the field, got %v", err)
	}
}

func TestParse_UnsupportedFormat(t *testing.T) {
	if _, err := Parse([]byte(`{}`), "json"); err == nil {
		t.Fatal("expected error for unsupported format")
	}
}

func TestValidate(t *testing.T) {
	base := `
server:
  http_addr: ":8080"
database:
  path: "relay.db"
auth:
  jwt_secret: "s"
`
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "missing http addr",
			content: "database:\n  path: relay.db\nauth:\n  disabled: true\n",
			wantErr: "server.http_addr is required",
		},
		{
			name:    "missing database path",
			content: "server:\n  http_addr: \":8080\"\nauth:\n  disabled: true\n",
			wantErr: "database.path is required",
		},
		{
			name:    "missing jwt secret",
			content: "server:\n  http_addr: \":8080\"\ndatabase:\n  path: relay.db\n",
			wantErr: "auth.jwt_secret is required",
		},
		{
			name:    "process backend without command",
			content: base + "backend:\n  type: process\n",
			wantErr: "backend.command is required",
		},
		{
			name:    "unknown backend",
			content: base + "backend:\n  type: carrier-pigeon\n",
			wantErr: "backend.type must be",
		},
		{
			name:    "bad log format",
			content: base + "logging:\n  format: xml\n",
			wantErr: "logging.format",
		},
		{
			name:    "schedule without interval",
			content: base + "schedules:\n  - id: a\n    prompt: p\n",
			wantErr: "schedules[0].interval is required",
		},
		{
			name:    "duplicate schedule",
			content: base + "schedules:\n  - id: a\n    prompt: p\n    interval: 1h\n  - id: a\n    prompt: q\n    interval: 2h\n",
			wantErr: "duplicated",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.content), "yaml")
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
