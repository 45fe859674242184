// Package config loads coven-relay configuration.
//
// Files ending in .toml are decoded as TOML; anything else is YAML. ${VAR}
// references are expanded from the environment before decoding, so secrets
// can stay out of the file:
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//	  shutdown_timeout: "30s"
//
//	database:
//	  path: "~/.local/share/coven/relay.db"
//	  retention: "168h"
//
//	auth:
//	  jwt_secret: "${COVEN_RELAY_JWT_SECRET}"
//
//	backend:
//	  type: process          # or "echo"
//	  command: "coven-agent"
//	  args: ["--stream-json"]
//	  working_dir: "/srv/work"
//
//	pool:
//	  idle_timeout: "10m"
//	  sweep_interval: "1m"
//
//	buffers:
//	  ttl: "5m"
//	  wait_timeout: "15s"
//
//	submissions:
//	  concurrency: 3
//	  max_runtime: "10m"
//
//	schedules:
//	  - id: nightly-digest
//	    prompt: "Summarize yesterday's commits"
//	    interval: "24h"
//
//	logging:
//	  level: info            # debug, info, warn, error
//	  format: text           # text or json
//
// Durations use time.ParseDuration syntax. Pool, buffer, and submitter
// timings left unset fall through to the defaults of their packages.
package config
