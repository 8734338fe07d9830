// Package config handles configuration loading for pulse-relay.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${PULSE_JWT_SECRET}"
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	relay:
//	  ping_interval: "30s"
//	  write_timeout: "10s"
//
// # Configuration Sections
//
// Server and storage:
//
//	server:
//	  http_addr: "0.0.0.0:8080"   # websocket gateway and boundary API
//	database:
//	  path: "/var/lib/pulse/relay.db"
//
// Authentication:
//
//	auth:
//	  jwt_secret: "${PULSE_JWT_SECRET}"
//	  token_ttl: "24h"
//
// Assistant (virtual AI recipient):
//
//	assistant:
//	  enabled: true
//	  identity: "assistant"
//	  model: "claude-sonnet-4-20250514"
//	  api_key: "${ANTHROPIC_API_KEY}"
//
// Logging:
//
//	logging:
//	  level: "info"        # debug, info, warn, error
//	  format: "text"       # text, json
//	  file: "relay.log"    # optional JSON fanout target
package config
