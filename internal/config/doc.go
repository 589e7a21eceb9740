// Package config handles configuration loading for mcpgate.
//
// # Overview
//
// Configuration is loaded from YAML (default) or TOML (.toml extension) files with
// environment variable expansion. Load applies defaults and validates the result.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from MCPGATE_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/mcpgate/gateway.yaml
//  3. ~/.config/mcpgate/gateway.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${MCPGATE_JWT_SECRET}"
//
// MCPGATE_DB_PATH and MCPGATE_JWT_SECRET also override the file directly.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	rate_limit:
//	  window: "60s"
//	  max_backoff: "15m"
//	dispatch:
//	  handler_timeout: "30s"
//
// # Example
//
//	server:
//	  http_addr: "127.0.0.1:8080"
//	  grpc_addr: "127.0.0.1:50051"
//	database:
//	  path: "/var/lib/mcpgate/mcpgate.db"
//	auth:
//	  jwt_secret: "${MCPGATE_JWT_SECRET}"
//	  token_ttl: "1h"
//	  revocation_check: true
//	rate_limit:
//	  requests: 60
//	  window: "60s"
//	audit:
//	  buffer_limit: 1024
//	  file_path: "/var/log/mcpgate/audit.jsonl"
//	logging:
//	  level: "info"
//	  format: "json"
//	metrics:
//	  enabled: true
//	  path: "/metrics"
package config
