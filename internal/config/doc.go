// Package config handles configuration loading for switchboard.
//
// Configuration is loaded from a YAML file with environment variable
// expansion. The package applies defaults and validates required fields.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	database:
//	  path: "${SWITCHBOARD_DB_PATH}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	orchestrator:
//	  default_timeout: "5m"
//	  max_timeout: "30m"
//	  kill_grace: "5s"
//
// # Configuration Sections
//
// Server and database:
//
//	server:
//	  http_addr: "127.0.0.1:8484"
//	database:
//	  path: "/var/lib/switchboard/switchboard.db"
//
// Coordination sessions:
//
//	sessions:
//	  stale_after: "24h"
//
// Agent orchestration:
//
//	orchestrator:
//	  allowed_dirs: ["/home/me/projects"]
//	  max_concurrent: 3
//	  data_dir: "/var/lib/switchboard"
//	  command: ["agent-worker", "-p"]
//
// Accounts:
//
//	accounts:
//	  path: "~/.switchboard/accounts.toml"
//	  reset_period: "168h"
//
// Rate limiting:
//
//	ratelimit:
//	  services:
//	    github: "rpm:10"
//	    email: "concurrency:2"
//	  guard:
//	    enabled: true
//	    rps: 10
//	    burst: 20
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
package config
