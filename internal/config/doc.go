// Package config handles configuration loading for coven-bridge.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from COVEN_BRIDGE_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/coven/bridge.yaml
//  3. ~/.config/coven/bridge.yaml
//
// Files ending in .toml are parsed as TOML; everything else as YAML.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	vault:
//	  passphrase: "${COVEN_VAULT_PASSPHRASE}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	gateway:
//	  startup_timeout: "30s"
//	  stop_grace_period: "5s"
//
// # Example
//
//	gateway:
//	  command: "coven-gateway"
//	  args: ["--stdio"]
//	  transport: "stdio"        # or "websocket"
//	  autostart: true
//	  rpc_timeout: "30s"
//
//	database:
//	  path: "~/.local/share/coven/bridge.db"
//
//	vault:
//	  passphrase_file: "/run/secrets/coven-vault"
//
//	api:
//	  addr: "127.0.0.1:18790"
//	  jwt_secret: "${COVEN_JWT_SECRET}"
//	  allowed_origins: ["app://coven"]
//
//	logging:
//	  level: "info"             # debug, info, warn, error
//	  format: "text"            # text or json
//
//	metrics:
//	  enabled: true
//	  path: "/metrics"
//
// An empty vault passphrase leaves provider key storage unavailable; key
// operations then fail instead of storing plaintext.
package config
