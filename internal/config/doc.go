// Package config handles configuration loading for murmur.
//
// # Overview
//
// Configuration is loaded from a YAML file, or TOML when the path ends in
// .toml, with environment variable expansion. Optional fields receive
// defaults and the result is validated before use.
//
// # Configuration File
//
// Default location (first match):
//
//  1. Path from MURMUR_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/murmur/murmur.yaml
//  3. ~/.config/murmur/murmur.yaml
//
// "murmur init" writes a starter file there.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${MURMUR_JWT_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Example
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//
//	database:
//	  driver: "postgres"
//	  url: "${MURMUR_DATABASE_URL}"
//
//	redis:
//	  enabled: true
//	  url: "redis://localhost:6379/0"
//
//	auth:
//	  jwt_secret: "${MURMUR_JWT_SECRET}"
//	  token_ttl: "24h"
//
//	realtime:
//	  typing_throttle: "1s"
//
//	chat:
//	  timezone: "Europe/Berlin"
//
// # Validation
//
// Load rejects a missing listener address (unless tailscale is enabled), an
// unknown database driver, a driver without its path or url, redis enabled
// without a url, and a jwt_secret shorter than 32 characters.
package config
