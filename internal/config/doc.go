// Package config handles configuration loading for pulse-gateway.
//
// # Configuration File
//
// The path is taken from the --config flag, else PULSE_CONFIG, else
// $XDG_CONFIG_HOME/pulse/gateway.yaml.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${PULSE_JWT_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	sessions:
//	  heartbeat_timeout: "90s"
//	rate_limit:
//	  window: "60s"
//	  max_events: 100
//
// # Channels
//
// The channels section replaces the roles allowed on an administrative
// channel. Channels not listed keep their built-in roles:
//
//	channels:
//	  backups: ["SYSTEM_ADMIN", "OPERATOR"]
//
// # Optional Integrations
//
// presence.redis_addr enables the Redis presence mirror and bridge.nats_url
// enables the NATS publish ingress. Both are off when empty.
package config
