// Package config handles configuration loading for cohora-gateway.
//
// # Overview
//
// Configuration is loaded from a YAML or TOML file with environment variable
// expansion. Files with a .toml extension are decoded as TOML; anything else is
// treated as YAML. Unset values receive defaults before validation.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	model:
//	  api_key: "${OPENAI_API_KEY}"
//
// Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	relay:
//	  heartbeat_interval: "5s"
//	  heartbeat_timeout: "30s"
//	  pending_ttl: "24h"
//
// # Sections
//
//   - server: HTTP listen address
//   - tailscale: optional tsnet listener (tailnet or Funnel)
//   - database: SQLite path for users, chats and tool providers
//   - auth: optional bearer token verification
//   - relay: heartbeat, authentication timeout and pending queue bounds
//   - tools: listen timeout and external provider initialization
//   - session: step budget and per-turn wall clock budget
//   - model: OpenAI-compatible chat completions endpoint
//   - logging, metrics: observability
//
// # Validation
//
// Validate reports the first invalid field. The heartbeat timeout must exceed
// the heartbeat interval, and the step budget must be at least one.
package config
