// Package gateway orchestrates the cohora-gateway server components.
//
// # Overview
//
// The gateway package is the central coordinator of the cohora-gateway
// server. New builds every component from a config.Config and wires them
// together; Run serves them until the context is canceled.
//
// # Gateway Struct
//
//	type Gateway struct {
//	    config       *config.Config
//	    store        store.Store
//	    users        *users.Registry
//	    manager      *relay.Manager       // user to connection table
//	    router       *relay.Router        // delivery and pending queues
//	    heartbeat    *relay.HeartbeatMonitor
//	    tools        *tools.Registry      // builtins plus per-session providers
//	    conversation *conversation.Service
//	    httpServer   *http.Server
//	    tsnetServer  *tsnet.Server        // only when tailscale is enabled
//	    // ... and more
//	}
//
// # HTTP API
//
//	POST   /api/users/create    register a display name, returns {id,status,token?}
//	GET    /api/users/list      {users:{id:name}}
//	POST   /api/messages/send   route a message; 200 delivered, 202 queued
//	GET    /ws                  websocket relay connection
//	POST   /api/chat            run one agent turn
//	GET    /api/chat            list the caller's conversations
//	GET    /api/chat/{id}       stored messages of a conversation
//	GET    /api/usage           the caller's model token usage
//	POST   /api/providers       register an external tool provider (stdio: 403 unless enabled)
//	GET    /api/providers       list the caller's providers
//	DELETE /api/providers/{id}  remove a provider
//	POST   /mcp                 MCP streamable HTTP endpoint (builtin tools)
//	GET    /health              liveness
//	GET    /health/ready        readiness, 503 once shutdown starts
//	GET    /metrics             prometheus, when metrics are enabled
//
// Every endpoint under /api except user creation and listing identifies the
// caller with the X-User-Id header (see package auth). Errors are returned as
// {"detail":{"code":N,"message":"..."}}.
//
// # Background Loops
//
// Run starts three goroutines in one errgroup: the HTTP server, the
// heartbeat monitor that evicts silent connections, and the router janitor
// that purges expired pending messages. The first failure or the context
// ending stops all three.
//
// # Tailscale
//
// With tailscale.enabled the gateway joins a tailnet through tsnet instead
// of listening on server.http_addr. It serves HTTPS on :443 with certificates
// provisioned by Tailscale, or on the public internet when tailscale.funnel
// is set.
//
// # Shutdown
//
// Shutdown stops the HTTP server, closes every relay connection with
// "going away", stops the tsnet node and closes the store. Messages still
// pending in memory are lost.
package gateway
