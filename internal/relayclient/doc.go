// Package relayclient connects to the relay as a user and receives the
// deliveries addressed to them.
//
// A Client performs the authentication handshake, keeps the connection alive
// with heartbeats and exposes deliveries through Next, dropping any whose
// message id was already seen. Two constructors cover the two deployments:
//
//   - Local attaches to an in-process relay.Manager over an in-memory pipe.
//     Agent sessions running inside the gateway use it. The manager
//     authenticates the pipe directly, so no token is needed.
//   - Dial connects to a remote gateway over a websocket. Options.Token goes
//     in the auth frame, or in the Authorization header with HeaderAuth.
//
// Keep HeartbeatInterval well below the relay's heartbeat timeout; the
// gateway uses a third of it.
//
// Close returns deliveries that arrived but were never read, so the caller
// can hand them back to the router instead of losing them.
//
// API is a small client for the gateway's HTTP endpoints: user creation,
// the user list and message sending. It satisfies the Sender interface of the
// builtin tools, so a remote agent can send through HTTP.
package relayclient
