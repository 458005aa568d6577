// Package relay implements the message relay between users' agents.
//
// # Overview
//
// The relay is a concurrent server. Each client holds one persistent,
// bidirectional connection (a websocket in production, an in-memory Pipe for
// agent sessions running inside the gateway). Three service objects share the
// work:
//
//   - Manager (ConnectionManager): owns the user to connection table, runs the
//     authentication handshake and the per-connection read loop
//   - Router (MessageRouter): resolves recipient names, delivers immediately or
//     queues per recipient, and flushes queues when a recipient authenticates
//   - HeartbeatMonitor: periodically evicts connections with stale heartbeats
//
// # Wire Protocol
//
// Client to server, first frame:
//
//	{"id": "<userId>"}
//	{"id": "<userId>", "token": "<jwt>"}   (when ManagerOptions.Tokens is set)
//
// Server to client, once, after successful authentication:
//
//	{"type": "connection_status", "status": 101, "message": "Connected as Bob", "user_id": "..."}
//
// Server to client, application message (no type field):
//
//	{"from": "Alice", "message": "hi", "timestamp": 1718000000.123, "message_id": "..."}
//
// Heartbeats are an empty or whitespace-only frame, or {"type": "heartbeat"}.
// The server answers with {"type": "heartbeat", "status": "ok", ...}.
// Heartbeat frames are classified before anything else and never reach the
// delivery path. An unknown identity closes the transport with code 1008.
//
// # Connection Lifecycle
//
//	Connecting --auth ok--> Authenticated --close/evict/supersede--> Closed
//	Connecting --auth fail/timeout--> Closed
//
// At most one Authenticated connection exists per user; a new one supersedes
// (closes) the previous connection.
//
// # Delivery Order
//
// Pending queues are FIFO per recipient. A message is delivered directly only
// when the recipient is online and nothing is queued or being flushed for
// them; otherwise it joins the queue. On authentication the queue is flushed
// synchronously, after the ack and before the read loop handles the next
// inbound frame. A failed write closes the connection and puts the message
// back at the head of the queue for the next connection.
//
// Queues hold at most MaxPending messages per recipient (oldest dropped) and
// messages older than PendingTTL are purged. Queues live in memory only.
//
// # Locking
//
// The connection table is guarded by a sync.RWMutex and the pending queues by
// a sync.Mutex. Neither lock is held across a transport read, write or close.
package relay
