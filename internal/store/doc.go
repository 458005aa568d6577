// Package store provides persistent storage for the gateway using SQLite.
//
// # Architecture
//
// The package defines one small interface per concern and a Store interface
// that combines them:
//
//   - UserStore: registered relay users
//   - ChatStore: key-value chat history keyed by (user, conversation)
//   - ProviderStore: external tool provider specs registered per user
//   - UsageStore: model token usage, one record per agent turn
//
// SQLiteStore implements all of them in a single struct backed by
// modernc.org/sqlite (pure Go, no cgo). MockStore is an in-memory
// implementation used by tests across the repository.
//
// # Data Models
//
//   - User: id and unique display name
//   - Chat: the serialized message history of one conversation; the store
//     treats the messages document as opaque JSON
//   - ToolProvider: a stdio (command, args, env) or stream (url) provider
//   - TokenUsage: input and output tokens of one turn, with its conversation
//
// Pending relay messages are intentionally not stored here; they live in
// memory inside the relay router and do not survive a restart.
//
// # Schema Management
//
// Tables are created with CREATE TABLE IF NOT EXISTS on startup, followed by
// idempotent column migrations checked through pragma_table_info.
//
// # Errors
//
//   - ErrNotFound: the requested record does not exist
//   - ErrDuplicateUser: the user id or name is already taken
package store
