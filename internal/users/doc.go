// Package users implements the user registry of the relay.
//
// A user is a stable opaque identifier (UUID v4) paired with a unique display
// name. Users are created through the HTTP API, are immutable, and are never
// deleted while the process runs. Display names are matched exactly and
// case-sensitively: "Bob" and "bob" are different users.
//
// The Registry keeps an in-memory index guarded by a sync.RWMutex and writes
// through to a store.UserStore so that identities survive a restart. Load
// populates the index from the store at startup.
package users
