// ABOUTME: Store interfaces and data types for cohora-gateway persistence
// ABOUTME: Defines User, Chat and ToolProvider records and the per-concern store interfaces

package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateUser is returned when a user name or id is already taken
var ErrDuplicateUser = errors.New("user already exists")

// ProviderKind identifies the transport of an external tool provider.
type ProviderKind string

const (
	ProviderKindStdio  ProviderKind = "stdio"
	ProviderKindStream ProviderKind = "stream"
)

// User is a registered relay participant.
type User struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// Chat is the stored history of one conversation, keyed by user and chat id.
// Messages is an opaque JSON document owned by the conversation layer.
type Chat struct {
	ID        string
	UserID    string
	Title     string
	Messages  json.RawMessage
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ToolProvider is an external tool provider registered by a user.
type ToolProvider struct {
	ID        string
	UserID    string
	Name      string
	Kind      ProviderKind
	Command   string            // stdio
	Args      []string          // stdio
	Env       map[string]string // stdio
	URL       string            // stream
	Transport string            // stream: "sse" (default) or "streamable"
	CreatedAt time.Time
}

// UserStore persists registered users.
type UserStore interface {
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	ListUsers(ctx context.Context) ([]*User, error)
}

// ChatStore is the key-value chat history store.
type ChatStore interface {
	GetChat(ctx context.Context, userID, chatID string) (*Chat, error)
	SaveChat(ctx context.Context, chat *Chat) error
	ListChats(ctx context.Context, userID string) ([]*Chat, error)
}

// ProviderStore persists per-user external tool provider specs.
type ProviderStore interface {
	CreateProvider(ctx context.Context, p *ToolProvider) error
	ListProviders(ctx context.Context, userID string) ([]*ToolProvider, error)
	DeleteProvider(ctx context.Context, userID, id string) error
}

// Store combines every persistence concern of the gateway.
type Store interface {
	UserStore
	ChatStore
	ProviderStore
	UsageStore
	Close() error
}
