// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu        sync.RWMutex
	users     map[string]*User           // keyed by user ID
	userNames map[string]string          // name -> user ID
	chats     map[string]*Chat           // keyed by "userID:chatID"
	providers map[string][]*ToolProvider // keyed by user ID, registration order
	usage     []*TokenUsage              // insertion order
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		users:     make(map[string]*User),
		userNames: make(map[string]string),
		chats:     make(map[string]*Chat),
		providers: make(map[string][]*ToolProvider),
	}
}

// CreateUser stores a new user.
func (m *MockStore) CreateUser(ctx context.Context, user *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[user.ID]; ok {
		return ErrDuplicateUser
	}
	if _, ok := m.userNames[user.Name]; ok {
		return ErrDuplicateUser
	}

	u := *user
	m.users[u.ID] = &u
	m.userNames[u.Name] = u.ID
	return nil
}

// GetUser retrieves a user by ID.
func (m *MockStore) GetUser(ctx context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

// ListUsers returns all users ordered by creation time.
func (m *MockStore) ListUsers(ctx context.Context) ([]*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	users := make([]*User, 0, len(m.users))
	for _, u := range m.users {
		cp := *u
		users = append(users, &cp)
	}
	sort.Slice(users, func(i, j int) bool {
		if users[i].CreatedAt.Equal(users[j].CreatedAt) {
			return users[i].Name < users[j].Name
		}
		return users[i].CreatedAt.Before(users[j].CreatedAt)
	})
	return users, nil
}

func chatKey(userID, chatID string) string {
	return userID + ":" + chatID
}

// GetChat retrieves a chat by user and chat ID.
func (m *MockStore) GetChat(ctx context.Context, userID, chatID string) (*Chat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.chats[chatKey(userID, chatID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	cp.Messages = append(json.RawMessage(nil), c.Messages...)
	return &cp, nil
}

// SaveChat inserts or replaces a chat, preserving CreatedAt on update.
func (m *MockStore) SaveChat(ctx context.Context, chat *Chat) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := *chat
	c.Messages = append(json.RawMessage(nil), chat.Messages...)
	if existing, ok := m.chats[chatKey(c.UserID, c.ID)]; ok {
		c.CreatedAt = existing.CreatedAt
	}
	m.chats[chatKey(c.UserID, c.ID)] = &c
	return nil
}

// ListChats returns a user's chats, most recently updated first.
func (m *MockStore) ListChats(ctx context.Context, userID string) ([]*Chat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var chats []*Chat
	for _, c := range m.chats {
		if c.UserID != userID {
			continue
		}
		cp := *c
		chats = append(chats, &cp)
	}
	sort.Slice(chats, func(i, j int) bool {
		return chats[i].UpdatedAt.After(chats[j].UpdatedAt)
	})
	return chats, nil
}

// CreateProvider stores a tool provider spec.
func (m *MockStore) CreateProvider(ctx context.Context, p *ToolProvider) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *p
	m.providers[p.UserID] = append(m.providers[p.UserID], &cp)
	return nil
}

// ListProviders returns a user's providers in registration order.
func (m *MockStore) ListProviders(ctx context.Context, userID string) ([]*ToolProvider, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*ToolProvider, 0, len(m.providers[userID]))
	for _, p := range m.providers[userID] {
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

// DeleteProvider removes one of a user's providers.
func (m *MockStore) DeleteProvider(ctx context.Context, userID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.providers[userID]
	for i, p := range list {
		if p.ID == id {
			m.providers[userID] = append(list[:i:i], list[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

// SaveUsage appends a token usage record.
func (m *MockStore) SaveUsage(ctx context.Context, usage *TokenUsage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *usage
	m.usage = append(m.usage, &cp)
	return nil
}

// GetConversationUsage returns a conversation's usage records, oldest first.
func (m *MockStore) GetConversationUsage(ctx context.Context, userID, conversationID string) ([]*TokenUsage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*TokenUsage
	for _, u := range m.usage {
		if u.UserID == userID && u.ConversationID == conversationID {
			cp := *u
			out = append(out, &cp)
		}
	}
	return out, nil
}

// GetUsageStats aggregates the records matching filter.
func (m *MockStore) GetUsageStats(ctx context.Context, filter UsageFilter) (*UsageStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var stats UsageStats
	for _, u := range m.usage {
		if filter.UserID != "" && u.UserID != filter.UserID {
			continue
		}
		if filter.Since != nil && u.CreatedAt.Before(*filter.Since) {
			continue
		}
		if filter.Until != nil && !u.CreatedAt.Before(*filter.Until) {
			continue
		}
		stats.TotalInput += int64(u.InputTokens)
		stats.TotalOutput += int64(u.OutputTokens)
		stats.TurnCount++
	}
	stats.TotalTokens = stats.TotalInput + stats.TotalOutput
	return &stats, nil
}

// Close is a no-op for the mock store.
func (m *MockStore) Close() error {
	return nil
}

var _ Store = (*MockStore)(nil)
var _ Store = (*SQLiteStore)(nil)
