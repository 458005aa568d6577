// ABOUTME: UserRegistry maps stable user identifiers to unique display names
// ABOUTME: In-memory index guarded by RWMutex with write-through to the user store

package users

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/cohora-gateway/internal/store"
)

var (
	// ErrNameTaken is returned when creating a user whose display name exists.
	ErrNameTaken = errors.New("user name already exists")

	// ErrEmptyName is returned when creating a user without a display name.
	ErrEmptyName = errors.New("user name is required")

	// ErrNotFound is returned when no user matches an id or name.
	ErrNotFound = errors.New("user not found")
)

// User is a registered relay participant.
type User struct {
	ID          string
	DisplayName string
	CreatedAt   time.Time
}

// Registry is the process-wide user directory.
type Registry struct {
	store  store.UserStore
	logger *slog.Logger

	mu       sync.RWMutex
	byID     map[string]*User
	byName   map[string]*User
	reserved map[string]struct{} // names being persisted
}

// NewRegistry creates an empty registry backed by the given store.
// A nil store keeps users in memory only.
func NewRegistry(s store.UserStore, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:    s,
		logger:   logger.With("component", "users"),
		byID:     make(map[string]*User),
		byName:   make(map[string]*User),
		reserved: make(map[string]struct{}),
	}
}

// Load reads every persisted user into the in-memory index.
func (r *Registry) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}

	stored, err := r.store.ListUsers(ctx)
	if err != nil {
		return fmt.Errorf("loading users: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, su := range stored {
		u := &User{ID: su.ID, DisplayName: su.Name, CreatedAt: su.CreatedAt}
		r.byID[u.ID] = u
		r.byName[u.DisplayName] = u
	}

	r.logger.Info("loaded users", "count", len(stored))
	return nil
}

// Create registers a new user under a fresh identifier.
func (r *Registry) Create(ctx context.Context, name string) (*User, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrEmptyName
	}

	u := &User{
		ID:          uuid.New().String(),
		DisplayName: name,
		CreatedAt:   time.Now().UTC(),
	}

	r.mu.Lock()
	_, exists := r.byName[name]
	_, pending := r.reserved[name]
	if exists || pending {
		r.mu.Unlock()
		return nil, ErrNameTaken
	}
	r.reserved[name] = struct{}{}
	r.mu.Unlock()

	var err error
	if r.store != nil {
		err = r.store.CreateUser(ctx, &store.User{ID: u.ID, Name: u.DisplayName, CreatedAt: u.CreatedAt})
	}

	r.mu.Lock()
	delete(r.reserved, name)
	if err == nil {
		r.byID[u.ID] = u
		r.byName[u.DisplayName] = u
	}
	r.mu.Unlock()

	if errors.Is(err, store.ErrDuplicateUser) {
		return nil, ErrNameTaken
	}
	if err != nil {
		return nil, fmt.Errorf("persisting user: %w", err)
	}

	r.logger.Info("=== USER REGISTERED ===", "user_id", u.ID, "name", u.DisplayName)
	return cloneUser(u), nil
}

// Lookup returns the user with the given id.
func (r *Registry) Lookup(id string) (*User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	return cloneUser(u), true
}

// ResolveName returns the user with exactly the given display name.
func (r *Registry) ResolveName(name string) (*User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.byName[name]
	if !ok {
		return nil, false
	}
	return cloneUser(u), true
}

// DisplayName returns the display name for id, or the id itself when unknown.
func (r *Registry) DisplayName(id string) string {
	if u, ok := r.Lookup(id); ok {
		return u.DisplayName
	}
	return id
}

// List returns a snapshot mapping user id to display name.
func (r *Registry) List() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]string, len(r.byID))
	for id, u := range r.byID {
		out[id] = u.DisplayName
	}
	return out
}

// Count returns the number of registered users.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

func cloneUser(u *User) *User {
	cp := *u
	return &cp
}
