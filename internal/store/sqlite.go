// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Persists users, chat histories, tool providers and token usage with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS chats (
			user_id TEXT NOT NULL,
			chat_id TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			messages_json TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (user_id, chat_id),
			FOREIGN KEY (user_id) REFERENCES users(id)
		);

		CREATE INDEX IF NOT EXISTS idx_chats_user_updated
			ON chats(user_id, updated_at);

		CREATE TABLE IF NOT EXISTS tool_providers (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			name TEXT NOT NULL,
			kind TEXT NOT NULL,
			command TEXT,
			args_json TEXT,
			env_json TEXT,
			url TEXT,
			created_at TEXT NOT NULL,
			FOREIGN KEY (user_id) REFERENCES users(id),
			CHECK (kind IN ('stdio', 'stream'))
		);

		CREATE INDEX IF NOT EXISTS idx_tool_providers_user
			ON tool_providers(user_id, created_at);

		CREATE TABLE IF NOT EXISTS token_usage (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			conversation_id TEXT NOT NULL,
			steps INTEGER NOT NULL DEFAULT 0,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			FOREIGN KEY (user_id) REFERENCES users(id)
		);

		CREATE INDEX IF NOT EXISTS idx_token_usage_user
			ON token_usage(user_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_token_usage_conversation
			ON token_usage(user_id, conversation_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		check  string
		apply  string
		table  string
		column string
	}{
		{
			check:  `SELECT 1 FROM pragma_table_info('tool_providers') WHERE name = 'transport'`,
			apply:  `ALTER TABLE tool_providers ADD COLUMN transport TEXT NOT NULL DEFAULT ''`,
			table:  "tool_providers",
			column: "transport",
		},
	}

	for _, m := range migrations {
		var exists int
		if err := s.db.QueryRow(m.check).Scan(&exists); err == nil {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// timeLayout is fixed width so that text ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// CreateUser inserts a new user.
// Returns ErrDuplicateUser if the id or name is already taken.
func (s *SQLiteStore) CreateUser(ctx context.Context, user *User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, name, created_at) VALUES (?, ?, ?)`,
		user.ID, user.Name, formatTime(user.CreatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateUser
		}
		return fmt.Errorf("inserting user: %w", err)
	}

	s.logger.Debug("created user", "id", user.ID, "name", user.Name)
	return nil
}

// GetUser retrieves a user by id.
// Returns ErrNotFound if the user doesn't exist.
func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*User, error) {
	var u User
	var createdAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, created_at FROM users WHERE id = ?`, id,
	).Scan(&u.ID, &u.Name, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}

	if u.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &u, nil
}

// ListUsers returns all users ordered by creation time.
func (s *SQLiteStore) ListUsers(ctx context.Context) ([]*User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, created_at FROM users ORDER BY created_at ASC, name ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying users: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		var u User
		var createdAt string
		if err := rows.Scan(&u.ID, &u.Name, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning user: %w", err)
		}
		if u.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		users = append(users, &u)
	}
	return users, rows.Err()
}

// GetChat retrieves one conversation for a user.
// Returns ErrNotFound if the chat doesn't exist.
func (s *SQLiteStore) GetChat(ctx context.Context, userID, chatID string) (*Chat, error) {
	var c Chat
	var messages, createdAt, updatedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, chat_id, title, messages_json, created_at, updated_at
		FROM chats
		WHERE user_id = ? AND chat_id = ?
	`, userID, chatID).Scan(&c.UserID, &c.ID, &c.Title, &messages, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying chat: %w", err)
	}

	c.Messages = json.RawMessage(messages)
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &c, nil
}

// SaveChat inserts or replaces a conversation. CreatedAt is preserved on update.
func (s *SQLiteStore) SaveChat(ctx context.Context, chat *Chat) error {
	messages := chat.Messages
	if len(messages) == 0 {
		messages = json.RawMessage("[]")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chats (user_id, chat_id, title, messages_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, chat_id) DO UPDATE SET
			title = excluded.title,
			messages_json = excluded.messages_json,
			updated_at = excluded.updated_at
	`, chat.UserID, chat.ID, chat.Title, string(messages),
		formatTime(chat.CreatedAt), formatTime(chat.UpdatedAt))
	if err != nil {
		return fmt.Errorf("saving chat: %w", err)
	}
	return nil
}

// ListChats returns a user's conversations, most recently updated first.
func (s *SQLiteStore) ListChats(ctx context.Context, userID string) ([]*Chat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, chat_id, title, messages_json, created_at, updated_at
		FROM chats
		WHERE user_id = ?
		ORDER BY updated_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying chats: %w", err)
	}
	defer rows.Close()

	var chats []*Chat
	for rows.Next() {
		var c Chat
		var messages, createdAt, updatedAt string
		if err := rows.Scan(&c.UserID, &c.ID, &c.Title, &messages, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning chat: %w", err)
		}
		c.Messages = json.RawMessage(messages)
		if c.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, fmt.Errorf("parsing updated_at: %w", err)
		}
		chats = append(chats, &c)
	}
	return chats, rows.Err()
}

// CreateProvider stores a tool provider spec for a user.
func (s *SQLiteStore) CreateProvider(ctx context.Context, p *ToolProvider) error {
	args, err := json.Marshal(p.Args)
	if err != nil {
		return fmt.Errorf("encoding args: %w", err)
	}
	env, err := json.Marshal(p.Env)
	if err != nil {
		return fmt.Errorf("encoding env: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tool_providers (id, user_id, name, kind, command, args_json, env_json, url, transport, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.UserID, p.Name, string(p.Kind), nullString(p.Command), string(args), string(env),
		nullString(p.URL), p.Transport, formatTime(p.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting tool provider: %w", err)
	}

	s.logger.Debug("created tool provider", "id", p.ID, "user_id", p.UserID, "kind", p.Kind)
	return nil
}

// ListProviders returns a user's tool providers in registration order.
func (s *SQLiteStore) ListProviders(ctx context.Context, userID string) ([]*ToolProvider, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, name, kind, command, args_json, env_json, url, transport, created_at
		FROM tool_providers
		WHERE user_id = ?
		ORDER BY created_at ASC, rowid ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying tool providers: %w", err)
	}
	defer rows.Close()

	var providers []*ToolProvider
	for rows.Next() {
		var p ToolProvider
		var kind, createdAt string
		var command, args, env, url sql.NullString
		if err := rows.Scan(&p.ID, &p.UserID, &p.Name, &kind, &command, &args, &env, &url, &p.Transport, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning tool provider: %w", err)
		}
		p.Kind = ProviderKind(kind)
		p.Command = command.String
		p.URL = url.String
		if args.Valid && args.String != "" {
			if err := json.Unmarshal([]byte(args.String), &p.Args); err != nil {
				return nil, fmt.Errorf("decoding args: %w", err)
			}
		}
		if env.Valid && env.String != "" {
			if err := json.Unmarshal([]byte(env.String), &p.Env); err != nil {
				return nil, fmt.Errorf("decoding env: %w", err)
			}
		}
		if p.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		providers = append(providers, &p)
	}
	return providers, rows.Err()
}

// DeleteProvider removes one of a user's tool providers.
// Returns ErrNotFound if no such provider belongs to the user.
func (s *SQLiteStore) DeleteProvider(ctx context.Context, userID, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM tool_providers WHERE user_id = ? AND id = ?`, userID, id)
	if err != nil {
		return fmt.Errorf("deleting tool provider: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
