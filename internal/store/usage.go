// ABOUTME: SQLite implementation for model token usage tracking
// ABOUTME: One record per agent turn, aggregated per user for the usage endpoint

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// TokenUsage is the model token consumption of one agent turn.
type TokenUsage struct {
	ID             string
	UserID         string
	ConversationID string
	Steps          int
	InputTokens    int
	OutputTokens   int
	CreatedAt      time.Time
}

// UsageFilter narrows GetUsageStats. Zero fields match everything.
type UsageFilter struct {
	UserID string
	Since  *time.Time
	Until  *time.Time
}

// UsageStats aggregates usage records.
type UsageStats struct {
	TotalInput  int64
	TotalOutput int64
	TotalTokens int64
	TurnCount   int64
}

// UsageStore records and aggregates model token usage.
type UsageStore interface {
	SaveUsage(ctx context.Context, usage *TokenUsage) error
	GetConversationUsage(ctx context.Context, userID, conversationID string) ([]*TokenUsage, error)
	GetUsageStats(ctx context.Context, filter UsageFilter) (*UsageStats, error)
}

// SaveUsage stores a token usage record.
func (s *SQLiteStore) SaveUsage(ctx context.Context, usage *TokenUsage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO token_usage (
			id, user_id, conversation_id, steps, input_tokens, output_tokens, created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		usage.ID,
		usage.UserID,
		usage.ConversationID,
		usage.Steps,
		usage.InputTokens,
		usage.OutputTokens,
		formatTime(usage.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting usage: %w", err)
	}

	s.logger.Debug("saved token usage",
		"id", usage.ID,
		"user_id", usage.UserID,
		"conversation_id", usage.ConversationID,
		"input_tokens", usage.InputTokens,
		"output_tokens", usage.OutputTokens,
	)
	return nil
}

// GetConversationUsage returns a conversation's usage records, oldest first.
func (s *SQLiteStore) GetConversationUsage(ctx context.Context, userID, conversationID string) ([]*TokenUsage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, conversation_id, steps, input_tokens, output_tokens, created_at
		FROM token_usage
		WHERE user_id = ? AND conversation_id = ?
		ORDER BY created_at ASC
	`, userID, conversationID)
	if err != nil {
		return nil, fmt.Errorf("querying conversation usage: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var usages []*TokenUsage
	for rows.Next() {
		usage, err := scanUsage(rows)
		if err != nil {
			return nil, err
		}
		usages = append(usages, usage)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating usage rows: %w", err)
	}
	return usages, nil
}

// GetUsageStats returns aggregated usage with optional filters.
func (s *SQLiteStore) GetUsageStats(ctx context.Context, filter UsageFilter) (*UsageStats, error) {
	query := `
		SELECT
			COALESCE(SUM(input_tokens), 0),
			COALESCE(SUM(output_tokens), 0),
			COUNT(*)
		FROM token_usage
		WHERE 1=1
	`
	args := []any{}

	if filter.UserID != "" {
		query += " AND user_id = ?"
		args = append(args, filter.UserID)
	}
	if filter.Since != nil {
		query += " AND created_at >= ?"
		args = append(args, formatTime(*filter.Since))
	}
	if filter.Until != nil {
		query += " AND created_at < ?"
		args = append(args, formatTime(*filter.Until))
	}

	var stats UsageStats
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.TotalInput,
		&stats.TotalOutput,
		&stats.TurnCount,
	)
	if err != nil {
		return nil, fmt.Errorf("querying usage stats: %w", err)
	}
	stats.TotalTokens = stats.TotalInput + stats.TotalOutput
	return &stats, nil
}

func scanUsage(rows *sql.Rows) (*TokenUsage, error) {
	var usage TokenUsage
	var createdAt string

	err := rows.Scan(
		&usage.ID,
		&usage.UserID,
		&usage.ConversationID,
		&usage.Steps,
		&usage.InputTokens,
		&usage.OutputTokens,
		&createdAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scanning usage row: %w", err)
	}

	usage.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &usage, nil
}
