// ABOUTME: Unit tests for MockStore to ensure behavior matches SQLiteStore
// ABOUTME: Focuses on duplicate detection, chat upserts and provider ordering

package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockStore_CreateUser_Duplicate(t *testing.T) {
	s := NewMockStore()
	ctx := context.Background()

	require.NoError(t, s.CreateUser(ctx, &User{ID: "u1", Name: "Alice", CreatedAt: time.Now()}))

	err := s.CreateUser(ctx, &User{ID: "u2", Name: "Alice", CreatedAt: time.Now()})
	assert.ErrorIs(t, err, ErrDuplicateUser)

	err = s.CreateUser(ctx, &User{ID: "u1", Name: "Other", CreatedAt: time.Now()})
	assert.ErrorIs(t, err, ErrDuplicateUser)
}

func TestMockStore_ChatUpsertKeepsCreatedAt(t *testing.T) {
	s := NewMockStore()
	ctx := context.Background()

	created := time.Now().Add(-time.Hour)
	require.NoError(t, s.SaveChat(ctx, &Chat{
		ID: "c1", UserID: "u1", Messages: json.RawMessage(`[]`),
		CreatedAt: created, UpdatedAt: created,
	}))
	require.NoError(t, s.SaveChat(ctx, &Chat{
		ID: "c1", UserID: "u1", Messages: json.RawMessage(`[{"role":"user"}]`),
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}))

	got, err := s.GetChat(ctx, "u1", "c1")
	require.NoError(t, err)
	assert.Equal(t, created, got.CreatedAt)
	assert.JSONEq(t, `[{"role":"user"}]`, string(got.Messages))
}

func TestMockStore_Providers(t *testing.T) {
	s := NewMockStore()
	ctx := context.Background()

	for _, id := range []string{"p1", "p2", "p3"} {
		require.NoError(t, s.CreateProvider(ctx, &ToolProvider{ID: id, UserID: "u1", Kind: ProviderKindStdio}))
	}
	require.NoError(t, s.DeleteProvider(ctx, "u1", "p2"))

	list, err := s.ListProviders(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "p1", list[0].ID)
	assert.Equal(t, "p3", list[1].ID)

	assert.ErrorIs(t, s.DeleteProvider(ctx, "u1", "p2"), ErrNotFound)
}

func TestMockStore_UsageStats(t *testing.T) {
	s := NewMockStore()
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, s.SaveUsage(ctx, &TokenUsage{ID: "t1", UserID: "u1", ConversationID: "c1", InputTokens: 10, OutputTokens: 2, CreatedAt: now.Add(-time.Hour)}))
	require.NoError(t, s.SaveUsage(ctx, &TokenUsage{ID: "t2", UserID: "u1", ConversationID: "c1", InputTokens: 5, OutputTokens: 1, CreatedAt: now}))
	require.NoError(t, s.SaveUsage(ctx, &TokenUsage{ID: "t3", UserID: "u2", ConversationID: "c2", InputTokens: 99, CreatedAt: now}))

	stats, err := s.GetUsageStats(ctx, UsageFilter{UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, int64(18), stats.TotalTokens)
	assert.Equal(t, int64(2), stats.TurnCount)

	until := now.Add(-time.Minute)
	stats, err = s.GetUsageStats(ctx, UsageFilter{UserID: "u1", Until: &until})
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TurnCount)

	conv, err := s.GetConversationUsage(ctx, "u1", "c1")
	require.NoError(t, err)
	assert.Len(t, conv, 2)
}
