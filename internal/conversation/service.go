// ABOUTME: Conversation service: runs one agent turn per submitted message
// ABOUTME: Loads history and providers, attaches a lazy relay inbox and persists the transcript

package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/cohora-gateway/internal/builtins"
	"github.com/2389/cohora-gateway/internal/model"
	"github.com/2389/cohora-gateway/internal/relay"
	"github.com/2389/cohora-gateway/internal/relayclient"
	"github.com/2389/cohora-gateway/internal/session"
	"github.com/2389/cohora-gateway/internal/store"
	"github.com/2389/cohora-gateway/internal/tools"
	"github.com/2389/cohora-gateway/internal/users"
)

// ErrEmptyMessage is returned when a turn is submitted without text.
var ErrEmptyMessage = errors.New("message is required")

const titleLength = 60

// Store is what the service needs from persistence.
type Store interface {
	store.ChatStore
	store.ProviderStore
	store.UsageStore
}

// Directory resolves user ids. *users.Registry implements it.
type Directory interface {
	Lookup(id string) (*users.User, bool)
}

// Requeuer takes back deliveries a turn received but never read.
// *relay.Router implements it.
type Requeuer interface {
	Requeue(ctx context.Context, userID string, deliveries []relay.Delivery)
}

// InboxOpener connects a user to the relay.
type InboxOpener func(ctx context.Context, userID string) (*relayclient.Client, error)

// LocalInbox returns an InboxOpener that attaches to an in-process manager.
func LocalInbox(m *relay.Manager, opts relayclient.Options) InboxOpener {
	return func(ctx context.Context, userID string) (*relayclient.Client, error) {
		return relayclient.Local(ctx, m, userID, opts)
	}
}

// Deps are the collaborators of a Service.
type Deps struct {
	Store    Store
	Users    Directory
	Tools    *tools.Registry
	Model    model.Model
	Inbox    InboxOpener
	Requeuer Requeuer
	Session  session.Options

	// Providers decides which tool providers users may register and run.
	Providers ProviderPolicy
}

// Service runs agent turns and keeps chat history.
type Service struct {
	deps   Deps
	logger *slog.Logger
}

// New creates a new Service.
func New(deps Deps, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		deps:   deps,
		logger: logger.With("component", "conversation"),
	}
}

// Reply is the result of one submitted turn.
type Reply struct {
	ConversationID   string
	Outcome          session.Outcome
	Steps            int
	Text             string
	Invocations      []tools.Record
	ProviderFailures []tools.ProviderFailure
	Usage            model.Usage
}

// Submit runs one agent turn for userID. A fatal model error is returned
// together with a non-nil Reply; the partial transcript is saved first.
func (s *Service) Submit(ctx context.Context, userID, conversationID, message string) (*Reply, error) {
	if message == "" {
		return nil, ErrEmptyMessage
	}
	user, ok := s.deps.Users.Lookup(userID)
	if !ok {
		return nil, users.ErrNotFound
	}
	if conversationID == "" {
		conversationID = uuid.New().String()
	}

	chat, prior, err := s.loadChat(ctx, userID, conversationID)
	if err != nil {
		return nil, err
	}
	if chat.Title == "" {
		chat.Title = title(message)
	}

	specs, err := s.providerSpecs(ctx, userID)
	if err != nil {
		return nil, err
	}
	merged := s.deps.Tools.MergeForSession(ctx, specs)
	defer func() {
		if err := merged.Close(); err != nil {
			s.logger.Warn("closing providers", "user_id", userID, "error", err)
		}
	}()

	ctx, release := s.AttachInbox(ctx, userID)
	defer release()

	s.logger.Info("=== TURN SUBMITTED ===",
		"user_id", userID,
		"conversation_id", conversationID,
		"prior_messages", len(prior),
		"tools", merged.Set.Len(),
		"provider_failures", len(merged.Failures),
	)

	sess := session.New(user.ID, user.DisplayName, s.deps.Model, merged.Set, s.deps.Session, s.logger)
	res, runErr := sess.Run(ctx, prior, message)

	reply := &Reply{
		ConversationID:   conversationID,
		Outcome:          res.Outcome,
		Steps:            res.Steps,
		Text:             res.Reply,
		Invocations:      res.Invocations,
		ProviderFailures: merged.Failures,
		Usage:            res.Usage,
	}

	// Persist even if the caller went away mid-turn.
	saveCtx := context.WithoutCancel(ctx)
	s.recordUsage(saveCtx, userID, conversationID, res)
	if err := s.saveChat(saveCtx, chat, res.Messages); err != nil {
		return reply, err
	}
	return reply, runErr
}

// recordUsage stores the turn's token counts. Failures are logged only.
func (s *Service) recordUsage(ctx context.Context, userID, conversationID string, res *session.Result) {
	if res.Steps == 0 {
		return
	}
	err := s.deps.Store.SaveUsage(ctx, &store.TokenUsage{
		ID:             uuid.New().String(),
		UserID:         userID,
		ConversationID: conversationID,
		Steps:          res.Steps,
		InputTokens:    res.Usage.InputTokens,
		OutputTokens:   res.Usage.OutputTokens,
		CreatedAt:      time.Now(),
	})
	if err != nil {
		s.logger.Warn("recording token usage", "user_id", userID, "conversation_id", conversationID, "error", err)
	}
}

// Usage aggregates a user's token usage, optionally from since onwards.
func (s *Service) Usage(ctx context.Context, userID string, since *time.Time) (*store.UsageStats, error) {
	return s.deps.Store.GetUsageStats(ctx, store.UsageFilter{UserID: userID, Since: since})
}

// AttachInbox returns a context carrying a relay inbox for userID that
// connects on first read. release closes it and hands deliveries that were
// received but never read back to the Requeuer.
func (s *Service) AttachInbox(ctx context.Context, userID string) (_ context.Context, release func()) {
	if s.deps.Inbox == nil {
		return ctx, func() {}
	}
	inbox := relayclient.NewLazy(func(ctx context.Context) (*relayclient.Client, error) {
		return s.deps.Inbox(ctx, userID)
	})
	return builtins.WithInbox(ctx, inbox), func() { s.releaseInbox(userID, inbox) }
}

func (s *Service) releaseInbox(userID string, inbox *relayclient.Lazy) {
	unread := inbox.Close()
	if len(unread) == 0 || s.deps.Requeuer == nil {
		return
	}
	s.logger.Info("requeueing unread deliveries", "user_id", userID, "count", len(unread))
	s.deps.Requeuer.Requeue(context.Background(), userID, unread)
}

// History returns the stored messages of a conversation.
func (s *Service) History(ctx context.Context, userID, conversationID string) (*store.Chat, []model.Message, error) {
	chat, err := s.deps.Store.GetChat(ctx, userID, conversationID)
	if err != nil {
		return nil, nil, err
	}
	msgs, err := decodeMessages(chat.Messages)
	if err != nil {
		return nil, nil, err
	}
	return chat, msgs, nil
}

// Conversations lists a user's conversations, most recent first.
func (s *Service) Conversations(ctx context.Context, userID string) ([]*store.Chat, error) {
	return s.deps.Store.ListChats(ctx, userID)
}

func (s *Service) loadChat(ctx context.Context, userID, conversationID string) (*store.Chat, []model.Message, error) {
	chat, err := s.deps.Store.GetChat(ctx, userID, conversationID)
	if errors.Is(err, store.ErrNotFound) {
		now := time.Now()
		return &store.Chat{ID: conversationID, UserID: userID, CreatedAt: now}, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("loading conversation: %w", err)
	}
	msgs, err := decodeMessages(chat.Messages)
	if err != nil {
		return nil, nil, err
	}
	return chat, msgs, nil
}

func (s *Service) saveChat(ctx context.Context, chat *store.Chat, msgs []model.Message) error {
	data, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("encoding conversation: %w", err)
	}
	chat.Messages = data
	chat.UpdatedAt = time.Now()
	if err := s.deps.Store.SaveChat(ctx, chat); err != nil {
		return fmt.Errorf("saving conversation: %w", err)
	}
	return nil
}

func decodeMessages(data json.RawMessage) ([]model.Message, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var msgs []model.Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		return nil, fmt.Errorf("decoding conversation: %w", err)
	}
	return msgs, nil
}

func title(message string) string {
	r := []rune(message)
	if len(r) <= titleLength {
		return message
	}
	return string(r[:titleLength]) + "…"
}
