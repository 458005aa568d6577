// ABOUTME: HTTP handlers for agent chat turns, chat history and per-user tool providers
// ABOUTME: Replies are returned as text and as goldmark-rendered HTML

package gateway

import (
	"bytes"
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/2389/cohora-gateway/internal/auth"
	"github.com/2389/cohora-gateway/internal/conversation"
	"github.com/2389/cohora-gateway/internal/model"
	"github.com/2389/cohora-gateway/internal/session"
	"github.com/2389/cohora-gateway/internal/store"
	"github.com/2389/cohora-gateway/internal/tools"
)

// ChatRequest is the body of POST /api/chat. An empty ConversationID starts
// a new conversation.
type ChatRequest struct {
	ConversationID string `json:"conversation_id,omitempty"`
	Message        string `json:"message"`
}

// ProviderFailureView names a provider that was skipped for the turn.
type ProviderFailureView struct {
	Name  string `json:"name"`
	Error string `json:"error"`
}

// ChatResponse is the outcome of one agent turn.
type ChatResponse struct {
	ConversationID   string                `json:"conversation_id"`
	Outcome          session.Outcome       `json:"outcome"`
	Steps            int                   `json:"steps"`
	Reply            string                `json:"reply"`
	ReplyHTML        string                `json:"reply_html"`
	Invocations      []tools.Record        `json:"invocations"`
	ProviderFailures []ProviderFailureView `json:"provider_failures,omitempty"`
	Usage            model.Usage           `json:"usage"`
}

// UsageResponse is the caller's aggregated model token usage.
type UsageResponse struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	TotalTokens  int64 `json:"total_tokens"`
	Turns        int64 `json:"turns"`
}

// ChatSummary lists a stored conversation.
type ChatSummary struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ChatHistoryResponse is a stored conversation with its messages.
type ChatHistoryResponse struct {
	ChatSummary
	Messages []model.Message `json:"messages"`
}

// ProviderRequest registers an external tool provider. Command, Args and Env
// apply to stdio providers; URL and Transport to stream providers.
type ProviderRequest struct {
	Name      string            `json:"name"`
	Kind      string            `json:"kind"`
	Command   string            `json:"command,omitempty"`
	Args      []string          `json:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	URL       string            `json:"url,omitempty"`
	Transport string            `json:"transport,omitempty"`
}

// ProviderView is a registered provider. Env values are never echoed.
type ProviderView struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Kind      string    `json:"kind"`
	Command   string    `json:"command,omitempty"`
	Args      []string  `json:"args,omitempty"`
	EnvKeys   []string  `json:"env_keys,omitempty"`
	URL       string    `json:"url,omitempty"`
	Transport string    `json:"transport,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// renderMarkdown converts an assistant reply to HTML. Raw HTML in the reply
// is not passed through.
func (g *Gateway) renderMarkdown(text string) string {
	if text == "" {
		return ""
	}
	var buf bytes.Buffer
	if err := g.markdown.Convert([]byte(text), &buf); err != nil {
		g.logger.Warn("failed to convert markdown", "error", err)
		return ""
	}
	return buf.String()
}

// handleChat runs one agent turn for the caller.
func (g *Gateway) handleChat(w http.ResponseWriter, r *http.Request) {
	id := auth.MustFromContext(r.Context())

	var req ChatRequest
	if !g.decodeBody(w, r, g.bodyLimit(), &req) {
		return
	}

	reply, err := g.conversation.Submit(r.Context(), id.UserID, req.ConversationID, req.Message)
	switch {
	case errors.Is(err, conversation.ErrEmptyMessage):
		g.sendJSONError(w, http.StatusBadRequest, "message is required")
		return
	case errors.Is(err, session.ErrFatalModel):
		g.logger.Error("chat turn failed", "user_id", id.UserID, "error", err)
		g.sendJSONError(w, http.StatusBadGateway, "Model request failed")
		return
	case err != nil:
		g.logger.Error("chat turn failed", "user_id", id.UserID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := ChatResponse{
		ConversationID: reply.ConversationID,
		Outcome:        reply.Outcome,
		Steps:          reply.Steps,
		Reply:          reply.Text,
		ReplyHTML:      g.renderMarkdown(reply.Text),
		Invocations:    reply.Invocations,
		Usage:          reply.Usage,
	}
	if resp.Invocations == nil {
		resp.Invocations = []tools.Record{}
	}
	for _, f := range reply.ProviderFailures {
		resp.ProviderFailures = append(resp.ProviderFailures, ProviderFailureView{Name: f.Name, Error: f.Err.Error()})
	}
	g.writeJSON(w, http.StatusOK, resp)
}

// handleUsage reports the caller's token usage. An optional since query
// parameter (RFC 3339) limits the window.
func (g *Gateway) handleUsage(w http.ResponseWriter, r *http.Request) {
	id := auth.MustFromContext(r.Context())

	var since *time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			g.sendJSONError(w, http.StatusBadRequest, "since must be an RFC 3339 timestamp")
			return
		}
		since = &t
	}

	stats, err := g.conversation.Usage(r.Context(), id.UserID, since)
	if err != nil {
		g.logger.Error("loading usage", "user_id", id.UserID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.writeJSON(w, http.StatusOK, UsageResponse{
		InputTokens:  stats.TotalInput,
		OutputTokens: stats.TotalOutput,
		TotalTokens:  stats.TotalTokens,
		Turns:        stats.TurnCount,
	})
}

func chatSummary(c *store.Chat) ChatSummary {
	return ChatSummary{ID: c.ID, Title: c.Title, CreatedAt: c.CreatedAt, UpdatedAt: c.UpdatedAt}
}

// handleListChats lists the caller's conversations.
func (g *Gateway) handleListChats(w http.ResponseWriter, r *http.Request) {
	id := auth.MustFromContext(r.Context())

	chats, err := g.conversation.Conversations(r.Context(), id.UserID)
	if err != nil {
		g.logger.Error("listing conversations", "user_id", id.UserID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	out := make([]ChatSummary, 0, len(chats))
	for _, c := range chats {
		out = append(out, chatSummary(c))
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"conversations": out})
}

// handleGetChat returns the stored messages of one of the caller's conversations.
func (g *Gateway) handleGetChat(w http.ResponseWriter, r *http.Request) {
	id := auth.MustFromContext(r.Context())

	chat, msgs, err := g.conversation.History(r.Context(), id.UserID, r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "Conversation not found")
		return
	}
	if err != nil {
		g.logger.Error("loading conversation", "user_id", id.UserID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	g.writeJSON(w, http.StatusOK, ChatHistoryResponse{ChatSummary: chatSummary(chat), Messages: msgs})
}

func providerView(p *store.ToolProvider) ProviderView {
	v := ProviderView{
		ID:        p.ID,
		Name:      p.Name,
		Kind:      string(p.Kind),
		Command:   p.Command,
		Args:      p.Args,
		URL:       p.URL,
		Transport: p.Transport,
		CreatedAt: p.CreatedAt,
	}
	for k := range p.Env {
		v.EnvKeys = append(v.EnvKeys, k)
	}
	slices.Sort(v.EnvKeys)
	return v
}

// handleCreateProvider registers a tool provider for the caller's future turns.
func (g *Gateway) handleCreateProvider(w http.ResponseWriter, r *http.Request) {
	id := auth.MustFromContext(r.Context())

	var req ProviderRequest
	if !g.decodeBody(w, r, requestOverhead*4, &req) {
		return
	}
	if req.Name == "" {
		g.sendJSONError(w, http.StatusBadRequest, "name is required")
		return
	}

	spec := conversation.ToSpec(&store.ToolProvider{
		Name:      req.Name,
		Kind:      store.ProviderKind(req.Kind),
		Command:   req.Command,
		Args:      req.Args,
		Env:       req.Env,
		URL:       req.URL,
		Transport: req.Transport,
	})
	if err := spec.Validate(); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	p, err := g.conversation.RegisterProvider(r.Context(), id.UserID, spec)
	if errors.Is(err, conversation.ErrProviderNotAllowed) {
		g.sendJSONError(w, http.StatusForbidden, err.Error())
		return
	}
	if err != nil {
		g.logger.Error("registering provider", "user_id", id.UserID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.writeJSON(w, http.StatusCreated, providerView(p))
}

// handleListProviders lists the caller's tool providers.
func (g *Gateway) handleListProviders(w http.ResponseWriter, r *http.Request) {
	id := auth.MustFromContext(r.Context())

	list, err := g.conversation.ListProviders(r.Context(), id.UserID)
	if err != nil {
		g.logger.Error("listing providers", "user_id", id.UserID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	out := make([]ProviderView, 0, len(list))
	for _, p := range list {
		out = append(out, providerView(p))
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"providers": out})
}

// handleDeleteProvider removes one of the caller's tool providers.
func (g *Gateway) handleDeleteProvider(w http.ResponseWriter, r *http.Request) {
	id := auth.MustFromContext(r.Context())

	err := g.conversation.DeleteProvider(r.Context(), id.UserID, r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "Provider not found")
		return
	}
	if err != nil {
		g.logger.Error("deleting provider", "user_id", id.UserID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
