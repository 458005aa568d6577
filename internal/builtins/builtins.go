// ABOUTME: Builtin messaging tools: sendChatMessage, listenForResponse and listUsers
// ABOUTME: Session-scoped state arrives through the context; senders and directories are injected

package builtins

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/2389/cohora-gateway/internal/relay"
	"github.com/2389/cohora-gateway/internal/tools"
)

// Tool names.
const (
	SendChatMessage   = "sendChatMessage"
	ListenForResponse = "listenForResponse"
	ListUsers         = "listUsers"
)

// Listen timeout bounds.
const (
	DefaultListenTimeout = 60 * time.Second
	MaxListenTimeout     = 10 * time.Minute
)

// ErrNoInbox is returned when listenForResponse runs without an inbox in the context.
var ErrNoInbox = errors.New("no inbox attached to session")

// Sender delivers a message on behalf of a user. *relay.Router implements it.
type Sender interface {
	SendMessage(ctx context.Context, fromUserID, recipientName, body string) (relay.SendResult, error)
}

// Directory lists registered users as id to display name.
type Directory interface {
	List() map[string]string
}

// Presence reports whether a user is connected. Optional.
type Presence interface {
	IsOnline(userID string) bool
}

// Inbox yields deliveries addressed to the session's user.
type Inbox interface {
	Next(ctx context.Context) (relay.Delivery, error)
}

type inboxKey struct{}

// WithInbox attaches the inbox listenForResponse reads from.
func WithInbox(ctx context.Context, inbox Inbox) context.Context {
	return context.WithValue(ctx, inboxKey{}, inbox)
}

func inboxFrom(ctx context.Context) (Inbox, bool) {
	inbox, ok := ctx.Value(inboxKey{}).(Inbox)
	return inbox, ok && inbox != nil
}

// Deps are the collaborators the builtin tools need.
type Deps struct {
	Sender        Sender
	Directory     Directory
	Presence      Presence
	ListenTimeout time.Duration
}

// Tools returns the builtin tools.
func Tools(deps Deps) []tools.Tool {
	if deps.ListenTimeout <= 0 {
		deps.ListenTimeout = DefaultListenTimeout
	}
	h := &handlers{deps: deps}
	return []tools.Tool{
		&tools.Func{
			Def: tools.Definition{
				Name:        SendChatMessage,
				Description: "Send a message to another person's AI agent. Use the recipient's exact display name; names are case-sensitive. If they are offline the message is queued and delivered when they connect.",
				Parameters: json.RawMessage(`{
					"type": "object",
					"properties": {
						"recipientName": {"type": "string", "description": "Exact display name of the recipient"},
						"message": {"type": "string", "description": "The message to send"}
					},
					"required": ["recipientName", "message"]
				}`),
				Display: tools.Display{ExecutingLabel: "Sending message", DoneLabel: "Message sent", Icon: "✉️"},
			},
			Fn: h.sendChatMessage,
		},
		&tools.Func{
			Def: tools.Definition{
				Name:        ListenForResponse,
				Description: "Wait for the next message sent to your user by another agent. Returns the message, or status \"timeout\" if nothing arrives in time; you may call it again to keep waiting.",
				Parameters: json.RawMessage(`{
					"type": "object",
					"properties": {
						"timeoutSeconds": {"type": "integer", "description": "How long to wait (default 60, max 600)"}
					}
				}`),
				Display: tools.Display{ExecutingLabel: "Listening for a response", DoneLabel: "Finished listening", Icon: "👂"},
			},
			Fn: h.listenForResponse,
		},
		&tools.Func{
			Def: tools.Definition{
				Name:        ListUsers,
				Description: "List the display names of everyone you can send messages to.",
				Parameters:  tools.EmptySchema,
				Display:     tools.Display{ExecutingLabel: "Looking up users", DoneLabel: "Found users", Icon: "👥"},
			},
			Fn: h.listUsers,
		},
	}
}

// Register adds the builtin tools to r.
func Register(r *tools.Registry, deps Deps) error {
	for _, t := range Tools(deps) {
		if err := r.RegisterBuiltin(t); err != nil {
			return err
		}
	}
	return nil
}

type handlers struct {
	deps Deps
}

type sendInput struct {
	RecipientName string `json:"recipientName"`
	Message       string `json:"message"`
}

// SendOutput is the result of sendChatMessage.
type SendOutput struct {
	Status    string `json:"status"`
	MessageID string `json:"message_id"`
	Details   string `json:"details"`
}

func (h *handlers) sendChatMessage(ctx context.Context, input json.RawMessage) (string, error) {
	var in sendInput
	if err := json.Unmarshal(input, &in); err != nil {
		return "", fmt.Errorf("invalid input: %w", err)
	}
	if in.RecipientName == "" {
		return "", errors.New("recipientName is required")
	}
	if strings.TrimSpace(in.Message) == "" {
		return "", errors.New("message is required")
	}

	env, ok := tools.EnvFrom(ctx)
	if !ok || env.UserID == "" {
		return "", errors.New("no user bound to session")
	}
	if h.deps.Sender == nil {
		return "", errors.New("messaging is not configured")
	}

	res, err := h.deps.Sender.SendMessage(ctx, env.UserID, in.RecipientName, in.Message)
	if err != nil {
		if errors.Is(err, relay.ErrRecipientNotFound) {
			return "", fmt.Errorf("Recipient '%s' not found", in.RecipientName)
		}
		return "", err
	}
	return marshal(SendOutput{
		Status:    res.Status.String(),
		MessageID: res.MessageID,
		Details:   res.Details,
	})
}

type listenInput struct {
	TimeoutSeconds *float64 `json:"timeoutSeconds"`
}

// ListenOutput is the result of listenForResponse.
type ListenOutput struct {
	Status    string  `json:"status"`
	TimedOut  bool    `json:"timed_out"`
	From      string  `json:"from,omitempty"`
	Message   string  `json:"message,omitempty"`
	MessageID string  `json:"message_id,omitempty"`
	Timestamp float64 `json:"timestamp,omitempty"`
	Waited    float64 `json:"waited_seconds"`
}

func (h *handlers) listenForResponse(ctx context.Context, input json.RawMessage) (string, error) {
	var in listenInput
	if len(input) > 0 {
		if err := json.Unmarshal(input, &in); err != nil {
			return "", fmt.Errorf("invalid input: %w", err)
		}
	}

	timeout := h.deps.ListenTimeout
	if in.TimeoutSeconds != nil && *in.TimeoutSeconds > 0 {
		timeout = time.Duration(*in.TimeoutSeconds * float64(time.Second))
	}
	if timeout > MaxListenTimeout {
		timeout = MaxListenTimeout
	}

	inbox, ok := inboxFrom(ctx)
	if !ok {
		return "", ErrNoInbox
	}

	start := time.Now()
	listenCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	d, err := inbox.Next(listenCtx)
	waited := time.Since(start).Seconds()
	if err != nil {
		if ctx.Err() == nil && errors.Is(listenCtx.Err(), context.DeadlineExceeded) {
			return marshal(ListenOutput{Status: "timeout", TimedOut: true, Waited: waited})
		}
		return "", err
	}

	return marshal(ListenOutput{
		Status:    "received",
		From:      d.From,
		Message:   d.Message,
		MessageID: d.MessageID,
		Timestamp: d.Timestamp,
		Waited:    waited,
	})
}

// UserEntry is one row of listUsers.
type UserEntry struct {
	Name   string `json:"name"`
	Online *bool  `json:"online,omitempty"`
	You    bool   `json:"you,omitempty"`
}

func (h *handlers) listUsers(ctx context.Context, _ json.RawMessage) (string, error) {
	if h.deps.Directory == nil {
		return "", errors.New("user directory is not configured")
	}
	env, _ := tools.EnvFrom(ctx)

	all := h.deps.Directory.List()
	entries := make([]UserEntry, 0, len(all))
	for id, name := range all {
		e := UserEntry{Name: name, You: id == env.UserID}
		if h.deps.Presence != nil {
			online := h.deps.Presence.IsOnline(id)
			e.Online = &online
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	return marshal(map[string]any{"users": entries, "count": len(entries)})
}

func marshal(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
