// ABOUTME: Model interface, chat message types and streaming events
// ABOUTME: Shared by the HTTP client, the scripted model and agent sessions

package model

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/2389/cohora-gateway/internal/tools"
)

// ErrModel wraps every failure to obtain a response from the model.
var ErrModel = errors.New("model request failed")

// Role is the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a completed tool call requested by the model.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Message is one turn of conversation history.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// Request is the input of one generation.
type Request struct {
	Messages []Message
	Tools    []tools.Definition
}

// Usage reports token counts when the endpoint provides them.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Response is the complete result of one generation.
type Response struct {
	Text         string
	ToolCalls    []ToolCall
	FinishReason string
	Usage        Usage
}

// EventKind distinguishes streaming events.
type EventKind int

const (
	EventTextDelta EventKind = iota
	EventToolCallStart
	EventToolCallDelta
)

// Event is emitted while a response streams in. Tool call events carry the
// call's position in the response so fragments can be matched up.
type Event struct {
	Kind      EventKind
	Text      string
	Index     int
	CallID    string
	ToolName  string
	ArgsDelta string
}

// Model generates one assistant turn. onEvent, when non-nil, is called
// synchronously for each streamed event before Generate returns.
type Model interface {
	Generate(ctx context.Context, req Request, onEvent func(Event)) (Response, error)
}

// HTTPError is a non-200 response from the model endpoint.
type HTTPError struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// Retryable reports whether the status is worth another attempt.
func (e *HTTPError) Retryable() bool {
	return e.Status == 429 || e.Status >= 500
}
