// ABOUTME: Scripted model that replays canned responses in order
// ABOUTME: Used by tests and for running the gateway without a model endpoint

package model

import (
	"context"
	"fmt"
	"sync"
)

// Step is one scripted generation. Err, when set, is returned instead of
// the response.
type Step struct {
	Response Response
	Err      error
}

// Scripted replays Steps in order, emitting stream events for each. When
// the script runs out, Repeat decides whether the last step is replayed or
// an error is returned.
type Scripted struct {
	Steps  []Step
	Repeat bool

	mu       sync.Mutex
	next     int
	requests []Request
}

// Generate returns the next scripted step.
func (s *Scripted) Generate(ctx context.Context, req Request, onEvent func(Event)) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, fmt.Errorf("%w: %w", ErrModel, err)
	}

	s.mu.Lock()
	s.requests = append(s.requests, cloneRequest(req))
	if s.next >= len(s.Steps) {
		if !s.Repeat || len(s.Steps) == 0 {
			s.mu.Unlock()
			return Response{}, fmt.Errorf("%w: script exhausted after %d steps", ErrModel, len(s.Steps))
		}
		s.next = len(s.Steps) - 1
	}
	step := s.Steps[s.next]
	s.next++
	s.mu.Unlock()

	if step.Err != nil {
		return Response{}, step.Err
	}

	if onEvent != nil {
		if step.Response.Text != "" {
			onEvent(Event{Kind: EventTextDelta, Text: step.Response.Text})
		}
		for i, tc := range step.Response.ToolCalls {
			onEvent(Event{Kind: EventToolCallStart, Index: i, CallID: tc.ID, ToolName: tc.Name})
			if tc.Arguments != "" {
				onEvent(Event{Kind: EventToolCallDelta, Index: i, ArgsDelta: tc.Arguments})
			}
		}
	}
	return step.Response, nil
}

// Requests returns the requests seen so far.
func (s *Scripted) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// Calls returns how many times Generate was called.
func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func cloneRequest(r Request) Request {
	return Request{
		Messages: append([]Message(nil), r.Messages...),
		Tools:    append(r.Tools[:0:0], r.Tools...),
	}
}

// Text is a step that answers with text only.
func Text(text string) Step {
	return Step{Response: Response{Text: text, FinishReason: "stop"}}
}

// CallTools is a step that requests the given tool calls.
func CallTools(calls ...ToolCall) Step {
	return Step{Response: Response{ToolCalls: calls, FinishReason: "tool_calls"}}
}

var (
	_ Model = (*Client)(nil)
	_ Model = (*Scripted)(nil)
)
