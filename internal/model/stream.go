// ABOUTME: Server-sent event reader for streamed chat completions
// ABOUTME: Accumulates text and indexed tool call fragments into a Response

package model

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"
)

type partialCall struct {
	id   string
	name string
	args strings.Builder
}

// readStream consumes "data:" lines until [DONE] or EOF, emitting events as
// fragments arrive and returning the accumulated response.
func readStream(ctx context.Context, body io.Reader, onEvent func(Event)) (Response, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	emit := func(ev Event) {
		if onEvent != nil {
			onEvent(ev)
		}
	}

	var (
		text  strings.Builder
		calls []*partialCall
		resp  Response
	)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return Response{}, err
		}

		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "[DONE]" {
			break
		}

		var chunk chatChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if chunk.Usage != nil {
			resp.Usage = Usage{
				InputTokens:  chunk.Usage.PromptTokens,
				OutputTokens: chunk.Usage.CompletionTokens,
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		choice := chunk.Choices[0]
		if choice.FinishReason != "" {
			resp.FinishReason = choice.FinishReason
		}
		if choice.Delta == nil {
			continue
		}

		if choice.Delta.Content != "" {
			text.WriteString(choice.Delta.Content)
			emit(Event{Kind: EventTextDelta, Text: choice.Delta.Content})
		}

		for _, tc := range choice.Delta.ToolCalls {
			for len(calls) <= tc.Index {
				calls = append(calls, nil)
			}
			pc := calls[tc.Index]
			if pc == nil {
				pc = &partialCall{id: tc.ID, name: tc.Function.Name}
				calls[tc.Index] = pc
				emit(Event{Kind: EventToolCallStart, Index: tc.Index, CallID: tc.ID, ToolName: tc.Function.Name})
			} else {
				if tc.ID != "" {
					pc.id = tc.ID
				}
				if tc.Function.Name != "" {
					pc.name = tc.Function.Name
				}
			}
			if tc.Function.Arguments != "" {
				pc.args.WriteString(tc.Function.Arguments)
				emit(Event{Kind: EventToolCallDelta, Index: tc.Index, ArgsDelta: tc.Function.Arguments})
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return Response{}, err
	}

	resp.Text = text.String()
	for _, pc := range calls {
		if pc == nil {
			continue
		}
		resp.ToolCalls = append(resp.ToolCalls, ToolCall{
			ID:        pc.id,
			Name:      pc.name,
			Arguments: pc.args.String(),
		})
	}
	return resp, nil
}
