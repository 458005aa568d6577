// ABOUTME: ToolInvocation state machine: PartialCall, Call, Result
// ABOUTME: Arguments stream in during PartialCall; Execute produces a terminal Result

package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidTransition is returned when an operation is not valid in the
// invocation's current state.
var ErrInvalidTransition = errors.New("invalid invocation transition")

// State is the lifecycle state of an Invocation.
type State int

const (
	StatePartialCall State = iota
	StateCall
	StateResult
)

func (s State) String() string {
	switch s {
	case StatePartialCall:
		return "partial-call"
	case StateCall:
		return "call"
	case StateResult:
		return "result"
	default:
		return "unknown"
	}
}

// Invocation is one tool call requested by the model. It is owned by a
// single goroutine at a time and is not safe for concurrent use.
type Invocation struct {
	ID       string
	ToolName string

	state   State
	buf     bytes.Buffer
	args    json.RawMessage
	argsErr error

	result   string
	err      error
	display  Display
	duration time.Duration
}

// NewInvocation starts an invocation in PartialCall.
func NewInvocation(id, toolName string) *Invocation {
	return &Invocation{ID: id, ToolName: toolName}
}

// State returns the current state.
func (inv *Invocation) State() State { return inv.state }

// AppendArgs appends a streamed fragment of the argument JSON.
func (inv *Invocation) AppendArgs(fragment string) error {
	if inv.state != StatePartialCall {
		return fmt.Errorf("%w: append args in %s", ErrInvalidTransition, inv.state)
	}
	inv.buf.WriteString(fragment)
	return nil
}

// Complete closes the argument stream and moves to Call. Empty arguments
// become an empty object. Malformed arguments are kept and reported as an
// error result when executed.
func (inv *Invocation) Complete() error {
	if inv.state != StatePartialCall {
		return fmt.Errorf("%w: complete in %s", ErrInvalidTransition, inv.state)
	}
	raw := bytes.TrimSpace(inv.buf.Bytes())
	switch {
	case len(raw) == 0:
		inv.args = json.RawMessage(`{}`)
	case !json.Valid(raw) || raw[0] != '{':
		inv.args = json.RawMessage(append([]byte(nil), raw...))
		inv.argsErr = fmt.Errorf("%w: %s", ErrInvalidArguments, truncate(string(raw), 200))
	default:
		inv.args = json.RawMessage(append([]byte(nil), raw...))
	}
	inv.buf.Reset()
	inv.state = StateCall
	return nil
}

// Args returns the completed arguments. It is nil during PartialCall.
func (inv *Invocation) Args() json.RawMessage { return inv.args }

// Execute runs the tool from set and moves to Result. Unknown tools,
// malformed arguments and executor failures all become error-flagged
// results; the returned error only reports an invalid transition.
func (inv *Invocation) Execute(ctx context.Context, set *ToolSet) error {
	if inv.state != StateCall {
		return fmt.Errorf("%w: execute in %s", ErrInvalidTransition, inv.state)
	}
	start := time.Now()
	defer func() {
		inv.duration = time.Since(start)
		inv.state = StateResult
	}()

	tool, ok := set.Get(inv.ToolName)
	if !ok {
		inv.err = fmt.Errorf("%w: %s", ErrUnknownTool, inv.ToolName)
		return nil
	}
	inv.display = tool.Definition().Display

	if inv.argsErr != nil {
		inv.err = inv.argsErr
		return nil
	}

	out, err := tool.Invoke(ctx, inv.args)
	if err != nil {
		if !errors.Is(err, ErrToolExecution) {
			err = fmt.Errorf("%w: %w", ErrToolExecution, err)
		}
		inv.err = err
		return nil
	}
	inv.result = out
	return nil
}

// Fail moves an invocation that never ran straight to an error Result.
func (inv *Invocation) Fail(err error) {
	if inv.state == StateResult {
		return
	}
	inv.err = err
	inv.state = StateResult
}

// Result returns the output and error of a finished invocation.
func (inv *Invocation) Result() (string, error) { return inv.result, inv.err }

// IsError reports whether the result is error-flagged.
func (inv *Invocation) IsError() bool { return inv.err != nil }

// Content is the text handed back to the model for this invocation.
func (inv *Invocation) Content() string {
	if inv.err != nil {
		return "Error: " + inv.err.Error()
	}
	return inv.result
}

// Record is a serializable summary of a finished invocation.
type Record struct {
	ID         string          `json:"id"`
	Tool       string          `json:"tool"`
	Args       json.RawMessage `json:"args,omitempty"`
	Result     string          `json:"result"`
	IsError    bool            `json:"is_error"`
	Label      string          `json:"label,omitempty"`
	Icon       string          `json:"icon,omitempty"`
	DurationMS int64           `json:"duration_ms"`
}

// Record summarizes the invocation.
func (inv *Invocation) Record() Record {
	label := inv.display.DoneLabel
	if label == "" {
		label = inv.ToolName
	}
	return Record{
		ID:         inv.ID,
		Tool:       inv.ToolName,
		Args:       inv.args,
		Result:     inv.Content(),
		IsError:    inv.IsError(),
		Label:      label,
		Icon:       inv.display.Icon,
		DurationMS: inv.duration.Milliseconds(),
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
