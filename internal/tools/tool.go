// ABOUTME: Tool interface, definitions with display metadata, and an ordered ToolSet
// ABOUTME: Sentinel errors shared by builtin and provider-backed tools

package tools

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	// ErrDuplicateTool indicates a builtin with the same name is already registered.
	ErrDuplicateTool = errors.New("duplicate tool")

	// ErrUnknownTool indicates the model called a tool that is not in the set.
	ErrUnknownTool = errors.New("unknown tool")

	// ErrToolExecution wraps failures reported by a tool executor.
	ErrToolExecution = errors.New("tool execution failed")

	// ErrProviderInit indicates an external provider could not be started or listed.
	ErrProviderInit = errors.New("provider initialization failed")

	// ErrInvalidArguments indicates the streamed arguments were not a JSON object.
	ErrInvalidArguments = errors.New("invalid tool arguments")
)

// Display holds the labels a UI shows while a tool runs and after it finishes.
type Display struct {
	ExecutingLabel string `json:"executing_label,omitempty"`
	DoneLabel      string `json:"done_label,omitempty"`
	Icon           string `json:"icon,omitempty"`
}

// Definition describes a tool to the model.
type Definition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
	Display     Display         `json:"display"`
}

// Tool is an executable tool. Invoke receives the complete argument object
// and returns the text handed back to the model.
type Tool interface {
	Definition() Definition
	Invoke(ctx context.Context, args json.RawMessage) (string, error)
}

// Func adapts a plain function to the Tool interface.
type Func struct {
	Def Definition
	Fn  func(ctx context.Context, args json.RawMessage) (string, error)
}

func (f *Func) Definition() Definition { return f.Def }

func (f *Func) Invoke(ctx context.Context, args json.RawMessage) (string, error) {
	return f.Fn(ctx, args)
}

// EmptySchema is the parameter schema of a tool that takes no arguments.
var EmptySchema = json.RawMessage(`{"type":"object","properties":{}}`)

// ToolSet is an ordered collection of tools keyed by name.
type ToolSet struct {
	names  []string
	byName map[string]Tool
}

// NewToolSet creates a set holding tools in order. Later duplicates replace earlier ones.
func NewToolSet(tools ...Tool) *ToolSet {
	s := &ToolSet{byName: make(map[string]Tool)}
	for _, t := range tools {
		s.Put(t)
	}
	return s
}

// Put adds t, replacing a tool with the same name in place.
// It reports whether an existing tool was replaced.
func (s *ToolSet) Put(t Tool) (replaced bool) {
	name := t.Definition().Name
	if _, ok := s.byName[name]; ok {
		s.byName[name] = t
		return true
	}
	s.names = append(s.names, name)
	s.byName[name] = t
	return false
}

// Get returns the tool registered under name.
func (s *ToolSet) Get(name string) (Tool, bool) {
	if s == nil {
		return nil, false
	}
	t, ok := s.byName[name]
	return t, ok
}

// Len returns the number of tools.
func (s *ToolSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.names)
}

// Names returns tool names in insertion order.
func (s *ToolSet) Names() []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s.names...)
}

// Definitions returns the definitions of every tool in insertion order.
func (s *ToolSet) Definitions() []Definition {
	if s == nil {
		return nil
	}
	defs := make([]Definition, 0, len(s.names))
	for _, name := range s.names {
		defs = append(defs, s.byName[name].Definition())
	}
	return defs
}

// Clone returns a shallow copy that can be modified independently.
func (s *ToolSet) Clone() *ToolSet {
	c := &ToolSet{byName: make(map[string]Tool, s.Len())}
	if s == nil {
		return c
	}
	c.names = append(c.names, s.names...)
	for k, v := range s.byName {
		c.byName[k] = v
	}
	return c
}
