// Package tools defines the tool abstraction used by agent sessions.
//
// A Tool pairs a Definition (name, description, JSON schema and display
// labels) with an executor. Builtin tools are registered once on a Registry
// at startup. For every session the Registry initializes the user's external
// providers concurrently and overlays their tools onto a copy of the
// builtins, in provider order, so a later provider wins a name collision.
//
// An Invocation tracks one tool call through PartialCall, Call and Result as
// the model streams its arguments and the session executes it.
package tools
