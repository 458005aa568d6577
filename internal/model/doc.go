// Package model talks to the language model that drives agent sessions.
//
// Model is the narrow interface sessions depend on. Client implements it
// against any OpenAI-compatible chat completions endpoint with streaming
// and tool calling; Scripted replays canned responses for tests and local
// development.
package model
