// Package providers connects to external tool providers over the Model
// Context Protocol and exposes their tools as tools.Tool values.
//
// Stdio providers run as child processes. Stream providers are reached over
// SSE or the streamable HTTP transport. Each initialized provider owns one
// MCP client session that lives until the agent session closes it.
package providers
