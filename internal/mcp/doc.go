// Package mcp serves the gateway's builtin tools over the Model Context Protocol.
//
// # Overview
//
// External MCP clients (desktop assistants, other agents) can use the same
// relay tools the gateway's own agent sessions use: sendChatMessage,
// listenForResponse and listUsers. A call acts as the authenticated user, so
// a message sent through MCP arrives with that user's display name and a
// listen drains that user's relay inbox.
//
// # Transport
//
// Server wraps the go-sdk streamable HTTP handler in stateless mode. Each
// HTTP request builds a fresh sdk.Server bound to the identity that
// auth.Middleware placed in the request context, so there is no session
// state to hijack and no session table to expire.
//
//	POST /mcp   JSON-RPC requests (initialize, tools/list, tools/call)
//
// # Authentication
//
// The endpoint is mounted behind auth.Middleware. Requests carry
//
//	X-User-Id: <user id>
//	Authorization: Bearer <token>   (when a JWT secret is configured)
//
// # Tool Execution
//
// tools/call runs the named tool through a tools.Invocation, the same state
// machine agent sessions use. Malformed arguments and executor failures come
// back as results with isError set rather than JSON-RPC errors.
//
// listenForResponse needs a relay inbox. The configured InboxAttacher opens
// one lazily for the caller and, when the call returns, requeues anything
// that was received but not handed to the tool.
//
// # Integration
//
//	{
//	  "mcpServers": {
//	    "cohora": {
//	      "url": "http://localhost:8000/mcp",
//	      "headers": {"X-User-Id": "<user id>"}
//	    }
//	  }
//	}
package mcp
