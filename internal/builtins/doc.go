// Package builtins provides the tools every agent session has, independent
// of any external provider.
//
// # Tools
//
//   - sendChatMessage: send a message to another user's agent by display name
//   - listenForResponse: wait for the next message addressed to this user
//   - listUsers: list the display names agents can message
//
// # Dependencies
//
// The tools are process-wide and stateless. Per-session state reaches them
// through the context: tools.Env identifies the caller, and WithInbox
// attaches the inbox listenForResponse reads from. Sending goes through a
// Sender, which is the in-process message router in the gateway and the
// HTTP API in remote clients.
//
// # Registration
//
//	err := builtins.Register(registry, builtins.Deps{
//		Sender:        router,
//		Directory:     users,
//		ListenTimeout: cfg.Tools.ListenTimeout,
//	})
//
// # Timeouts
//
// listenForResponse waits timeoutSeconds (default from Deps.ListenTimeout,
// capped at MaxListenTimeout). A timeout is an ordinary result with
// "timed_out": true, not an error, so the model can decide to wait again.
package builtins
