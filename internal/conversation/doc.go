// Package conversation runs agent turns on behalf of users and keeps their
// chat history.
//
// # Overview
//
// The conversation package sits between the HTTP handlers and the agent
// session. It owns everything a turn needs that is not the model loop itself:
//
//   - loading and saving chat history per (user, conversation)
//   - resolving the user's registered tool providers and merging them with
//     the builtin tools for the lifetime of one turn
//   - attaching a relay inbox so listenForResponse can receive messages
//   - handing deliveries the turn never read back to the relay router
//
// # Submit
//
//	reply, err := svc.Submit(ctx, userID, conversationID, "ask Bob about lunch")
//
// An empty conversation id starts a new conversation. The reply carries the
// session outcome, the final text and a record of every tool invocation.
// History is saved even when the model fails, so a retry continues from the
// partial transcript.
//
// # Provider Policy
//
// Stdio providers launch commands on the gateway host, so ProviderPolicy
// refuses them unless the operator opts in, optionally limited to a list of
// commands. The policy is applied on registration and again when a turn
// loads providers.
//
// # Inbox
//
// The relay connection backing listenForResponse is opened lazily. A turn
// that never listens never connects, so it does not displace a connection
// the user already holds. When the turn ends the connection is closed and
// any unread deliveries are requeued at the front of the user's queue.
//
// # Providers
//
// RegisterProvider, ListProviders and DeleteProvider manage the per-user
// provider specs that Submit loads. Specs are validated before they are
// stored; a provider that fails to start during a turn is reported in the
// reply and the turn continues without it.
package conversation
