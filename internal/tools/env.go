// ABOUTME: Per-session identity carried in the context handed to tool executors
// ABOUTME: Builtin tools read it to know who is calling

package tools

import "context"

// Env identifies the session a tool call belongs to.
type Env struct {
	UserID      string
	DisplayName string
	SessionID   string
}

type envKey struct{}

// WithEnv returns a context carrying env.
func WithEnv(ctx context.Context, env Env) context.Context {
	return context.WithValue(ctx, envKey{}, env)
}

// EnvFrom returns the Env stored in ctx.
func EnvFrom(ctx context.Context) (Env, bool) {
	env, ok := ctx.Value(envKey{}).(Env)
	return env, ok
}
