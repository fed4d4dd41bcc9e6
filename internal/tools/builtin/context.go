// Package builtin implements the built-in tool set (§4.4): workspace
// memory, shared cross-agent knowledge, sandboxed command execution,
// human-approval notifications, sub-agent spawning, the autonomy yield
// signal, and agent lifecycle CRUD.
package builtin

import (
	"context"
	"errors"
)

// CallContext carries the per-call identity a built-in tool needs: which
// agent and session is calling, and where its workspace lives on disk.
// AgentTurn attaches one to the context passed into Registry.Execute for
// every tool call.
type CallContext struct {
	AgentID    string
	SessionKey string
	Workspace  string // absolute path to the calling agent's workspace dir
	AgentsDir  string // absolute path to the directory containing all agent workspaces
	Autonomous bool   // true when the call originates from the autonomy loop
}

type callContextKey struct{}

// WithCallContext attaches cc to ctx.
func WithCallContext(ctx context.Context, cc CallContext) context.Context {
	return context.WithValue(ctx, callContextKey{}, cc)
}

// FromContext retrieves the CallContext attached by WithCallContext.
func FromContext(ctx context.Context) (CallContext, bool) {
	cc, ok := ctx.Value(callContextKey{}).(CallContext)
	return cc, ok
}

// toolError reports an infrastructure failure (missing call context, unusable
// shared directory) that a built-in tool cannot recover from.
func toolError(msg string) error {
	return errors.New(msg)
}
