// Package middleware wraps synchronous command handlers with cross-cutting
// behaviour. Middleware runs inside the command's pipeline run, so an error
// it returns is handled like any handler error.
package middleware

import (
	"context"

	"github.com/plaenen/eventcore/pkg/commanding"
)

// Middleware decorates a command handler.
type Middleware func(next commanding.CommandHandler) commanding.CommandHandler

// Chain wraps h so that the first middleware runs outermost.
func Chain(h commanding.CommandHandler, mws ...Middleware) commanding.CommandHandler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// withContext replaces the runtime context seen by the wrapped handler.
type withContext struct {
	commanding.CommandContext
	ctx context.Context
}

func (c withContext) Context() context.Context { return c.ctx }
