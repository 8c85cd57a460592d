package commanding

import (
	"context"
	"sync"

	"github.com/plaenen/eventcore/pkg/domain"
)

// CommandHandler handles a command synchronously against tracked aggregates.
type CommandHandler interface {
	Handle(ctx CommandContext, cmd domain.Command) error
}

// CommandHandlerFunc adapts a function to CommandHandler.
type CommandHandlerFunc func(ctx CommandContext, cmd domain.Command) error

func (f CommandHandlerFunc) Handle(ctx CommandContext, cmd domain.Command) error {
	return f(ctx, cmd)
}

// AsyncCommandHandler handles commands whose effect lives outside the event
// store, such as calls to other services. The returned message, if any, is
// recorded with the command and published.
type AsyncCommandHandler interface {
	HandleAsync(ctx context.Context, cmd domain.Command) (*domain.ApplicationMessage, error)

	// CheckCommandHandledFirst makes the pipeline consult the command store
	// before executing the handler.
	CheckCommandHandledFirst() bool
}

// HandlerData is one registration: the handlers bound by one Register call.
type HandlerData[H any] struct {
	Handlers []H
}

// HandlerProvider looks up handler registrations by command type.
type HandlerProvider[H any] interface {
	Handlers(commandType string) []HandlerData[H]
}

// Registry is a concurrency-safe HandlerProvider. It accepts duplicate
// registrations; the pipeline rejects the ambiguity at dispatch time.
type Registry[H any] struct {
	mu       sync.RWMutex
	handlers map[string][]HandlerData[H]
}

// NewRegistry creates an empty registry.
func NewRegistry[H any]() *Registry[H] {
	return &Registry[H]{handlers: make(map[string][]HandlerData[H])}
}

// Register binds handlers to a command type as one registration.
func (r *Registry[H]) Register(commandType string, handlers ...H) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[commandType] = append(r.handlers[commandType], HandlerData[H]{Handlers: handlers})
}

// Handlers implements HandlerProvider.
func (r *Registry[H]) Handlers(commandType string) []HandlerData[H] {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[commandType]
}

type lookupResult int

const (
	lookupFound lookupResult = iota
	lookupNotFound
	lookupTooManyHandlerData
	lookupTooManyHandlers
)

func lookup[H any](provider HandlerProvider[H], commandType string) (H, lookupResult) {
	var zero H
	if provider == nil {
		return zero, lookupNotFound
	}
	data := provider.Handlers(commandType)
	switch {
	case len(data) == 0:
		return zero, lookupNotFound
	case len(data) > 1:
		return zero, lookupTooManyHandlerData
	}
	switch len(data[0].Handlers) {
	case 0:
		return zero, lookupNotFound
	case 1:
		return data[0].Handlers[0], lookupFound
	default:
		return zero, lookupTooManyHandlers
	}
}
