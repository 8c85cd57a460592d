package engine

import (
	"context"
	"time"

	"github.com/plaenen/eventcore/pkg/commanding"
	"github.com/plaenen/eventcore/pkg/domain"
	"github.com/plaenen/eventcore/pkg/observability"
)

// SubmitOption configures one submission.
type SubmitOption func(*submitOptions)

type submitOptions struct {
	items map[string]string
}

// WithItems attaches items to the command. They travel with the event
// stream the command produces.
func WithItems(items map[string]string) SubmitOption {
	return func(o *submitOptions) {
		o.items = items
	}
}

// Submit processes cmd and waits for its result. The error is non-nil only
// when ctx ends first or the engine is closed; a command that fails has a
// Failed result. Submitting the same command id again yields the same result.
func (e *Engine) Submit(ctx context.Context, cmd domain.Command, opts ...SubmitOption) (result *domain.CommandResult, err error) {
	ctx, span := observability.StartSpan(ctx, e.tracer, "engine.submit",
		observability.CommandAttrs(cmd.CommandType(), cmd.ID(), cmd.AggregateID())...)
	defer func() {
		if result != nil {
			span.SetAttributes(observability.AttrCommandStatus.String(result.Status.String()))
		}
		observability.EndSpan(span, err)
	}()

	pc, err := e.enqueue(cmd, nil, opts)
	if err != nil {
		return nil, err
	}

	select {
	case result := <-pc.Done():
		return result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.ctx.Done():
		return nil, domain.ErrEngineClosed
	}
}

// SubmitAsync processes cmd and calls callback with its result from the
// goroutine that completes it. callback must not block.
func (e *Engine) SubmitAsync(cmd domain.Command, callback func(*domain.CommandResult), opts ...SubmitOption) error {
	_, err := e.enqueue(cmd, callback, opts)
	return err
}

func (e *Engine) enqueue(cmd domain.Command, callback func(*domain.CommandResult), opts []SubmitOption) (*commanding.ProcessingCommand, error) {
	if e.closed.Load() {
		return nil, domain.ErrEngineClosed
	}

	var o submitOptions
	for _, opt := range opts {
		opt(&o)
	}

	start := time.Now()
	pc := commanding.NewProcessingCommand(cmd, o.items, func(result *domain.CommandResult) {
		e.metrics.RecordCommand(e.ctx, cmd.CommandType(), result.Status.String(), time.Since(start))
		if callback != nil {
			callback(result)
		}
	})
	e.processor.Process(pc)
	return pc, nil
}
