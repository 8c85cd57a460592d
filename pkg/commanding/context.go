package commanding

import (
	"context"
	"fmt"

	"github.com/plaenen/eventcore/pkg/domain"
)

// CommandContext is what a synchronous handler sees of the runtime.
type CommandContext interface {
	// Context is the runtime context; it is cancelled when the engine stops.
	Context() context.Context

	// Add tracks a newly created aggregate.
	Add(agg domain.Aggregate) error

	// Get returns a tracked aggregate, loading it through the cache if needed.
	// Returns domain.ErrAggregateNotFound when it has no history.
	Get(aggregateType, id string) (domain.Aggregate, error)

	// SetResult sets the result string returned to the caller.
	SetResult(result string)
	Result() string
}

// AggregateLoader loads aggregates for a command. cache.MemoryCache implements it.
type AggregateLoader interface {
	// Get returns the shared instance, owned by the aggregate's own mailbox.
	Get(ctx context.Context, aggregateType, id string) (domain.Aggregate, error)

	// Detached returns an instance nobody else holds.
	Detached(ctx context.Context, aggregateType, id string) (domain.Aggregate, error)
}

// ExecutionContext tracks the aggregates touched by one command run.
// Only the command's own aggregate comes from the shared cache; any other
// aggregate is loaded detached, since its mailbox may be running a command
// on the cached instance.
type ExecutionContext struct {
	ctx         context.Context
	commandID   string
	aggregateID string
	loader      AggregateLoader

	tracked []domain.Aggregate
	index   map[string]domain.Aggregate
	result  string
}

// NewExecutionContext creates a fresh context for a command run.
func NewExecutionContext(ctx context.Context, commandID, aggregateID string, loader AggregateLoader) *ExecutionContext {
	return &ExecutionContext{
		ctx:         ctx,
		commandID:   commandID,
		aggregateID: aggregateID,
		loader:      loader,
		index:       make(map[string]domain.Aggregate),
	}
}

func (c *ExecutionContext) Context() context.Context { return c.ctx }

func (c *ExecutionContext) Add(agg domain.Aggregate) error {
	if agg == nil {
		return fmt.Errorf("cannot track a nil aggregate")
	}
	if _, ok := c.index[agg.ID()]; ok {
		return fmt.Errorf("%w: %s", domain.ErrAggregateAlreadyTracked, agg.ID())
	}
	c.track(agg)
	return nil
}

func (c *ExecutionContext) Get(aggregateType, id string) (domain.Aggregate, error) {
	if agg, ok := c.index[id]; ok {
		return agg, nil
	}

	load := c.loader.Get
	if id != c.aggregateID {
		load = c.loader.Detached
	}
	agg, err := load(c.ctx, aggregateType, id)
	if err != nil {
		return nil, err
	}
	if agg == nil {
		return nil, fmt.Errorf("%w: %s %s", domain.ErrAggregateNotFound, aggregateType, id)
	}
	c.track(agg)
	return agg, nil
}

func (c *ExecutionContext) SetResult(result string) { c.result = result }
func (c *ExecutionContext) Result() string          { return c.result }

// TrackedAggregates returns the aggregates in the order they were touched.
func (c *ExecutionContext) TrackedAggregates() []domain.Aggregate {
	return c.tracked
}

func (c *ExecutionContext) track(agg domain.Aggregate) {
	if s, ok := agg.(interface{ SetCommandID(string) }); ok {
		s.SetCommandID(c.commandID)
	}
	c.tracked = append(c.tracked, agg)
	c.index[agg.ID()] = agg
}

// Load is a typed Get.
func Load[T domain.Aggregate](c CommandContext, aggregateType, id string) (T, error) {
	var zero T
	agg, err := c.Get(aggregateType, id)
	if err != nil {
		return zero, err
	}
	typed, ok := agg.(T)
	if !ok {
		return zero, fmt.Errorf("aggregate %s is %T, not %T", id, agg, zero)
	}
	return typed, nil
}
