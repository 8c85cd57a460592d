// Package commanding runs commands one at a time per aggregate and turns
// their effects into event streams.
package commanding

import (
	"sync"

	"github.com/plaenen/eventcore/pkg/domain"
)

// ProcessingCommand is a command travelling through its aggregate's mailbox.
// It is mutated only by the pipeline while it is the mailbox's in-flight message.
type ProcessingCommand struct {
	Message domain.Command
	Items   map[string]string

	// Sequence is the position in the owning mailbox, assigned on enqueue.
	Sequence int64
	Mailbox  *CommandMailbox

	// Context is recreated every time the command is (re)processed.
	Context *ExecutionContext

	once       sync.Once
	result     chan *domain.CommandResult
	onComplete func(*domain.CommandResult)
}

// NewProcessingCommand wraps cmd. onComplete may be nil.
func NewProcessingCommand(cmd domain.Command, items map[string]string, onComplete func(*domain.CommandResult)) *ProcessingCommand {
	if items == nil {
		items = make(map[string]string)
	}
	return &ProcessingCommand{
		Message:    cmd,
		Items:      items,
		result:     make(chan *domain.CommandResult, 1),
		onComplete: onComplete,
	}
}

// Done returns a channel that receives the command's single result.
func (pc *ProcessingCommand) Done() <-chan *domain.CommandResult {
	return pc.result
}

// complete delivers the result. Only the first call has an effect.
func (pc *ProcessingCommand) complete(result *domain.CommandResult) bool {
	delivered := false
	pc.once.Do(func() {
		delivered = true
		pc.result <- result
		if pc.onComplete != nil {
			pc.onComplete(result)
		}
	})
	return delivered
}
