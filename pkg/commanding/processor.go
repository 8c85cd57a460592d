package commanding

import (
	"log/slog"
	"sync"
	"time"
)

// Processor routes commands to the mailbox of their aggregate, creating
// mailboxes lazily.
type Processor struct {
	handler   MessageHandler
	logger    *slog.Logger
	mailboxes sync.Map
}

// NewProcessor creates a processor dispatching to handler.
func NewProcessor(handler MessageHandler, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{handler: handler, logger: logger}
}

// Process enqueues pc on its aggregate's mailbox. Commands without an
// aggregate id share one mailbox and are rejected by the pipeline.
func (p *Processor) Process(pc *ProcessingCommand) {
	id := pc.Message.AggregateID()
	for {
		mailbox := p.mailbox(id)
		if mailbox.Enqueue(pc) {
			return
		}
		// Evicted between lookup and enqueue.
		p.mailboxes.CompareAndDelete(id, mailbox)
	}
}

// Mailbox returns the mailbox of an aggregate, if one exists.
func (p *Processor) Mailbox(aggregateID string) (*CommandMailbox, bool) {
	v, ok := p.mailboxes.Load(aggregateID)
	if !ok {
		return nil, false
	}
	return v.(*CommandMailbox), true
}

// CleanInactiveMailboxes drops mailboxes that are empty and idle for
// maxInactive. Returns how many were removed.
func (p *Processor) CleanInactiveMailboxes(maxInactive time.Duration) int {
	removed := 0
	p.mailboxes.Range(func(k, v any) bool {
		mailbox := v.(*CommandMailbox)
		if mailbox.tryRemove(maxInactive) {
			p.mailboxes.CompareAndDelete(k, mailbox)
			removed++
		}
		return true
	})
	if removed > 0 {
		p.logger.Info("removed inactive command mailboxes", "count", removed)
	}
	return removed
}

func (p *Processor) mailbox(id string) *CommandMailbox {
	if v, ok := p.mailboxes.Load(id); ok {
		return v.(*CommandMailbox)
	}
	v, _ := p.mailboxes.LoadOrStore(id, NewCommandMailbox(id, p.handler, p.logger))
	return v.(*CommandMailbox)
}
