package middleware

import (
	"fmt"

	"github.com/plaenen/eventcore/pkg/commanding"
	"github.com/plaenen/eventcore/pkg/domain"
)

// Validatable is implemented by commands that can check their own fields.
type Validatable interface {
	Validate() error
}

// Validation rejects commands whose Validate method fails before the handler
// runs. Commands without a Validate method pass through.
func Validation() Middleware {
	return func(next commanding.CommandHandler) commanding.CommandHandler {
		return commanding.CommandHandlerFunc(func(ctx commanding.CommandContext, cmd domain.Command) error {
			if v, ok := cmd.(Validatable); ok {
				if err := v.Validate(); err != nil {
					return fmt.Errorf("command validation failed: %w", err)
				}
			}
			return next.Handle(ctx, cmd)
		})
	}
}
