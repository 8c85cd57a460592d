package middleware

import (
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/plaenen/eventcore/pkg/commanding"
	"github.com/plaenen/eventcore/pkg/domain"
)

// Recovery turns a handler panic into an error and logs the stack trace.
func Recovery(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}

	return func(next commanding.CommandHandler) commanding.CommandHandler {
		return commanding.CommandHandlerFunc(func(ctx commanding.CommandContext, cmd domain.Command) (err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.ErrorContext(ctx.Context(), "command handler panicked",
						slog.String("command_id", cmd.ID()),
						slog.String("command_type", cmd.CommandType()),
						slog.Any("panic", r),
						slog.String("stack_trace", string(debug.Stack())),
					)
					err = fmt.Errorf("command handler panicked: %v", r)
				}
			}()

			return next.Handle(ctx, cmd)
		})
	}
}
