package middleware

import (
	"log/slog"
	"time"

	"github.com/plaenen/eventcore/pkg/commanding"
	"github.com/plaenen/eventcore/pkg/domain"
)

// Logging logs every handler run with its duration.
func Logging(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}

	return func(next commanding.CommandHandler) commanding.CommandHandler {
		return commanding.CommandHandlerFunc(func(ctx commanding.CommandContext, cmd domain.Command) error {
			start := time.Now()
			attrs := []any{
				slog.String("command_type", cmd.CommandType()),
				slog.String("command_id", cmd.ID()),
				slog.String("aggregate_id", cmd.AggregateID()),
			}

			logger.DebugContext(ctx.Context(), "handling command", attrs...)

			err := next.Handle(ctx, cmd)
			attrs = append(attrs, slog.Int64("duration_ms", time.Since(start).Milliseconds()))
			if err != nil {
				logger.InfoContext(ctx.Context(), "command handler failed", append(attrs, slog.String("error", err.Error()))...)
				return err
			}

			logger.DebugContext(ctx.Context(), "command handled", append(attrs, slog.String("result", ctx.Result()))...)
			return nil
		})
	}
}
