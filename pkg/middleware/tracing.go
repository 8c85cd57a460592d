package middleware

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/plaenen/eventcore/pkg/commanding"
	"github.com/plaenen/eventcore/pkg/domain"
	"github.com/plaenen/eventcore/pkg/observability"
)

// Tracing runs each handler in a "command.<type>" span. The handler sees the
// span's context through CommandContext.Context.
func Tracing(tracer trace.Tracer) Middleware {
	return func(next commanding.CommandHandler) commanding.CommandHandler {
		return commanding.CommandHandlerFunc(func(ctx commanding.CommandContext, cmd domain.Command) error {
			spanCtx, span := tracer.Start(ctx.Context(), "command."+cmd.CommandType(),
				trace.WithSpanKind(trace.SpanKindInternal),
				trace.WithAttributes(observability.CommandAttrs(cmd.CommandType(), cmd.ID(), cmd.AggregateID())...),
			)
			defer span.End()

			if err := next.Handle(withContext{CommandContext: ctx, ctx: spanCtx}, cmd); err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				return err
			}

			span.SetAttributes(attribute.String("command.result", ctx.Result()))
			span.SetStatus(codes.Ok, "")
			return nil
		})
	}
}
