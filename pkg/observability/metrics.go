package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the instruments of the processing core.
// All Record methods are safe on a nil *Metrics.
type Metrics struct {
	// Command metrics
	CommandDuration   metric.Float64Histogram
	CommandsProcessed metric.Int64Counter

	// Event store metrics
	EventsAppended    metric.Int64Counter
	AppendResults     metric.Int64Counter
	EventStoreLatency metric.Float64Histogram

	// Recovery metrics
	MailboxRewinds metric.Int64Counter
	RetryAttempts  metric.Int64Counter

	// Publication metrics
	PublishLatency    metric.Float64Histogram
	MessagesPublished metric.Int64Counter
}

// NewMetrics creates all metric instruments
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.CommandDuration, err = meter.Float64Histogram(
		"eventcore.command.duration",
		metric.WithDescription("Time from submission to command result in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating command.duration: %w", err)
	}

	m.CommandsProcessed, err = meter.Int64Counter(
		"eventcore.commands.processed",
		metric.WithDescription("Commands completed, by status"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating commands.processed: %w", err)
	}

	m.EventsAppended, err = meter.Int64Counter(
		"eventcore.events.appended",
		metric.WithDescription("Events persisted to the event store"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating events.appended: %w", err)
	}

	m.AppendResults, err = meter.Int64Counter(
		"eventcore.append.results",
		metric.WithDescription("Append calls, by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating append.results: %w", err)
	}

	m.EventStoreLatency, err = meter.Float64Histogram(
		"eventcore.eventstore.latency",
		metric.WithDescription("Event store append latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating eventstore.latency: %w", err)
	}

	m.MailboxRewinds, err = meter.Int64Counter(
		"eventcore.mailbox.rewinds",
		metric.WithDescription("Command mailbox offset resets after conflicts or duplicates"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating mailbox.rewinds: %w", err)
	}

	m.RetryAttempts, err = meter.Int64Counter(
		"eventcore.retry.attempts",
		metric.WithDescription("Failed attempts that were retried"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating retry.attempts: %w", err)
	}

	m.PublishLatency, err = meter.Float64Histogram(
		"eventcore.publish.duration",
		metric.WithDescription("Publish latency in seconds, retries included"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating publish.duration: %w", err)
	}

	m.MessagesPublished, err = meter.Int64Counter(
		"eventcore.messages.published",
		metric.WithDescription("Messages handed to a publisher, by kind"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating messages.published: %w", err)
	}

	return m, nil
}

// RecordCommand records a completed command.
func (m *Metrics) RecordCommand(ctx context.Context, commandType, status string, duration time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("command_type", commandType),
		attribute.String("status", status),
	)
	m.CommandDuration.Record(ctx, duration.Seconds(), attrs)
	m.CommandsProcessed.Add(ctx, 1, attrs)
}

// RecordAppend records one append or batch append call.
func (m *Metrics) RecordAppend(ctx context.Context, mode, result string, eventCount int, duration time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("mode", mode),
		attribute.String("result", result),
	)
	m.AppendResults.Add(ctx, 1, attrs)
	m.EventStoreLatency.Record(ctx, duration.Seconds(), attrs)
	if result == "Success" {
		m.EventsAppended.Add(ctx, int64(eventCount), metric.WithAttributes(attribute.String("mode", mode)))
	}
}

// RecordRewind records a command mailbox rewind.
func (m *Metrics) RecordRewind(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.MailboxRewinds.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordRetry records a retried attempt.
func (m *Metrics) RecordRetry(ctx context.Context, op string) {
	if m == nil {
		return
	}
	m.RetryAttempts.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

// RecordPublish records a publication.
func (m *Metrics) RecordPublish(ctx context.Context, kind string, duration time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("kind", kind))
	m.PublishLatency.Record(ctx, duration.Seconds(), attrs)
	m.MessagesPublished.Add(ctx, 1, attrs)
}
