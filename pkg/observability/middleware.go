package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/plaenen/eventcore/pkg/domain"
	"github.com/plaenen/eventcore/pkg/store"
)

// TracedEventStore wraps a store.EventStore with a span per call.
type TracedEventStore struct {
	next   store.EventStore
	tracer trace.Tracer
}

var _ store.EventStore = (*TracedEventStore)(nil)

// NewTracedEventStore wraps next.
func NewTracedEventStore(next store.EventStore, tracer trace.Tracer) *TracedEventStore {
	return &TracedEventStore{next: next, tracer: tracer}
}

// Unwrap returns the wrapped store.
func (s *TracedEventStore) Unwrap() store.EventStore {
	return s.next
}

func (s *TracedEventStore) SupportsBatchAppend() bool {
	return s.next.SupportsBatchAppend()
}

func (s *TracedEventStore) Append(ctx context.Context, stream *domain.EventStream) (store.AppendResult, error) {
	ctx, span := StartSpan(ctx, s.tracer, "eventstore.append",
		AttrAggregateID.String(stream.AggregateID),
		AttrAggregateType.String(stream.AggregateType),
		AttrVersion.Int64(stream.Version),
		AttrCommandID.String(stream.CommandID),
	)
	result, err := s.next.Append(ctx, stream)
	span.SetAttributes(AttrAppendResult.String(result.String()))
	EndSpan(span, err)
	return result, err
}

func (s *TracedEventStore) BatchAppend(ctx context.Context, streams []*domain.EventStream) (store.AppendResult, error) {
	attrs := []attribute.KeyValue{AttrStreamCount.Int(len(streams))}
	if len(streams) > 0 {
		attrs = append(attrs,
			AttrAggregateID.String(streams[0].AggregateID),
			AttrVersion.Int64(streams[0].Version),
		)
	}
	ctx, span := StartSpan(ctx, s.tracer, "eventstore.batch_append", attrs...)
	result, err := s.next.BatchAppend(ctx, streams)
	span.SetAttributes(AttrAppendResult.String(result.String()))
	EndSpan(span, err)
	return result, err
}

func (s *TracedEventStore) FindByVersion(ctx context.Context, aggregateID string, version int64) (*domain.EventStream, error) {
	ctx, span := StartSpan(ctx, s.tracer, "eventstore.find_by_version",
		AttrAggregateID.String(aggregateID),
		AttrVersion.Int64(version),
	)
	stream, err := s.next.FindByVersion(ctx, aggregateID, version)
	EndSpan(span, err)
	return stream, err
}

func (s *TracedEventStore) FindByCommandID(ctx context.Context, aggregateID, commandID string) (*domain.EventStream, error) {
	ctx, span := StartSpan(ctx, s.tracer, "eventstore.find_by_command",
		AttrAggregateID.String(aggregateID),
		AttrCommandID.String(commandID),
	)
	stream, err := s.next.FindByCommandID(ctx, aggregateID, commandID)
	EndSpan(span, err)
	return stream, err
}

func (s *TracedEventStore) Query(ctx context.Context, aggregateID string, minVersion, maxVersion int64) ([]*domain.EventStream, error) {
	ctx, span := StartSpan(ctx, s.tracer, "eventstore.query",
		AttrAggregateID.String(aggregateID),
		attribute.Int64("version.min", minVersion),
		attribute.Int64("version.max", maxVersion),
	)
	streams, err := s.next.Query(ctx, aggregateID, minVersion, maxVersion)
	span.SetAttributes(AttrStreamCount.Int(len(streams)))
	EndSpan(span, err)
	return streams, err
}
