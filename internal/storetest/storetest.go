// Package storetest holds the behaviour every store implementation must
// share. Store packages run it from their own tests.
package storetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/plaenen/eventcore/pkg/domain"
	"github.com/plaenen/eventcore/pkg/store"
)

// Stream builds a valid one-event stream.
func Stream(t *testing.T, aggregateID string, version int64, commandID string) *domain.EventStream {
	t.Helper()
	data, err := domain.PackPayload(wrapperspb.String(fmt.Sprintf("%s-v%d", aggregateID, version)))
	require.NoError(t, err)
	return &domain.EventStream{
		CommandID:     commandID,
		AggregateID:   aggregateID,
		AggregateType: "Test",
		Version:       version,
		Timestamp:     time.Now().UTC().Truncate(time.Microsecond),
		Items:         map[string]string{domain.ItemCommandResult: commandID},
		Events: []*domain.Event{{
			ID:            domain.GenerateDeterministicEventID(commandID, aggregateID, 0),
			AggregateID:   aggregateID,
			AggregateType: "Test",
			EventType:     "test.Happened",
			Version:       version,
			Sequence:      1,
			Timestamp:     time.Now().UTC(),
			Data:          data,
		}},
	}
}

// RunEventStoreTests checks the store.EventStore contract. newStore must
// return an empty store.
func RunEventStoreTests(t *testing.T, newStore func(t *testing.T) store.EventStore) {
	ctx := context.Background()

	t.Run("append and find", func(t *testing.T) {
		s := newStore(t)
		stream := Stream(t, "agg-1", 1, "cmd-1")

		result, err := s.Append(ctx, stream)
		require.NoError(t, err)
		assert.Equal(t, store.AppendSuccess, result)

		byVersion, err := s.FindByVersion(ctx, "agg-1", 1)
		require.NoError(t, err)
		require.NotNil(t, byVersion)
		assert.Equal(t, "cmd-1", byVersion.CommandID)
		assert.Equal(t, "Test", byVersion.AggregateType)
		assert.Equal(t, "cmd-1", byVersion.Items[domain.ItemCommandResult])
		require.Len(t, byVersion.Events, 1)

		payload, err := byVersion.Events[0].Payload()
		require.NoError(t, err)
		assert.Equal(t, "agg-1-v1", payload.(*wrapperspb.StringValue).GetValue())

		byCommand, err := s.FindByCommandID(ctx, "agg-1", "cmd-1")
		require.NoError(t, err)
		require.NotNil(t, byCommand)
		assert.Equal(t, int64(1), byCommand.Version)
	})

	t.Run("missing streams are nil", func(t *testing.T) {
		s := newStore(t)

		stream, err := s.FindByVersion(ctx, "nope", 1)
		require.NoError(t, err)
		assert.Nil(t, stream)

		stream, err = s.FindByCommandID(ctx, "nope", "cmd")
		require.NoError(t, err)
		assert.Nil(t, stream)

		streams, err := s.Query(ctx, "nope", 1, 0)
		require.NoError(t, err)
		assert.Empty(t, streams)
	})

	t.Run("version is checked before command", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Append(ctx, Stream(t, "agg-1", 1, "cmd-1"))
		require.NoError(t, err)

		result, err := s.Append(ctx, Stream(t, "agg-1", 1, "cmd-1"))
		require.NoError(t, err)
		assert.Equal(t, store.AppendDuplicateEvent, result)

		result, err = s.Append(ctx, Stream(t, "agg-1", 1, "cmd-2"))
		require.NoError(t, err)
		assert.Equal(t, store.AppendDuplicateEvent, result)

		result, err = s.Append(ctx, Stream(t, "agg-1", 2, "cmd-1"))
		require.NoError(t, err)
		assert.Equal(t, store.AppendDuplicateCommand, result)
	})

	t.Run("command ids are scoped to the aggregate", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Append(ctx, Stream(t, "agg-1", 1, "cmd-1"))
		require.NoError(t, err)

		result, err := s.Append(ctx, Stream(t, "agg-2", 1, "cmd-1"))
		require.NoError(t, err)
		assert.Equal(t, store.AppendSuccess, result)
	})

	t.Run("query ranges", func(t *testing.T) {
		s := newStore(t)
		for v := int64(1); v <= 5; v++ {
			_, err := s.Append(ctx, Stream(t, "agg-1", v, fmt.Sprintf("cmd-%d", v)))
			require.NoError(t, err)
		}

		all, err := s.Query(ctx, "agg-1", 1, 0)
		require.NoError(t, err)
		require.Len(t, all, 5)
		for i, stream := range all {
			assert.Equal(t, int64(i+1), stream.Version)
		}

		middle, err := s.Query(ctx, "agg-1", 2, 4)
		require.NoError(t, err)
		require.Len(t, middle, 3)
		assert.Equal(t, int64(2), middle[0].Version)
		assert.Equal(t, int64(4), middle[2].Version)
	})

	t.Run("invalid stream is rejected", func(t *testing.T) {
		s := newStore(t)
		stream := Stream(t, "agg-1", 1, "cmd-1")
		stream.Events = nil

		_, err := s.Append(ctx, stream)
		require.ErrorIs(t, err, domain.ErrInvalidStream)
	})

	if !newStore(t).SupportsBatchAppend() {
		return
	}

	t.Run("batch append", func(t *testing.T) {
		s := newStore(t)
		result, err := s.BatchAppend(ctx, []*domain.EventStream{
			Stream(t, "agg-1", 1, "cmd-1"),
			Stream(t, "agg-1", 2, "cmd-2"),
			Stream(t, "agg-1", 3, "cmd-3"),
		})
		require.NoError(t, err)
		assert.Equal(t, store.AppendSuccess, result)

		streams, err := s.Query(ctx, "agg-1", 1, 0)
		require.NoError(t, err)
		assert.Len(t, streams, 3)
	})

	t.Run("batch is all or nothing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Append(ctx, Stream(t, "agg-1", 2, "cmd-2"))
		require.NoError(t, err)

		result, err := s.BatchAppend(ctx, []*domain.EventStream{
			Stream(t, "agg-1", 1, "cmd-1"),
			Stream(t, "agg-1", 2, "cmd-x"),
			Stream(t, "agg-1", 3, "cmd-3"),
		})
		require.NoError(t, err)
		assert.Equal(t, store.AppendDuplicateEvent, result)

		streams, err := s.Query(ctx, "agg-1", 1, 0)
		require.NoError(t, err)
		require.Len(t, streams, 1)
		assert.Equal(t, "cmd-2", streams[0].CommandID)
	})

	t.Run("batch reports duplicate command", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Append(ctx, Stream(t, "agg-1", 1, "cmd-1"))
		require.NoError(t, err)

		result, err := s.BatchAppend(ctx, []*domain.EventStream{
			Stream(t, "agg-1", 2, "cmd-2"),
			Stream(t, "agg-1", 3, "cmd-1"),
		})
		require.NoError(t, err)
		assert.Equal(t, store.AppendDuplicateCommand, result)

		stream, err := s.FindByVersion(ctx, "agg-1", 2)
		require.NoError(t, err)
		assert.Nil(t, stream)
	})
}

// RunCommandStoreTests checks the store.CommandStore contract.
func RunCommandStoreTests(t *testing.T, newStore func(t *testing.T) store.CommandStore) {
	ctx := context.Background()

	t.Run("add and get", func(t *testing.T) {
		s := newStore(t)
		msg, err := domain.NewApplicationMessage(wrapperspb.String("shipped"))
		require.NoError(t, err)

		result, err := s.Add(ctx, &domain.HandledCommand{CommandID: "cmd-1", AggregateID: "agg-1", Message: msg})
		require.NoError(t, err)
		assert.Equal(t, store.CommandAddSuccess, result)

		got, err := s.Get(ctx, "cmd-1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "agg-1", got.AggregateID)
		require.NotNil(t, got.Message)
		assert.Equal(t, msg.ID, got.Message.ID)
		assert.Equal(t, msg.Type, got.Message.Type)

		payload, err := got.Message.Payload()
		require.NoError(t, err)
		assert.Equal(t, "shipped", payload.(*wrapperspb.StringValue).GetValue())
	})

	t.Run("record without message", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Add(ctx, &domain.HandledCommand{CommandID: "cmd-1", AggregateID: "agg-1"})
		require.NoError(t, err)

		got, err := s.Get(ctx, "cmd-1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Nil(t, got.Message)
	})

	t.Run("second add is a duplicate", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Add(ctx, &domain.HandledCommand{CommandID: "cmd-1", AggregateID: "agg-1"})
		require.NoError(t, err)

		result, err := s.Add(ctx, &domain.HandledCommand{CommandID: "cmd-1", AggregateID: "agg-2"})
		require.NoError(t, err)
		assert.Equal(t, store.CommandAddDuplicate, result)

		got, err := s.Get(ctx, "cmd-1")
		require.NoError(t, err)
		assert.Equal(t, "agg-1", got.AggregateID)
	})

	t.Run("missing command is nil", func(t *testing.T) {
		got, err := newStore(t).Get(ctx, "missing")
		require.NoError(t, err)
		assert.Nil(t, got)
	})
}
