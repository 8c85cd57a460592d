package gocloud_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/pubsub"
	_ "gocloud.dev/pubsub/mempubsub"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/plaenen/eventcore/internal/storetest"
	"github.com/plaenen/eventcore/pkg/domain"
	"github.com/plaenen/eventcore/pkg/messaging/gocloud"
)

func openPair(t *testing.T, name string) (*gocloud.Publisher, *pubsub.Subscription) {
	t.Helper()
	ctx := context.Background()

	p, err := gocloud.OpenPublisher(ctx, "mem://"+name)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close(context.Background()) })

	sub, err := pubsub.OpenSubscription(ctx, "mem://"+name)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Shutdown(context.Background()) })
	return p, sub
}

func receive(t *testing.T, sub *pubsub.Subscription) *pubsub.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msg, err := sub.Receive(ctx)
	require.NoError(t, err)
	msg.Ack()
	return msg
}

func TestPublisher(t *testing.T) {
	ctx := context.Background()

	t.Run("event stream", func(t *testing.T) {
		p, sub := openPair(t, "events")
		stream := storetest.Stream(t, "acc-1", 3, "cmd-3")
		require.NoError(t, p.Events().Publish(ctx, domain.NewEventStreamMessage(stream)))

		msg := receive(t, sub)
		assert.Equal(t, gocloud.KindEventStream, msg.Metadata[gocloud.MetadataKind])
		assert.Equal(t, "acc-1:3", msg.Metadata[gocloud.MetadataID])
		assert.Equal(t, "Test", msg.Metadata[gocloud.MetadataAggregateType])
		assert.Equal(t, "3", msg.Metadata[gocloud.MetadataVersion])

		var got domain.EventStreamMessage
		require.NoError(t, json.Unmarshal(msg.Body, &got))
		assert.Equal(t, "cmd-3", got.CommandID)
		require.Len(t, got.Events, 1)
	})

	t.Run("application message", func(t *testing.T) {
		p, sub := openPair(t, "messages")
		appMsg, err := domain.NewApplicationMessage(wrapperspb.String("shipped"))
		require.NoError(t, err)
		require.NoError(t, p.Messages().Publish(ctx, appMsg))

		msg := receive(t, sub)
		assert.Equal(t, gocloud.KindMessage, msg.Metadata[gocloud.MetadataKind])
		assert.Equal(t, appMsg.ID, msg.Metadata[gocloud.MetadataID])
		assert.Equal(t, "google.protobuf.StringValue", msg.Metadata[gocloud.MetadataType])
	})

	t.Run("exception", func(t *testing.T) {
		p, sub := openPair(t, "exceptions")
		ex := domain.NewDomainException("Overdrawn", "balance too low", map[string]string{"account": "acc-1"})
		require.NoError(t, p.Exceptions().Publish(ctx, ex))

		msg := receive(t, sub)
		assert.Equal(t, gocloud.KindException, msg.Metadata[gocloud.MetadataKind])

		var got domain.ExceptionMessage
		require.NoError(t, json.Unmarshal(msg.Body, &got))
		assert.Equal(t, "Overdrawn", got.Type)
		assert.Equal(t, "acc-1", got.Items["account"])
	})

	t.Run("closed topic fails with an IO error", func(t *testing.T) {
		p, _ := openPair(t, "closed")
		require.NoError(t, p.Close(ctx))

		err := p.Events().Publish(ctx, domain.NewEventStreamMessage(storetest.Stream(t, "acc-1", 1, "cmd-1")))
		require.Error(t, err)
		assert.True(t, domain.IsIO(err))
	})

	t.Run("empty url", func(t *testing.T) {
		_, err := gocloud.OpenPublisher(ctx, "")
		require.Error(t, err)
	})
}
