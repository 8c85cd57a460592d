package eventing_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plaenen/eventcore/pkg/domain"
	"github.com/plaenen/eventcore/pkg/eventing"
)

type flushRecorder struct {
	release chan struct{}

	mu      sync.Mutex
	batches [][]int64
}

func (r *flushRecorder) flush(batch []*eventing.CommittingContext) {
	if r.release != nil {
		<-r.release
	}
	versions := make([]int64, len(batch))
	for i, c := range batch {
		versions[i] = c.Stream.Version
	}
	r.mu.Lock()
	r.batches = append(r.batches, versions)
	r.mu.Unlock()
	batch[0].Mailbox().Finish()
}

func (r *flushRecorder) Batches() [][]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]int64(nil), r.batches...)
}

func committing(version int64) *eventing.CommittingContext {
	return &eventing.CommittingContext{Stream: &domain.EventStream{AggregateID: "agg-1", Version: version}}
}

func TestEventMailbox_Batches(t *testing.T) {
	t.Run("consecutive versions share a batch", func(t *testing.T) {
		rec := &flushRecorder{release: make(chan struct{}, 10)}
		mailbox := eventing.NewEventMailbox("agg-1", 10, rec.flush, nil)

		for _, v := range []int64{1, 2, 3, 5, 6} {
			require.True(t, mailbox.Enqueue(committing(v)))
		}
		for i := 0; i < 3; i++ {
			rec.release <- struct{}{}
		}

		require.Eventually(t, func() bool { return len(rec.Batches()) == 3 }, 5*time.Second, time.Millisecond)
		assert.Equal(t, [][]int64{{1}, {2, 3}, {5, 6}}, rec.Batches())
	})

	t.Run("batch size caps a batch", func(t *testing.T) {
		rec := &flushRecorder{release: make(chan struct{}, 10)}
		mailbox := eventing.NewEventMailbox("agg-1", 2, rec.flush, nil)

		for v := int64(1); v <= 4; v++ {
			require.True(t, mailbox.Enqueue(committing(v)))
		}
		for i := 0; i < 3; i++ {
			rec.release <- struct{}{}
		}

		require.Eventually(t, func() bool { return len(rec.Batches()) == 3 }, 5*time.Second, time.Millisecond)
		assert.Equal(t, [][]int64{{1}, {2, 3}, {4}}, rec.Batches())
	})
}

func TestEventMailbox_ClearAndHalt(t *testing.T) {
	var mu sync.Mutex
	var flushed []int64
	var mailbox *eventing.EventMailbox
	mailbox = eventing.NewEventMailbox("agg-1", 10, func(batch []*eventing.CommittingContext) {
		mu.Lock()
		for _, c := range batch {
			flushed = append(flushed, c.Stream.Version)
		}
		mu.Unlock()
		if batch[0].Stream.Version == 1 {
			mailbox.Halt(batch[0])
			return
		}
		mailbox.Finish()
	}, nil)
	got := func() []int64 {
		mu.Lock()
		defer mu.Unlock()
		return append([]int64(nil), flushed...)
	}

	require.True(t, mailbox.Enqueue(committing(1)))
	require.Eventually(t, mailbox.IsHalted, time.Second, time.Millisecond)

	require.True(t, mailbox.Enqueue(committing(2)))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []int64{1}, got(), "halted mailbox does not flush")
	assert.Equal(t, 1, mailbox.Len())

	mailbox.Clear()
	assert.Zero(t, mailbox.Len())

	mailbox.Resume()
	assert.False(t, mailbox.IsHalted())
	require.True(t, mailbox.Enqueue(committing(3)))
	require.Eventually(t, func() bool { return len(got()) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, []int64{1, 3}, got())
}
