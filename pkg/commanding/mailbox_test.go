package commanding_test

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plaenen/eventcore/pkg/commanding"
	"github.com/plaenen/eventcore/pkg/domain"
)

type testCommand struct {
	domain.BaseCommand
}

func (testCommand) CommandType() string { return "test.Command" }

func newCommand(commandID, aggregateID string) *commanding.ProcessingCommand {
	return commanding.NewProcessingCommand(testCommand{domain.BaseCommand{
		CommandID:       commandID,
		AggregateRootID: aggregateID,
	}}, nil, nil)
}

// recordingHandler completes every command on its second run when twoPass
// is set, mimicking an optimistic commit followed by a rewind.
type recordingHandler struct {
	twoPass bool
	block   chan struct{}

	mu          sync.Mutex
	inFlight    int
	maxInFlight int
	order       []string
	runs        map[string]int
}

func (h *recordingHandler) Handle(pc *commanding.ProcessingCommand) {
	id := pc.Message.ID()

	h.mu.Lock()
	h.inFlight++
	h.maxInFlight = max(h.maxInFlight, h.inFlight)
	h.order = append(h.order, id)
	if h.runs == nil {
		h.runs = make(map[string]int)
	}
	h.runs[id]++
	run := h.runs[id]
	h.mu.Unlock()

	if h.block != nil {
		<-h.block
	}
	time.Sleep(time.Millisecond)

	h.mu.Lock()
	h.inFlight--
	h.mu.Unlock()

	if !h.twoPass || run > 1 {
		pc.Mailbox.CompleteMessage(pc, domain.NewCommandResult(domain.CommandStatusSuccess,
			id, pc.Message.AggregateID(), fmt.Sprintf("run %d", run), domain.ResultTypeString))
	}
	pc.Mailbox.TryExecuteNext()
}

func (h *recordingHandler) Order() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.order...)
}

func waitResult(t *testing.T, pc *commanding.ProcessingCommand) *domain.CommandResult {
	t.Helper()
	select {
	case result := <-pc.Done():
		return result
	case <-time.After(5 * time.Second):
		t.Fatalf("command %s not completed", pc.Message.ID())
		return nil
	}
}

func TestCommandMailbox_Serializes(t *testing.T) {
	handler := &recordingHandler{}
	mailbox := commanding.NewCommandMailbox("agg-1", handler, nil)

	var cmds []*commanding.ProcessingCommand
	for i := 0; i < 20; i++ {
		pc := newCommand(fmt.Sprintf("cmd-%02d", i), "agg-1")
		require.True(t, mailbox.Enqueue(pc))
		assert.Equal(t, int64(i), pc.Sequence)
		cmds = append(cmds, pc)
	}

	var want []string
	for _, pc := range cmds {
		result := waitResult(t, pc)
		assert.Equal(t, domain.CommandStatusSuccess, result.Status)
		want = append(want, pc.Message.ID())
	}

	assert.Equal(t, want, handler.Order())
	assert.Equal(t, 1, handler.maxInFlight)
	assert.Zero(t, mailbox.TotalUnhandled())
	assert.Equal(t, int64(20), mailbox.ConsumingSequence())
}

func TestCommandMailbox_ResetConsumingOffset(t *testing.T) {
	handler := &recordingHandler{twoPass: true}
	mailbox := commanding.NewCommandMailbox("agg-1", handler, nil)

	cmds := []*commanding.ProcessingCommand{
		newCommand("a", "agg-1"),
		newCommand("b", "agg-1"),
		newCommand("c", "agg-1"),
	}
	for _, pc := range cmds {
		require.True(t, mailbox.Enqueue(pc))
	}
	require.Eventually(t, func() bool { return len(handler.Order()) == 3 && !mailbox.IsRunning() },
		5*time.Second, time.Millisecond)
	assert.Equal(t, 3, mailbox.TotalUnhandled())

	mailbox.Pause()
	mailbox.ResetConsumingOffset(1)
	mailbox.Resume()

	for _, pc := range cmds[1:] {
		assert.Equal(t, "run 2", waitResult(t, pc).Result)
	}
	assert.Equal(t, []string{"a", "b", "c", "b", "c"}, handler.Order())
	assert.Equal(t, 1, mailbox.TotalUnhandled(), "a was never completed")

	t.Run("rewind skips completed commands", func(t *testing.T) {
		mailbox.Pause()
		mailbox.ResetConsumingOffset(0)
		mailbox.Resume()

		assert.Equal(t, "run 2", waitResult(t, cmds[0]).Result)
		assert.Equal(t, []string{"a", "b", "c", "b", "c", "a"}, handler.Order())
		assert.Zero(t, mailbox.TotalUnhandled())
	})
}

func TestCommandMailbox_PauseWaitsForInFlight(t *testing.T) {
	handler := &recordingHandler{block: make(chan struct{})}
	mailbox := commanding.NewCommandMailbox("agg-1", handler, nil)

	first := newCommand("a", "agg-1")
	second := newCommand("b", "agg-1")
	require.True(t, mailbox.Enqueue(first))
	require.True(t, mailbox.Enqueue(second))
	require.Eventually(t, mailbox.IsRunning, time.Second, time.Millisecond)

	paused := make(chan struct{})
	go func() {
		mailbox.Pause()
		close(paused)
	}()

	select {
	case <-paused:
		t.Fatal("pause returned while a command was in flight")
	case <-time.After(20 * time.Millisecond):
	}

	handler.block <- struct{}{}
	<-paused
	waitResult(t, first)

	select {
	case <-second.Done():
		t.Fatal("paused mailbox ran a command")
	case <-time.After(20 * time.Millisecond):
	}

	mailbox.Resume()
	handler.block <- struct{}{}
	waitResult(t, second)
}

func TestCommandMailbox_CompleteOnce(t *testing.T) {
	var calls int
	pc := commanding.NewProcessingCommand(testCommand{domain.BaseCommand{CommandID: "a", AggregateRootID: "agg-1"}},
		nil, func(*domain.CommandResult) { calls++ })
	mailbox := commanding.NewCommandMailbox("agg-1", commanding.MessageHandlerFunc(func(*commanding.ProcessingCommand) {}), nil)
	require.True(t, mailbox.Enqueue(pc))

	mailbox.CompleteMessage(pc, domain.NewCommandResult(domain.CommandStatusSuccess, "a", "agg-1", "first", ""))
	mailbox.CompleteMessage(pc, domain.NewCommandResult(domain.CommandStatusFailed, "a", "agg-1", "second", ""))

	assert.Equal(t, "first", waitResult(t, pc).Result)
	assert.Equal(t, 1, calls)
}

func TestCommandMailbox_PanicFailsCommand(t *testing.T) {
	mailbox := commanding.NewCommandMailbox("agg-1", commanding.MessageHandlerFunc(func(pc *commanding.ProcessingCommand) {
		if pc.Message.ID() == "boom" {
			panic("handler exploded")
		}
		pc.Mailbox.CompleteMessage(pc, domain.NewCommandResult(domain.CommandStatusSuccess, pc.Message.ID(), "agg-1", "", ""))
		pc.Mailbox.TryExecuteNext()
	}), nil)

	boom := newCommand("boom", "agg-1")
	next := newCommand("next", "agg-1")
	require.True(t, mailbox.Enqueue(boom))
	require.True(t, mailbox.Enqueue(next))

	result := waitResult(t, boom)
	assert.Equal(t, domain.CommandStatusFailed, result.Status)
	assert.Contains(t, result.Result, "handler exploded")
	assert.Equal(t, domain.CommandStatusSuccess, waitResult(t, next).Status)
}

func TestProcessor(t *testing.T) {
	handler := &recordingHandler{}
	processor := commanding.NewProcessor(handler, nil)

	var cmds []*commanding.ProcessingCommand
	for i := 0; i < 4; i++ {
		pc := newCommand(fmt.Sprintf("cmd-%d", i), fmt.Sprintf("agg-%d", i%2))
		processor.Process(pc)
		cmds = append(cmds, pc)
	}
	for _, pc := range cmds {
		waitResult(t, pc)
	}

	first, ok := processor.Mailbox("agg-0")
	require.True(t, ok)
	assert.Same(t, first, cmds[0].Mailbox)
	assert.Same(t, first, cmds[2].Mailbox)
	assert.NotSame(t, first, cmds[1].Mailbox)

	t.Run("inactive mailboxes are evicted", func(t *testing.T) {
		assert.Zero(t, processor.CleanInactiveMailboxes(time.Hour))
		assert.Equal(t, 2, processor.CleanInactiveMailboxes(0))

		_, ok := processor.Mailbox("agg-0")
		assert.False(t, ok)
		assert.False(t, first.Enqueue(newCommand("late", "agg-0")), "evicted mailbox refuses work")

		pc := newCommand("cmd-4", "agg-0")
		processor.Process(pc)
		waitResult(t, pc)
		assert.NotSame(t, first, pc.Mailbox)
	})
}
