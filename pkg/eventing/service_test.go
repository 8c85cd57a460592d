package eventing_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plaenen/eventcore/examples/bankaccount"
	"github.com/plaenen/eventcore/internal/testkit"
	"github.com/plaenen/eventcore/pkg/cache"
	"github.com/plaenen/eventcore/pkg/commanding"
	"github.com/plaenen/eventcore/pkg/domain"
	"github.com/plaenen/eventcore/pkg/eventing"
	msgmemory "github.com/plaenen/eventcore/pkg/messaging/memory"
	"github.com/plaenen/eventcore/pkg/retry"
	"github.com/plaenen/eventcore/pkg/store"
	"github.com/plaenen/eventcore/pkg/store/memory"
)

type fixture struct {
	store     *memory.EventStore
	faulty    *testkit.FaultyEventStore
	published *msgmemory.Publisher[*domain.EventStreamMessage]
	service   *eventing.Service
	processor *commanding.Processor

	mu   sync.Mutex
	runs []string
}

func newFixture(t *testing.T, publishHook func(context.Context, *domain.EventStreamMessage) error) *fixture {
	t.Helper()
	f := &fixture{store: memory.NewEventStore()}
	f.faulty = testkit.NewFaultyEventStore(f.store)

	var pubOpts []msgmemory.Option[*domain.EventStreamMessage]
	if publishHook != nil {
		pubOpts = append(pubOpts, msgmemory.WithHook(publishHook))
	}
	f.published = msgmemory.NewPublisher(pubOpts...)

	storage := store.NewEventSourcedStorage(f.store)
	storage.Register(bankaccount.AggregateType, bankaccount.NewAccount)
	aggregates := cache.New(storage)

	executor := retry.New(retry.WithConfig(retry.Config{
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Multiplier:      2,
	}))
	f.service = eventing.NewService(f.faulty, aggregates,
		eventing.WithPublisher(f.published),
		eventing.WithRetryExecutor(executor),
	)

	handlers := commanding.NewRegistry[commanding.CommandHandler]()
	handlers.Register(bankaccount.CommandOpenAccount, commanding.CommandHandlerFunc(bankaccount.HandleOpenAccount))
	handlers.Register(bankaccount.CommandDeposit, commanding.CommandHandlerFunc(bankaccount.HandleDeposit))
	handler := commanding.NewHandler(aggregates, f.faulty, f.service,
		commanding.WithCommandHandlers(handlers),
		commanding.WithRetryExecutor(executor),
	)

	f.processor = commanding.NewProcessor(commanding.MessageHandlerFunc(func(pc *commanding.ProcessingCommand) {
		f.mu.Lock()
		f.runs = append(f.runs, pc.Message.ID())
		f.mu.Unlock()
		handler.Handle(pc)
	}), nil)
	return f
}

func (f *fixture) submit(cmd domain.Command) *commanding.ProcessingCommand {
	pc := commanding.NewProcessingCommand(cmd, nil, nil)
	f.processor.Process(pc)
	return pc
}

func (f *fixture) open(t *testing.T, accountID string) {
	t.Helper()
	result := wait(t, f.submit(&bankaccount.OpenAccount{
		BaseCommand:    bankaccount.Cmd("open-"+accountID, accountID),
		Owner:          "Alice",
		InitialBalance: decimal.NewFromInt(10),
	}))
	require.Equal(t, domain.CommandStatusSuccess, result.Status, result.Result)
}

func (f *fixture) runOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.runs...)
}

func (f *fixture) publishedVersions() []int64 {
	var out []int64
	for _, msg := range f.published.Messages() {
		out = append(out, msg.Version)
	}
	return out
}

func wait(t *testing.T, pc *commanding.ProcessingCommand) *domain.CommandResult {
	t.Helper()
	select {
	case result := <-pc.Done():
		return result
	case <-time.After(10 * time.Second):
		t.Fatalf("command %s did not complete", pc.Message.ID())
		return nil
	}
}

func deposit(commandID, accountID string) *bankaccount.Deposit {
	return &bankaccount.Deposit{
		BaseCommand: bankaccount.Cmd(commandID, accountID),
		Amount:      decimal.NewFromInt(1),
	}
}

func TestService_ConflictRewindsToConflictingCommand(t *testing.T) {
	releasePublish := make(chan struct{})
	f := newFixture(t, func(ctx context.Context, msg *domain.EventStreamMessage) error {
		if msg.Version == 2 {
			select {
			case <-releasePublish:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})
	f.open(t, "acc-1")

	// dep-0 is persisted but stays uncompleted while its publication waits.
	first := f.submit(deposit("dep-0", "acc-1"))
	require.Eventually(t, func() bool { return len(f.store.Versions("acc-1")) == 2 }, 5*time.Second, time.Millisecond)

	f.faulty.OnAppend(testkit.Report(store.AppendDuplicateEvent))
	second := f.submit(deposit("dep-1", "acc-1"))

	require.Eventually(t, func() bool { return len(f.store.Versions("acc-1")) == 3 }, 5*time.Second, time.Millisecond)
	close(releasePublish)

	assert.Equal(t, domain.CommandStatusSuccess, wait(t, first).Status)
	result := wait(t, second)
	assert.Equal(t, domain.CommandStatusSuccess, result.Status, result.Result)
	assert.Equal(t, "12", result.Result)

	// Only the conflicting command runs again; the uncompleted one before it does not.
	assert.Equal(t, []string{"open-acc-1", "dep-0", "dep-1", "dep-1"}, f.runOrder())

	mailbox, ok := f.processor.Mailbox("acc-1")
	require.True(t, ok)
	assert.Equal(t, second.Sequence+1, mailbox.ConsumingSequence())
	assert.Equal(t, []int64{1, 2, 3}, f.publishedVersions())
	assert.Equal(t, 4, f.faulty.Calls("Append"))
}

var errBrokerDown = errors.New("broker down")

func TestService_EvictionKeepsPublicationOrder(t *testing.T) {
	var mu sync.Mutex
	brokerDown := true
	f := newFixture(t, func(_ context.Context, msg *domain.EventStreamMessage) error {
		mu.Lock()
		defer mu.Unlock()
		if msg.Version == 2 && brokerDown {
			return domain.NewIOError("publish", errBrokerDown)
		}
		return nil
	})
	f.open(t, "acc-1")

	first := f.submit(deposit("dep-1", "acc-1"))
	require.Eventually(t, func() bool { return len(f.store.Versions("acc-1")) == 2 }, 5*time.Second, time.Millisecond)

	mailbox, ok := f.service.Mailbox("acc-1")
	require.True(t, ok)
	assert.Equal(t, 1, mailbox.Publishing())

	time.Sleep(5 * time.Millisecond)
	assert.Zero(t, f.service.CleanInactiveMailboxes(time.Millisecond))

	second := f.submit(deposit("dep-2", "acc-1"))
	require.Eventually(t, func() bool { return len(f.store.Versions("acc-1")) == 3 }, 5*time.Second, time.Millisecond)

	mu.Lock()
	brokerDown = false
	mu.Unlock()

	assert.Equal(t, domain.CommandStatusSuccess, wait(t, first).Status)
	assert.Equal(t, domain.CommandStatusSuccess, wait(t, second).Status)
	assert.Equal(t, []int64{1, 2, 3}, f.publishedVersions())

	require.Eventually(t, func() bool { return mailbox.Publishing() == 0 }, 5*time.Second, time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, 1, f.service.CleanInactiveMailboxes(time.Millisecond))
}

func TestService_RepublishLeavesStoredStreamAlone(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	account := bankaccount.NewAccount("acc-1").(*bankaccount.Account)
	account.SetCommandID("seed")
	require.NoError(t, account.Open("Bob", decimal.NewFromInt(10)))
	_, err := f.store.Append(ctx, domain.NewEventStream("seed", account, nil))
	require.NoError(t, err)

	stored, err := f.store.FindByVersion(ctx, "acc-1", 1)
	require.NoError(t, err)

	pc := commanding.NewProcessingCommand(deposit("seed", "acc-1"), map[string]string{"tenant": "t-1"}, nil)
	mailbox := commanding.NewCommandMailbox("acc-1", commanding.MessageHandlerFunc(func(pc *commanding.ProcessingCommand) {
		f.service.PublishDomainEvent(pc, stored)
		pc.Mailbox.TryExecuteNext()
	}), nil)
	require.True(t, mailbox.Enqueue(pc))
	assert.Equal(t, domain.CommandStatusSuccess, wait(t, pc).Status)

	published := f.published.Messages()
	require.Len(t, published, 1)
	assert.Equal(t, "t-1", published[0].Items["tenant"])

	again, err := f.store.FindByVersion(ctx, "acc-1", 1)
	require.NoError(t, err)
	assert.Empty(t, again.Items)
}
