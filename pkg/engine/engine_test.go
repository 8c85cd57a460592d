package engine_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plaenen/eventcore/examples/bankaccount"
	"github.com/plaenen/eventcore/internal/testkit"
	"github.com/plaenen/eventcore/pkg/commanding"
	"github.com/plaenen/eventcore/pkg/config"
	"github.com/plaenen/eventcore/pkg/domain"
	"github.com/plaenen/eventcore/pkg/engine"
	msgmemory "github.com/plaenen/eventcore/pkg/messaging/memory"
	"github.com/plaenen/eventcore/pkg/middleware"
	"github.com/plaenen/eventcore/pkg/store"
	"github.com/plaenen/eventcore/pkg/store/memory"
)

type harness struct {
	engine     *engine.Engine
	store      *memory.EventStore
	faulty     *testkit.FaultyEventStore
	events     *msgmemory.Publisher[*domain.EventStreamMessage]
	messages   *msgmemory.Publisher[*domain.ApplicationMessage]
	exceptions *msgmemory.Publisher[domain.PublishableException]
	notifier   *bankaccount.Notifier
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	cfg          config.Config
	store        *memory.EventStore
	commandStore store.CommandStore
	eventHook    func(context.Context, *domain.EventStreamMessage) error
	engineOpts   []engine.Option
}

func withStore(s *memory.EventStore) harnessOption {
	return func(c *harnessConfig) { c.store = s }
}

func withConfig(fn func(*config.Config)) harnessOption {
	return func(c *harnessConfig) { fn(&c.cfg) }
}

func withCommandStore(s store.CommandStore) harnessOption {
	return func(c *harnessConfig) { c.commandStore = s }
}

func withEventHook(hook func(context.Context, *domain.EventStreamMessage) error) harnessOption {
	return func(c *harnessConfig) { c.eventHook = hook }
}

func withEngineOptions(opts ...engine.Option) harnessOption {
	return func(c *harnessConfig) { c.engineOpts = append(c.engineOpts, opts...) }
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.RetryInitialInterval = time.Millisecond
	cfg.RetryMaxInterval = 10 * time.Millisecond
	return cfg
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	hc := harnessConfig{cfg: testConfig()}
	for _, opt := range opts {
		opt(&hc)
	}
	if hc.store == nil {
		hc.store = memory.NewEventStore()
	}
	if hc.commandStore == nil {
		hc.commandStore = memory.NewCommandStore()
	}

	var eventOpts []msgmemory.Option[*domain.EventStreamMessage]
	if hc.eventHook != nil {
		eventOpts = append(eventOpts, msgmemory.WithHook(hc.eventHook))
	}

	h := &harness{
		store:      hc.store,
		faulty:     testkit.NewFaultyEventStore(hc.store),
		events:     msgmemory.NewPublisher(eventOpts...),
		messages:   msgmemory.NewPublisher[*domain.ApplicationMessage](),
		exceptions: msgmemory.NewPublisher[domain.PublishableException](),
		notifier:   &bankaccount.Notifier{},
	}

	engineOpts := append([]engine.Option{
		engine.WithCommandStore(hc.commandStore),
		engine.WithEventPublisher(h.events),
		engine.WithMessagePublisher(h.messages),
		engine.WithExceptionPublisher(h.exceptions),
	}, hc.engineOpts...)

	e, err := engine.New(hc.cfg, h.faulty, engineOpts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	bankaccount.Register(e, h.notifier)
	h.engine = e
	return h
}

func (h *harness) submit(t *testing.T, cmd domain.Command) *domain.CommandResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	result, err := h.engine.Submit(ctx, cmd)
	require.NoError(t, err)
	require.NotNil(t, result)
	return result
}

func (h *harness) open(t *testing.T, accountID string, initial string) {
	t.Helper()
	result := h.submit(t, &bankaccount.OpenAccount{
		BaseCommand:    bankaccount.Cmd("open-"+accountID, accountID),
		Owner:          "Alice",
		InitialBalance: decimal.RequireFromString(initial),
	})
	require.Equal(t, domain.CommandStatusSuccess, result.Status, result.Result)
}

func (h *harness) account(t *testing.T, accountID string) *bankaccount.Account {
	t.Helper()
	agg, err := h.engine.Load(context.Background(), bankaccount.AggregateType, accountID)
	require.NoError(t, err)
	require.NotNil(t, agg)
	return agg.(*bankaccount.Account)
}

func deposit(commandID, accountID, amount string) *bankaccount.Deposit {
	return &bankaccount.Deposit{
		BaseCommand: bankaccount.Cmd(commandID, accountID),
		Amount:      decimal.RequireFromString(amount),
	}
}

func versions(n int) []int64 {
	out := make([]int64, n)
	for i := range out {
		out[i] = int64(i + 1)
	}
	return out
}

func TestEngine_OpenAndDeposit(t *testing.T) {
	h := newHarness(t)
	h.open(t, "acc-1", "100")

	var wg sync.WaitGroup
	results := make([]*domain.CommandResult, 2)
	for i, amount := range []string{"10", "20"} {
		wg.Add(1)
		go func(i int, amount string) {
			defer wg.Done()
			results[i] = h.submit(t, deposit(fmt.Sprintf("dep-%d", i), "acc-1", amount))
		}(i, amount)
	}
	wg.Wait()

	for _, result := range results {
		assert.Equal(t, domain.CommandStatusSuccess, result.Status, result.Result)
	}

	account := h.account(t, "acc-1")
	assert.Equal(t, int64(3), account.Version())
	assert.True(t, decimal.RequireFromString("130").Equal(account.Balance), account.Balance.String())
	assert.Equal(t, versions(3), h.store.Versions("acc-1"))

	published := h.events.Messages()
	require.Len(t, published, 3)
	for i, msg := range published {
		assert.Equal(t, int64(i+1), msg.Version, "publication order")
	}

	t.Run("result is the handler result", func(t *testing.T) {
		result := h.submit(t, deposit("dep-3", "acc-1", "5"))
		assert.Equal(t, "135", result.Result)
		assert.Equal(t, domain.ResultTypeString, result.ResultType)
		assert.Equal(t, "dep-3", result.CommandID)
		assert.Equal(t, "acc-1", result.AggregateID)
	})
}

func TestEngine_DuplicateSubmission(t *testing.T) {
	h := newHarness(t)
	h.open(t, "acc-1", "100")

	first := h.submit(t, deposit("dep-1", "acc-1", "10"))
	require.Equal(t, domain.CommandStatusSuccess, first.Status)

	second := h.submit(t, deposit("dep-1", "acc-1", "10"))
	assert.Equal(t, first, second)

	assert.Equal(t, versions(2), h.store.Versions("acc-1"))
	assert.True(t, decimal.RequireFromString("110").Equal(h.account(t, "acc-1").Balance))

	t.Run("later commands see the stored state", func(t *testing.T) {
		result := h.submit(t, deposit("dep-2", "acc-1", "1"))
		require.Equal(t, domain.CommandStatusSuccess, result.Status)
		assert.Equal(t, "111", result.Result)
		assert.Equal(t, versions(3), h.store.Versions("acc-1"))
	})

	t.Run("duplicate creation replays the creation result", func(t *testing.T) {
		result := h.submit(t, &bankaccount.OpenAccount{
			BaseCommand:    bankaccount.Cmd("open-acc-1", "acc-1"),
			Owner:          "Alice",
			InitialBalance: decimal.RequireFromString("100"),
		})
		assert.Equal(t, domain.CommandStatusSuccess, result.Status)
		assert.Equal(t, "acc-1", result.Result)
		assert.Equal(t, versions(3), h.store.Versions("acc-1"))
	})
}

func TestEngine_CommandOutcomes(t *testing.T) {
	h := newHarness(t)
	h.open(t, "acc-1", "100")
	h.open(t, "acc-2", "0")

	t.Run("two dirty aggregates fail", func(t *testing.T) {
		result := h.submit(t, &bankaccount.Transfer{
			BaseCommand: bankaccount.Cmd("transfer-1", "acc-1"),
			To:          "acc-2",
			Amount:      decimal.RequireFromString("10"),
		})
		assert.Equal(t, domain.CommandStatusFailed, result.Status)
		assert.Contains(t, result.Result, "more than one aggregate")
		assert.Equal(t, versions(1), h.store.Versions("acc-1"))
		assert.Equal(t, versions(1), h.store.Versions("acc-2"))
	})

	t.Run("failed command leaves no trace in the cache", func(t *testing.T) {
		result := h.submit(t, &bankaccount.GetBalance{BaseCommand: bankaccount.Cmd("balance-1", "acc-1")})
		assert.Equal(t, domain.CommandStatusNothingChanged, result.Status)
		assert.Equal(t, "100", result.Result)
	})

	t.Run("publishable exception", func(t *testing.T) {
		result := h.submit(t, &bankaccount.Withdraw{
			BaseCommand: bankaccount.Cmd("withdraw-1", "acc-1"),
			Amount:      decimal.RequireFromString("500"),
		})
		assert.Equal(t, domain.CommandStatusFailed, result.Status)
		assert.Equal(t, "InsufficientFunds", result.ResultType)

		exceptions := h.exceptions.Messages()
		require.Len(t, exceptions, 1)
		items := map[string]string{}
		exceptions[0].SerializeTo(items)
		assert.Equal(t, "acc-1", items["account_id"])
	})

	t.Run("plain handler error", func(t *testing.T) {
		result := h.submit(t, deposit("dep-neg", "acc-1", "-5"))
		assert.Equal(t, domain.CommandStatusFailed, result.Status)
		assert.Contains(t, result.Result, "must be positive")
	})

	t.Run("unknown aggregate", func(t *testing.T) {
		result := h.submit(t, deposit("dep-missing", "nope", "5"))
		assert.Equal(t, domain.CommandStatusFailed, result.Status)
		assert.Contains(t, result.Result, domain.ErrAggregateNotFound.Error())
	})

	t.Run("no handler", func(t *testing.T) {
		result := h.submit(t, &unhandled{BaseCommand: bankaccount.Cmd("x-1", "acc-1")})
		assert.Equal(t, domain.CommandStatusFailed, result.Status)
		assert.Contains(t, result.Result, "No command handler found")
	})

	t.Run("missing aggregate id", func(t *testing.T) {
		result := h.submit(t, deposit("dep-noid", "", "5"))
		assert.Equal(t, domain.CommandStatusFailed, result.Status)
		assert.Contains(t, result.Result, "cannot be null or empty")
	})

	t.Run("ambiguous handlers", func(t *testing.T) {
		h.engine.RegisterHandler(bankaccount.CommandGetBalance, commandingNoop{})
		result := h.submit(t, &bankaccount.GetBalance{BaseCommand: bankaccount.Cmd("balance-2", "acc-1")})
		assert.Equal(t, domain.CommandStatusFailed, result.Status)
		assert.Contains(t, result.Result, "More than one command handler data found")
	})
}

func TestEngine_ConcurrentCreation(t *testing.T) {
	shared := memory.NewEventStore()
	a := newHarness(t, withStore(shared))
	b := newHarness(t, withStore(shared))

	for round := 0; round < 10; round++ {
		accountID := fmt.Sprintf("acc-%d", round)
		var wg sync.WaitGroup
		results := make([]*domain.CommandResult, 2)
		for i, h := range []*harness{a, b} {
			wg.Add(1)
			go func(i int, h *harness) {
				defer wg.Done()
				results[i] = h.submit(t, &bankaccount.OpenAccount{
					BaseCommand:    bankaccount.Cmd(fmt.Sprintf("open-%d-%d", round, i), accountID),
					Owner:          fmt.Sprintf("owner-%d", i),
					InitialBalance: decimal.RequireFromString("1"),
				})
			}(i, h)
		}
		wg.Wait()

		var success, failed int
		for _, result := range results {
			switch result.Status {
			case domain.CommandStatusSuccess:
				success++
			case domain.CommandStatusFailed:
				failed++
				assert.Equal(t, "Duplicate aggregate creation.", result.Result)
			}
		}
		assert.Equal(t, 1, success, "round %d", round)
		assert.Equal(t, 1, failed, "round %d", round)
		assert.Equal(t, versions(1), shared.Versions(accountID))
	}
}

func TestEngine_GapFreeVersionsAcrossEngines(t *testing.T) {
	shared := memory.NewEventStore()
	a := newHarness(t, withStore(shared))
	b := newHarness(t, withStore(shared))
	a.open(t, "acc-1", "0")

	const perEngine = 15
	var wg sync.WaitGroup
	for i, h := range []*harness{a, b} {
		for n := 0; n < perEngine; n++ {
			wg.Add(1)
			go func(i, n int, h *harness) {
				defer wg.Done()
				result := h.submit(t, deposit(fmt.Sprintf("dep-%d-%d", i, n), "acc-1", "1"))
				assert.Equal(t, domain.CommandStatusSuccess, result.Status, result.Result)
			}(i, n, h)
		}
	}
	wg.Wait()

	assert.Equal(t, versions(1+2*perEngine), shared.Versions("acc-1"))
	account := a.account(t, "acc-1")
	assert.True(t, decimal.NewFromInt(2*perEngine).Equal(account.Balance), account.Balance.String())
}

func TestEngine_CloseAndCancel(t *testing.T) {
	t.Run("submit after close", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.engine.Close())
		require.NoError(t, h.engine.Close())

		_, err := h.engine.Submit(context.Background(), deposit("dep-1", "acc-1", "1"))
		require.ErrorIs(t, err, domain.ErrEngineClosed)
		require.ErrorIs(t, h.engine.SubmitAsync(deposit("dep-2", "acc-1", "1"), nil), domain.ErrEngineClosed)
		require.ErrorIs(t, h.engine.Start(context.Background()), domain.ErrEngineClosed)
	})

	t.Run("caller context ends first", func(t *testing.T) {
		block := make(chan struct{})
		h := newHarness(t, withEventHook(func(ctx context.Context, _ *domain.EventStreamMessage) error {
			select {
			case <-block:
			case <-ctx.Done():
			}
			return nil
		}))
		defer close(block)

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err := h.engine.Submit(ctx, &bankaccount.OpenAccount{
			BaseCommand:    bankaccount.Cmd("open-1", "acc-1"),
			Owner:          "Alice",
			InitialBalance: decimal.Zero,
		})
		require.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("async submission", func(t *testing.T) {
		h := newHarness(t)
		done := make(chan *domain.CommandResult, 1)
		require.NoError(t, h.engine.SubmitAsync(&bankaccount.OpenAccount{
			BaseCommand:    bankaccount.Cmd("open-1", "acc-1"),
			Owner:          "Alice",
			InitialBalance: decimal.Zero,
		}, func(r *domain.CommandResult) { done <- r }))

		select {
		case result := <-done:
			assert.Equal(t, domain.CommandStatusSuccess, result.Status)
		case <-time.After(5 * time.Second):
			t.Fatal("callback not called")
		}
	})

	t.Run("items travel with the stream", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		result, err := h.engine.Submit(ctx, &bankaccount.OpenAccount{
			BaseCommand:    bankaccount.Cmd("open-1", "acc-1"),
			Owner:          "Alice",
			InitialBalance: decimal.Zero,
		}, engine.WithItems(map[string]string{"tenant": "t-1"}))
		require.NoError(t, err)
		require.Equal(t, domain.CommandStatusSuccess, result.Status)

		stream, err := h.store.FindByVersion(ctx, "acc-1", 1)
		require.NoError(t, err)
		assert.Equal(t, "t-1", stream.Items["tenant"])
		assert.Equal(t, "acc-1", stream.Items[domain.ItemCommandResult])
	})
}

func TestEngine_CleanInactive(t *testing.T) {
	h := newHarness(t, withConfig(func(c *config.Config) {
		c.AggregateMaxInactive = time.Millisecond
		c.ScanInactiveInterval = 5 * time.Millisecond
	}))
	require.NoError(t, h.engine.Start(context.Background()))
	h.open(t, "acc-1", "10")

	require.Eventually(t, func() bool { return h.engine.Cache().Len() == 0 }, 5*time.Second, 5*time.Millisecond)

	result := h.submit(t, deposit("dep-1", "acc-1", "5"))
	assert.Equal(t, domain.CommandStatusSuccess, result.Status)
	assert.Equal(t, "15", result.Result)
}

type unhandled struct {
	domain.BaseCommand
}

func (unhandled) CommandType() string { return "test.Unhandled" }

type commandingNoop struct{}

func (commandingNoop) Handle(commanding.CommandContext, domain.Command) error { return nil }

func TestEngine_HandlerMiddleware(t *testing.T) {
	h := newHarness(t, withEngineOptions(engine.WithHandlerMiddleware(middleware.Validation())))

	result := h.submit(t, &bankaccount.OpenAccount{
		BaseCommand: bankaccount.Cmd("open-1", "acc-1"),
		Owner:       "Alice",
		Email:       "not-an-address",
	})
	assert.Equal(t, domain.CommandStatusFailed, result.Status)
	assert.Contains(t, result.Result, "Please enter a valid Email")

	stream, err := h.store.FindByVersion(context.Background(), "acc-1", 1)
	require.NoError(t, err)
	assert.Nil(t, stream)

	result = h.submit(t, &bankaccount.OpenAccount{
		BaseCommand: bankaccount.Cmd("open-2", "acc-1"),
		Owner:       "Alice",
		Email:       "alice@example.com",
	})
	assert.Equal(t, domain.CommandStatusSuccess, result.Status)
}

type slowDeposit struct {
	domain.BaseCommand
}

func (slowDeposit) CommandType() string { return "test.SlowDeposit" }

func TestEngine_TransferLeavesTargetUntouched(t *testing.T) {
	h := newHarness(t)
	h.open(t, "acc-a", "500")
	h.open(t, "acc-b", "0")

	loaded := make(chan struct{})
	release := make(chan struct{})
	h.engine.RegisterHandlerFunc("test.SlowDeposit", func(ctx commanding.CommandContext, cmd domain.Command) error {
		account, err := commanding.Load[*bankaccount.Account](ctx, bankaccount.AggregateType, cmd.AggregateID())
		if err != nil {
			return err
		}
		close(loaded)
		<-release
		return account.Deposit(decimal.NewFromInt(1))
	})

	slow := make(chan *domain.CommandResult, 1)
	go func() {
		slow <- h.submit(t, &slowDeposit{BaseCommand: bankaccount.Cmd("slow-1", "acc-b")})
	}()
	<-loaded

	result := h.submit(t, &bankaccount.Transfer{
		BaseCommand: bankaccount.Cmd("transfer-1", "acc-a"),
		To:          "acc-b",
		Amount:      decimal.NewFromInt(100),
	})
	assert.Equal(t, domain.CommandStatusFailed, result.Status)
	assert.Contains(t, result.Result, "more than one aggregate")

	close(release)
	result = <-slow
	require.Equal(t, domain.CommandStatusSuccess, result.Status, result.Result)

	stream, err := h.store.FindByVersion(context.Background(), "acc-b", 2)
	require.NoError(t, err)
	require.NotNil(t, stream)
	assert.Len(t, stream.Events, 1)
	assert.Equal(t, versions(1), h.store.Versions("acc-a"))
	assert.True(t, decimal.NewFromInt(1).Equal(h.account(t, "acc-b").Balance))
	assert.True(t, decimal.NewFromInt(500).Equal(h.account(t, "acc-a").Balance))
}
