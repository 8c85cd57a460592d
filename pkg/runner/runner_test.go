package runner_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plaenen/eventcore/pkg/runner"
)

type fakeService struct {
	name     string
	startErr error
	stopErr  error
	health   error
	log      *eventLog
}

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(e string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func (s *fakeService) Name() string { return s.name }

func (s *fakeService) Start(context.Context) error {
	s.log.add("start " + s.name)
	return s.startErr
}

func (s *fakeService) Stop(context.Context) error {
	s.log.add("stop " + s.name)
	return s.stopErr
}

func (s *fakeService) HealthCheck(context.Context) error { return s.health }

func TestRunner_Run(t *testing.T) {
	t.Run("starts in order and stops in reverse", func(t *testing.T) {
		log := &eventLog{}
		r := runner.New([]runner.Service{
			&fakeService{name: "nats", log: log},
			&fakeService{name: "engine", log: log},
		}, runner.WithSignalHandling(false))

		ctx, cancel := context.WithCancel(context.Background())
		errCh := make(chan error, 1)
		go func() { errCh <- r.Run(ctx) }()

		require.Eventually(t, func() bool { return len(log.all()) == 2 }, time.Second, 5*time.Millisecond)
		cancel()

		select {
		case err := <-errCh:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("runner did not stop")
		}
		assert.Equal(t, []string{"start nats", "start engine", "stop engine", "stop nats"}, log.all())
	})

	t.Run("failed start stops started services", func(t *testing.T) {
		log := &eventLog{}
		boom := errors.New("boom")
		r := runner.New([]runner.Service{
			&fakeService{name: "nats", log: log},
			&fakeService{name: "engine", startErr: boom, log: log},
		}, runner.WithSignalHandling(false))

		err := r.Run(context.Background())
		require.ErrorIs(t, err, boom)
		assert.Equal(t, []string{"start nats", "start engine", "stop nats"}, log.all())
	})

	t.Run("stop errors are aggregated", func(t *testing.T) {
		log := &eventLog{}
		r := runner.New([]runner.Service{
			&fakeService{name: "a", stopErr: errors.New("a failed"), log: log},
			&fakeService{name: "b", stopErr: errors.New("b failed"), log: log},
		}, runner.WithSignalHandling(false), runner.WithLogger(runner.SlogLogger(nil)))

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := r.Run(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "a failed")
		assert.Contains(t, err.Error(), "b failed")
	})
}

func TestRunner_HealthCheck(t *testing.T) {
	log := &eventLog{}
	r := runner.New([]runner.Service{
		&fakeService{name: "ok", log: log},
		&fakeService{name: "sick", health: errors.New("disk full"), log: log},
	})

	err := r.HealthCheck(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sick")
}
