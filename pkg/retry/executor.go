// Package retry runs operations against external systems until they
// succeed, classifying every failure as transient or fatal.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/plaenen/eventcore/pkg/domain"
)

// ErrAttemptsExhausted is wrapped by FatalError when MaxAttempts is reached.
var ErrAttemptsExhausted = errors.New("retry attempts exhausted")

// Classification is the decision taken for a failed attempt.
type Classification int

const (
	// Retry re-runs the operation after a backoff delay.
	Retry Classification = iota
	// Fatal stops the loop. The failure violates an invariant of the call site.
	Fatal
)

// Classifier decides how a failed attempt is handled.
type Classifier func(err error) Classification

// DefaultClassifier retries I/O failures and treats anything else as fatal.
func DefaultClassifier(err error) Classification {
	if domain.IsIO(err) {
		return Retry
	}
	return Fatal
}

// FatalError is returned when an operation fails in a way that must not be
// retried. Callers route it to their fatal continuation.
type FatalError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("%s failed after %d attempt(s): %v", e.Op, e.Attempts, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether err came out of a fatal classification.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// Config configures the backoff curve and the optional attempt cap.
type Config struct {
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	Multiplier          float64
	RandomizationFactor float64

	// MaxAttempts caps the attempts of a single operation. Zero retries forever.
	MaxAttempts int
}

// DefaultConfig returns sensible defaults: unlimited attempts, 100ms growing to 5s.
func DefaultConfig() Config {
	return Config{
		InitialInterval:     100 * time.Millisecond,
		MaxInterval:         5 * time.Second,
		Multiplier:          2,
		RandomizationFactor: 0.2,
	}
}

// Observer is notified about every attempt that will be retried.
type Observer func(ctx context.Context, op string, attempt int, err error)

// Executor is the resilience primitive used by every store and publisher call.
type Executor struct {
	cfg      Config
	logger   *slog.Logger
	classify Classifier
	observer Observer
}

// Option configures an Executor.
type Option func(*Executor)

// WithConfig replaces the backoff configuration.
func WithConfig(cfg Config) Option {
	return func(e *Executor) {
		e.cfg = cfg
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) {
		e.logger = logger
	}
}

// WithClassifier replaces DefaultClassifier.
func WithClassifier(c Classifier) Option {
	return func(e *Executor) {
		e.classify = c
	}
}

// WithObserver registers a hook called before each retry (metrics).
func WithObserver(o Observer) Option {
	return func(e *Executor) {
		e.observer = o
	}
}

// New creates an Executor.
func New(opts ...Option) *Executor {
	e := &Executor{
		cfg:      DefaultConfig(),
		logger:   slog.Default(),
		classify: DefaultClassifier,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Executor) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.InitialInterval
	b.MaxInterval = e.cfg.MaxInterval
	b.Multiplier = e.cfg.Multiplier
	b.RandomizationFactor = e.cfg.RandomizationFactor
	b.Reset()
	return b
}

// Do runs action until it succeeds. Business outcomes are part of the
// returned value; the error is either ctx.Err() or a *FatalError.
// describe is only evaluated when something is logged.
func Do[T any](ctx context.Context, e *Executor, op string, describe func() string, action func(context.Context) (T, error)) (T, error) {
	var zero T
	b := e.newBackOff()

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		v, err := action(ctx)
		if err == nil {
			if attempt > 1 {
				e.logger.Info("operation succeeded after retries",
					"op", op, "attempt", attempt, "context", describe())
			}
			return v, nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return zero, ctxErr
		}

		if e.classify(err) != Retry {
			e.logger.Error("operation failed with a non-retryable error",
				"op", op, "attempt", attempt, "context", describe(), "error", err, "fatal", true)
			return zero, &FatalError{Op: op, Attempts: attempt, Err: err}
		}

		if e.cfg.MaxAttempts > 0 && attempt >= e.cfg.MaxAttempts {
			e.logger.Error("operation still failing, giving up",
				"op", op, "attempt", attempt, "context", describe(), "error", err, "fatal", true)
			return zero, &FatalError{Op: op, Attempts: attempt, Err: fmt.Errorf("%w: %w", ErrAttemptsExhausted, err)}
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			wait = e.cfg.MaxInterval
		}
		e.logger.Warn("operation failed, retrying",
			"op", op, "attempt", attempt, "delay", wait, "context", describe(), "error", err)
		if e.observer != nil {
			e.observer(ctx, op, attempt, err)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}
}

// Exec is Do for actions without a result value.
func (e *Executor) Exec(ctx context.Context, op string, describe func() string, action func(context.Context) error) error {
	_, err := Do(ctx, e, op, describe, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, action(ctx)
	})
	return err
}
