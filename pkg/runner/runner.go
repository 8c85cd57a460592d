// Package runner starts a set of services in order and stops them in reverse
// order when the context ends or a signal arrives.
package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
)

// Runner manages the lifecycle of multiple services.
type Runner struct {
	services        []Service
	logger          Logger
	shutdownTimeout time.Duration
	startupTimeout  time.Duration
	handleSignals   bool
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger.
func WithLogger(logger Logger) Option {
	return func(r *Runner) {
		r.logger = logger
	}
}

// WithShutdownTimeout bounds graceful shutdown (default 30s).
func WithShutdownTimeout(timeout time.Duration) Option {
	return func(r *Runner) {
		r.shutdownTimeout = timeout
	}
}

// WithStartupTimeout bounds each service's Start (default 1m).
func WithStartupTimeout(timeout time.Duration) Option {
	return func(r *Runner) {
		r.startupTimeout = timeout
	}
}

// WithSignalHandling makes Run stop on SIGINT or SIGTERM (default true).
func WithSignalHandling(enabled bool) Option {
	return func(r *Runner) {
		r.handleSignals = enabled
	}
}

// New creates a Runner for services.
func New(services []Service, opts ...Option) *Runner {
	r := &Runner{
		services:        services,
		logger:          noopLogger{},
		shutdownTimeout: 30 * time.Second,
		startupTimeout:  time.Minute,
		handleSignals:   true,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run starts the services sequentially and blocks until ctx is done, then
// stops them in reverse order. A failing Start stops the services already
// started and returns the error.
func (r *Runner) Run(ctx context.Context) error {
	if r.handleSignals {
		var stop context.CancelFunc
		ctx, stop = ShutdownContext(ctx)
		defer stop()
	}

	r.logger.Info("starting services", "count", len(r.services))
	var started []Service

	for _, service := range r.services {
		r.logger.Info("starting service", "service", service.Name())

		startCtx, cancel := context.WithTimeout(ctx, r.startupTimeout)
		err := service.Start(startCtx)
		cancel()

		if err != nil {
			r.logger.Error("failed to start service", "service", service.Name(), "error", err)
			return multierr.Append(
				fmt.Errorf("start service %s: %w", service.Name(), err),
				r.stopServices(started),
			)
		}

		started = append(started, service)
		r.logger.Info("service started", "service", service.Name())
	}

	r.logger.Info("all services started")
	<-ctx.Done()

	r.logger.Info("shutting down services", "timeout", r.shutdownTimeout)
	return r.stopServices(started)
}

// stopServices stops services in reverse order. Each one gets the remaining
// shutdown budget.
func (r *Runner) stopServices(services []Service) error {
	if len(services) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.shutdownTimeout)
	defer cancel()

	var (
		mu   sync.Mutex
		errs error
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := len(services) - 1; i >= 0; i-- {
			svc := services[i]
			r.logger.Info("stopping service", "service", svc.Name())
			if err := svc.Stop(ctx); err != nil {
				r.logger.Error("error stopping service", "service", svc.Name(), "error", err)
				mu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("stop %s: %w", svc.Name(), err))
				mu.Unlock()
				continue
			}
			r.logger.Info("service stopped", "service", svc.Name())
		}
	}()

	select {
	case <-done:
	case <-ctx.Done():
		r.logger.Error("shutdown timeout exceeded", "timeout", r.shutdownTimeout)
		mu.Lock()
		defer mu.Unlock()
		return multierr.Append(errs, fmt.Errorf("shutdown timeout exceeded"))
	}

	mu.Lock()
	defer mu.Unlock()
	if errs == nil {
		r.logger.Info("all services stopped")
	}
	return errs
}

// HealthCheck checks every service implementing HealthChecker.
func (r *Runner) HealthCheck(ctx context.Context) error {
	var errs error
	for _, service := range r.services {
		if hc, ok := service.(HealthChecker); ok {
			if err := hc.HealthCheck(ctx); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("service %s unhealthy: %w", service.Name(), err))
			}
		}
	}
	return errs
}
