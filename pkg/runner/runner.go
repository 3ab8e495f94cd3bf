// Package runner manages the lifecycle of the daemon's long-running services.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Runner manages the lifecycle of multiple services.
// It handles sequential startup, graceful shutdown, and error aggregation.
type Runner struct {
	services        []Service
	logger          *slog.Logger
	shutdownTimeout time.Duration
	startupTimeout  time.Duration
	signals         bool
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger for the runner.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		r.logger = logger
	}
}

// WithShutdownTimeout sets the timeout for graceful shutdown.
// Default is 30 seconds.
func WithShutdownTimeout(timeout time.Duration) Option {
	return func(r *Runner) {
		r.shutdownTimeout = timeout
	}
}

// WithStartupTimeout sets the timeout for service startup.
// Default is 1 minute.
func WithStartupTimeout(timeout time.Duration) Option {
	return func(r *Runner) {
		r.startupTimeout = timeout
	}
}

// WithoutSignals disables OS signal handling; Run then only stops when its
// context is cancelled.
func WithoutSignals() Option {
	return func(r *Runner) {
		r.signals = false
	}
}

// New creates a new Runner with the given services and options.
func New(services []Service, opts ...Option) *Runner {
	r := &Runner{
		services:        services,
		logger:          slog.Default(),
		shutdownTimeout: 30 * time.Second,
		startupTimeout:  1 * time.Minute,
		signals:         true,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Run starts all services and blocks until the context is cancelled or a
// shutdown signal arrives.
//
// Services are started sequentially in the order they were registered.
// On shutdown, services are stopped in reverse order.
func (r *Runner) Run(ctx context.Context) error {
	if r.signals {
		var stop context.CancelFunc
		ctx, stop = ShutdownContext(ctx)
		defer stop()
	}

	r.logger.InfoContext(ctx, "starting services", slog.Int("count", len(r.services)))
	var started []Service

	for _, service := range r.services {
		startCtx, startCancel := context.WithTimeout(ctx, r.startupTimeout)
		err := service.Start(startCtx)
		startCancel()

		if err != nil {
			r.logger.ErrorContext(ctx, "failed to start service",
				slog.String("service", service.Name()),
				slog.String("error", err.Error()),
			)
			return errors.Join(
				fmt.Errorf("start service %s: %w", service.Name(), err),
				r.stopServices(started),
			)
		}

		started = append(started, service)
		r.logger.InfoContext(ctx, "service started", slog.String("service", service.Name()))
	}

	<-ctx.Done()

	r.logger.Info("shutting down services gracefully",
		slog.Duration("timeout", r.shutdownTimeout))

	return r.stopServices(started)
}

// stopServices stops services in reverse order within the shutdown timeout.
func (r *Runner) stopServices(services []Service) error {
	if len(services) == 0 {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), r.shutdownTimeout)
	defer cancel()

	var errs []error
	for i := len(services) - 1; i >= 0; i-- {
		svc := services[i]
		if err := svc.Stop(shutdownCtx); err != nil {
			r.logger.Error("error stopping service",
				slog.String("service", svc.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("stop %s: %w", svc.Name(), err))
			continue
		}
		r.logger.Info("service stopped", slog.String("service", svc.Name()))
	}
	return errors.Join(errs...)
}

// HealthCheck checks the health of all services that implement HealthChecker.
func (r *Runner) HealthCheck(ctx context.Context) error {
	for _, service := range r.services {
		if hc, ok := service.(HealthChecker); ok {
			if err := hc.HealthCheck(ctx); err != nil {
				return fmt.Errorf("service %s unhealthy: %w", service.Name(), err)
			}
		}
	}
	return nil
}
