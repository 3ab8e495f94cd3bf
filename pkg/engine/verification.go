package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// VerificationService periodically verifies every equb. It implements the
// runner's Service interface.
type VerificationService struct {
	engine   *Engine
	interval time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewVerificationService creates a sweep that runs every interval.
func NewVerificationService(e *Engine, interval time.Duration) *VerificationService {
	return &VerificationService{engine: e, interval: interval, logger: e.logger}
}

// Name implements runner.Service.
func (s *VerificationService) Name() string { return "verification" }

// Start launches the sweep loop and returns immediately.
func (s *VerificationService) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(loopCtx, s.done)
	return nil
}

// Stop ends the loop and waits for the running sweep to finish.
func (s *VerificationService) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}

	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *VerificationService) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// SweepReport summarizes one sweep.
type SweepReport struct {
	Checked int
	Failed  []string
}

// Sweep verifies every equb once. Failures are already reported through the
// abort pipeline; the sweep only counts them.
func (s *VerificationService) Sweep(ctx context.Context) SweepReport {
	var report SweepReport
	ids, err := s.engine.store.List(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "verification sweep could not list equbs",
			slog.String("error", err.Error()),
		)
		return report
	}

	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		report.Checked++
		if err := s.engine.VerifyConsistency(ctx, id); err != nil {
			report.Failed = append(report.Failed, id)
		}
	}

	s.logger.InfoContext(ctx, "verification sweep finished",
		slog.Int("checked", report.Checked),
		slog.Int("failed", len(report.Failed)),
	)
	return report
}
