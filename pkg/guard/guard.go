// Package guard enforces the single-writer rule: at most one command per
// aggregate is in flight across all instances sharing a lock backend.
package guard

import (
	"context"
	"log/slog"
	"time"

	"github.com/plaenen/equbledger/pkg/domain"
)

// DefaultFutureTolerance bounds how far ahead of the local clock a command
// timestamp may be.
const DefaultFutureTolerance = 5 * time.Second

// Locker is a fail-fast mutual exclusion backend keyed by aggregate id.
type Locker interface {
	// TryLock takes the lock without waiting. ok is false when another
	// holder has it. The returned token identifies this holder.
	TryLock(ctx context.Context, key string) (token string, ok bool, err error)

	// Unlock releases the lock only if token still holds it. Otherwise it
	// returns a Concurrency error with code LOCK_NOT_HELD.
	Unlock(ctx context.Context, key, token string) error
}

// Lock is a held aggregate lock.
type Lock struct {
	AggregateID string
	Token       string
	AcquiredAt  time.Time
}

// Guard wraps a Locker with the domain error vocabulary.
type Guard struct {
	locker    Locker
	logger    *slog.Logger
	tolerance time.Duration
}

// Option configures a Guard.
type Option func(*Guard)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Guard) {
		g.logger = l
	}
}

// WithFutureTolerance sets the allowed clock skew for ValidateNotInFuture.
func WithFutureTolerance(d time.Duration) Option {
	return func(g *Guard) {
		g.tolerance = d
	}
}

// New creates a Guard.
func New(locker Locker, opts ...Option) *Guard {
	g := &Guard{
		locker:    locker,
		logger:    slog.Default(),
		tolerance: DefaultFutureTolerance,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Tolerance returns the configured clock skew tolerance.
func (g *Guard) Tolerance() time.Duration {
	return g.tolerance
}

// Acquire takes the aggregate lock or fails immediately with a
// ConcurrencyViolation error. It never waits for the current holder.
func (g *Guard) Acquire(ctx context.Context, aggregateID string) (Lock, error) {
	token, ok, err := g.locker.TryLock(ctx, aggregateID)
	if err != nil {
		return Lock{}, err
	}
	if !ok {
		return Lock{}, domain.NewError(domain.KindConcurrency, domain.CodeAggregateLocked,
			"aggregate %s is locked by another writer", aggregateID)
	}
	return Lock{AggregateID: aggregateID, Token: token, AcquiredAt: domain.Now()}, nil
}

// Release gives the lock back.
func (g *Guard) Release(ctx context.Context, lock Lock) error {
	if err := g.locker.Unlock(ctx, lock.AggregateID, lock.Token); err != nil {
		g.logger.WarnContext(ctx, "lock release failed",
			slog.String("aggregate_id", lock.AggregateID),
			slog.String("error", err.Error()),
		)
		return err
	}
	return nil
}

// ValidateOrdering requires commandTS to come strictly after lastTS.
// A zero lastTS means nothing was accepted yet.
func ValidateOrdering(aggregateID string, commandTS, lastTS time.Time) error {
	if lastTS.IsZero() || commandTS.After(lastTS) {
		return nil
	}
	return domain.OutOfOrder(aggregateID, commandTS.Format(time.RFC3339Nano), lastTS.Format(time.RFC3339Nano))
}

// ValidateNotInFuture rejects commands stamped more than tolerance after now.
func ValidateNotInFuture(commandTS, now time.Time, tolerance time.Duration) error {
	if commandTS.After(now.Add(tolerance)) {
		return domain.NewError(domain.KindCommandOrdering, domain.CodeCommandInFuture,
			"command issued at %s is more than %s ahead of %s",
			commandTS.Format(time.RFC3339Nano), tolerance, now.Format(time.RFC3339Nano))
	}
	return nil
}
