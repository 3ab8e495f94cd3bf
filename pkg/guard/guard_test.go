package guard_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/plaenen/equbledger/pkg/domain"
	"github.com/plaenen/equbledger/pkg/guard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuardSingleWriter(t *testing.T) {
	ctx := context.Background()
	g := guard.New(guard.NewMemoryLocker())

	lock, err := g.Acquire(ctx, "e1")
	require.NoError(t, err)

	t.Run("SecondWriterFailsFast", func(t *testing.T) {
		_, err := g.Acquire(ctx, "e1")
		de, ok := domain.AsError(err)
		require.True(t, ok)
		assert.Equal(t, domain.KindConcurrency, de.Kind)
		assert.Equal(t, domain.CodeAggregateLocked, de.Code)
	})

	t.Run("OtherAggregateUnaffected", func(t *testing.T) {
		other, err := g.Acquire(ctx, "e2")
		require.NoError(t, err)
		require.NoError(t, g.Release(ctx, other))
	})

	t.Run("ReleaseWithWrongTokenFails", func(t *testing.T) {
		err := g.Release(ctx, guard.Lock{AggregateID: "e1", Token: "forged"})
		assert.True(t, errors.Is(err, domain.ErrConcurrency))
	})

	require.NoError(t, g.Release(ctx, lock))

	t.Run("ReacquireAfterRelease", func(t *testing.T) {
		again, err := g.Acquire(ctx, "e1")
		require.NoError(t, err)
		assert.NotEqual(t, lock.Token, again.Token)
		require.NoError(t, g.Release(ctx, again))
	})

	t.Run("DoubleReleaseFails", func(t *testing.T) {
		assert.Error(t, g.Release(ctx, lock))
	})
}

func TestGuardConcurrentAcquire(t *testing.T) {
	ctx := context.Background()
	g := guard.New(guard.NewMemoryLocker())

	const writers = 32
	var (
		wg       sync.WaitGroup
		start    = make(chan struct{})
		winners  atomic.Int32
		rejected atomic.Int32
		locks    = make(chan guard.Lock, writers)
	)
	for range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			lock, err := g.Acquire(ctx, "e1")
			if err != nil {
				if errors.Is(err, domain.ErrConcurrency) {
					rejected.Add(1)
				}
				return
			}
			winners.Add(1)
			locks <- lock
		}()
	}
	close(start)
	wg.Wait()
	close(locks)

	assert.Equal(t, int32(1), winners.Load())
	assert.Equal(t, int32(writers-1), rejected.Load())
	for lock := range locks {
		require.NoError(t, g.Release(ctx, lock))
	}
}

func TestValidateOrdering(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	assert.NoError(t, guard.ValidateOrdering("e1", t0, time.Time{}))
	assert.NoError(t, guard.ValidateOrdering("e1", t0.Add(time.Millisecond), t0))
	assert.True(t, errors.Is(guard.ValidateOrdering("e1", t0, t0), domain.ErrCommandOrdering))
	assert.True(t, errors.Is(guard.ValidateOrdering("e1", t0.Add(-time.Second), t0), domain.ErrCommandOrdering))
}

func TestValidateNotInFuture(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	assert.NoError(t, guard.ValidateNotInFuture(now.Add(-time.Hour), now, guard.DefaultFutureTolerance))
	assert.NoError(t, guard.ValidateNotInFuture(now.Add(guard.DefaultFutureTolerance), now, guard.DefaultFutureTolerance))

	err := guard.ValidateNotInFuture(now.Add(time.Minute), now, guard.DefaultFutureTolerance)
	de, ok := domain.AsError(err)
	require.True(t, ok)
	assert.Equal(t, domain.KindCommandOrdering, de.Kind)
	assert.Equal(t, domain.CodeCommandInFuture, de.Code)
}
