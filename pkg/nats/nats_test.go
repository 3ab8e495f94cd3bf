package nats_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/plaenen/equbledger/pkg/domain"
	"github.com/plaenen/equbledger/pkg/guard"
	natspkg "github.com/plaenen/equbledger/pkg/nats"
	"github.com/plaenen/equbledger/pkg/observability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T) *natspkg.EmbeddedServer {
	t.Helper()
	srv, err := natspkg.StartEmbeddedServer(natspkg.WithStoreDir(t.TempDir()))
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)
	return srv
}

func connect(t *testing.T, srv *natspkg.EmbeddedServer) nats.JetStreamContext {
	t.Helper()
	nc, js, err := srv.Connect()
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	return js
}

func TestKVLocker(t *testing.T) {
	ctx := context.Background()
	srv := startServer(t)

	// Two instances on separate connections share one bucket.
	cfg := natspkg.DefaultKVLockConfig()
	first, err := natspkg.NewKVLocker(connect(t, srv), cfg)
	require.NoError(t, err)
	second, err := natspkg.NewKVLocker(connect(t, srv), cfg)
	require.NoError(t, err)

	g1 := guard.New(first)
	g2 := guard.New(second)

	lock, err := g1.Acquire(ctx, "equb/42")
	require.NoError(t, err)

	t.Run("OtherInstanceFailsFast", func(t *testing.T) {
		_, err := g2.Acquire(ctx, "equb/42")
		assert.True(t, errors.Is(err, domain.ErrConcurrency))
	})

	t.Run("ForeignTokenCannotRelease", func(t *testing.T) {
		err := g2.Release(ctx, guard.Lock{AggregateID: "equb/42", Token: "not-mine"})
		de, ok := domain.AsError(err)
		require.True(t, ok)
		assert.Equal(t, domain.CodeLockNotHeld, de.Code)
	})

	t.Run("IndependentAggregates", func(t *testing.T) {
		other, err := g2.Acquire(ctx, "equb/43")
		require.NoError(t, err)
		require.NoError(t, g2.Release(ctx, other))
	})

	require.NoError(t, g1.Release(ctx, lock))

	t.Run("AvailableAfterRelease", func(t *testing.T) {
		again, err := g2.Acquire(ctx, "equb/42")
		require.NoError(t, err)
		require.NoError(t, g2.Release(ctx, again))
	})

	t.Run("ReleaseTwiceFails", func(t *testing.T) {
		assert.Error(t, g1.Release(ctx, lock))
	})
}

func TestAbortPublisher(t *testing.T) {
	ctx := context.Background()
	srv := startServer(t)
	js := connect(t, srv)

	cfg := natspkg.DefaultAbortStreamConfig()
	cfg.Storage = nats.MemoryStorage
	pub, err := natspkg.NewAbortPublisher(js, cfg)
	require.NoError(t, err)
	defer pub.Close()

	ev := observability.AbortEvent{
		ID:        "01JABORT0000000000000000001",
		ErrorType: domain.KindPayoutLock,
		Code:      domain.CodePayoutBlocked,
		Severity:  domain.SeverityInvariantViolation,
		EqubID:    "e1",
		Timestamp: time.Date(2026, 3, 3, 3, 3, 3, 0, time.UTC),
		Reason:    "payout p1 is blocked",
	}
	assert.Equal(t, "aborts.PAYOUT_BLOCKED", pub.Subject(ev))

	// Publishing the same abort twice is deduplicated by message id.
	require.NoError(t, pub.Notify(ctx, ev))
	require.NoError(t, pub.Notify(ctx, ev))

	info, err := js.StreamInfo(cfg.StreamName)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), info.State.Msgs)

	received := make(chan observability.AbortEvent, 2)
	_, err = pub.Subscribe(domain.CodePayoutBlocked, "test-monitor", func(got observability.AbortEvent) error {
		received <- got
		return nil
	})
	require.NoError(t, err)

	select {
	case got := <-received:
		assert.Equal(t, ev.ID, got.ID)
		assert.Equal(t, ev.Code, got.Code)
		assert.True(t, got.Timestamp.Equal(ev.Timestamp))
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for abort event")
	}
}

func TestAbortPublisherAsPipelineObserver(t *testing.T) {
	ctx := context.Background()
	srv := startServer(t)
	js := connect(t, srv)

	cfg := natspkg.DefaultAbortStreamConfig()
	cfg.StreamName = "PIPELINE_ABORTS"
	cfg.Storage = nats.MemoryStorage
	pub, err := natspkg.NewAbortPublisher(js, cfg)
	require.NoError(t, err)

	p := observability.NewPipeline(observability.WithObservers(pub))
	p.Abort(ctx, domain.DuplicateCommand("e1", "cmd-1"), observability.AbortContext{Operation: "submit"})
	require.NoError(t, p.Flush(ctx))

	info, err := js.StreamInfo(cfg.StreamName)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), info.State.Msgs)
}
