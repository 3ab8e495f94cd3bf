package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/plaenen/equbledger/pkg/audit"
	"github.com/plaenen/equbledger/pkg/domain"
	"github.com/plaenen/equbledger/pkg/engine"
	"github.com/plaenen/equbledger/pkg/equb"
	"github.com/plaenen/equbledger/pkg/guard"
	"github.com/plaenen/equbledger/pkg/observability"
	"github.com/plaenen/equbledger/pkg/store"
	"github.com/plaenen/equbledger/pkg/store/memory"
	"github.com/plaenen/equbledger/pkg/store/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type recorder struct {
	mu     sync.Mutex
	events []observability.AbortEvent
}

func (r *recorder) Notify(_ context.Context, ev observability.AbortEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) all(t *testing.T, e *engine.Engine) []observability.AbortEvent {
	t.Helper()
	require.NoError(t, e.Pipeline().Flush(context.Background()))
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]observability.AbortEvent(nil), r.events...)
}

type fixture struct {
	store  store.Store
	engine *engine.Engine
	aborts *recorder
}

func seed(t *testing.T, s store.Store) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, domain.Equb{ID: "e1", Name: "Family", Status: domain.EqubDraft}))
	require.NoError(t, s.PutContribution(ctx, domain.Contribution{ID: "c1", EqubID: "e1", MemberID: "m1", RoundNumber: 1, Status: domain.ContributionPending}))
	require.NoError(t, s.PutContribution(ctx, domain.Contribution{ID: "c2", EqubID: "e1", MemberID: "m2", RoundNumber: 1, Status: domain.ContributionPending}))
	require.NoError(t, s.PutPayout(ctx, domain.Payout{ID: "p1", EqubID: "e1", MemberID: "m1", RoundNumber: 1, Status: domain.PayoutPending}))
}

func newFixture(t *testing.T, s store.Store, opts ...engine.Option) *fixture {
	t.Helper()
	seed(t, s)
	rec := &recorder{}
	opts = append([]engine.Option{
		engine.WithClock(func() time.Time { return t0.Add(time.Hour) }),
		engine.WithPipeline(observability.NewPipeline(observability.WithObservers(rec))),
	}, opts...)
	return &fixture{store: s, engine: engine.New(s, opts...), aborts: rec}
}

func (f *fixture) submit(t *testing.T, cmdID, actor string, role domain.Role, at time.Time, cmd equb.Command) (engine.Result, error) {
	t.Helper()
	env, err := domain.NewCommandEnvelope(domain.MustIdentity(actor, role), "e1", cmdID, at)
	require.NoError(t, err)
	return f.engine.SubmitCommand(context.Background(), env, cmd)
}

func (f *fixture) activate(t *testing.T) {
	t.Helper()
	_, err := f.submit(t, "plan", "admin-1", domain.RoleAdmin, t0, equb.ChangeEqubStatus{Target: domain.EqubPlanned})
	require.NoError(t, err)
	_, err = f.submit(t, "start", "admin-1", domain.RoleAdmin, t0.Add(time.Second), equb.ChangeEqubStatus{Target: domain.EqubActive})
	require.NoError(t, err)
}

func (f *fixture) events(t *testing.T) []domain.AuditEvent {
	t.Helper()
	events, err := f.store.GetOrdered(context.Background(), "e1")
	require.NoError(t, err)
	return events
}

func TestSubmitCommand(t *testing.T) {
	t.Run("CommitsEventAndEntity", func(t *testing.T) {
		f := newFixture(t, memory.New())
		res, err := f.submit(t, "plan", "admin-1", domain.RoleAdmin, t0, equb.ChangeEqubStatus{Target: domain.EqubPlanned})
		require.NoError(t, err)

		assert.Equal(t, domain.EqubPlanned, res.Aggregate.Equb.Status)
		assert.Equal(t, "plan", res.Event.CommandID)
		assert.Equal(t, t0, res.Event.Timestamp)

		agg, err := f.store.Get(context.Background(), "e1")
		require.NoError(t, err)
		assert.Equal(t, domain.EqubPlanned, agg.Equb.Status)
		assert.Len(t, f.events(t), 1)
		assert.Empty(t, f.aborts.all(t, f.engine))
	})

	t.Run("Idempotency", func(t *testing.T) {
		f := newFixture(t, memory.New())
		f.activate(t)

		_, err := f.submit(t, "start", "admin-1", domain.RoleAdmin, t0.Add(time.Minute), equb.ChangeEqubStatus{Target: domain.EqubOnHold})
		require.Error(t, err)
		assert.True(t, errors.Is(err, domain.ErrDuplicateCommand))
		assert.Len(t, f.events(t), 2, "a duplicate adds no audit event")

		aborts := f.aborts.all(t, f.engine)
		require.Len(t, aborts, 1)
		assert.Equal(t, domain.CodeDuplicateCommand, aborts[0].Code)
		assert.Equal(t, "start", aborts[0].CommandID)
		assert.Equal(t, engine.OpSubmitCommand, aborts[0].Operation)
	})

	t.Run("InOrderCommandsSucceed", func(t *testing.T) {
		f := newFixture(t, memory.New())
		f.activate(t)
		for i, status := range []domain.ContributionStatus{domain.ContributionConfirmed, domain.ContributionRejected, domain.ContributionConfirmed} {
			at := t0.Add(10*time.Second + time.Duration(i)*5*time.Second)
			_, err := f.submit(t, "c-"+string(rune('a'+i)), "collector-1", domain.RoleCollector, at,
				equb.SetContributionStatus{ContributionID: "c1", Status: status})
			require.NoError(t, err)
		}
		assert.Len(t, f.events(t), 5)
	})

	t.Run("StrictOrdering", func(t *testing.T) {
		f := newFixture(t, memory.New())
		f.activate(t)
		last := t0.Add(10 * time.Second)
		_, err := f.submit(t, "late", "collector-1", domain.RoleCollector, last,
			equb.SetContributionStatus{ContributionID: "c1", Status: domain.ContributionConfirmed})
		require.NoError(t, err)

		for name, at := range map[string]time.Time{"Earlier": last.Add(-5 * time.Second), "Tie": last} {
			t.Run(name, func(t *testing.T) {
				_, err := f.submit(t, "older-"+name, "collector-1", domain.RoleCollector, at,
					equb.SetContributionStatus{ContributionID: "c2", Status: domain.ContributionConfirmed})
				de, ok := domain.AsError(err)
				require.True(t, ok)
				assert.Equal(t, domain.KindCommandOrdering, de.Kind)
				assert.Equal(t, domain.CodeCommandOutOfOrder, de.Code)
			})
		}

		c2, err := f.store.GetContribution(context.Background(), "c2")
		require.NoError(t, err)
		assert.Equal(t, domain.ContributionPending, c2.Status)
		assert.Len(t, f.events(t), 3)
	})

	t.Run("FutureTimestamp", func(t *testing.T) {
		f := newFixture(t, memory.New())
		_, err := f.submit(t, "plan", "admin-1", domain.RoleAdmin, t0.Add(2*time.Hour), equb.ChangeEqubStatus{Target: domain.EqubPlanned})
		assert.True(t, errors.Is(err, &domain.Error{Kind: domain.KindCommandOrdering, Code: domain.CodeCommandInFuture}))
	})

	t.Run("DuplicateFromTheFutureIsStillADuplicate", func(t *testing.T) {
		f := newFixture(t, memory.New())
		f.activate(t)
		_, err := f.submit(t, "start", "admin-1", domain.RoleAdmin, t0.Add(48*time.Hour), equb.ChangeEqubStatus{Target: domain.EqubOnHold})
		assert.True(t, errors.Is(err, domain.ErrDuplicateCommand), "%v", err)
		assert.Len(t, f.events(t), 2)
	})

	t.Run("LockedAggregateFailsFast", func(t *testing.T) {
		locker := guard.NewMemoryLocker()
		f := newFixture(t, memory.New(), engine.WithGuard(guard.New(locker)))
		_, held, err := locker.TryLock(context.Background(), "e1")
		require.NoError(t, err)
		require.True(t, held)

		_, err = f.submit(t, "plan", "admin-1", domain.RoleAdmin, t0, equb.ChangeEqubStatus{Target: domain.EqubPlanned})
		assert.True(t, errors.Is(err, domain.ErrConcurrency))
		assert.Empty(t, f.events(t))

		processed, err := f.store.HasProcessed(context.Background(), "e1", "plan")
		require.NoError(t, err)
		assert.False(t, processed)
	})

	t.Run("RejectedCommandIsNotRecorded", func(t *testing.T) {
		f := newFixture(t, memory.New())
		_, err := f.submit(t, "skip", "admin-1", domain.RoleAdmin, t0, equb.ChangeEqubStatus{Target: domain.EqubActive})
		assert.True(t, errors.Is(err, domain.ErrEqubLifecycle))

		// The same id may be retried once the command is valid.
		_, err = f.submit(t, "skip", "admin-1", domain.RoleAdmin, t0.Add(time.Second), equb.ChangeEqubStatus{Target: domain.EqubPlanned})
		require.NoError(t, err)
	})

	t.Run("UnknownEqub", func(t *testing.T) {
		f := newFixture(t, memory.New())
		env, err := domain.NewCommandEnvelope(domain.MustIdentity("admin-1", domain.RoleAdmin), "nope", "x", t0)
		require.NoError(t, err)
		_, err = f.engine.SubmitCommand(context.Background(), env, equb.ChangeEqubStatus{Target: domain.EqubPlanned})
		assert.True(t, errors.Is(err, &domain.Error{Kind: domain.KindGeneric, Code: domain.CodeEqubNotFound}))
	})

	t.Run("ZeroEnvelope", func(t *testing.T) {
		f := newFixture(t, memory.New())
		_, err := f.engine.SubmitCommand(context.Background(), domain.CommandEnvelope{}, equb.ChangeEqubStatus{Target: domain.EqubPlanned})
		assert.True(t, errors.Is(err, domain.ErrGeneric))
	})
}

// failingAppend is a store whose audit append always fails. It embeds the
// contracts rather than the memory store so it offers no atomic Commit.
type failingAppend struct {
	store.AggregateStore
	store.AuditStore
	store.ProcessedCommandStore
	err error
}

func (f failingAppend) Append(context.Context, domain.AuditEvent) error { return f.err }

func TestAuditIsTruth(t *testing.T) {
	boom := errors.New("disk full")
	mem := memory.New()
	s := failingAppend{AggregateStore: mem, AuditStore: mem, ProcessedCommandStore: mem, err: boom}
	f := newFixture(t, s)

	_, err := f.submit(t, "plan", "admin-1", domain.RoleAdmin, t0, equb.ChangeEqubStatus{Target: domain.EqubPlanned})
	require.Error(t, err)
	assert.Same(t, boom, err, "append errors are returned unmodified")

	agg, err := mem.Get(context.Background(), "e1")
	require.NoError(t, err)
	assert.Equal(t, domain.EqubDraft, agg.Equb.Status, "mutation must not be committed")

	processed, err := mem.HasProcessed(context.Background(), "e1", "plan")
	require.NoError(t, err)
	assert.False(t, processed)

	aborts := f.aborts.all(t, f.engine)
	require.Len(t, aborts, 1)
	assert.Equal(t, domain.CodeInternal, aborts[0].Code)
}

// flakyPut is a store without atomic Commit whose contribution write fails
// the first time.
type flakyPut struct {
	store.AggregateStore
	store.AuditStore
	store.ProcessedCommandStore
	failures *int
	err      error
}

func (f flakyPut) PutContribution(ctx context.Context, c domain.Contribution) error {
	if *f.failures > 0 {
		*f.failures--
		return f.err
	}
	return f.AggregateStore.PutContribution(ctx, c)
}

func TestRetryAfterPartialCommit(t *testing.T) {
	boom := errors.New("transient write error")

	run := func(t *testing.T, inner store.Store, opts ...engine.Option) {
		failures := 0
		s := flakyPut{AggregateStore: inner, AuditStore: inner, ProcessedCommandStore: inner, failures: &failures, err: boom}
		f := newFixture(t, s, opts...)
		f.activate(t)

		failures = 1
		cmd := equb.SetContributionStatus{ContributionID: "c1", Status: domain.ContributionConfirmed}
		_, err := f.submit(t, "cmd-1", "collector-1", domain.RoleCollector, t0.Add(10*time.Second), cmd)
		assert.Same(t, boom, err)
		require.Len(t, f.events(t), 3, "the audit append precedes the failed write")

		processed, err := inner.HasProcessed(context.Background(), "e1", "cmd-1")
		require.NoError(t, err)
		assert.False(t, processed)

		_, err = f.submit(t, "cmd-1", "collector-1", domain.RoleCollector, t0.Add(10*time.Second), cmd)
		require.NoError(t, err)

		events := f.events(t)
		require.Len(t, events, 3, "the retry reuses the appended event")
		assert.Equal(t, "cmd-1", events[2].CommandID)

		c1, err := inner.GetContribution(context.Background(), "c1")
		require.NoError(t, err)
		assert.Equal(t, domain.ContributionConfirmed, c1.Status)
		require.NoError(t, f.engine.VerifyConsistency(context.Background(), "e1"))

		_, err = f.submit(t, "cmd-1", "collector-1", domain.RoleCollector, t0.Add(11*time.Second), cmd)
		assert.True(t, errors.Is(err, domain.ErrDuplicateCommand))
	}

	t.Run("Memory", func(t *testing.T) {
		run(t, memory.New())
	})

	t.Run("SQLite", func(t *testing.T) {
		db, err := sqlite.NewStore(context.Background(), sqlite.WithMemoryDatabase(), sqlite.WithWALMode(false))
		require.NoError(t, err)
		t.Cleanup(func() { db.Close() })
		run(t, db)
	})
}

func TestPayoutFlowAndVerification(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, memory.New())
	f.activate(t)

	at := t0.Add(10 * time.Second)
	step := func(cmdID, actor string, role domain.Role, cmd equb.Command) error {
		at = at.Add(time.Second)
		_, err := f.submit(t, cmdID, actor, role, at, cmd)
		return err
	}

	err := step("early", "admin-1", domain.RoleAdmin, equb.ConfirmPayout{PayoutID: "p1"})
	assert.True(t, errors.Is(err, domain.ErrPayoutLock), "unresolved contributions block the payout")

	require.NoError(t, step("c1", "collector-1", domain.RoleCollector, equb.SetContributionStatus{ContributionID: "c1", Status: domain.ContributionConfirmed}))
	require.NoError(t, step("c2", "collector-1", domain.RoleCollector, equb.SetContributionStatus{ContributionID: "c2", Status: domain.ContributionConfirmed}))

	err = step("m-first", "m1", domain.RoleMember, equb.ConfirmPayout{PayoutID: "p1"})
	assert.True(t, errors.Is(err, &domain.Error{Kind: domain.KindPayoutLock, Code: domain.CodePayoutAwaitingAdmin}))

	err = step("collector", "collector-1", domain.RoleCollector, equb.ConfirmPayout{PayoutID: "p1"})
	assert.True(t, errors.Is(err, domain.ErrRolePermission))

	require.NoError(t, step("admin", "admin-1", domain.RoleAdmin, equb.ConfirmPayout{PayoutID: "p1"}))
	err = step("m2", "m2", domain.RoleMember, equb.ConfirmPayout{PayoutID: "p1"})
	assert.True(t, errors.Is(err, domain.ErrRolePermission))
	require.NoError(t, step("m1", "m1", domain.RoleMember, equb.ConfirmPayout{PayoutID: "p1"}))
	require.NoError(t, step("done", "admin-1", domain.RoleAdmin, equb.CompletePayout{PayoutID: "p1"}))

	require.NoError(t, f.engine.VerifyConsistency(ctx, "e1"))

	t.Run("Replay", func(t *testing.T) {
		state, err := f.engine.Replay(ctx, audit.NewDerivedState("e1"), f.events(t))
		require.NoError(t, err)
		assert.Equal(t, domain.PayoutCompleted, state.Payouts["p1"])
		assert.Equal(t, domain.EqubActive, state.EqubStatus)
	})

	t.Run("DriftIsReported", func(t *testing.T) {
		require.NoError(t, f.store.PutPayout(ctx, domain.Payout{ID: "p1", EqubID: "e1", MemberID: "m1", RoundNumber: 1, Status: domain.PayoutAdminConfirmed}))
		before := len(f.aborts.all(t, f.engine))

		err := f.engine.VerifyConsistency(ctx, "e1")
		assert.True(t, errors.Is(err, &domain.Error{Kind: domain.KindStateDrift, Code: domain.CodeStateDrift}))

		aborts := f.aborts.all(t, f.engine)
		require.Len(t, aborts, before+1)
		last := aborts[len(aborts)-1]
		assert.Equal(t, engine.OpVerifyConsistency, last.Operation)
		assert.Equal(t, "e1", last.EqubID)

		p, err := f.store.GetPayout(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, domain.PayoutAdminConfirmed, p.Status, "verification never repairs")
	})

	t.Run("Sweep", func(t *testing.T) {
		report := engine.NewVerificationService(f.engine, time.Hour).Sweep(ctx)
		assert.Equal(t, 1, report.Checked)
		assert.Equal(t, []string{"e1"}, report.Failed)
	})
}

func TestMiddlewareChain(t *testing.T) {
	var order []string
	mw := func(name string) engine.Middleware {
		return func(next engine.Handler) engine.Handler {
			return engine.HandlerFunc(func(ctx context.Context, env domain.CommandEnvelope, cmd equb.Command) (engine.Result, error) {
				order = append(order, name)
				return next.Handle(ctx, env, cmd)
			})
		}
	}

	f := newFixture(t, memory.New(), engine.WithMiddleware(mw("outer"), mw("inner")))
	_, err := f.submit(t, "plan", "admin-1", domain.RoleAdmin, t0, equb.ChangeEqubStatus{Target: domain.EqubPlanned})
	require.NoError(t, err)
	assert.Equal(t, []string{"outer", "inner"}, order)
}

func TestSubmitCommandSQLite(t *testing.T) {
	ctx := context.Background()
	st, err := sqlite.NewStore(ctx, sqlite.WithMemoryDatabase(), sqlite.WithWALMode(false))
	require.NoError(t, err)
	defer st.Close()

	f := newFixture(t, st)
	f.activate(t)
	_, err = f.submit(t, "hold", "collector-1", domain.RoleCollector, t0.Add(5*time.Second),
		equb.SetContributionStatus{ContributionID: "c1", Status: domain.ContributionOnHold, Reason: "bank delay"})
	require.NoError(t, err)

	_, err = f.submit(t, "hold", "collector-1", domain.RoleCollector, t0.Add(6*time.Second),
		equb.SetContributionStatus{ContributionID: "c1", Status: domain.ContributionOnHold, Reason: "bank delay"})
	assert.True(t, errors.Is(err, domain.ErrDuplicateCommand))

	events := f.events(t)
	require.Len(t, events, 3)
	assert.Equal(t, "bank delay", events[2].Reason)
	require.NoError(t, f.engine.VerifyConsistency(ctx, "e1"))
}
