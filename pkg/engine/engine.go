// Package engine exposes the three entry points of the ledger core:
// SubmitCommand, VerifyConsistency and Replay.
//
// Every command runs the same pipeline: clock skew check, admission, the
// fail-fast aggregate lock, admission again under the lock, decide, commit,
// release. Every failure produces exactly one abort event and is returned to
// the caller unmodified.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/plaenen/equbledger/pkg/admission"
	"github.com/plaenen/equbledger/pkg/audit"
	"github.com/plaenen/equbledger/pkg/domain"
	"github.com/plaenen/equbledger/pkg/equb"
	"github.com/plaenen/equbledger/pkg/guard"
	"github.com/plaenen/equbledger/pkg/observability"
	"github.com/plaenen/equbledger/pkg/store"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Operation names reported in abort events.
const (
	OpSubmitCommand     = "submit_command"
	OpVerifyConsistency = "verify_consistency"
	OpReplay            = "replay"
)

// Engine is safe for concurrent use.
type Engine struct {
	store    store.Store
	tx       store.Transactor
	gate     *admission.Gate
	guard    *guard.Guard
	decider  *equb.Decider
	log      *audit.Log
	verifier *audit.Verifier
	pipeline *observability.Pipeline
	metrics  *observability.Metrics
	tracer   trace.Tracer
	logger   *slog.Logger
	now      func() time.Time

	middlewares []Middleware
	handler     Handler
}

// Option configures an Engine.
type Option func(*Engine)

// WithGuard sets the single-writer guard. The default uses an in-process
// MemoryLocker, which only excludes writers inside this process.
func WithGuard(g *guard.Guard) Option {
	return func(e *Engine) {
		e.guard = g
	}
}

// WithDecider sets the state machine.
func WithDecider(d *equb.Decider) Option {
	return func(e *Engine) {
		e.decider = d
	}
}

// WithPipeline sets the abort pipeline.
func WithPipeline(p *observability.Pipeline) Option {
	return func(e *Engine) {
		e.pipeline = p
	}
}

// WithMetrics enables verification metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithTracer sets the tracer for entry point spans.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) {
		e.tracer = t
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithClock sets the clock used for the future skew check.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithMiddleware wraps command execution. The first middleware is the outermost.
func WithMiddleware(mw ...Middleware) Option {
	return func(e *Engine) {
		e.middlewares = append(e.middlewares, mw...)
	}
}

// WithoutTransactions makes the engine commit step by step even when the
// store implements store.Transactor.
func WithoutTransactions() Option {
	return func(e *Engine) {
		e.tx = nil
	}
}

// New creates an Engine over s. If s implements store.Transactor, commits
// are atomic.
func New(s store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:  s,
		gate:   admission.NewGate(s),
		log:    audit.NewLog(s),
		tracer: noop.NewTracerProvider().Tracer(observability.TracerName),
		logger: slog.Default(),
		now:    domain.Now,
	}
	if tx, ok := s.(store.Transactor); ok {
		e.tx = tx
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.guard == nil {
		e.guard = guard.New(guard.NewMemoryLocker(), guard.WithLogger(e.logger))
	}
	if e.decider == nil {
		e.decider = equb.NewDecider(equb.WithBlockEvaluator(equb.UnresolvedContributions))
	}
	if e.pipeline == nil {
		e.pipeline = observability.NewPipeline(observability.WithPipelineLogger(e.logger))
	}
	e.verifier = audit.NewVerifier(s, s, audit.WithLogger(e.logger))
	e.handler = Chain(HandlerFunc(e.execute), e.middlewares...)
	return e
}

// Pipeline returns the abort pipeline, for registering observers and flushing.
func (e *Engine) Pipeline() *observability.Pipeline {
	return e.pipeline
}

// Log returns the audit log.
func (e *Engine) Log() *audit.Log {
	return e.log
}

// SubmitCommand runs cmd against the aggregate named by env.
func (e *Engine) SubmitCommand(ctx context.Context, env domain.CommandEnvelope, cmd equb.Command) (Result, error) {
	ctx, span := observability.StartSpan(ctx, e.tracer, "equb.SubmitCommand",
		observability.WithAttributes(observability.CommandAttrs(CommandType(cmd), env)...))

	res, err := e.handler.Handle(ctx, env, cmd)
	if err != nil {
		e.pipeline.Abort(ctx, err, observability.AbortContext{
			Operation: OpSubmitCommand,
			EqubID:    env.AggregateID,
			Envelope:  &env,
		})
	} else {
		span.SetAttributes(observability.AttrAuditEvent.String(res.Event.ID))
	}
	observability.EndSpan(span, err)
	return res, err
}

func (e *Engine) execute(ctx context.Context, env domain.CommandEnvelope, cmd equb.Command) (Result, error) {
	if env.Actor.IsZero() || env.AggregateID == "" || env.CommandID == "" || env.IssuedAt.IsZero() {
		return Result{}, domain.Invalid(domain.CodeInvalidCommand,
			"command envelope must be built with NewCommandEnvelope")
	}
	// Rejected commands never reach the lock. Duplicates are reported as
	// such whatever their payload or timestamp.
	if err := e.gate.AdmitEnvelope(ctx, env); err != nil {
		return Result{}, err
	}
	if err := guard.ValidateNotInFuture(env.IssuedAt, e.now(), e.guard.Tolerance()); err != nil {
		return Result{}, err
	}

	lock, err := e.guard.Acquire(ctx, env.AggregateID)
	if err != nil {
		return Result{}, err
	}
	defer func() {
		_ = e.guard.Release(context.WithoutCancel(ctx), lock)
	}()

	// Another writer may have committed between the first check and the lock.
	if err := e.gate.AdmitEnvelope(ctx, env); err != nil {
		return Result{}, err
	}

	agg, err := e.store.Get(ctx, env.AggregateID)
	if errors.Is(err, store.ErrNotFound) {
		return Result{}, domain.Invalid(domain.CodeEqubNotFound, "equb %s not found", env.AggregateID)
	}
	if err != nil {
		return Result{}, err
	}

	tr, err := e.decider.Decide(agg, env, cmd)
	if err != nil {
		return Result{}, err
	}

	// Admitted commands run to completion.
	if err := e.commit(context.WithoutCancel(ctx), env, tr); err != nil {
		return Result{}, err
	}

	e.logger.InfoContext(ctx, "command committed",
		slog.String("equb_id", env.AggregateID),
		slog.String("command_id", env.CommandID),
		slog.String("command_type", CommandType(cmd)),
		slog.String("event_id", tr.Event.ID),
	)
	return Result{Event: tr.Event, Aggregate: tr.Apply(agg)}, nil
}

// commit persists the event, the changed entity and the processed record.
// Without a transactor the event goes first, so a failed audit append leaves
// the entity untouched and the command unrecorded. A retry of a command whose
// event was appended before a later step failed reuses that event.
func (e *Engine) commit(ctx context.Context, env domain.CommandEnvelope, tr equb.Transition) error {
	if err := audit.ValidateEvent(tr.Event); err != nil {
		return err
	}
	if e.tx != nil {
		return e.tx.Commit(ctx, store.Mutation{
			Command:      env,
			Event:        tr.Event,
			Equb:         tr.Equb,
			Contribution: tr.Contribution,
			Payout:       tr.Payout,
		})
	}

	appended, err := e.log.Query(ctx, store.Criteria{EqubID: env.AggregateID, CommandID: env.CommandID})
	if err != nil {
		return err
	}
	if len(appended) == 0 {
		if err := e.log.Append(ctx, tr.Event); err != nil {
			return err
		}
	}
	switch {
	case tr.Equb != nil:
		if err := e.store.Put(ctx, *tr.Equb); err != nil {
			return err
		}
	case tr.Contribution != nil:
		if err := e.store.PutContribution(ctx, *tr.Contribution); err != nil {
			return err
		}
	case tr.Payout != nil:
		if err := e.store.PutPayout(ctx, *tr.Payout); err != nil {
			return err
		}
	}
	return e.store.RecordProcessed(ctx, env)
}

// VerifyConsistency compares the live snapshot of aggregateID with its
// replayed audit history. Drift is reported, never repaired.
func (e *Engine) VerifyConsistency(ctx context.Context, aggregateID string) error {
	ctx, span := observability.StartSpan(ctx, e.tracer, "equb.VerifyConsistency",
		observability.WithAttributes(observability.AttrEqubID.String(aggregateID)))

	err := e.verifier.Verify(ctx, aggregateID)
	if e.metrics != nil {
		e.metrics.RecordVerification(ctx, err)
	}
	if err != nil {
		e.pipeline.Abort(ctx, err, observability.AbortContext{
			Operation: OpVerifyConsistency,
			EqubID:    aggregateID,
		})
	}
	observability.EndSpan(span, err)
	return err
}

// Replay folds events into initial. See audit.Replay.
func (e *Engine) Replay(ctx context.Context, initial audit.DerivedState, events []domain.AuditEvent) (audit.DerivedState, error) {
	state, err := audit.Replay(initial, events)
	if err != nil {
		e.pipeline.Abort(ctx, err, observability.AbortContext{
			Operation: OpReplay,
			EqubID:    initial.EqubID,
		})
	}
	return state, err
}
