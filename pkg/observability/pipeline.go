package observability

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/plaenen/equbledger/pkg/domain"
	"github.com/plaenen/equbledger/pkg/idgen"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Observer receives abort events. Returned errors are discarded and
// panics are recovered, so an observer can never affect the aborted
// operation or the other observers.
type Observer interface {
	Notify(ctx context.Context, ev AbortEvent) error
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, ev AbortEvent) error

// Notify implements Observer.
func (f ObserverFunc) Notify(ctx context.Context, ev AbortEvent) error {
	return f(ctx, ev)
}

// Pipeline fans abort events out to observers, fire-and-forget.
type Pipeline struct {
	mu        sync.RWMutex
	observers []Observer
	logger    *slog.Logger
	now       func() time.Time

	// inflight counts running notifications; idle is closed when it drops to
	// zero.
	flightMu sync.Mutex
	inflight int
	idle     chan struct{}
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithObservers registers observers.
func WithObservers(obs ...Observer) PipelineOption {
	return func(p *Pipeline) {
		p.observers = append(p.observers, obs...)
	}
}

// WithPipelineLogger sets the logger used to report misbehaving observers.
func WithPipelineLogger(l *slog.Logger) PipelineOption {
	return func(p *Pipeline) {
		p.logger = l
	}
}

// WithPipelineClock overrides the clock used to stamp abort events.
func WithPipelineClock(now func() time.Time) PipelineOption {
	return func(p *Pipeline) {
		p.now = now
	}
}

// NewPipeline creates a Pipeline.
func NewPipeline(opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		logger: slog.Default(),
		now:    domain.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Register adds an observer after construction.
func (p *Pipeline) Register(o Observer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.observers = append(p.observers, o)
}

// Abort builds the abort event for err, marks the caller's span and hands
// the event to every observer in its own goroutine. It returns without
// waiting for observers.
func (p *Pipeline) Abort(ctx context.Context, err error, ac AbortContext) AbortEvent {
	at := p.now().UTC()
	ev := newAbortEvent(idgen.NewIDAt(at), at, err, ac)

	span := trace.SpanFromContext(ctx)
	span.AddEvent("equb.abort", trace.WithAttributes(
		AttrAbortID.String(ev.ID),
		AttrErrorKind.String(string(ev.ErrorType)),
		AttrErrorCode.String(ev.Code),
		attribute.String("error.severity", string(ev.Severity)),
	))
	span.SetStatus(codes.Error, ev.Code)

	p.mu.RLock()
	observers := append([]Observer(nil), p.observers...)
	p.mu.RUnlock()

	detached := context.WithoutCancel(ctx)
	for _, o := range observers {
		p.begin()
		go p.notify(detached, o, ev)
	}
	return ev
}

func (p *Pipeline) begin() {
	p.flightMu.Lock()
	defer p.flightMu.Unlock()
	if p.inflight == 0 {
		p.idle = make(chan struct{})
	}
	p.inflight++
}

func (p *Pipeline) done() {
	p.flightMu.Lock()
	defer p.flightMu.Unlock()
	p.inflight--
	if p.inflight == 0 {
		close(p.idle)
	}
}

func (p *Pipeline) notify(ctx context.Context, o Observer, ev AbortEvent) {
	defer p.done()
	defer func() {
		if r := recover(); r != nil {
			p.logger.ErrorContext(ctx, "abort observer panicked",
				slog.String("abort_id", ev.ID),
				slog.String("panic", fmt.Sprint(r)),
			)
		}
	}()
	if err := o.Notify(ctx, ev); err != nil {
		p.logger.DebugContext(ctx, "abort observer failed",
			slog.String("abort_id", ev.ID),
			slog.String("error", err.Error()),
		)
	}
}

// Flush waits until no notification is running or ctx ends. It may be called
// while Abort is still in use; notifications dispatched after Flush returns
// are not waited for.
func (p *Pipeline) Flush(ctx context.Context) error {
	p.flightMu.Lock()
	if p.inflight == 0 {
		p.flightMu.Unlock()
		return nil
	}
	idle := p.idle
	p.flightMu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
