package observability

import (
	"context"
	"fmt"
	"time"

	"github.com/plaenen/equbledger/pkg/domain"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MeterName is the instrumentation scope of the ledger's metrics.
const MeterName = "equbledger"

// Metrics holds all metric instruments of the ledger core
type Metrics struct {
	// Command metrics
	CommandDuration metric.Float64Histogram
	CommandTotal    metric.Int64Counter
	CommandErrors   metric.Int64Counter

	// Audit metrics
	AuditEventsAppended metric.Int64Counter

	// Abort and integrity metrics
	Aborts           metric.Int64Counter
	VerificationRuns metric.Int64Counter
	DriftDetected    metric.Int64Counter

	// Lock metrics
	LockContention metric.Int64Counter
}

// NewMetrics creates all metric instruments
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.CommandDuration, err = meter.Float64Histogram(
		"equbledger.command.duration",
		metric.WithDescription("Command execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating command.duration: %w", err)
	}

	m.CommandTotal, err = meter.Int64Counter(
		"equbledger.command.total",
		metric.WithDescription("Total commands submitted"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating command.total: %w", err)
	}

	m.CommandErrors, err = meter.Int64Counter(
		"equbledger.command.errors",
		metric.WithDescription("Total rejected commands"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating command.errors: %w", err)
	}

	m.AuditEventsAppended, err = meter.Int64Counter(
		"equbledger.audit.appended",
		metric.WithDescription("Total audit events committed"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating audit.appended: %w", err)
	}

	m.Aborts, err = meter.Int64Counter(
		"equbledger.aborts",
		metric.WithDescription("Total abort events by error type and code"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating aborts: %w", err)
	}

	m.VerificationRuns, err = meter.Int64Counter(
		"equbledger.verification.runs",
		metric.WithDescription("Total consistency verifications"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating verification.runs: %w", err)
	}

	m.DriftDetected, err = meter.Int64Counter(
		"equbledger.verification.drift",
		metric.WithDescription("Verifications that found drift between state and audit history"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating verification.drift: %w", err)
	}

	m.LockContention, err = meter.Int64Counter(
		"equbledger.lock.contention",
		metric.WithDescription("Commands rejected because the aggregate was locked"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating lock.contention: %w", err)
	}

	return m, nil
}

// RecordCommand records command execution metrics
func (m *Metrics) RecordCommand(ctx context.Context, commandType string, duration time.Duration, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("command_type", commandType),
		attribute.Bool("success", err == nil),
	}

	m.CommandDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	m.CommandTotal.Add(ctx, 1, metric.WithAttributes(attrs...))

	if err == nil {
		m.AuditEventsAppended.Add(ctx, 1, metric.WithAttributes(attrs[0]))
		return
	}

	kind := domain.KindOf(err)
	if kind == "" {
		kind = domain.KindGeneric
	}
	m.CommandErrors.Add(ctx, 1, metric.WithAttributes(
		attrs[0],
		attribute.String("error_type", string(kind)),
	))
	if kind == domain.KindConcurrency {
		m.LockContention.Add(ctx, 1, metric.WithAttributes(attrs[0]))
	}
}

// RecordAbort counts one abort event
func (m *Metrics) RecordAbort(ctx context.Context, ev AbortEvent) {
	m.Aborts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("error_type", string(ev.ErrorType)),
		attribute.String("code", ev.Code),
		attribute.String("severity", string(ev.Severity)),
	))
}

// RecordVerification records the outcome of one consistency check
func (m *Metrics) RecordVerification(ctx context.Context, err error) {
	drift := err != nil && domain.KindOf(err) == domain.KindStateDrift
	m.VerificationRuns.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("success", err == nil),
	))
	if drift {
		m.DriftDetected.Add(ctx, 1)
	}
}
