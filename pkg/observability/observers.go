package observability

import (
	"context"
	"log/slog"
	"time"
)

// LogObserver writes abort events to a structured logger.
type LogObserver struct {
	logger *slog.Logger
}

// NewLogObserver creates a LogObserver. A nil logger means slog.Default().
func NewLogObserver(logger *slog.Logger) *LogObserver {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogObserver{logger: logger}
}

// Notify implements Observer.
func (o *LogObserver) Notify(ctx context.Context, ev AbortEvent) error {
	o.logger.WarnContext(ctx, "operation aborted",
		slog.String("abort_id", ev.ID),
		slog.String("error_type", string(ev.ErrorType)),
		slog.String("code", ev.Code),
		slog.String("severity", string(ev.Severity)),
		slog.String("operation", ev.Operation),
		slog.String("equb_id", ev.EqubID),
		slog.String("actor_id", ev.ActorID),
		slog.String("command_id", ev.CommandID),
		slog.String("timestamp", ev.Timestamp.Format(time.RFC3339Nano)),
		slog.String("reason", ev.Reason),
	)
	return nil
}

// MetricsObserver counts abort events.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates a MetricsObserver.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

// Notify implements Observer.
func (o *MetricsObserver) Notify(ctx context.Context, ev AbortEvent) error {
	o.metrics.RecordAbort(ctx, ev)
	return nil
}
