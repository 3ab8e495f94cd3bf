package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

var _ sdktrace.SpanExporter = (*SpanStore)(nil)

// SpanStore is a span exporter that keeps spans in a SQLite table, so a
// single-node deployment can inspect command traces without a collector.
type SpanStore struct {
	db        *sql.DB
	table     string
	retention time.Duration
	mu        sync.Mutex
}

// SpanStoreOption configures a SpanStore.
type SpanStoreOption func(*SpanStore)

// WithSpanTable sets the table name (default "otel_spans").
func WithSpanTable(name string) SpanStoreOption {
	return func(s *SpanStore) {
		s.table = name
	}
}

// WithSpanRetention drops spans older than d on every export. Zero keeps everything.
func WithSpanRetention(d time.Duration) SpanStoreOption {
	return func(s *SpanStore) {
		s.retention = d
	}
}

// StoredSpan is one exported span.
type StoredSpan struct {
	TraceID      string
	SpanID       string
	ParentSpanID string
	Name         string
	Start        time.Time
	End          time.Time
	StatusCode   int
	Attributes   map[string]string
	Events       []string
}

// NewSpanStore creates the span table if needed.
func NewSpanStore(ctx context.Context, db *sql.DB, opts ...SpanStoreOption) (*SpanStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	s := &SpanStore{db: db, table: "otel_spans", retention: 7 * 24 * time.Hour}
	for _, opt := range opts {
		opt(s)
	}

	_, err := db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			span_id TEXT PRIMARY KEY,
			trace_id TEXT NOT NULL,
			parent_span_id TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL,
			start_time INTEGER NOT NULL,
			end_time INTEGER NOT NULL,
			status_code INTEGER NOT NULL,
			attributes TEXT NOT NULL,
			events TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_trace ON %[1]s(trace_id);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_start ON %[1]s(start_time);
	`, s.table))
	if err != nil {
		return nil, fmt.Errorf("creating span table: %w", err)
	}
	return s, nil
}

// ExportSpans implements sdktrace.SpanExporter.
func (s *SpanStore) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	if len(spans) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`
		INSERT OR REPLACE INTO %s (span_id, trace_id, parent_span_id, name,
			start_time, end_time, status_code, attributes, events)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.table))
	if err != nil {
		return fmt.Errorf("prepare span statement: %w", err)
	}
	defer stmt.Close()

	for _, span := range spans {
		var parent string
		if span.Parent().SpanID().IsValid() {
			parent = span.Parent().SpanID().String()
		}
		attrs, err := json.Marshal(attrMap(span.Attributes()))
		if err != nil {
			return fmt.Errorf("encode attributes: %w", err)
		}
		names := make([]string, 0, len(span.Events()))
		for _, ev := range span.Events() {
			names = append(names, ev.Name)
		}
		events, err := json.Marshal(names)
		if err != nil {
			return fmt.Errorf("encode events: %w", err)
		}

		if _, err := stmt.ExecContext(ctx,
			span.SpanContext().SpanID().String(),
			span.SpanContext().TraceID().String(),
			parent,
			span.Name(),
			span.StartTime().UnixNano(),
			span.EndTime().UnixNano(),
			int(span.Status().Code),
			string(attrs),
			string(events),
		); err != nil {
			return fmt.Errorf("insert span: %w", err)
		}
	}

	if s.retention > 0 {
		cutoff := time.Now().Add(-s.retention).UnixNano()
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE start_time < ?`, s.table), cutoff); err != nil {
			return fmt.Errorf("prune spans: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Shutdown implements sdktrace.SpanExporter. The database is owned by the caller.
func (s *SpanStore) Shutdown(context.Context) error {
	return nil
}

// Trace returns the spans of one trace, ordered by start time.
func (s *SpanStore) Trace(ctx context.Context, traceID string) ([]StoredSpan, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT span_id, trace_id, parent_span_id, name, start_time, end_time, status_code, attributes, events
		FROM %s WHERE trace_id = ? ORDER BY start_time
	`, s.table), traceID)
	if err != nil {
		return nil, fmt.Errorf("query spans: %w", err)
	}
	defer rows.Close()

	var out []StoredSpan
	for rows.Next() {
		var (
			sp            StoredSpan
			start, end    int64
			attrs, events string
		)
		if err := rows.Scan(&sp.SpanID, &sp.TraceID, &sp.ParentSpanID, &sp.Name,
			&start, &end, &sp.StatusCode, &attrs, &events); err != nil {
			return nil, fmt.Errorf("scan span: %w", err)
		}
		sp.Start = time.Unix(0, start).UTC()
		sp.End = time.Unix(0, end).UTC()
		if err := json.Unmarshal([]byte(attrs), &sp.Attributes); err != nil {
			return nil, fmt.Errorf("decode attributes: %w", err)
		}
		if err := json.Unmarshal([]byte(events), &sp.Events); err != nil {
			return nil, fmt.Errorf("decode events: %w", err)
		}
		out = append(out, sp)
	}
	return out, rows.Err()
}

func attrMap(attrs []attribute.KeyValue) map[string]string {
	m := make(map[string]string, len(attrs))
	for _, kv := range attrs {
		m[string(kv.Key)] = kv.Value.Emit()
	}
	return m
}
