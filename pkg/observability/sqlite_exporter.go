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

// SQLiteSpanExporter stores finished spans in a SQLite table, so a single
// binary deployment can inspect its traces without a collector.
type SQLiteSpanExporter struct {
	db        *sql.DB
	table     string
	retention time.Duration

	mu sync.Mutex
}

// SpanExporterOption configures a SQLiteSpanExporter.
type SpanExporterOption func(*SQLiteSpanExporter)

// WithSpansTable sets the table name (default "otel_spans").
func WithSpansTable(table string) SpanExporterOption {
	return func(e *SQLiteSpanExporter) {
		e.table = table
	}
}

// WithRetention deletes spans older than d after each export. Zero keeps
// everything.
func WithRetention(d time.Duration) SpanExporterOption {
	return func(e *SQLiteSpanExporter) {
		e.retention = d
	}
}

// NewSQLiteSpanExporter creates the spans table if needed.
func NewSQLiteSpanExporter(ctx context.Context, db *sql.DB, opts ...SpanExporterOption) (*SQLiteSpanExporter, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	e := &SQLiteSpanExporter{
		db:        db,
		table:     "otel_spans",
		retention: 7 * 24 * time.Hour,
	}
	for _, opt := range opts {
		opt(e)
	}

	_, err := db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			span_id TEXT PRIMARY KEY,
			trace_id TEXT NOT NULL,
			parent_span_id TEXT,
			name TEXT NOT NULL,
			start_time INTEGER NOT NULL,
			end_time INTEGER NOT NULL,
			status_code INTEGER NOT NULL,
			status_message TEXT,
			attributes TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_trace_id ON %[1]s(trace_id);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_start_time ON %[1]s(start_time);
	`, e.table))
	if err != nil {
		return nil, fmt.Errorf("failed to create spans table: %w", err)
	}
	return e, nil
}

// ExportSpans implements sdktrace.SpanExporter.
func (e *SQLiteSpanExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	if len(spans) == 0 {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`
		INSERT OR REPLACE INTO %s (
			span_id, trace_id, parent_span_id, name, start_time, end_time,
			status_code, status_message, attributes
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.table))
	if err != nil {
		return fmt.Errorf("failed to prepare span insert: %w", err)
	}
	defer stmt.Close()

	for _, span := range spans {
		sc := span.SpanContext()
		var parent sql.NullString
		if span.Parent().SpanID().IsValid() {
			parent = sql.NullString{String: span.Parent().SpanID().String(), Valid: true}
		}
		attrs, err := json.Marshal(attributeMap(span.Attributes()))
		if err != nil {
			return fmt.Errorf("failed to marshal span attributes: %w", err)
		}

		if _, err := stmt.ExecContext(ctx,
			sc.SpanID().String(),
			sc.TraceID().String(),
			parent,
			span.Name(),
			span.StartTime().UnixNano(),
			span.EndTime().UnixNano(),
			int(span.Status().Code),
			span.Status().Description,
			string(attrs),
		); err != nil {
			return fmt.Errorf("failed to insert span: %w", err)
		}
	}

	if e.retention > 0 {
		cutoff := time.Now().Add(-e.retention).UnixNano()
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE end_time < ?`, e.table), cutoff); err != nil {
			return fmt.Errorf("failed to delete expired spans: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit spans: %w", err)
	}
	return nil
}

// Shutdown implements sdktrace.SpanExporter. The database is owned by the caller.
func (e *SQLiteSpanExporter) Shutdown(context.Context) error {
	return nil
}

// StoredSpan is a span read back from the table.
type StoredSpan struct {
	SpanID       string
	TraceID      string
	ParentSpanID string
	Name         string
	Start        time.Time
	End          time.Time
	StatusCode   int
	Attributes   map[string]any
}

// Duration returns how long the span took.
func (s StoredSpan) Duration() time.Duration {
	return s.End.Sub(s.Start)
}

// RecentSpans returns the latest spans, newest first. An empty name matches
// every span.
func (e *SQLiteSpanExporter) RecentSpans(ctx context.Context, name string, limit int) ([]StoredSpan, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := e.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT span_id, trace_id, parent_span_id, name, start_time, end_time, status_code, attributes
		FROM %s
		WHERE (? = '' OR name = ?)
		ORDER BY start_time DESC
		LIMIT ?
	`, e.table), name, name, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query spans: %w", err)
	}
	defer rows.Close()

	var out []StoredSpan
	for rows.Next() {
		var (
			s          StoredSpan
			parent     sql.NullString
			start, end int64
			attrs      sql.NullString
		)
		if err := rows.Scan(&s.SpanID, &s.TraceID, &parent, &s.Name, &start, &end, &s.StatusCode, &attrs); err != nil {
			return nil, fmt.Errorf("failed to scan span: %w", err)
		}
		s.ParentSpanID = parent.String
		s.Start = time.Unix(0, start).UTC()
		s.End = time.Unix(0, end).UTC()
		if attrs.Valid && attrs.String != "" {
			if err := json.Unmarshal([]byte(attrs.String), &s.Attributes); err != nil {
				return nil, fmt.Errorf("failed to unmarshal span attributes: %w", err)
			}
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func attributeMap(attrs []attribute.KeyValue) map[string]any {
	m := make(map[string]any, len(attrs))
	for _, kv := range attrs {
		m[string(kv.Key)] = kv.Value.AsInterface()
	}
	return m
}
