// Package eventstore is a versioned, append-only journal kept in the
// PostgreSQL events table. Appends take the caller's transaction so a record
// commits or rolls back with the row change it describes.
package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrStaleVersion means another writer advanced the stream past the
	// version the caller based its change on.
	ErrStaleVersion = errors.New("journal: stream moved past expected version")
	// ErrStreamNotFound is returned when reading a stream with no records.
	ErrStreamNotFound = errors.New("journal: stream not found")
)

// Stream names a journal stream: the kind of thing it tracks and its id.
type Stream struct {
	Kind string
	ID   uuid.UUID
}

// Record is one journal entry. Version is assigned on append.
type Record struct {
	Seq     int64           `json:"seq"`
	Stream  uuid.UUID       `json:"stream"`
	Kind    string          `json:"kind"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	Version int             `json:"version"`
	At      time.Time       `json:"at"`
}

// Encode builds a record of the given type with v as its JSON payload.
func Encode(typ string, at time.Time, v any) (Record, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return Record{}, fmt.Errorf("encode %s: %w", typ, err)
	}
	return Record{Type: typ, Payload: payload, At: at}, nil
}

// Decode unmarshals the record payload into v.
func (r Record) Decode(v any) error {
	if err := json.Unmarshal(r.Payload, v); err != nil {
		return fmt.Errorf("decode %s v%d: %w", r.Type, r.Version, err)
	}
	return nil
}

// Span bounds a read by version, inclusive. Zero means unbounded.
type Span struct {
	From, To int
}

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Journal struct {
	tracer trace.Tracer
}

func New() *Journal {
	return &Journal{tracer: otel.Tracer("foodrescue/eventstore")}
}

// Append writes recs to the stream on top of version base and returns the
// new head. The unique (aggregate_id, version) key catches writers that
// raced past the head check.
func (j *Journal) Append(ctx context.Context, q Querier, s Stream, base int, recs ...Record) (int, error) {
	ctx, span := j.tracer.Start(ctx, "journal.append", trace.WithAttributes(
		attribute.String("stream.kind", s.Kind),
		attribute.String("stream.id", s.ID.String()),
		attribute.Int("stream.base", base),
		attribute.Int("records", len(recs)),
	))
	defer span.End()

	if len(recs) == 0 {
		return base, nil
	}
	head, err := j.Head(ctx, q, s.ID)
	if err != nil {
		return 0, err
	}
	if head != base {
		span.SetAttributes(attribute.Int("stream.head", head))
		return 0, ErrStaleVersion
	}

	const cols = 6
	placeholders := make([]string, 0, len(recs))
	args := make([]any, 0, len(recs)*cols)
	for i, r := range recs {
		at := r.At
		if at.IsZero() {
			at = time.Now()
		}
		n := i * cols
		placeholders = append(placeholders,
			fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d)", n+1, n+2, n+3, n+4, n+5, n+6))
		args = append(args, s.ID, s.Kind, r.Type, []byte(r.Payload), base+i+1, at.UTC())
	}
	_, err = q.ExecContext(ctx,
		`INSERT INTO events (aggregate_id, aggregate_type, event_type, event_data, version, created_at) VALUES `+
			strings.Join(placeholders, ", "), args...)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		span.RecordError(err)
		return 0, ErrStaleVersion
	}
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("append to %s %s: %w", s.Kind, s.ID, err)
	}
	return base + len(recs), nil
}

// Read returns the stream's records within span, oldest first.
func (j *Journal) Read(ctx context.Context, q Querier, id uuid.UUID, span Span) ([]Record, error) {
	ctx, sp := j.tracer.Start(ctx, "journal.read", trace.WithAttributes(
		attribute.String("stream.id", id.String()),
		attribute.Int("span.from", span.From),
		attribute.Int("span.to", span.To),
	))
	defer sp.End()

	query := `SELECT id, aggregate_id, aggregate_type, event_type, event_data, version, created_at
		FROM events WHERE aggregate_id = $1 AND version >= $2`
	args := []any{id, span.From}
	if span.To > 0 {
		query += ` AND version <= $3`
		args = append(args, span.To)
	}
	rows, err := q.QueryContext(ctx, query+` ORDER BY version`, args...)
	if err != nil {
		return nil, fmt.Errorf("read stream %s: %w", id, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var payload []byte
		if err := rows.Scan(&r.Seq, &r.Stream, &r.Kind, &r.Type, &payload, &r.Version, &r.At); err != nil {
			return nil, fmt.Errorf("scan record of %s: %w", id, err)
		}
		r.Payload = payload
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read stream %s: %w", id, err)
	}
	if len(out) == 0 && span.From <= 1 {
		return nil, ErrStreamNotFound
	}
	sp.SetAttributes(attribute.Int("records", len(out)))
	return out, nil
}

// Head returns the stream's latest version, 0 for an empty stream.
func (j *Journal) Head(ctx context.Context, q Querier, id uuid.UUID) (int, error) {
	var head int
	err := q.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM events WHERE aggregate_id = $1`, id).Scan(&head)
	if err != nil {
		return 0, fmt.Errorf("head of %s: %w", id, err)
	}
	return head, nil
}
