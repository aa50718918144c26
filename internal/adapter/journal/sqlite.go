// Package journal persists gateway events to a local SQLite database so a
// session can be inspected after the fact.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"
	_ "modernc.org/sqlite"

	"claw-bridge/internal/domain"
	"claw-bridge/internal/infra/tracer"
)

// Entry kinds.
const (
	KindEvent = "event"
	KindNote  = "note"
)

// Entry is one journal row.
type Entry struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	Name       string          `json:"name"`
	Seq        *int64          `json:"seq,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	RecordedAt time.Time       `json:"recordedAt"`
}

// Gap is a run of missing event sequence numbers: every seq strictly
// between After and Before was never recorded.
type Gap struct {
	After  int64 `json:"after"`
	Before int64 `json:"before"`
}

// Missing returns how many sequence numbers the gap spans.
func (g Gap) Missing() int64 { return g.Before - g.After - 1 }

// Store is a SQLite-backed event journal.
type Store struct {
	db *sql.DB

	mu      sync.Mutex
	entropy io.Reader
}

// Open opens (or creates) the journal at path and runs the schema migration.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, journalErr("Open", "create directory", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, journalErr("Open", "open db", err)
	}
	// Writes come from the dispatch goroutine and the scheduler; one
	// connection keeps SQLite from reporting SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, journalErr("Open", "set WAL mode", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, journalErr("Open", "migrate", err)
	}
	return &Store{
		db:      db,
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS entries (
			id          TEXT PRIMARY KEY,
			kind        TEXT NOT NULL,
			name        TEXT NOT NULL,
			seq         INTEGER,
			payload     TEXT,
			recorded_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS entries_recorded_at ON entries (recorded_at);
	`)
	return err
}

func journalErr(op, detail string, cause error) error {
	return domain.NewSubSystemError("journal", "journal."+op, domain.ErrJournal, detail).WithCause(cause)
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) newID(at time.Time) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(at), s.entropy).String()
}

// Record appends a gateway event.
func (s *Store) Record(ctx context.Context, ev domain.Event) error {
	at := ev.ReceivedAt
	if at.IsZero() {
		at = time.Now()
	}
	return s.insert(ctx, "Record", Entry{Kind: KindEvent, Name: ev.Name, Seq: ev.Seq, Payload: ev.Payload, RecordedAt: at})
}

// RecordNote appends a bridge-local note, such as a command invocation.
func (s *Store) RecordNote(ctx context.Context, name string, payload any) error {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return journalErr("RecordNote", "marshal payload", err)
		}
		raw = b
	}
	return s.insert(ctx, "RecordNote", Entry{Kind: KindNote, Name: name, Payload: raw, RecordedAt: time.Now()})
}

func (s *Store) insert(ctx context.Context, op string, e Entry) error {
	ctx, span := tracer.StartSpan(ctx, "journal.insert",
		trace.WithAttributes(tracer.StringAttr("journal.kind", e.Kind), tracer.StringAttr("journal.name", e.Name)))
	defer span.End()

	var seq sql.NullInt64
	if e.Seq != nil {
		seq = sql.NullInt64{Int64: *e.Seq, Valid: true}
		span.SetAttributes(tracer.Int64Attr("journal.seq", *e.Seq))
	}
	var payload sql.NullString
	if len(e.Payload) > 0 {
		payload = sql.NullString{String: string(e.Payload), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO entries (id, kind, name, seq, payload, recorded_at) VALUES (?, ?, ?, ?, ?, ?)",
		s.newID(e.RecordedAt), e.Kind, e.Name, seq, payload, e.RecordedAt.UnixNano(),
	)
	if err != nil {
		tracer.RecordError(span, err)
		return journalErr(op, e.Name, err)
	}
	return nil
}

// Recent returns up to n entries, newest first.
func (s *Store) Recent(ctx context.Context, n int) ([]Entry, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, kind, name, seq, payload, recorded_at FROM entries ORDER BY recorded_at DESC, id DESC LIMIT ?", n)
	if err != nil {
		return nil, journalErr("Recent", "query", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, journalErr("Recent", "scan", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, journalErr("Recent", "iterate", err)
	}
	return out, nil
}

// Prune deletes entries recorded before olderThan and reports how many went.
func (s *Store) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM entries WHERE recorded_at < ?", olderThan.UnixNano())
	if err != nil {
		return 0, journalErr("Prune", "delete", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// SeqGaps walks recorded events in arrival order and reports holes in their
// sequence numbers. A seq that does not advance marks a new session (the
// gateway restarts numbering per connection) and is not a gap.
func (s *Store) SeqGaps(ctx context.Context) ([]Gap, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT seq FROM entries WHERE kind = ? AND seq IS NOT NULL ORDER BY recorded_at, id", KindEvent)
	if err != nil {
		return nil, journalErr("SeqGaps", "query", err)
	}
	defer rows.Close()

	var (
		gaps []Gap
		prev int64
		have bool
	)
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, journalErr("SeqGaps", "scan", err)
		}
		if have && seq > prev+1 {
			gaps = append(gaps, Gap{After: prev, Before: seq})
		}
		prev, have = seq, true
	}
	if err := rows.Err(); err != nil {
		return nil, journalErr("SeqGaps", "iterate", err)
	}
	return gaps, nil
}

// Count returns the number of stored entries.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM entries").Scan(&n); err != nil {
		return 0, journalErr("Count", "query", err)
	}
	return n, nil
}

// Handler returns an event handler that records every event it sees.
// Failures are logged; the dispatch loop is never blocked on them.
func (s *Store) Handler(logger *slog.Logger) domain.EventHandler {
	return func(ctx context.Context, ev domain.Event) {
		if err := s.Record(ctx, ev); err != nil {
			logger.Warn("journal record failed", "event", ev.Name, "error", err)
		}
	}
}

func scanEntry(rows *sql.Rows) (Entry, error) {
	var (
		e       Entry
		seq     sql.NullInt64
		payload sql.NullString
		at      int64
	)
	if err := rows.Scan(&e.ID, &e.Kind, &e.Name, &seq, &payload, &at); err != nil {
		return Entry{}, err
	}
	if seq.Valid {
		v := seq.Int64
		e.Seq = &v
	}
	if payload.Valid {
		e.Payload = json.RawMessage(payload.String)
	}
	e.RecordedAt = time.Unix(0, at)
	return e, nil
}

