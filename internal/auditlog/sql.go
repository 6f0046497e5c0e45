package auditlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"auditcore/pkg/models"
)

const sqlSchema = `
CREATE TABLE IF NOT EXISTS audit_records (
	sequence BIGINT PRIMARY KEY,
	event_id TEXT NOT NULL UNIQUE,
	event_type TEXT NOT NULL,
	customer_id TEXT NOT NULL,
	source_agent TEXT NOT NULL,
	status TEXT NOT NULL,
	event_ts BIGINT NOT NULL,
	ingested_at BIGINT NOT NULL,
	degraded INTEGER NOT NULL,
	tags TEXT NOT NULL,
	event TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_records_customer ON audit_records(customer_id, event_ts);
CREATE INDEX IF NOT EXISTS idx_audit_records_event_ts ON audit_records(event_ts);
CREATE INDEX IF NOT EXISTS idx_audit_records_type ON audit_records(event_type);
`

const selectColumns = "sequence, ingested_at, degraded, tags, event"

// dialect captures what differs between the SQL backends.
type dialect struct {
	name string
	// lock serializes sequence assignment inside the append transaction.
	// Empty when the store relies on its in-process mutex alone.
	lock string
	// dollar switches ? placeholders to $n.
	dollar bool
}

// sqlStore implements Store over database/sql. Timestamps are stored as
// Unix nanoseconds so filters compare exactly on every backend.
type sqlStore struct {
	db      *sql.DB
	dialect dialect
	// mu serializes appends from this process; the dialect lock covers
	// other processes sharing the database.
	mu  sync.Mutex
	now func() time.Time
}

func newSQLStore(ctx context.Context, db *sql.DB, d dialect) (*sqlStore, error) {
	for _, stmt := range strings.Split(sqlSchema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("creating %s schema: %w", d.name, unavailable(err))
		}
	}
	return &sqlStore{db: db, dialect: d, now: time.Now}, nil
}

func (s *sqlStore) rebind(query string) string {
	if !s.dialect.dollar {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) Append(ctx context.Context, rec models.AuditRecord) (models.AuditRecord, bool, error) {
	rec, err := prepare(rec, s.now())
	if err != nil {
		return models.AuditRecord{}, false, err
	}
	eventJSON, err := json.Marshal(rec.Event)
	if err != nil {
		return models.AuditRecord{}, false, fmt.Errorf("encode event %s: %w", rec.Event.EventID, err)
	}
	tagsJSON, err := json.Marshal(rec.Tags)
	if err != nil {
		return models.AuditRecord{}, false, fmt.Errorf("encode tags %s: %w", rec.Event.EventID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.AuditRecord{}, false, fmt.Errorf("begin append: %w", unavailable(err))
	}
	defer func() { _ = tx.Rollback() }()

	if s.dialect.lock != "" {
		if _, err := tx.ExecContext(ctx, s.dialect.lock); err != nil {
			return models.AuditRecord{}, false, fmt.Errorf("lock sequence: %w", unavailable(err))
		}
	}

	row := tx.QueryRowContext(ctx, s.rebind("SELECT "+selectColumns+" FROM audit_records WHERE event_id = ?"), rec.Event.EventID)
	existing, err := scanRecord(row)
	switch {
	case err == nil:
		return existing, false, nil
	case !errors.Is(err, sql.ErrNoRows):
		return models.AuditRecord{}, false, fmt.Errorf("lookup event %s: %w", rec.Event.EventID, unavailable(err))
	}

	var last int64
	if err := tx.QueryRowContext(ctx, "SELECT COALESCE(MAX(sequence), 0) FROM audit_records").Scan(&last); err != nil {
		return models.AuditRecord{}, false, fmt.Errorf("read sequence: %w", unavailable(err))
	}
	rec.Sequence = uint64(last) + 1

	_, err = tx.ExecContext(ctx, s.rebind(`INSERT INTO audit_records
		(sequence, event_id, event_type, customer_id, source_agent, status, event_ts, ingested_at, degraded, tags, event)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		int64(rec.Sequence),
		rec.Event.EventID,
		string(rec.Event.EventType),
		rec.Event.CustomerID,
		rec.Event.SourceAgent,
		string(rec.Event.Status),
		rec.Event.Timestamp.UnixNano(),
		rec.IngestedAt.UnixNano(),
		boolInt(rec.Degraded),
		string(tagsJSON),
		string(eventJSON),
	)
	if err != nil {
		return models.AuditRecord{}, false, fmt.Errorf("insert event %s: %w", rec.Event.EventID, unavailable(err))
	}
	if err := tx.Commit(); err != nil {
		return models.AuditRecord{}, false, fmt.Errorf("commit event %s: %w", rec.Event.EventID, unavailable(err))
	}
	return rec, true, nil
}

func (s *sqlStore) where(f Filter) (string, []any) {
	clauses := []string{"sequence > ?"}
	args := []any{int64(f.AfterSequence)}
	if f.CustomerID != "" {
		clauses = append(clauses, "customer_id = ?")
		args = append(args, f.CustomerID)
	}
	if f.EventType != "" {
		clauses = append(clauses, "event_type = ?")
		args = append(args, string(f.EventType))
	}
	if !f.Start.IsZero() {
		clauses = append(clauses, "event_ts >= ?")
		args = append(args, f.Start.UnixNano())
	}
	if !f.End.IsZero() {
		clauses = append(clauses, "event_ts < ?")
		args = append(args, f.End.UnixNano())
	}
	if !f.IngestedBefore.IsZero() {
		clauses = append(clauses, "ingested_at < ?")
		args = append(args, f.IngestedBefore.UnixNano())
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func (s *sqlStore) Query(ctx context.Context, f Filter) ([]models.AuditRecord, error) {
	where, args := s.where(f)
	query := "SELECT " + selectColumns + " FROM audit_records" + where + " ORDER BY sequence ASC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", unavailable(err))
	}
	defer func() { _ = rows.Close() }()

	var out []models.AuditRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading audit log: %w", unavailable(err))
	}
	return out, nil
}

func (s *sqlStore) Count(ctx context.Context, f Filter) (int, error) {
	where, args := s.where(f)
	var n int
	if err := s.db.QueryRowContext(ctx, s.rebind("SELECT COUNT(*) FROM audit_records"+where), args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting audit log: %w", unavailable(err))
	}
	return n, nil
}

func (s *sqlStore) LastSequence(ctx context.Context) (uint64, error) {
	var last int64
	if err := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(sequence), 0) FROM audit_records").Scan(&last); err != nil {
		return 0, fmt.Errorf("read sequence: %w", unavailable(err))
	}
	return uint64(last), nil
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (models.AuditRecord, error) {
	var (
		seq        int64
		ingestedAt int64
		degraded   int
		tags       string
		event      string
	)
	if err := row.Scan(&seq, &ingestedAt, &degraded, &tags, &event); err != nil {
		return models.AuditRecord{}, err
	}
	rec := models.AuditRecord{
		Sequence:   uint64(seq),
		IngestedAt: time.Unix(0, ingestedAt).UTC(),
		Degraded:   degraded != 0,
	}
	if err := json.Unmarshal([]byte(event), &rec.Event); err != nil {
		return models.AuditRecord{}, fmt.Errorf("decode record %d: %w", seq, err)
	}
	if tags != "" && tags != "null" {
		if err := json.Unmarshal([]byte(tags), &rec.Tags); err != nil {
			return models.AuditRecord{}, fmt.Errorf("decode record %d tags: %w", seq, err)
		}
	}
	return rec, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// unavailable marks backend failures. Caller cancellation passes through
// unchanged so it is never retried.
func unavailable(err error) error {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrPersistenceUnavailable, err)
}
