// Package auditlog is the append-only audit trail. Every backend assigns a
// strictly increasing sequence under a single writer and treats a repeated
// event_id as a no-op.
package auditlog

import (
	"context"
	"errors"
	"time"

	"auditcore/pkg/models"
)

var (
	// ErrPersistenceUnavailable wraps backend connectivity and I/O failures.
	ErrPersistenceUnavailable = errors.New("persistence unavailable")
	// ErrAppendFailed is returned once retries of an append are exhausted.
	ErrAppendFailed = errors.New("append failed")
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("store closed")
)

// Store persists audit records.
type Store interface {
	// Append persists rec and assigns its sequence. If rec.Event.EventID is
	// already stored, the stored record is returned with inserted=false.
	Append(ctx context.Context, rec models.AuditRecord) (stored models.AuditRecord, inserted bool, err error)
	// Query returns matching records ordered by sequence.
	Query(ctx context.Context, f Filter) ([]models.AuditRecord, error)
	// Count returns the number of matching records, ignoring Limit.
	Count(ctx context.Context, f Filter) (int, error)
	// LastSequence returns the highest assigned sequence, 0 when empty.
	LastSequence(ctx context.Context) (uint64, error)
	Close() error
}

// Filter selects records. Zero fields do not constrain.
type Filter struct {
	CustomerID string
	EventType  models.EventType
	// Start and End bound the event timestamp to [Start, End).
	Start time.Time
	End   time.Time
	// IngestedBefore keeps records ingested strictly before it.
	IngestedBefore time.Time
	AfterSequence  uint64
	Limit          int
}

// Match reports whether rec passes the filter.
func (f Filter) Match(rec *models.AuditRecord) bool {
	if rec.Sequence <= f.AfterSequence {
		return false
	}
	if f.CustomerID != "" && rec.Event.CustomerID != f.CustomerID {
		return false
	}
	if f.EventType != "" && rec.Event.EventType != f.EventType {
		return false
	}
	if !f.Start.IsZero() && rec.Event.Timestamp.Before(f.Start) {
		return false
	}
	if !f.End.IsZero() && !rec.Event.Timestamp.Before(f.End) {
		return false
	}
	if !f.IngestedBefore.IsZero() && !rec.IngestedAt.Before(f.IngestedBefore) {
		return false
	}
	return true
}

// prepare stamps ingestion time and normalizes the event before a write.
func prepare(rec models.AuditRecord, now time.Time) (models.AuditRecord, error) {
	rec.Event.Normalize()
	if err := rec.Event.Validate(); err != nil {
		return rec, err
	}
	if rec.IngestedAt.IsZero() {
		rec.IngestedAt = now
	}
	rec.IngestedAt = rec.IngestedAt.UTC()
	rec.Sequence = 0
	return rec, nil
}
