package auditlog

import (
	"context"
	"sort"
	"sync"
	"time"

	"auditcore/pkg/models"
)

// MemoryStore keeps records in process memory. It is meant for tests and
// local development; nothing survives a restart.
type MemoryStore struct {
	mu      sync.RWMutex
	records []models.AuditRecord
	byID    map[string]int
	closed  bool
	now     func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]int), now: time.Now}
}

func (s *MemoryStore) Append(ctx context.Context, rec models.AuditRecord) (models.AuditRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return models.AuditRecord{}, false, err
	}
	rec, err := prepare(rec, s.now())
	if err != nil {
		return models.AuditRecord{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return models.AuditRecord{}, false, ErrClosed
	}
	if i, ok := s.byID[rec.Event.EventID]; ok {
		return s.records[i], false, nil
	}
	rec.Sequence = uint64(len(s.records)) + 1
	s.byID[rec.Event.EventID] = len(s.records)
	s.records = append(s.records, rec)
	return rec, true, nil
}

func (s *MemoryStore) Query(ctx context.Context, f Filter) ([]models.AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	start := sort.Search(len(s.records), func(i int) bool {
		return s.records[i].Sequence > f.AfterSequence
	})
	var out []models.AuditRecord
	for i := start; i < len(s.records); i++ {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if !f.Match(&s.records[i]) {
			continue
		}
		out = append(out, s.records[i])
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) Count(ctx context.Context, f Filter) (int, error) {
	f.Limit = 0
	recs, err := s.Query(ctx, f)
	return len(recs), err
}

func (s *MemoryStore) LastSequence(context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint64(len(s.records)), nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
