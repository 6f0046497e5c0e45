package auditlog

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"auditcore/internal/logger"
	"auditcore/pkg/models"
)

const (
	recordPrefix  = "rec:"
	eventIDPrefix = "eid:"
)

// BadgerStore keeps records in an embedded Badger database. Record keys are
// big-endian sequences, so key order is replay order.
type BadgerStore struct {
	db   *badger.DB
	mu   sync.Mutex
	last uint64
	now  func() time.Time
	stop chan struct{}
	done chan struct{}
}

// OpenBadger opens (or creates) a Badger audit store in dir.
func OpenBadger(dir string) (*BadgerStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	opts := badger.DefaultOptions(dir)
	opts.SyncWrites = true
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", unavailable(err))
	}

	s := &BadgerStore{db: db, now: time.Now, stop: make(chan struct{}), done: make(chan struct{})}
	if err := s.loadLast(); err != nil {
		_ = db.Close()
		return nil, err
	}
	go s.runGarbageCollection()
	return s, nil
}

func recordKey(seq uint64) []byte {
	key := make([]byte, len(recordPrefix)+8)
	copy(key, recordPrefix)
	binary.BigEndian.PutUint64(key[len(recordPrefix):], seq)
	return key
}

func (s *BadgerStore) loadLast() error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		// Seek past the largest possible record key, then step back.
		seekKey := append([]byte(recordPrefix), 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff)
		prefix := []byte(recordPrefix)
		it.Seek(seekKey)
		if it.ValidForPrefix(prefix) {
			s.last = binary.BigEndian.Uint64(it.Item().Key()[len(recordPrefix):])
		}
		return nil
	})
}

func (s *BadgerStore) runGarbageCollection() {
	defer close(s.done)
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			err := s.db.RunValueLogGC(0.5)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				logger.Warnf("BadgerDB garbage collection failed: %v", err)
			}
		}
	}
}

func (s *BadgerStore) Append(ctx context.Context, rec models.AuditRecord) (models.AuditRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return models.AuditRecord{}, false, err
	}
	rec, err := prepare(rec, s.now())
	if err != nil {
		return models.AuditRecord{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		existing models.AuditRecord
		found    bool
	)
	next := s.last + 1
	rec.Sequence = next
	data, err := json.Marshal(rec)
	if err != nil {
		return models.AuditRecord{}, false, fmt.Errorf("encode event %s: %w", rec.Event.EventID, err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(eventIDPrefix + rec.Event.EventID))
		switch {
		case err == nil:
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			existing, err = s.get(txn, binary.BigEndian.Uint64(raw))
			if err != nil {
				return err
			}
			found = true
			return nil
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}

		seq := make([]byte, 8)
		binary.BigEndian.PutUint64(seq, next)
		if err := txn.Set(recordKey(next), data); err != nil {
			return err
		}
		return txn.Set([]byte(eventIDPrefix+rec.Event.EventID), seq)
	})
	if err != nil {
		return models.AuditRecord{}, false, fmt.Errorf("append event %s: %w", rec.Event.EventID, unavailable(err))
	}
	if found {
		return existing, false, nil
	}
	s.last = next
	return rec, true, nil
}

func (s *BadgerStore) get(txn *badger.Txn, seq uint64) (models.AuditRecord, error) {
	var rec models.AuditRecord
	item, err := txn.Get(recordKey(seq))
	if err != nil {
		return rec, err
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	})
	return rec, err
}

func (s *BadgerStore) Query(ctx context.Context, f Filter) ([]models.AuditRecord, error) {
	var out []models.AuditRecord
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(recordPrefix)
		n := 0
		for it.Seek(recordKey(f.AfterSequence + 1)); it.ValidForPrefix(prefix); it.Next() {
			n++
			if n%256 == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}
			var rec models.AuditRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return fmt.Errorf("decode record: %w", err)
			}
			if !f.Match(&rec) {
				continue
			}
			out = append(out, rec)
			if f.Limit > 0 && len(out) >= f.Limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", unavailable(err))
	}
	return out, nil
}

func (s *BadgerStore) Count(ctx context.Context, f Filter) (int, error) {
	f.Limit = 0
	recs, err := s.Query(ctx, f)
	return len(recs), err
}

func (s *BadgerStore) LastSequence(context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, nil
}

func (s *BadgerStore) Close() error {
	close(s.stop)
	<-s.done
	return s.db.Close()
}
