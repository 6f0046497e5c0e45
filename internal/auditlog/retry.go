package auditlog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"auditcore/internal/logger"
	"auditcore/internal/observability"
	"auditcore/pkg/models"
)

// RetryConfig bounds append retries.
type RetryConfig struct {
	Attempts        int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// Retrying retries appends that fail with ErrPersistenceUnavailable using
// exponential backoff. Reads pass through unchanged.
type Retrying struct {
	Store
	cfg RetryConfig
}

// NewRetrying wraps store.
func NewRetrying(store Store, cfg RetryConfig) *Retrying {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 5
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 100 * time.Millisecond
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 2 * time.Second
	}
	return &Retrying{Store: store, cfg: cfg}
}

// Append retries transient persistence failures. Once attempts are
// exhausted the error wraps both ErrAppendFailed and the last cause.
func (r *Retrying) Append(ctx context.Context, rec models.AuditRecord) (models.AuditRecord, bool, error) {
	var (
		stored   models.AuditRecord
		inserted bool
		attempt  int
	)

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.cfg.InitialInterval
	eb.MaxInterval = r.cfg.MaxInterval
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(r.cfg.Attempts-1)), ctx)

	op := func() error {
		attempt++
		var err error
		stored, inserted, err = r.Store.Append(ctx, rec)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrPersistenceUnavailable) {
			return err
		}
		return backoff.Permanent(err)
	}
	notify := func(err error, wait time.Duration) {
		observability.AppendRetriesTotal.Inc()
		logger.Warnf("append %s failed (attempt %d), retrying in %s: %v", rec.Event.EventID, attempt, wait, err)
	}

	err := backoff.RetryNotify(op, policy, notify)
	if err == nil {
		return stored, inserted, nil
	}
	if errors.Is(err, ErrPersistenceUnavailable) {
		return models.AuditRecord{}, false, fmt.Errorf("%w after %d attempts: %w", ErrAppendFailed, attempt, err)
	}
	return models.AuditRecord{}, false, err
}
