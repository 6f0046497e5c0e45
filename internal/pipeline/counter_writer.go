package pipeline

import (
	"context"

	"auditcore/pkg/models"
)

// CounterWriter updates a derived real-time counter index.
type CounterWriter interface {
	Record(ctx context.Context, records ...*models.AuditRecord) error
	Close() error
}
