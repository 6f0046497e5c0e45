package pipeline

import "auditcore/pkg/models"

// RecordWriter exports persisted audit records.
type RecordWriter interface {
	WriteRecords(records []*models.AuditRecord) error
	Close() error
}
