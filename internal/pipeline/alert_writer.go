package pipeline

import "auditcore/pkg/models"

// AlertWriter writes anomaly alerts to an external sink.
type AlertWriter interface {
	WriteAlerts(alerts []*models.AnomalyAlert) error
	Close() error
}
