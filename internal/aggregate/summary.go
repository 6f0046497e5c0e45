package aggregate

import (
	"sort"

	"auditcore/pkg/models"
)

// accumulator holds the raw sums every metric is derived from. Incremental
// updates and recomputation both go through add, so they agree exactly.
type accumulator struct {
	total      int
	failed     int
	latencySum int64
	latencyN   int
	alerts     int
	agents     map[string]int
}

func (a *accumulator) add(rec *models.AuditRecord) bool {
	switch {
	case rec.Event.EventType == models.EventAuditAnomaly:
		a.alerts++
		return true
	case !rec.Event.EventType.Inbound():
		return false
	}
	a.total++
	if rec.Flagged() {
		a.failed++
	}
	if rec.Event.DurationMs > 0 {
		a.latencySum += rec.Event.DurationMs
		a.latencyN++
	}
	if agent := rec.Event.SourceAgent; agent != "" {
		if a.agents == nil {
			a.agents = make(map[string]int)
		}
		a.agents[agent]++
	}
	return true
}

func (a *accumulator) merge(o *accumulator) {
	a.total += o.total
	a.failed += o.failed
	a.latencySum += o.latencySum
	a.latencyN += o.latencyN
	a.alerts += o.alerts
	for agent, n := range o.agents {
		if a.agents == nil {
			a.agents = make(map[string]int)
		}
		a.agents[agent] += n
	}
}

func (a *accumulator) successRate() float64 {
	if a.total == 0 {
		return 0
	}
	return float64(a.total-a.failed) / float64(a.total)
}

func (a *accumulator) avgLatency() float64 {
	if a.latencyN == 0 {
		return 0
	}
	return float64(a.latencySum) / float64(a.latencyN)
}

func (a *accumulator) value(name models.MetricName) float64 {
	switch name {
	case models.MetricTotalEvents:
		return float64(a.total)
	case models.MetricFailedEvents:
		return float64(a.failed)
	case models.MetricSuccessRate:
		return a.successRate()
	case models.MetricAvgLatencyMs:
		return a.avgLatency()
	case models.MetricOpenAlerts:
		return float64(a.alerts)
	default:
		return 0
	}
}

func (a *accumulator) activeAgents() []string {
	out := make([]string, 0, len(a.agents))
	for agent := range a.agents {
		out = append(out, agent)
	}
	sort.Strings(out)
	return out
}

// Summarize computes one metric over records. Records are taken as given;
// callers select window membership.
func Summarize(records []models.AuditRecord, name models.MetricName) float64 {
	var acc accumulator
	for i := range records {
		acc.add(&records[i])
	}
	return acc.value(name)
}
