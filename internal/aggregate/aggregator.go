// Package aggregate maintains windowed compliance metrics. Metrics are a
// cache over the audit log: every snapshot can be rebuilt from the store.
package aggregate

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"auditcore/internal/auditlog"
	"auditcore/internal/logger"
	"auditcore/internal/observability"
	"auditcore/pkg/models"
)

// Config controls windowing.
type Config struct {
	// Window is the tumbling metric window.
	Window time.Duration
	// Grace is how long after a window ends records may still join it.
	Grace time.Duration
	// SummaryPeriod is the span covered by Compliance.
	SummaryPeriod time.Duration
	// Retention is how long windows are kept in memory.
	Retention time.Duration
}

func (c *Config) applyDefaults() {
	if c.Window <= 0 {
		c.Window = 5 * time.Minute
	}
	if c.Grace < 0 {
		c.Grace = 0
	}
	if c.SummaryPeriod <= 0 {
		c.SummaryPeriod = 24 * time.Hour
	}
	if min := c.SummaryPeriod + 2*c.Window; c.Retention < min {
		c.Retention = min
	}
}

type windowKey struct {
	scope string
	start int64
}

type windowState struct {
	mu     sync.Mutex
	window models.Window
	acc    accumulator
	seen   map[string]struct{}
}

// Aggregator keeps one accumulator per scope and window. Each window is
// locked on its own, so unrelated scopes update in parallel.
type Aggregator struct {
	cfg   Config
	store auditlog.Store
	now   func() time.Time

	mu        sync.RWMutex
	windows   map[windowKey]*windowState
	lastEvict time.Time
}

// New creates an aggregator backed by store for recomputation.
func New(store auditlog.Store, cfg Config) *Aggregator {
	cfg.applyDefaults()
	return &Aggregator{
		cfg:     cfg,
		store:   store,
		now:     time.Now,
		windows: make(map[windowKey]*windowState),
	}
}

// Config returns the effective configuration.
func (a *Aggregator) Config() Config {
	return a.cfg
}

// Member reports whether rec counts toward window w: its event time lies in
// w and it was ingested before the grace period ran out.
func (a *Aggregator) Member(rec *models.AuditRecord, w models.Window) bool {
	return w.Contains(rec.Event.Timestamp) && rec.IngestedAt.Before(w.End.Add(a.cfg.Grace))
}

// Scopes returns the metric scopes a record contributes to.
func Scopes(rec *models.AuditRecord) []string {
	scopes := []string{models.MetricScopeGlobal}
	if c := rec.Event.CustomerID; c != "" && c != models.GlobalCustomer {
		scopes = append(scopes, models.CustomerScope(c))
	}
	return scopes
}

// Record folds a persisted record into its window. Repeated event ids are
// ignored, as are records that missed their window's grace period.
func (a *Aggregator) Record(rec *models.AuditRecord) {
	if rec == nil || rec.Event.Timestamp.IsZero() {
		return
	}
	w := models.AlignWindow(rec.Event.Timestamp, a.cfg.Window)
	if !a.Member(rec, w) {
		observability.LateRecordsTotal.WithLabelValues("metrics").Inc()
		logger.Debugf("record %s arrived after window %s closed", rec.Event.EventID, w.End.Format(time.RFC3339))
		return
	}

	for _, scope := range Scopes(rec) {
		st := a.window(scope, w, true)
		st.mu.Lock()
		if _, dup := st.seen[rec.Event.EventID]; !dup {
			if st.acc.add(rec) {
				st.seen[rec.Event.EventID] = struct{}{}
			}
		}
		st.mu.Unlock()
	}
	a.maybeEvict()
}

func (a *Aggregator) window(scope string, w models.Window, create bool) *windowState {
	key := windowKey{scope: scope, start: w.Start.UnixNano()}
	a.mu.RLock()
	st := a.windows[key]
	a.mu.RUnlock()
	if st != nil || !create {
		return st
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if st = a.windows[key]; st == nil {
		st = &windowState{window: w, seen: make(map[string]struct{})}
		a.windows[key] = st
	}
	return st
}

func (a *Aggregator) maybeEvict() {
	now := a.now()
	a.mu.Lock()
	defer a.mu.Unlock()
	if now.Sub(a.lastEvict) < a.cfg.Window {
		return
	}
	a.lastEvict = now
	cutoff := now.Add(-a.cfg.Retention)
	for key, st := range a.windows {
		if st.window.End.Before(cutoff) {
			delete(a.windows, key)
		}
	}
}

func (a *Aggregator) checkWindow(w models.Window) error {
	if !w.Start.Equal(w.Start.Truncate(a.cfg.Window)) || w.End.Sub(w.Start) != a.cfg.Window {
		return fmt.Errorf("window [%s, %s) is not aligned to %s", w.Start.Format(time.RFC3339), w.End.Format(time.RFC3339), a.cfg.Window)
	}
	return nil
}

func (a *Aggregator) closed(w models.Window) bool {
	return !a.now().Before(w.End.Add(a.cfg.Grace))
}

// Snapshot returns the incrementally maintained value. ok is false when the
// window is outside retention.
func (a *Aggregator) Snapshot(name models.MetricName, scope string, w models.Window) (models.MetricSnapshot, bool) {
	snap := models.MetricSnapshot{MetricName: name, Scope: scope, Window: w, Closed: a.closed(w)}
	if !name.Valid() || a.checkWindow(w) != nil {
		return snap, false
	}
	if w.End.Before(a.now().Add(-a.cfg.Retention)) {
		return snap, false
	}
	if st := a.window(scope, w, false); st != nil {
		st.mu.Lock()
		snap.Value = st.acc.value(name)
		st.mu.Unlock()
	}
	return snap, true
}

func (a *Aggregator) filter(scope string, w models.Window) (auditlog.Filter, error) {
	f := auditlog.Filter{Start: w.Start, End: w.End, IngestedBefore: w.End.Add(a.cfg.Grace)}
	switch {
	case scope == models.MetricScopeGlobal:
	case strings.HasPrefix(scope, "customer:"):
		f.CustomerID = strings.TrimPrefix(scope, "customer:")
	default:
		return f, fmt.Errorf("unknown metric scope %q", scope)
	}
	return f, nil
}

func (a *Aggregator) rebuild(ctx context.Context, scope string, w models.Window) (*accumulator, map[string]struct{}, error) {
	if err := a.checkWindow(w); err != nil {
		return nil, nil, err
	}
	f, err := a.filter(scope, w)
	if err != nil {
		return nil, nil, err
	}
	recs, err := a.store.Query(ctx, f)
	if err != nil {
		return nil, nil, err
	}
	acc := &accumulator{}
	seen := make(map[string]struct{}, len(recs))
	for i := range recs {
		if acc.add(&recs[i]) {
			seen[recs[i].Event.EventID] = struct{}{}
		}
	}
	return acc, seen, nil
}

// Recompute derives the metric from the audit log alone.
func (a *Aggregator) Recompute(ctx context.Context, name models.MetricName, scope string, w models.Window) (models.MetricSnapshot, error) {
	if !name.Valid() {
		return models.MetricSnapshot{}, fmt.Errorf("unknown metric %q", name)
	}
	acc, _, err := a.rebuild(ctx, scope, w)
	if err != nil {
		return models.MetricSnapshot{}, err
	}
	return models.MetricSnapshot{
		MetricName: name,
		Scope:      scope,
		Window:     w,
		Value:      acc.value(name),
		Closed:     a.closed(w),
	}, nil
}

// Repair replaces a window's incremental state with its recomputation.
func (a *Aggregator) Repair(ctx context.Context, scope string, w models.Window) error {
	acc, seen, err := a.rebuild(ctx, scope, w)
	if err != nil {
		return err
	}
	st := a.window(scope, w, true)
	st.mu.Lock()
	st.acc = *acc
	st.seen = seen
	st.mu.Unlock()
	return nil
}

// Warm replays the retention period from the store.
func (a *Aggregator) Warm(ctx context.Context) (int, error) {
	since := models.AlignWindow(a.now().Add(-a.cfg.Retention), a.cfg.Window).Start
	recs, err := a.store.Query(ctx, auditlog.Filter{Start: since})
	if err != nil {
		return 0, err
	}
	for i := range recs {
		a.Record(&recs[i])
	}
	return len(recs), nil
}

// Compliance rolls the global windows of the summary period into one view.
// The period starts on a window boundary and ends with the current window.
func (a *Aggregator) Compliance(now time.Time) models.ComplianceMetrics {
	period := models.Window{
		Start: models.AlignWindow(now.Add(-a.cfg.SummaryPeriod), a.cfg.Window).Start,
		End:   models.AlignWindow(now, a.cfg.Window).End,
	}

	var total accumulator
	a.mu.RLock()
	states := make([]*windowState, 0, len(a.windows))
	for key, st := range a.windows {
		if key.scope != models.MetricScopeGlobal {
			continue
		}
		if st.window.Start.Before(period.Start) || !st.window.Start.Before(period.End) {
			continue
		}
		states = append(states, st)
	}
	a.mu.RUnlock()

	for _, st := range states {
		st.mu.Lock()
		total.merge(&st.acc)
		st.mu.Unlock()
	}

	current := models.AlignWindow(now, a.cfg.Window)
	var windows []models.MetricSnapshot
	for _, name := range models.MetricNames {
		if snap, ok := a.Snapshot(name, models.MetricScopeGlobal, current); ok {
			windows = append(windows, snap)
		}
	}

	return models.ComplianceMetrics{
		Period:         period,
		TotalEvents:    total.total,
		FailedEvents:   total.failed,
		SuccessRate:    total.successRate(),
		AvgLatencyMs:   total.avgLatency(),
		OpenAlerts:     total.alerts,
		ActiveAgents:   total.activeAgents(),
		SystemHealth:   models.HealthFor(total.total, total.successRate()),
		CurrentWindows: windows,
	}
}
