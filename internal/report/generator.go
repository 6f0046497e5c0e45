// Package report assembles time-windowed, customer-scoped audit reports from
// the audit log. Everything but the narrative is a pure function of the
// stored records, so identical requests over an unchanged store produce
// identical reports.
package report

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"auditcore/internal/aggregate"
	"auditcore/internal/auditlog"
	"auditcore/internal/cache"
	"auditcore/internal/fallback"
	"auditcore/internal/logger"
	"auditcore/internal/narrative"
	"auditcore/internal/observability"
	"auditcore/pkg/models"
)

// ErrInvalidRange is returned when end is not after start.
var ErrInvalidRange = errors.New("invalid report range")

var reportNamespace = uuid.MustParse("4c1bd3c5-6f0a-4a9e-9d55-27a0e1f3b8a2")

// Config controls report generation.
type Config struct {
	// DefaultRange is used when start and end are both zero.
	DefaultRange time.Duration
	// Window sizes the metric snapshots. Defaults to the aggregator window.
	Window time.Duration
	// NarrativeTimeout bounds the primary narrator.
	NarrativeTimeout time.Duration
	// NarrativeTTL is how long generated narratives stay cached.
	NarrativeTTL time.Duration
	// FailureThreshold and Cooldown tune the narrator breaker.
	FailureThreshold int
	Cooldown         time.Duration
}

// Generator builds reports.
type Generator struct {
	cfg   Config
	store auditlog.Store
	agg   *aggregate.Aggregator
	cache *cache.Layer
	sel   *fallback.Selector[narrative.Narrator]
	now   func() time.Time
}

// New creates a generator. primary may be nil, in which case every narrative
// comes from the template. layer may be nil to disable narrative caching.
func New(store auditlog.Store, agg *aggregate.Aggregator, primary narrative.Narrator, layer *cache.Layer, cfg Config) *Generator {
	if cfg.DefaultRange <= 0 {
		cfg.DefaultRange = 24 * time.Hour
	}
	if cfg.Window <= 0 && agg != nil {
		cfg.Window = agg.Config().Window
	}
	if cfg.Window <= 0 {
		cfg.Window = 5 * time.Minute
	}
	if cfg.NarrativeTimeout <= 0 {
		cfg.NarrativeTimeout = 30 * time.Second
	}
	if cfg.NarrativeTTL <= 0 {
		cfg.NarrativeTTL = time.Hour
	}
	g := &Generator{cfg: cfg, store: store, agg: agg, cache: layer, now: time.Now}
	g.sel = fallback.NewSelector[narrative.Narrator]("narrative", primary, narrative.TemplateNarrator{}, fallback.Config{
		Timeout: cfg.NarrativeTimeout,
		Breaker: fallback.NewBreaker("narrative",
			fallback.WithFailureThreshold(cfg.FailureThreshold),
			fallback.WithCooldown(cfg.Cooldown),
		),
		OnFallback: func(reason error) {
			logger.Warnf("narrative collaborator unavailable, using template: %v", reason)
		},
	})
	return g
}

// Degraded reports whether narratives currently come from the template.
func (g *Generator) Degraded() bool {
	return g.sel.Degraded()
}

// Range resolves the effective report range.
func (g *Generator) Range(start, end time.Time) (time.Time, time.Time, error) {
	switch {
	case start.IsZero() && end.IsZero():
		end = g.now().UTC()
		start = end.Add(-g.cfg.DefaultRange)
	case start.IsZero():
		start = end.Add(-g.cfg.DefaultRange)
	case end.IsZero():
		end = start.Add(g.cfg.DefaultRange)
	}
	start, end = start.UTC(), end.UTC()
	if !end.After(start) {
		return start, end, fmt.Errorf("%w: end %s is not after start %s", ErrInvalidRange, end.Format(time.RFC3339), start.Format(time.RFC3339))
	}
	return start, end, nil
}

// Generate builds the report for customerID over [start, end). An empty
// customerID covers all customers.
func (g *Generator) Generate(ctx context.Context, customerID string, start, end time.Time) (*models.Report, error) {
	began := time.Now()
	defer func() { observability.ReportDuration.Observe(time.Since(began).Seconds()) }()

	start, end, err := g.Range(start, end)
	if err != nil {
		return nil, err
	}

	// Records appended after this point are ignored so the report reflects a
	// single store state.
	last, err := g.store.LastSequence(ctx)
	if err != nil {
		return nil, fmt.Errorf("read last sequence: %w", err)
	}

	records, err := g.store.Query(ctx, auditlog.Filter{CustomerID: customerID, Start: start, End: end})
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	records = upTo(records, last)

	alerts, err := g.alerts(ctx, customerID, start, end, records, last)
	if err != nil {
		return nil, err
	}

	rep := &models.Report{
		CustomerID:    customerID,
		Start:         start,
		End:           end,
		LastSequence:  last,
		EventsByType:  make(map[string]int),
		EventsByAgent: make(map[string]int),
		StatusSummary: make(map[string]int),
		Alerts:        alerts,
	}
	for i := range records {
		ev := &records[i].Event
		if !ev.EventType.Inbound() {
			continue
		}
		rep.TotalEvents++
		rep.EventsByType[string(ev.EventType)]++
		agent := ev.SourceAgent
		if agent == "" {
			agent = "unknown"
		}
		rep.EventsByAgent[agent]++
		rep.StatusSummary[string(ev.Status)]++
	}
	rep.MetricSnapshots = g.snapshots(customerID, start, end, records)
	rep.ReportID = reportID(customerID, start, end, last)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	text, degraded, err := g.narrate(ctx, digestOf(rep))
	if err != nil {
		return nil, err
	}
	rep.NarrativeText = text
	rep.Degraded = degraded
	return rep, nil
}

func upTo(records []models.AuditRecord, last uint64) []models.AuditRecord {
	for i := range records {
		if records[i].Sequence > last {
			return records[:i]
		}
	}
	return records
}

// alerts collects anomaly alerts overlapping the range: the customer's own
// alerts plus global alerts that implicate one of the customer's records.
func (g *Generator) alerts(ctx context.Context, customerID string, start, end time.Time, records []models.AuditRecord, last uint64) ([]models.AnomalyAlert, error) {
	anomalies, err := g.store.Query(ctx, auditlog.Filter{EventType: models.EventAuditAnomaly})
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	anomalies = upTo(anomalies, last)

	var own map[string]struct{}
	if customerID != "" {
		own = make(map[string]struct{}, len(records))
		for i := range records {
			own[records[i].Event.EventID] = struct{}{}
		}
	}

	out := make([]models.AnomalyAlert, 0)
	seen := make(map[string]struct{})
	for i := range anomalies {
		alert, ok := anomalies[i].Alert()
		if !ok || !alert.Overlaps(start, end) {
			continue
		}
		if _, dup := seen[alert.AlertID]; dup {
			continue
		}
		if customerID != "" && !concerns(alert, anomalies[i].Event.CustomerID, customerID, own) {
			continue
		}
		seen[alert.AlertID] = struct{}{}
		out = append(out, *alert)
	}
	return out, nil
}

func concerns(alert *models.AnomalyAlert, recordCustomer, customerID string, own map[string]struct{}) bool {
	if recordCustomer == customerID || alert.CustomerID == customerID {
		return true
	}
	if alert.CustomerID != models.GlobalCustomer {
		return false
	}
	for _, id := range alert.RelatedEventIDs {
		if _, ok := own[id]; ok {
			return true
		}
	}
	return false
}

// snapshots summarizes each metric window touching the range, clipped to it.
// With an aggregator, records follow its membership rule so a closed window
// matches Aggregator.Recompute for the same window.
func (g *Generator) snapshots(customerID string, start, end time.Time, records []models.AuditRecord) []models.MetricSnapshot {
	scope := models.MetricScopeGlobal
	if customerID != "" {
		scope = models.CustomerScope(customerID)
	}

	var out []models.MetricSnapshot
	for w := models.AlignWindow(start, g.cfg.Window); w.Start.Before(end); w = models.AlignWindow(w.End, g.cfg.Window) {
		clip := models.Window{Start: w.Start, End: w.End}
		if clip.Start.Before(start) {
			clip.Start = start
		}
		if clip.End.After(end) {
			clip.End = end
		}
		var in []models.AuditRecord
		for i := range records {
			if !clip.Contains(records[i].Event.Timestamp) {
				continue
			}
			if g.agg != nil && !g.agg.Member(&records[i], w) {
				continue
			}
			in = append(in, records[i])
		}
		if len(in) == 0 {
			continue
		}
		full := clip == w
		for _, name := range models.MetricNames {
			out = append(out, models.MetricSnapshot{
				MetricName: name,
				Scope:      scope,
				Window:     clip,
				Value:      aggregate.Summarize(in, name),
				Closed:     full,
			})
		}
	}
	return out
}

func reportID(customerID string, start, end time.Time, last uint64) string {
	name := fmt.Sprintf("%s|%d|%d|%d", customerID, start.UnixNano(), end.UnixNano(), last)
	return uuid.NewSHA1(reportNamespace, []byte(name)).String()
}

func digestOf(rep *models.Report) narrative.Digest {
	return narrative.Digest{
		CustomerID:    rep.CustomerID,
		Start:         rep.Start,
		End:           rep.End,
		TotalEvents:   rep.TotalEvents,
		EventsByType:  rep.EventsByType,
		EventsByAgent: rep.EventsByAgent,
		StatusSummary: rep.StatusSummary,
		AlertCount:    len(rep.Alerts),
	}
}

type cachedNarrative struct {
	Text string `json:"text"`
}

// narrate returns the narrative and whether the template fallback was used.
// Only collaborator output is cached.
func (g *Generator) narrate(ctx context.Context, d narrative.Digest) (string, bool, error) {
	key := "narrative:" + d.Hash()
	if g.cache != nil {
		var hit cachedNarrative
		if g.cache.GetJSON(ctx, key, &hit) && hit.Text != "" {
			observability.NarrativesTotal.WithLabelValues("cache").Inc()
			return hit.Text, g.cache.Degraded(), nil
		}
	}

	var text string
	out, err := g.sel.Do(ctx, func(ctx context.Context, n narrative.Narrator) error {
		var err error
		text, err = n.Narrate(ctx, d)
		return err
	})
	if err != nil {
		return "", false, fmt.Errorf("narrate: %w", err)
	}
	observability.SetFallback("narrative", g.sel.Degraded())
	if out.Degraded {
		observability.NarrativesTotal.WithLabelValues("template").Inc()
		return text, true, nil
	}
	observability.NarrativesTotal.WithLabelValues("collaborator").Inc()
	if g.cache != nil {
		if err := g.cache.SetJSON(ctx, key, cachedNarrative{Text: text}, g.cfg.NarrativeTTL); err != nil {
			logger.Debugf("cache narrative: %v", err)
		}
	}
	return text, g.cache != nil && g.cache.Degraded(), nil
}
