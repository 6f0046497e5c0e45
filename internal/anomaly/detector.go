// Package anomaly flags windows whose event rate or failure rate deviates
// from a rolling per-key baseline.
package anomaly

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"auditcore/internal/observability"
	"auditcore/pkg/models"
)

// Config controls detection.
type Config struct {
	// Window is the span over which rates are counted.
	Window time.Duration
	// Slide is the bucket size windows advance by. Defaults to Window.
	Slide time.Duration
	// Alpha is the EWMA smoothing factor in (0, 1].
	Alpha float64
	// Epsilon floors the baseline standard deviation.
	Epsilon float64
	// Threshold is the deviation score that must be exceeded.
	Threshold float64
	// MinSupport is the minimum number of events in the window.
	MinSupport int
	// MinBaselineWindows is the number of closed windows folded into the
	// baseline before alerts are possible.
	MinBaselineWindows int
	// CooldownWindows suppresses further alerts for the same key and metric
	// in the windows following an alert. Zero means one window; a negative
	// value disables the cooldown.
	CooldownWindows int
	// Scopes selects customer and/or global keys.
	Scopes []string
	// MaxRelated caps related_event_ids per alert.
	MaxRelated int
}

func (c *Config) applyDefaults() {
	if c.Window <= 0 {
		c.Window = 5 * time.Minute
	}
	if c.Slide <= 0 || c.Slide > c.Window {
		c.Slide = c.Window
	}
	if c.Window%c.Slide != 0 {
		c.Window = (c.Window/c.Slide + 1) * c.Slide
	}
	if c.Alpha <= 0 || c.Alpha > 1 {
		c.Alpha = 0.3
	}
	if c.Epsilon <= 0 {
		c.Epsilon = 1
	}
	if c.Threshold <= 0 {
		c.Threshold = 3
	}
	if c.MinSupport <= 0 {
		c.MinSupport = 10
	}
	if c.MinBaselineWindows <= 0 {
		c.MinBaselineWindows = 3
	}
	switch {
	case c.CooldownWindows == 0:
		c.CooldownWindows = 1
	case c.CooldownWindows < 0:
		c.CooldownWindows = 0
	}
	if len(c.Scopes) == 0 {
		c.Scopes = []string{models.ScopeCustomer, models.ScopeGlobal}
	}
	if c.MaxRelated <= 0 {
		c.MaxRelated = 50
	}
}

// maxFolds bounds the catch-up work when a key was idle for a long time.
// After this many empty windows the baseline is effectively zero anyway.
const maxFolds = 512

var alertNamespace = uuid.MustParse("3f1c9a52-5d0e-4d7b-9a59-2f7f6c1b8e41")

// Detector holds one baseline per key. Keys are locked independently.
type Detector struct {
	cfg     Config
	buckets int
	now     func() time.Time

	mu   sync.Mutex
	keys map[string]*keyState
}

type keyState struct {
	mu        sync.Mutex
	eventType models.EventType
	customer  string
	scope     string

	buckets   []bucket
	events    ewma
	failures  ewma
	lastAlert map[string]time.Time
}

type bucket struct {
	start     time.Time
	events    int
	failures  int
	ids       []string
	failedIDs []string
}

// ewma is an exponentially weighted mean and variance.
type ewma struct {
	mean     float64
	variance float64
	n        int
}

func (e *ewma) fold(x, alpha float64) {
	if e.n == 0 {
		e.mean = x
		e.variance = 0
		e.n = 1
		return
	}
	diff := x - e.mean
	incr := alpha * diff
	e.mean += incr
	e.variance = (1 - alpha) * (e.variance + diff*incr)
	e.n++
}

func (e *ewma) stddev() float64 {
	return math.Sqrt(e.variance)
}

// NewDetector creates a detector.
func NewDetector(cfg Config) *Detector {
	cfg.applyDefaults()
	return &Detector{
		cfg:     cfg,
		buckets: int(cfg.Window / cfg.Slide),
		now:     time.Now,
		keys:    make(map[string]*keyState),
	}
}

// Config returns the effective configuration.
func (d *Detector) Config() Config {
	return d.cfg
}

// Observe folds rec into every key it belongs to and returns the alerts it
// triggered. Only inbound agent events are analysed.
func (d *Detector) Observe(rec *models.AuditRecord) []models.AnomalyAlert {
	return d.observe(rec, true)
}

// Warm replays history into the baselines without raising alerts.
func (d *Detector) Warm(records []models.AuditRecord) {
	for i := range records {
		d.observe(&records[i], false)
	}
}

func (d *Detector) observe(rec *models.AuditRecord, emit bool) []models.AnomalyAlert {
	if rec == nil || !rec.Event.EventType.Inbound() || rec.Event.Timestamp.IsZero() {
		return nil
	}
	failed := rec.Flagged()

	var out []models.AnomalyAlert
	for _, scope := range d.cfg.Scopes {
		customer := rec.Event.CustomerID
		switch {
		case scope == models.ScopeGlobal:
			customer = models.GlobalCustomer
		case scope != models.ScopeCustomer, customer == models.GlobalCustomer:
			// "*" names the global key; it is never a customer key.
			continue
		}
		st := d.state(rec.Event.EventType, customer, scope)
		out = append(out, d.observeKey(st, rec, failed, emit)...)
	}
	return out
}

func keyName(t models.EventType, customer string) string {
	return string(t) + "/" + customer
}

func (d *Detector) state(t models.EventType, customer, scope string) *keyState {
	key := keyName(t, customer)
	d.mu.Lock()
	defer d.mu.Unlock()
	st := d.keys[key]
	if st == nil {
		st = &keyState{
			eventType: t,
			customer:  customer,
			scope:     scope,
			lastAlert: make(map[string]time.Time),
		}
		d.keys[key] = st
	}
	return st
}

func (d *Detector) observeKey(st *keyState, rec *models.AuditRecord, failed, emit bool) []models.AnomalyAlert {
	st.mu.Lock()
	defer st.mu.Unlock()

	start := rec.Event.Timestamp.UTC().Truncate(d.cfg.Slide)
	if len(st.buckets) == 0 {
		st.buckets = append(st.buckets, bucket{start: start})
	}
	cur := st.buckets[len(st.buckets)-1].start
	if start.Before(cur) {
		observability.LateRecordsTotal.WithLabelValues("anomaly").Inc()
		return nil
	}
	if start.After(cur) {
		d.advance(st, start)
	}

	b := &st.buckets[len(st.buckets)-1]
	b.events++
	if len(b.ids) < d.cfg.MaxRelated {
		b.ids = append(b.ids, rec.Event.EventID)
	}
	if failed {
		b.failures++
		if len(b.failedIDs) < d.cfg.MaxRelated {
			b.failedIDs = append(b.failedIDs, rec.Event.EventID)
		}
	}

	if !emit {
		return nil
	}

	events, failures := st.totals()
	var out []models.AnomalyAlert
	if a, ok := d.evaluate(st, models.AnomalyMetricEventRate, &st.events, events, events); ok {
		out = append(out, a)
	}
	if a, ok := d.evaluate(st, models.AnomalyMetricFailureRate, &st.failures, failures, events); ok {
		out = append(out, a)
	}
	return out
}

// advance closes buckets up to start, folding every window that ends in
// between, empty ones included.
func (d *Detector) advance(st *keyState, start time.Time) {
	cur := st.buckets[len(st.buckets)-1].start
	steps := int(start.Sub(cur) / d.cfg.Slide)
	folds := steps
	if folds > maxFolds {
		folds = maxFolds
	}
	for i := 0; i < folds; i++ {
		events, failures := st.totals()
		st.events.fold(float64(events), d.cfg.Alpha)
		st.failures.fold(float64(failures), d.cfg.Alpha)

		next := st.buckets[len(st.buckets)-1].start.Add(d.cfg.Slide)
		st.buckets = append(st.buckets, bucket{start: next})
		if len(st.buckets) > d.buckets {
			st.buckets = st.buckets[len(st.buckets)-d.buckets:]
		}
	}
	if folds < steps {
		st.buckets = []bucket{{start: start}}
	}
}

func (st *keyState) totals() (events, failures int) {
	for _, b := range st.buckets {
		events += b.events
		failures += b.failures
	}
	return events, failures
}

func (st *keyState) related(metric string, max int) []string {
	var out []string
	for _, b := range st.buckets {
		ids := b.ids
		if metric == models.AnomalyMetricFailureRate {
			ids = b.failedIDs
		}
		for _, id := range ids {
			if len(out) >= max {
				return out
			}
			out = append(out, id)
		}
	}
	return out
}

func (d *Detector) evaluate(st *keyState, metric string, base *ewma, observed, support int) (models.AnomalyAlert, bool) {
	if support < d.cfg.MinSupport || base.n < d.cfg.MinBaselineWindows {
		return models.AnomalyAlert{}, false
	}
	obs := float64(observed)
	if obs <= base.mean {
		return models.AnomalyAlert{}, false
	}
	stddev := base.stddev()
	score := (obs - base.mean) / math.Max(stddev, d.cfg.Epsilon)
	if score <= d.cfg.Threshold {
		return models.AnomalyAlert{}, false
	}

	windowEnd := st.buckets[len(st.buckets)-1].start.Add(d.cfg.Slide)
	windowStart := windowEnd.Add(-d.cfg.Window)
	if last, ok := st.lastAlert[metric]; ok {
		if windowStart.Sub(last) <= time.Duration(d.cfg.CooldownWindows)*d.cfg.Slide {
			return models.AnomalyAlert{}, false
		}
	}
	st.lastAlert[metric] = windowStart

	key := keyName(st.eventType, st.customer)
	alert := models.AnomalyAlert{
		AlertID:         alertID(key, metric, windowStart),
		Key:             key,
		Scope:           st.scope,
		EventType:       st.eventType,
		CustomerID:      st.customer,
		TriggeredAt:     d.now().UTC(),
		WindowStart:     windowStart,
		WindowEnd:       windowEnd,
		MetricName:      metric,
		ObservedValue:   obs,
		BaselineValue:   base.mean,
		BaselineStddev:  stddev,
		DeviationScore:  score,
		Threshold:       d.cfg.Threshold,
		SampleCount:     support,
		RelatedEventIDs: st.related(metric, d.cfg.MaxRelated),
	}
	observability.AnomalyAlertsTotal.WithLabelValues(metric, st.scope).Inc()
	return alert, true
}

// alertID is stable for a key, metric and window so a replayed detection
// maps onto the alert already recorded.
func alertID(key, metric string, windowStart time.Time) string {
	name := strings.Join([]string{key, metric, fmt.Sprint(windowStart.UnixNano())}, "|")
	return uuid.NewSHA1(alertNamespace, []byte(name)).String()
}

// Baseline reports the current event-rate and failure-rate baselines for a
// key, mainly for diagnostics.
func (d *Detector) Baseline(t models.EventType, customer string) (eventMean, failureMean float64, windows int, ok bool) {
	d.mu.Lock()
	st := d.keys[keyName(t, customer)]
	d.mu.Unlock()
	if st == nil {
		return 0, 0, 0, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.events.mean, st.failures.mean, st.events.n, true
}
