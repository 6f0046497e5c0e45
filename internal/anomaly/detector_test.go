package anomaly

import (
	"fmt"
	"testing"
	"time"

	"auditcore/pkg/models"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

type feeder struct {
	d   *Detector
	seq int
}

func (f *feeder) emit(window int, n int, status models.Status) []models.AnomalyAlert {
	var out []models.AnomalyAlert
	for i := 0; i < n; i++ {
		f.seq++
		rec := &models.AuditRecord{
			Sequence: uint64(f.seq),
			Event: models.Event{
				EventID:    fmt.Sprintf("e%d", f.seq),
				EventType:  models.EventDocumentProcessed,
				CustomerID: "CUSTOMER_001",
				Status:     status,
				Timestamp:  t0.Add(time.Duration(window)*5*time.Minute + time.Duration(i)*time.Second),
				Payload:    &models.DocumentProcessed{DocumentID: "d"},
			},
		}
		out = append(out, f.d.Observe(rec)...)
	}
	return out
}

func customerOnly(cfg Config) *Detector {
	cfg.Scopes = []string{models.ScopeCustomer}
	d := NewDetector(cfg)
	d.now = func() time.Time { return t0 }
	return d
}

func TestSpikeRaisesExactlyOneAlert(t *testing.T) {
	f := &feeder{d: customerOnly(Config{})}
	for w := 0; w < 5; w++ {
		if alerts := f.emit(w, 10, models.StatusSuccess); len(alerts) != 0 {
			t.Fatalf("baseline window %d raised %d alerts", w, len(alerts))
		}
	}

	alerts := f.emit(5, 60, models.StatusSuccess)
	if len(alerts) != 1 {
		t.Fatalf("expected exactly one alert for the spike window, got %d", len(alerts))
	}
	a := alerts[0]
	if a.MetricName != models.AnomalyMetricEventRate {
		t.Fatalf("unexpected metric %s", a.MetricName)
	}
	if a.BaselineValue != 10 {
		t.Fatalf("baseline = %v, want 10", a.BaselineValue)
	}
	if a.DeviationScore <= a.Threshold {
		t.Fatalf("deviation %v should exceed threshold %v", a.DeviationScore, a.Threshold)
	}
	if a.SampleCount < 10 || len(a.RelatedEventIDs) != a.SampleCount {
		t.Fatalf("sample count %d, related %d", a.SampleCount, len(a.RelatedEventIDs))
	}
	if !a.WindowStart.Equal(t0.Add(25*time.Minute)) || !a.WindowEnd.Equal(t0.Add(30*time.Minute)) {
		t.Fatalf("unexpected window [%s, %s)", a.WindowStart, a.WindowEnd)
	}
	if a.Key != "document-processed/CUSTOMER_001" || a.Scope != models.ScopeCustomer {
		t.Fatalf("unexpected key %s scope %s", a.Key, a.Scope)
	}
}

func TestCooldownSuppressesFollowingWindow(t *testing.T) {
	f := &feeder{d: customerOnly(Config{Alpha: 0.01, CooldownWindows: 1})}
	for w := 0; w < 5; w++ {
		f.emit(w, 10, models.StatusSuccess)
	}
	if n := len(f.emit(5, 60, models.StatusSuccess)); n != 1 {
		t.Fatalf("spike window: got %d alerts, want 1", n)
	}
	if n := len(f.emit(6, 60, models.StatusSuccess)); n != 0 {
		t.Fatalf("cooldown window: got %d alerts, want 0", n)
	}
	if n := len(f.emit(7, 60, models.StatusSuccess)); n != 1 {
		t.Fatalf("after cooldown: got %d alerts, want 1", n)
	}
}

func TestCooldownDefaultsToOneWindow(t *testing.T) {
	if got := NewDetector(Config{}).Config().CooldownWindows; got != 1 {
		t.Fatalf("default cooldown = %d, want 1", got)
	}
	if got := NewDetector(Config{CooldownWindows: -1}).Config().CooldownWindows; got != 0 {
		t.Fatalf("disabled cooldown = %d, want 0", got)
	}

	f := &feeder{d: customerOnly(Config{Alpha: 0.01, CooldownWindows: -1})}
	for w := 0; w < 5; w++ {
		f.emit(w, 10, models.StatusSuccess)
	}
	if n := len(f.emit(5, 60, models.StatusSuccess)); n != 1 {
		t.Fatalf("spike window: got %d alerts, want 1", n)
	}
	if n := len(f.emit(6, 60, models.StatusSuccess)); n != 1 {
		t.Fatalf("without cooldown the next window alerts again, got %d", n)
	}
}

func TestMinSupportGatesAlerts(t *testing.T) {
	f := &feeder{d: customerOnly(Config{})}
	for w := 0; w < 5; w++ {
		f.emit(w, 2, models.StatusSuccess)
	}
	if n := len(f.emit(5, 9, models.StatusSuccess)); n != 0 {
		t.Fatalf("window below min support raised %d alerts", n)
	}
}

func TestNoAlertWithoutEnoughBaseline(t *testing.T) {
	f := &feeder{d: customerOnly(Config{})}
	f.emit(0, 10, models.StatusSuccess)
	f.emit(1, 10, models.StatusSuccess)
	if n := len(f.emit(2, 100, models.StatusSuccess)); n != 0 {
		t.Fatalf("two baseline windows must not be enough, got %d alerts", n)
	}
}

func TestFailureRateSpike(t *testing.T) {
	f := &feeder{d: customerOnly(Config{})}
	for w := 0; w < 4; w++ {
		f.emit(w, 20, models.StatusSuccess)
	}
	var alerts []models.AnomalyAlert
	alerts = append(alerts, f.emit(4, 10, models.StatusSuccess)...)
	alerts = append(alerts, f.emit(4, 10, models.StatusFailure)...)
	if len(alerts) != 1 {
		t.Fatalf("expected one failure-rate alert, got %d", len(alerts))
	}
	if alerts[0].MetricName != models.AnomalyMetricFailureRate {
		t.Fatalf("unexpected metric %s", alerts[0].MetricName)
	}
	want := []string{"e91", "e92", "e93", "e94"}
	if fmt.Sprint(alerts[0].RelatedEventIDs) != fmt.Sprint(want) {
		t.Fatalf("related ids = %v, want the failed events %v", alerts[0].RelatedEventIDs, want)
	}
}

func TestLateEventsAreIgnored(t *testing.T) {
	d := customerOnly(Config{})
	f := &feeder{d: d}
	f.emit(0, 3, models.StatusSuccess)
	f.emit(1, 1, models.StatusSuccess)
	f.emit(0, 5, models.StatusSuccess)

	mean, _, windows, ok := d.Baseline(models.EventDocumentProcessed, "CUSTOMER_001")
	if !ok || windows != 1 || mean != 3 {
		t.Fatalf("late events changed the baseline: mean=%v windows=%d", mean, windows)
	}
}

func TestWarmBuildsBaselineSilently(t *testing.T) {
	d := customerOnly(Config{})
	var history []models.AuditRecord
	for w := 0; w < 5; w++ {
		for i := 0; i < 10; i++ {
			history = append(history, models.AuditRecord{Event: models.Event{
				EventID:    fmt.Sprintf("h%d-%d", w, i),
				EventType:  models.EventDocumentProcessed,
				CustomerID: "CUSTOMER_001",
				Status:     models.StatusSuccess,
				Timestamp:  t0.Add(time.Duration(w)*5*time.Minute + time.Duration(i)*time.Second),
			}})
		}
	}
	d.Warm(history)

	f := &feeder{d: d, seq: 1000}
	if n := len(f.emit(5, 30, models.StatusSuccess)); n != 1 {
		t.Fatalf("expected the warmed baseline to flag the spike, got %d alerts", n)
	}
}

func TestGlobalScopeAggregatesCustomers(t *testing.T) {
	d := NewDetector(Config{Scopes: []string{models.ScopeGlobal}})
	var alerts []models.AnomalyAlert
	seq := 0
	emit := func(window, perCustomer int) {
		for c := 0; c < 2; c++ {
			for i := 0; i < perCustomer; i++ {
				seq++
				alerts = append(alerts, d.Observe(&models.AuditRecord{Event: models.Event{
					EventID:    fmt.Sprintf("g%d", seq),
					EventType:  models.EventChatInteraction,
					CustomerID: fmt.Sprintf("CUSTOMER_%03d", c),
					Status:     models.StatusSuccess,
					Timestamp:  t0.Add(time.Duration(window)*5*time.Minute + time.Duration(i)*time.Second),
				}})...)
			}
		}
	}
	for w := 0; w < 4; w++ {
		emit(w, 5)
	}
	emit(4, 30)

	if len(alerts) != 1 {
		t.Fatalf("expected one global alert, got %d", len(alerts))
	}
	if alerts[0].CustomerID != models.GlobalCustomer || alerts[0].Scope != models.ScopeGlobal {
		t.Fatalf("unexpected alert scope %s/%s", alerts[0].Scope, alerts[0].CustomerID)
	}
}

func TestGlobalCustomerIDCountsOnce(t *testing.T) {
	d := NewDetector(Config{})
	for i := 0; i < 3; i++ {
		d.Observe(&models.AuditRecord{Event: models.Event{
			EventID:    fmt.Sprintf("s%d", i),
			EventType:  models.EventChatInteraction,
			CustomerID: models.GlobalCustomer,
			Status:     models.StatusSuccess,
			Timestamp:  t0.Add(time.Duration(i) * time.Second),
		}})
	}
	d.Observe(&models.AuditRecord{Event: models.Event{
		EventID:    "next",
		EventType:  models.EventChatInteraction,
		CustomerID: "CUSTOMER_001",
		Status:     models.StatusSuccess,
		Timestamp:  t0.Add(5 * time.Minute),
	}})

	mean, _, windows, ok := d.Baseline(models.EventChatInteraction, models.GlobalCustomer)
	if !ok || windows != 1 || mean != 3 {
		t.Fatalf("global key counted events twice: mean=%v windows=%d", mean, windows)
	}
}

func TestAlertIDIsStablePerWindow(t *testing.T) {
	a := alertID("k", models.AnomalyMetricEventRate, t0)
	b := alertID("k", models.AnomalyMetricEventRate, t0)
	c := alertID("k", models.AnomalyMetricEventRate, t0.Add(time.Minute))
	if a != b || a == c {
		t.Fatalf("alert ids: %s %s %s", a, b, c)
	}
}
