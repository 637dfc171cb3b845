package reconciler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fatimadachari/CryptoWatcher/internal/dispatcher"
	"github.com/fatimadachari/CryptoWatcher/internal/domain"
	"github.com/fatimadachari/CryptoWatcher/internal/evaluator"
)

var testNow = time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

// mockStore filters its alerts the way the SQL query does.
type mockStore struct {
	mu     sync.Mutex
	alerts []evaluator.WatchedAlert
	err    error
	calls  int
	cutoff time.Time
}

func (s *mockStore) ListUnnotified(_ context.Context, triggeredBefore time.Time, limit int) ([]evaluator.WatchedAlert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.cutoff = triggeredBefore
	if s.err != nil {
		return nil, s.err
	}
	var result []evaluator.WatchedAlert
	for _, wa := range s.alerts {
		a := wa.Alert
		if a.Status == domain.AlertStatusTriggered && a.NotifiedAt == nil && a.TriggeredAt.Before(triggeredBefore) {
			result = append(result, wa)
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (s *mockStore) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type mockPublisher struct {
	mu     sync.Mutex
	events []domain.TriggeredEvent
	err    error
	// failFor makes Publish fail for one alert only
	failFor int64
}

func (p *mockPublisher) Publish(_ context.Context, event domain.TriggeredEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	if p.failFor != 0 && event.AlertID == p.failFor {
		return errors.New("sink unavailable")
	}
	p.events = append(p.events, event)
	return nil
}

func (p *mockPublisher) getEvents() []domain.TriggeredEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.TriggeredEvent, len(p.events))
	copy(out, p.events)
	return out
}

type mockMetrics struct {
	mu          sync.Mutex
	unnotified  []int
	republished int
}

func (m *mockMetrics) UnnotifiedAlertsUpdate(count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unnotified = append(m.unnotified, count)
}

func (m *mockMetrics) Republished() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.republished++
}

func triggeredAlert(id int64, triggeredAgo time.Duration) evaluator.WatchedAlert {
	at := testNow.Add(-triggeredAgo)
	price := decimal.NewFromInt(101)
	return evaluator.WatchedAlert{
		Alert: domain.Alert{
			ID:             id,
			UserID:         9,
			Symbol:         "BTC",
			TargetPrice:    decimal.NewFromInt(100),
			Direction:      domain.DirectionAbove,
			Status:         domain.AlertStatusTriggered,
			CreatedAt:      at.Add(-time.Hour),
			UpdatedAt:      &at,
			TriggeredAt:    &at,
			TriggeredPrice: &price,
		},
		OwnerEmail: "owner@example.com",
	}
}

func newTestReconciler(store Store, pub Publisher) *Reconciler {
	return New(Config{Interval: time.Hour, Threshold: 10 * time.Minute, BatchSize: 100}, store, pub, nil).
		WithClock(func() time.Time { return testNow })
}

func TestReconciler_RepublishesStaleTriggers(t *testing.T) {
	wa := triggeredAlert(1, 15*time.Minute)
	store := &mockStore{alerts: []evaluator.WatchedAlert{wa}}
	pub := &mockPublisher{}

	republished, failed := newTestReconciler(store, pub).runCycle(context.Background())

	if republished != 1 || failed != 0 {
		t.Fatalf("republished=%d failed=%d, want 1/0", republished, failed)
	}
	events := pub.getEvents()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	ev := events[0]
	if ev.AlertID != 1 || ev.UserEmail != "owner@example.com" || ev.Symbol != "BTC" {
		t.Errorf("unexpected event: %+v", ev)
	}
	if !ev.ObservedPrice.Equal(decimal.NewFromInt(101)) {
		t.Errorf("observed price = %s, want persisted trigger price 101", ev.ObservedPrice)
	}
	if !ev.TriggeredAt.Equal(*wa.Alert.TriggeredAt) {
		t.Errorf("triggered_at = %v, want %v", ev.TriggeredAt, *wa.Alert.TriggeredAt)
	}
	if !store.cutoff.Equal(testNow.Add(-10 * time.Minute)) {
		t.Errorf("cutoff = %v, want now-threshold", store.cutoff)
	}
}

func TestReconciler_IdempotencyKeyStableAcrossRepublish(t *testing.T) {
	store := &mockStore{alerts: []evaluator.WatchedAlert{triggeredAlert(2, time.Hour)}}
	pub := &mockPublisher{}
	r := newTestReconciler(store, pub)

	r.runCycle(context.Background())
	r.runCycle(context.Background())

	events := pub.getEvents()
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].EventID == events[1].EventID {
		t.Error("each republish should carry a fresh event id")
	}
	if events[0].IdempotencyKey() != events[1].IdempotencyKey() {
		t.Error("idempotency key must be stable across republishes")
	}
}

func TestReconciler_SkipsRecentAndNotified(t *testing.T) {
	recent := triggeredAlert(3, time.Minute)
	notified := triggeredAlert(4, time.Hour)
	at := testNow.Add(-50 * time.Minute)
	notified.Alert.NotifiedAt = &at

	store := &mockStore{alerts: []evaluator.WatchedAlert{recent, notified}}
	pub := &mockPublisher{}

	republished, _ := newTestReconciler(store, pub).runCycle(context.Background())
	if republished != 0 || len(pub.getEvents()) != 0 {
		t.Errorf("expected nothing republished, got %d", republished)
	}
}

func TestReconciler_BatchSizeRespected(t *testing.T) {
	var alerts []evaluator.WatchedAlert
	for i := int64(1); i <= 10; i++ {
		alerts = append(alerts, triggeredAlert(i, time.Hour))
	}
	store := &mockStore{alerts: alerts}
	pub := &mockPublisher{}

	r := New(Config{Interval: time.Hour, Threshold: 10 * time.Minute, BatchSize: 3}, store, pub, nil).
		WithClock(func() time.Time { return testNow })
	r.runCycle(context.Background())

	if n := len(pub.getEvents()); n != 3 {
		t.Errorf("expected 3 events with batch size 3, got %d", n)
	}
}

func TestReconciler_StoreErrorAbortsGracefully(t *testing.T) {
	store := &mockStore{err: errors.New("connection reset")}
	pub := &mockPublisher{}

	republished, failed := newTestReconciler(store, pub).runCycle(context.Background())
	if republished != 0 || failed != 0 {
		t.Errorf("republished=%d failed=%d, want 0/0", republished, failed)
	}
}

func TestReconciler_PublishErrorContinues(t *testing.T) {
	store := &mockStore{alerts: []evaluator.WatchedAlert{
		triggeredAlert(5, time.Hour),
		triggeredAlert(6, time.Hour),
		triggeredAlert(7, time.Hour),
	}}
	pub := &mockPublisher{failFor: 6}

	republished, failed := newTestReconciler(store, pub).runCycle(context.Background())
	if republished != 2 || failed != 1 {
		t.Errorf("republished=%d failed=%d, want 2/1", republished, failed)
	}
}

func TestReconciler_UnbuildableAlertCountsAsFailure(t *testing.T) {
	broken := triggeredAlert(8, time.Hour)
	broken.Alert.TriggeredPrice = nil
	store := &mockStore{alerts: []evaluator.WatchedAlert{broken, triggeredAlert(9, time.Hour)}}
	pub := &mockPublisher{}

	republished, failed := newTestReconciler(store, pub).runCycle(context.Background())
	if republished != 1 || failed != 1 {
		t.Errorf("republished=%d failed=%d, want 1/1", republished, failed)
	}
}

func TestReconciler_ContextCancellation(t *testing.T) {
	store := &mockStore{alerts: []evaluator.WatchedAlert{triggeredAlert(10, time.Hour)}}
	pub := &mockPublisher{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	republished, _ := newTestReconciler(store, pub).runCycle(ctx)
	if republished != 0 {
		t.Errorf("expected no republish after cancellation, got %d", republished)
	}
}

func TestReconciler_Metrics(t *testing.T) {
	store := &mockStore{alerts: []evaluator.WatchedAlert{triggeredAlert(11, time.Hour), triggeredAlert(12, time.Hour)}}
	m := &mockMetrics{}
	r := newTestReconciler(store, &mockPublisher{failFor: 12}).WithMetrics(m)

	r.runCycle(context.Background())

	if len(m.unnotified) != 1 || m.unnotified[0] != 2 {
		t.Errorf("unnotified gauge updates = %v, want [2]", m.unnotified)
	}
	if m.republished != 1 {
		t.Errorf("republished = %d, want 1", m.republished)
	}
}

func TestReconciler_RunScansImmediatelyAndStops(t *testing.T) {
	store := &mockStore{}
	r := New(Config{Interval: 20 * time.Millisecond}, store, &mockPublisher{}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 70*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	if store.callCount() < 2 {
		t.Errorf("expected an immediate scan plus ticks, got %d scans", store.callCount())
	}
}

func TestReconciler_DefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Interval != 5*time.Minute {
		t.Errorf("default interval = %v, want 5m", cfg.Interval)
	}
	if cfg.Threshold != 10*time.Minute {
		t.Errorf("default threshold = %v, want 10m", cfg.Threshold)
	}
	if cfg.BatchSize != 100 {
		t.Errorf("default batch size = %d, want 100", cfg.BatchSize)
	}

	r := New(Config{}, &mockStore{}, &mockPublisher{}, nil)
	if r.config != cfg {
		t.Errorf("zero config should take defaults, got %+v", r.config)
	}
}

// The threshold must outlast the dispatcher's worst-case retry window, or
// alerts still being retried would be republished.
func TestReconciler_ThresholdExceedsMaxRetryDuration(t *testing.T) {
	cfg := DefaultConfig()
	if maxRetry := dispatcher.MaxRetryDuration(); cfg.Threshold <= maxRetry {
		t.Errorf("threshold (%s) must exceed dispatcher max retry duration (%s)", cfg.Threshold, maxRetry)
	}
}
