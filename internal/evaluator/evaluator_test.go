package evaluator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fatimadachari/CryptoWatcher/internal/domain"
)

// mockStore holds alerts by ID and enforces the status precondition.
type mockStore struct {
	mu        sync.Mutex
	alerts    map[int64]WatchedAlert
	listErr   error
	updateErr map[int64]error
	updates   []domain.Alert
}

func newMockStore(alerts ...WatchedAlert) *mockStore {
	s := &mockStore{alerts: make(map[int64]WatchedAlert), updateErr: make(map[int64]error)}
	for _, wa := range alerts {
		s.alerts[wa.Alert.ID] = wa
	}
	return s
}

func (s *mockStore) ListActive(ctx context.Context) ([]WatchedAlert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []WatchedAlert
	for _, wa := range s.alerts {
		if wa.Alert.Status == domain.AlertStatusActive {
			out = append(out, wa)
		}
	}
	return out, nil
}

func (s *mockStore) UpdateStatus(ctx context.Context, alert domain.Alert, expected domain.AlertStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.updateErr[alert.ID]; err != nil {
		return err
	}
	cur, ok := s.alerts[alert.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if cur.Alert.Status != expected {
		return domain.ErrConflict
	}
	cur.Alert = alert
	s.alerts[alert.ID] = cur
	s.updates = append(s.updates, alert)
	return nil
}

func (s *mockStore) get(id int64) domain.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alerts[id].Alert
}

// mockPrices returns configured prices and counts calls per symbol.
type mockPrices struct {
	mu     sync.Mutex
	prices map[string]decimal.Decimal
	calls  map[string]int
	panics map[string]bool
}

func newMockPrices(prices map[string]string) *mockPrices {
	p := &mockPrices{prices: make(map[string]decimal.Decimal), calls: make(map[string]int), panics: make(map[string]bool)}
	for sym, v := range prices {
		p.prices[sym] = decimal.RequireFromString(v)
	}
	return p
}

func (p *mockPrices) CurrentPrice(ctx context.Context, symbol string) (domain.PricePoint, bool) {
	p.mu.Lock()
	p.calls[symbol]++
	price, ok := p.prices[symbol]
	shouldPanic := p.panics[symbol]
	p.mu.Unlock()
	if shouldPanic {
		panic("feed exploded")
	}
	if !ok {
		return domain.PricePoint{}, false
	}
	return domain.PricePoint{Symbol: symbol, Price: price, FetchedAt: time.Now()}, true
}

func (p *mockPrices) totalCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.calls {
		n += c
	}
	return n
}

type mockPublisher struct {
	mu     sync.Mutex
	events []domain.TriggeredEvent
	err    error
}

func (p *mockPublisher) Publish(ctx context.Context, event domain.TriggeredEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, event)
	return nil
}

func (p *mockPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

type mockMetrics struct {
	mu         sync.Mutex
	known      int
	unknown    int
	triggered  int
	conflicts  int
	publishErr int
	groupErr   int
}

func (m *mockMetrics) PriceLookup(known bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if known {
		m.known++
	} else {
		m.unknown++
	}
}
func (m *mockMetrics) AlertTriggered(string) { m.mu.Lock(); m.triggered++; m.mu.Unlock() }
func (m *mockMetrics) TransitionConflict()   { m.mu.Lock(); m.conflicts++; m.mu.Unlock() }
func (m *mockMetrics) PublishFailed()        { m.mu.Lock(); m.publishErr++; m.mu.Unlock() }
func (m *mockMetrics) GroupFailed()          { m.mu.Lock(); m.groupErr++; m.mu.Unlock() }

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func watched(t *testing.T, id int64, symbol, target string, dir domain.Direction) WatchedAlert {
	t.Helper()
	a, err := domain.NewAlert(100+id, symbol, decimal.RequireFromString(target), dir, fixedNow.Add(-time.Hour))
	if err != nil {
		t.Fatalf("NewAlert: %v", err)
	}
	a.ID = id
	return WatchedAlert{Alert: a, OwnerEmail: "owner@example.com"}
}

func newTestEvaluator(store Store, prices PriceSource, pub Publisher, workers int) *Evaluator {
	return New(Config{Workers: workers}, store, prices, pub, nil).
		WithClock(func() time.Time { return fixedNow })
}

func TestRunCycle_BelowTriggers(t *testing.T) {
	store := newMockStore(watched(t, 1, "BTC", "50000", domain.DirectionBelow))
	prices := newMockPrices(map[string]string{"BTC": "49000"})
	pub := &mockPublisher{}

	res, err := newTestEvaluator(store, prices, pub, 1).RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle error = %v", err)
	}
	if res.Triggered != 1 {
		t.Errorf("Triggered = %d, want 1", res.Triggered)
	}

	got := store.get(1)
	if got.Status != domain.AlertStatusTriggered {
		t.Errorf("Status = %q, want triggered", got.Status)
	}
	if got.TriggeredAt == nil || !got.TriggeredAt.Equal(fixedNow) {
		t.Errorf("TriggeredAt = %v, want %v", got.TriggeredAt, fixedNow)
	}

	if pub.count() != 1 {
		t.Fatalf("published %d events, want 1", pub.count())
	}
	ev := pub.events[0]
	if ev.Symbol != "BTC" || !ev.TargetPrice.Equal(decimal.NewFromInt(50000)) || !ev.ObservedPrice.Equal(decimal.NewFromInt(49000)) {
		t.Errorf("event = %+v", ev)
	}
	if ev.UserEmail != "owner@example.com" || ev.UserID != 101 {
		t.Errorf("event owner = %d/%q", ev.UserID, ev.UserEmail)
	}
}

func TestRunCycle_NotCrossed(t *testing.T) {
	store := newMockStore(watched(t, 1, "BTC", "50000", domain.DirectionBelow))
	prices := newMockPrices(map[string]string{"BTC": "51000"})
	pub := &mockPublisher{}

	res, err := newTestEvaluator(store, prices, pub, 1).RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle error = %v", err)
	}
	if res.Triggered != 0 || pub.count() != 0 {
		t.Errorf("Triggered = %d, events = %d, want 0/0", res.Triggered, pub.count())
	}
	if got := store.get(1); got.Status != domain.AlertStatusActive || got.UpdatedAt != nil {
		t.Errorf("alert changed: %+v", got)
	}
}

func TestRunCycle_MixedGroupsWithUnknownPrice(t *testing.T) {
	store := newMockStore(
		watched(t, 1, "BTC", "40000", domain.DirectionBelow),
		watched(t, 2, "BTC", "60000", domain.DirectionAbove),
		watched(t, 3, "ETH", "3000", domain.DirectionAbove),
	)
	prices := newMockPrices(map[string]string{"BTC": "39000"})
	pub := &mockPublisher{}
	metrics := &mockMetrics{}

	res, err := newTestEvaluator(store, prices, pub, 1).WithMetrics(metrics).RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle error = %v", err)
	}

	if n := prices.totalCalls(); n != 2 {
		t.Errorf("price calls = %d, want 2", n)
	}
	if prices.calls["BTC"] != 1 || prices.calls["ETH"] != 1 {
		t.Errorf("calls = %v, want one per symbol", prices.calls)
	}
	if store.get(1).Status != domain.AlertStatusTriggered {
		t.Error("BTC/40000/below should trigger")
	}
	if store.get(2).Status != domain.AlertStatusActive {
		t.Error("BTC/60000/above should stay active")
	}
	if store.get(3).Status != domain.AlertStatusActive {
		t.Error("ETH alert should be untouched")
	}
	if pub.count() != 1 {
		t.Errorf("events = %d, want 1", pub.count())
	}
	if res.Skipped != 1 || res.Symbols != 2 || res.Alerts != 3 {
		t.Errorf("result = %+v", res)
	}
	if metrics.known != 1 || metrics.unknown != 1 || metrics.triggered != 1 {
		t.Errorf("metrics = %+v", metrics)
	}
}

func TestRunCycle_OnePriceCallPerSymbol(t *testing.T) {
	var alerts []WatchedAlert
	id := int64(1)
	for _, sym := range []string{"BTC", "ETH", "SOL"} {
		for i := 0; i < 5; i++ {
			alerts = append(alerts, watched(t, id, sym, "1", domain.DirectionBelow))
			id++
		}
	}
	store := newMockStore(alerts...)
	prices := newMockPrices(map[string]string{"BTC": "100", "ETH": "100", "SOL": "100"})

	for _, workers := range []int{1, 4} {
		prices.calls = make(map[string]int)
		if _, err := newTestEvaluator(store, prices, &mockPublisher{}, workers).RunCycle(context.Background()); err != nil {
			t.Fatalf("workers=%d RunCycle error = %v", workers, err)
		}
		if n := prices.totalCalls(); n != 3 {
			t.Errorf("workers=%d price calls = %d, want 3", workers, n)
		}
	}
}

func TestRunCycle_ConflictSuppressesPublish(t *testing.T) {
	store := newMockStore(
		watched(t, 1, "BTC", "50000", domain.DirectionBelow),
		watched(t, 2, "BTC", "50000", domain.DirectionBelow),
	)
	store.updateErr[1] = domain.ErrConflict
	prices := newMockPrices(map[string]string{"BTC": "100"})
	pub := &mockPublisher{}
	metrics := &mockMetrics{}

	res, err := newTestEvaluator(store, prices, pub, 1).WithMetrics(metrics).RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle error = %v", err)
	}
	if pub.count() != 1 {
		t.Fatalf("events = %d, want 1", pub.count())
	}
	if pub.events[0].AlertID != 2 {
		t.Errorf("published alert %d, want 2", pub.events[0].AlertID)
	}
	if res.Conflicts != 1 || metrics.conflicts != 1 {
		t.Errorf("conflicts = %d/%d, want 1/1", res.Conflicts, metrics.conflicts)
	}
	if res.FailedGroups != 0 {
		t.Errorf("FailedGroups = %d, want 0", res.FailedGroups)
	}
}

func TestRunCycle_AlreadyTriggeredInStoreIsConflict(t *testing.T) {
	wa := watched(t, 1, "BTC", "50000", domain.DirectionBelow)
	store := newMockStore(wa)
	prices := newMockPrices(map[string]string{"BTC": "100"})
	pub := &mockPublisher{}

	// A second evaluator saw the same snapshot and won the race.
	snapshot, _ := store.ListActive(context.Background())
	if _, err := newTestEvaluator(store, prices, pub, 1).RunCycle(context.Background()); err != nil {
		t.Fatal(err)
	}

	stale := &staleStore{mockStore: store, snapshot: snapshot}
	res, err := newTestEvaluator(stale, prices, pub, 1).RunCycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Conflicts != 1 {
		t.Errorf("Conflicts = %d, want 1", res.Conflicts)
	}
	if pub.count() != 1 {
		t.Errorf("events = %d, want exactly 1 across both evaluators", pub.count())
	}
}

// staleStore returns a fixed snapshot from ListActive.
type staleStore struct {
	*mockStore
	snapshot []WatchedAlert
}

func (s *staleStore) ListActive(ctx context.Context) ([]WatchedAlert, error) {
	return s.snapshot, nil
}

func TestRunCycle_StoreErrorIsolatedToGroup(t *testing.T) {
	store := newMockStore(
		watched(t, 1, "BTC", "50000", domain.DirectionBelow),
		watched(t, 2, "BTC", "50000", domain.DirectionBelow),
		watched(t, 3, "ETH", "1000", domain.DirectionAbove),
	)
	store.updateErr[1] = errors.New("connection reset")
	store.updateErr[2] = errors.New("connection reset")
	prices := newMockPrices(map[string]string{"BTC": "100", "ETH": "2000"})
	pub := &mockPublisher{}

	res, err := newTestEvaluator(store, prices, pub, 1).RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle error = %v", err)
	}
	if res.FailedGroups != 1 {
		t.Errorf("FailedGroups = %d, want 1", res.FailedGroups)
	}
	if store.get(3).Status != domain.AlertStatusTriggered {
		t.Error("ETH alert should trigger despite BTC failure")
	}
	if pub.count() != 1 || pub.events[0].Symbol != "ETH" {
		t.Errorf("events = %+v, want one ETH event", pub.events)
	}
}

func TestRunCycle_PublishFailureKeepsTransition(t *testing.T) {
	store := newMockStore(watched(t, 1, "BTC", "50000", domain.DirectionBelow))
	prices := newMockPrices(map[string]string{"BTC": "100"})
	pub := &mockPublisher{err: errors.New("broker down")}
	metrics := &mockMetrics{}

	res, err := newTestEvaluator(store, prices, pub, 1).WithMetrics(metrics).RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle error = %v", err)
	}
	if store.get(1).Status != domain.AlertStatusTriggered {
		t.Error("transition should persist before publish")
	}
	if res.FailedGroups != 1 || metrics.publishErr != 1 || metrics.groupErr != 1 {
		t.Errorf("result = %+v metrics = %+v", res, metrics)
	}
}

func TestRunCycle_PanicInGroupIsContained(t *testing.T) {
	store := newMockStore(
		watched(t, 1, "BTC", "50000", domain.DirectionBelow),
		watched(t, 2, "ETH", "1000", domain.DirectionAbove),
	)
	prices := newMockPrices(map[string]string{"BTC": "100", "ETH": "2000"})
	prices.panics["BTC"] = true
	pub := &mockPublisher{}

	res, err := newTestEvaluator(store, prices, pub, 2).RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle error = %v", err)
	}
	if res.FailedGroups != 1 {
		t.Errorf("FailedGroups = %d, want 1", res.FailedGroups)
	}
	if store.get(2).Status != domain.AlertStatusTriggered {
		t.Error("ETH alert should trigger")
	}
}

func TestRunCycle_ListError(t *testing.T) {
	store := newMockStore()
	store.listErr = errors.New("db down")
	prices := newMockPrices(nil)

	_, err := newTestEvaluator(store, prices, &mockPublisher{}, 1).RunCycle(context.Background())
	if err == nil {
		t.Fatal("expected error when listing fails")
	}
	if prices.totalCalls() != 0 {
		t.Error("no prices should be fetched when listing fails")
	}
}

func TestRunCycle_Empty(t *testing.T) {
	res, err := newTestEvaluator(newMockStore(), newMockPrices(nil), &mockPublisher{}, 1).RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle error = %v", err)
	}
	if res != (CycleResult{}) {
		t.Errorf("result = %+v, want zero", res)
	}
}

func TestRunCycle_CancelledContextStopsGroups(t *testing.T) {
	store := newMockStore(
		watched(t, 1, "BTC", "50000", domain.DirectionBelow),
		watched(t, 2, "ETH", "50000", domain.DirectionBelow),
	)
	prices := newMockPrices(map[string]string{"BTC": "1", "ETH": "1"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := newTestEvaluator(store, prices, &mockPublisher{}, 1).RunCycle(ctx); err != nil {
		t.Fatalf("RunCycle error = %v", err)
	}
	if prices.totalCalls() != 0 {
		t.Errorf("price calls = %d after cancel, want 0", prices.totalCalls())
	}
}

func TestGroupBySymbol_Normalizes(t *testing.T) {
	a := watched(t, 1, "BTC", "1", domain.DirectionAbove)
	b := watched(t, 2, "BTC", "1", domain.DirectionAbove)
	b.Alert.Symbol = " btc "

	groups := groupBySymbol([]WatchedAlert{a, b})
	if len(groups) != 1 || len(groups["BTC"]) != 2 {
		t.Errorf("groups = %v, want one BTC group of 2", groups)
	}
}
