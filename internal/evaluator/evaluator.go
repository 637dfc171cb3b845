package evaluator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fatimadachari/CryptoWatcher/internal/domain"
)

type Store interface {
	ListActive(ctx context.Context) ([]WatchedAlert, error)
	// UpdateStatus persists alert only if the stored status still equals
	// expected. Returns domain.ErrConflict otherwise.
	UpdateStatus(ctx context.Context, alert domain.Alert, expected domain.AlertStatus) error
}

// PriceSource returns false when the price is unknown. It never fails.
type PriceSource interface {
	CurrentPrice(ctx context.Context, symbol string) (domain.PricePoint, bool)
}

// Publisher must durably enqueue the event before returning nil.
type Publisher interface {
	Publish(ctx context.Context, event domain.TriggeredEvent) error
}

type MetricsSink interface {
	PriceLookup(known bool)
	AlertTriggered(symbol string)
	TransitionConflict()
	PublishFailed()
	GroupFailed()
}

// WatchedAlert is an active alert plus the owner's contact address.
type WatchedAlert struct {
	Alert      domain.Alert
	OwnerEmail string
}

type Config struct {
	// Workers bounds concurrent symbol groups. Values below 2 evaluate
	// groups sequentially.
	Workers int
}

type CycleResult struct {
	Alerts       int
	Symbols      int
	Triggered    int
	Skipped      int
	Conflicts    int
	FailedGroups int
}

type Evaluator struct {
	config    Config
	store     Store
	prices    PriceSource
	publisher Publisher
	metrics   MetricsSink
	logger    *zap.Logger
	clock     func() time.Time
}

func New(config Config, store Store, prices PriceSource, publisher Publisher, logger *zap.Logger) *Evaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Evaluator{
		config:    config,
		store:     store,
		prices:    prices,
		publisher: publisher,
		logger:    logger.Named("evaluator"),
		clock:     time.Now,
	}
}

// WithMetrics sets an optional metrics sink. Returns the Evaluator for chaining.
func (e *Evaluator) WithMetrics(sink MetricsSink) *Evaluator {
	e.metrics = sink
	return e
}

// WithClock overrides the time source used for trigger timestamps.
func (e *Evaluator) WithClock(clock func() time.Time) *Evaluator {
	e.clock = clock
	return e
}

type groupResult struct {
	triggered int
	conflicts int
	skipped   bool
	err       error
}

// RunCycle evaluates every active alert once. Failures are contained per
// symbol group; the returned error is non-nil only if the active alerts
// could not be loaded.
func (e *Evaluator) RunCycle(ctx context.Context) (CycleResult, error) {
	alerts, err := e.store.ListActive(ctx)
	if err != nil {
		return CycleResult{}, fmt.Errorf("list active alerts: %w", err)
	}

	groups := groupBySymbol(alerts)
	res := CycleResult{Alerts: len(alerts), Symbols: len(groups)}
	if len(groups) == 0 {
		return res, nil
	}

	symbols := make([]string, 0, len(groups))
	for sym := range groups {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	var mu sync.Mutex
	collect := func(symbol string, gr groupResult) {
		mu.Lock()
		defer mu.Unlock()
		res.Triggered += gr.triggered
		res.Conflicts += gr.conflicts
		if gr.skipped {
			res.Skipped++
		}
		if gr.err != nil {
			res.FailedGroups++
			if e.metrics != nil {
				e.metrics.GroupFailed()
			}
			e.logger.Error("symbol group failed",
				zap.String("symbol", symbol),
				zap.Int("alerts", len(groups[symbol])),
				zap.Error(gr.err),
			)
		}
	}

	if e.config.Workers < 2 {
		for _, sym := range symbols {
			if ctx.Err() != nil {
				break
			}
			collect(sym, e.runGroup(ctx, sym, groups[sym]))
		}
	} else {
		var g errgroup.Group
		g.SetLimit(e.config.Workers)
		for _, sym := range symbols {
			if ctx.Err() != nil {
				break
			}
			g.Go(func() error {
				collect(sym, e.runGroup(ctx, sym, groups[sym]))
				return nil
			})
		}
		_ = g.Wait()
	}

	e.logger.Debug("cycle complete",
		zap.Int("alerts", res.Alerts),
		zap.Int("symbols", res.Symbols),
		zap.Int("triggered", res.Triggered),
		zap.Int("skipped", res.Skipped),
		zap.Int("failed_groups", res.FailedGroups),
	)
	return res, nil
}

func (e *Evaluator) runGroup(ctx context.Context, symbol string, group []WatchedAlert) (gr groupResult) {
	defer func() {
		if r := recover(); r != nil {
			gr.err = fmt.Errorf("panic: %v", r)
		}
	}()
	return e.processGroup(ctx, symbol, group)
}

func (e *Evaluator) processGroup(ctx context.Context, symbol string, group []WatchedAlert) groupResult {
	var gr groupResult

	point, ok := e.prices.CurrentPrice(ctx, symbol)
	if e.metrics != nil {
		e.metrics.PriceLookup(ok)
	}
	if !ok {
		e.logger.Warn("price unknown, skipping symbol",
			zap.String("symbol", symbol),
			zap.Int("alerts", len(group)),
		)
		gr.skipped = true
		return gr
	}

	for _, wa := range group {
		if !wa.Alert.ShouldTrigger(point.Price) {
			continue
		}

		err := e.trigger(ctx, wa, point)
		switch {
		case err == nil:
			gr.triggered++
		case errors.Is(err, domain.ErrConflict):
			gr.conflicts++
			if e.metrics != nil {
				e.metrics.TransitionConflict()
			}
			e.logger.Info("alert changed concurrently, skipping",
				zap.Int64("alert_id", wa.Alert.ID),
				zap.String("symbol", symbol),
			)
		default:
			gr.err = fmt.Errorf("alert %d: %w", wa.Alert.ID, err)
			return gr
		}
	}
	return gr
}

func (e *Evaluator) trigger(ctx context.Context, wa WatchedAlert, point domain.PricePoint) error {
	alert := wa.Alert
	if err := alert.MarkTriggered(point.Price, e.clock()); err != nil {
		return err
	}

	if err := e.store.UpdateStatus(ctx, alert, domain.AlertStatusActive); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return err
		}
		return fmt.Errorf("persist transition: %w", err)
	}

	event, err := domain.NewTriggeredEvent(alert, wa.OwnerEmail)
	if err != nil {
		return err
	}

	if err := e.publisher.Publish(ctx, event); err != nil {
		if e.metrics != nil {
			e.metrics.PublishFailed()
		}
		// Already persisted as triggered. The reconciler republishes
		// alerts that never get marked notified.
		return fmt.Errorf("publish alert %d: %w", alert.ID, err)
	}

	if e.metrics != nil {
		e.metrics.AlertTriggered(alert.Symbol)
	}
	e.logger.Info("alert triggered",
		zap.Int64("alert_id", alert.ID),
		zap.Int64("user_id", alert.UserID),
		zap.String("symbol", alert.Symbol),
		zap.String("direction", string(alert.Direction)),
		zap.String("target", alert.TargetPrice.String()),
		zap.String("observed", point.Price.String()),
		zap.String("event_id", event.EventID.String()),
	)
	return nil
}

// groupBySymbol partitions alerts by normalized symbol so each symbol is
// priced once per cycle.
func groupBySymbol(alerts []WatchedAlert) map[string][]WatchedAlert {
	groups := make(map[string][]WatchedAlert)
	for _, wa := range alerts {
		sym := strings.ToUpper(strings.TrimSpace(wa.Alert.Symbol))
		groups[sym] = append(groups[sym], wa)
	}
	return groups
}
