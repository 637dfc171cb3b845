// Package reconciler republishes triggered alerts whose notification never
// got through.
//
// The evaluator persists a trigger before publishing it, so a crash or a
// sink outage between the two leaves an alert that is triggered but was
// never delivered. The reconciler periodically finds alerts triggered more
// than Threshold ago with no delivery recorded and publishes their event
// again. Receivers dedupe on the idempotency key, which is stable across
// republishes.
package reconciler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/fatimadachari/CryptoWatcher/internal/domain"
	"github.com/fatimadachari/CryptoWatcher/internal/evaluator"
)

type Store interface {
	ListUnnotified(ctx context.Context, triggeredBefore time.Time, limit int) ([]evaluator.WatchedAlert, error)
}

type Publisher interface {
	Publish(ctx context.Context, event domain.TriggeredEvent) error
}

type MetricsSink interface {
	UnnotifiedAlertsUpdate(count int)
	Republished()
}

type Config struct {
	// Interval between scans. Default 5m.
	Interval time.Duration
	// Threshold is how long a triggered alert may stay unnotified before it
	// is republished. Default 10m.
	Threshold time.Duration
	// BatchSize caps alerts per scan. Default 100.
	BatchSize int
}

func DefaultConfig() Config {
	return Config{
		Interval:  5 * time.Minute,
		Threshold: 10 * time.Minute,
		BatchSize: 100,
	}
}

type Reconciler struct {
	config    Config
	store     Store
	publisher Publisher
	metrics   MetricsSink
	logger    *zap.Logger
	clock     func() time.Time
}

func New(config Config, store Store, publisher Publisher, logger *zap.Logger) *Reconciler {
	def := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.Threshold <= 0 {
		config.Threshold = def.Threshold
	}
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		config:    config,
		store:     store,
		publisher: publisher,
		logger:    logger.Named("reconciler"),
		clock:     time.Now,
	}
}

func (r *Reconciler) WithMetrics(sink MetricsSink) *Reconciler {
	r.metrics = sink
	return r
}

func (r *Reconciler) WithClock(now func() time.Time) *Reconciler {
	r.clock = now
	return r
}

// Run scans immediately, then every Interval, until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	r.logger.Info("started",
		zap.Duration("interval", r.config.Interval),
		zap.Duration("threshold", r.config.Threshold),
		zap.Int("batch", r.config.BatchSize))

	r.runCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("stopped")
			return
		case <-ticker.C:
			r.runCycle(ctx)
		}
	}
}

// runCycle performs one scan and returns how many events were republished
// and how many publishes failed.
func (r *Reconciler) runCycle(ctx context.Context) (republished, failed int) {
	now := r.clock().UTC()
	cutoff := now.Add(-r.config.Threshold)

	pending, err := r.store.ListUnnotified(ctx, cutoff, r.config.BatchSize)
	if err != nil {
		r.logger.Error("failed to list unnotified alerts", zap.Error(err))
		return 0, 0
	}
	if r.metrics != nil {
		r.metrics.UnnotifiedAlertsUpdate(len(pending))
	}
	if len(pending) == 0 {
		return 0, 0
	}
	r.logger.Info("found unnotified alerts", zap.Int("count", len(pending)))

	for _, wa := range pending {
		if ctx.Err() != nil {
			r.logger.Info("scan interrupted",
				zap.Int("processed", republished+failed),
				zap.Int("total", len(pending)))
			return republished, failed
		}

		log := r.logger.With(zap.Int64("alert_id", wa.Alert.ID), zap.String("symbol", wa.Alert.Symbol))
		event, err := domain.NewTriggeredEvent(wa.Alert, wa.OwnerEmail)
		if err != nil {
			log.Error("cannot rebuild event", zap.Error(err))
			failed++
			continue
		}
		if err := r.publisher.Publish(ctx, event); err != nil {
			log.Warn("republish failed", zap.Error(err))
			failed++
			continue
		}

		log.Info("republished",
			zap.String("event_id", event.EventID.String()),
			zap.Duration("age", now.Sub(event.TriggeredAt).Round(time.Second)))
		if r.metrics != nil {
			r.metrics.Republished()
		}
		republished++
	}

	r.logger.Info("scan complete", zap.Int("republished", republished), zap.Int("failed", failed))
	return republished, failed
}
