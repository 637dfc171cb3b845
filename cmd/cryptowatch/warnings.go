package main

import (
	"go.uber.org/zap"

	"github.com/fatimadachari/CryptoWatcher/internal/config"
	"github.com/fatimadachari/CryptoWatcher/internal/dispatcher"
)

// logConfigWarnings flags valid but risky combinations at startup. P0 means
// triggered alerts can go undelivered; P1 means reduced visibility.
func logConfigWarnings(cfg config.Config, logger *zap.Logger) {
	logger = logger.Named("config")

	if cfg.Sink == config.SinkChannel && !cfg.ReconcileEnabled {
		logger.Warn("WARNING [P0]: SINK=channel with RECONCILE_ENABLED=false; " +
			"events buffered in memory at crash time are never delivered")
	}
	if !cfg.ReconcileEnabled && cfg.Sink != config.SinkMQTT {
		logger.Warn("WARNING [P0]: RECONCILE_ENABLED=false; " +
			"triggered alerts whose delivery failed are not republished")
	}
	if cfg.ReconcileEnabled && cfg.Sink == config.SinkChannel && cfg.ReconcileThreshold <= dispatcher.MaxRetryDuration() {
		logger.Warn("WARNING [P0]: RECONCILE_THRESHOLD does not exceed the dispatcher retry window; "+
			"alerts still being retried will be republished",
			zap.Duration("threshold", cfg.ReconcileThreshold),
			zap.Duration("max_retry", dispatcher.MaxRetryDuration()),
		)
	}
	if !cfg.MetricsEnabled {
		logger.Warn("WARNING [P1]: METRICS_ENABLED=false; feed failures and delivery backlog are invisible")
	}
	if cfg.Sink == config.SinkChannel && cfg.WebhookSecret == "" {
		logger.Warn("WARNING [P1]: WEBHOOK_SECRET is empty; webhook deliveries are unsigned")
	}
	if cfg.Sink == config.SinkChannel {
		logger.Info("INFO: SINK=channel; delivery runs in-process with a bounded buffer",
			zap.Int("buffer", cfg.EventBusBufferSize))
	}
	if cfg.Sink == config.SinkMQTT {
		logger.Info("INFO: SINK=mqtt; publishes are fire-and-forget and alerts are never marked notified",
			zap.Int("qos", cfg.MQTTQoS))
	}
	if cfg.StoreDriver == config.StoreDriverSQLite {
		logger.Info("INFO: STORE_DRIVER=sqlite; run a single instance only")
	}
	if cfg.RedisAddr != "" && cfg.PriceCacheTTL >= cfg.EvalInterval {
		logger.Info("INFO: PRICE_CACHE_TTL >= EVAL_INTERVAL; consecutive cycles may see the same price",
			zap.Duration("ttl", cfg.PriceCacheTTL),
			zap.Duration("interval", cfg.EvalInterval))
	}
}
