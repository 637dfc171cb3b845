package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fatimadachari/CryptoWatcher/internal/api"
	"github.com/fatimadachari/CryptoWatcher/internal/config"
	"github.com/fatimadachari/CryptoWatcher/internal/evaluator"
	"github.com/fatimadachari/CryptoWatcher/internal/logging"
	"github.com/fatimadachari/CryptoWatcher/internal/metrics"
	"github.com/fatimadachari/CryptoWatcher/internal/reconciler"
	"github.com/fatimadachari/CryptoWatcher/internal/scheduler"
	"github.com/fatimadachari/CryptoWatcher/internal/store"
)

func runServe(ctx context.Context, cfg config.Config) error {
	logger, syncLogs, err := logging.New(logging.Options{
		Level:      cfg.LogLevel,
		Format:     cfg.LogFormat,
		Service:    "cryptowatch",
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAgeDays: cfg.LogMaxAgeDays,
	})
	if err != nil {
		return err
	}
	defer syncLogs()

	logConfigWarnings(cfg, logger)

	st, closeStore, err := store.Open(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open store", zap.Error(err))
		return err
	}
	defer closeStore()

	var sink metrics.Sink = metrics.NewNoopSink()
	var metricsServer *http.Server
	if cfg.MetricsEnabled {
		sink = metrics.NewPrometheusSink(prometheus.DefaultRegisterer, logger)
		metricsServer = startMetricsServer(cfg, logger)
	} else {
		logger.Info("METRICS_ENABLED not set; metrics disabled")
	}

	var rdb redis.Cmdable
	if cfg.RedisAddr != "" {
		client := newRedisClient(cfg)
		defer client.Close()
		rdb = client
	}

	prices, err := buildPriceSource(cfg, rdb, sink, logger)
	if err != nil {
		logger.Error("failed to build price source", zap.Error(err))
		return err
	}

	events, err := buildEventSink(cfg, st, rdb, sink, logger)
	if err != nil {
		logger.Error("failed to build event sink", zap.Error(err))
		return err
	}
	if events.close != nil {
		defer events.close()
	}

	eval := evaluator.New(evaluator.Config{Workers: cfg.EvalWorkers}, st, prices, events.publisher, logger).
		WithMetrics(sink)
	sched := scheduler.New(scheduler.Config{Interval: cfg.EvalInterval}, eval, logger).
		WithMetrics(sink)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.NewHandler(st, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
		}
	}()

	// Separate contexts so components stop in order: producers first, then
	// the dispatcher drains, then the feed goes away.
	schedulerCtx, cancelScheduler := context.WithCancel(context.Background())
	reconcilerCtx, cancelReconciler := context.WithCancel(context.Background())
	dispatcherCtx, cancelDispatcher := context.WithCancel(context.Background())
	feedCtx, cancelFeed := context.WithCancel(context.Background())
	defer cancelFeed()

	var schedulerWg, reconcilerWg, dispatcherWg, feedWg sync.WaitGroup

	if prices.run != nil {
		feedWg.Add(1)
		go func() {
			defer feedWg.Done()
			_ = prices.run(feedCtx)
		}()
	}

	if events.run != nil {
		dispatcherWg.Add(1)
		go func() {
			defer dispatcherWg.Done()
			events.run(dispatcherCtx)
		}()
	}

	schedulerWg.Add(1)
	go func() {
		defer schedulerWg.Done()
		_ = sched.Run(schedulerCtx)
	}()

	if cfg.ReconcileEnabled {
		recon := reconciler.New(reconciler.Config{
			Interval:  cfg.ReconcileInterval,
			Threshold: cfg.ReconcileThreshold,
			BatchSize: cfg.ReconcileBatchSize,
		}, st, events.publisher, logger).WithMetrics(sink)
		reconcilerWg.Add(1)
		go func() {
			defer reconcilerWg.Done()
			recon.Run(reconcilerCtx)
		}()
		logger.Info("reconciler enabled",
			zap.Duration("interval", cfg.ReconcileInterval),
			zap.Duration("threshold", cfg.ReconcileThreshold),
			zap.Int("batch", cfg.ReconcileBatchSize),
		)
	} else {
		logger.Info("RECONCILE_ENABLED not set; reconciler disabled")
	}

	logger.Info("started",
		zap.String("version", version),
		zap.Duration("eval_interval", cfg.EvalInterval),
		zap.String("feed", cfg.PriceFeed),
		zap.String("sink", cfg.Sink),
		zap.String("http", cfg.HTTPAddr),
	)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)
	select {
	case received := <-sig:
		logger.Info("received signal, shutting down", zap.Stringer("signal", received))
	case <-ctx.Done():
		logger.Info("context done, shutting down")
	}

	// Phase 1: stop the scheduler; no new triggers after this
	logger.Info("stopping scheduler")
	cancelScheduler()
	schedulerWg.Wait()

	// Phase 2: stop the reconciler; no republishing
	logger.Info("stopping reconciler")
	cancelReconciler()
	reconcilerWg.Wait()

	// Phase 3: stop the dispatcher, which drains buffered events
	logger.Info("stopping dispatcher (draining events)")
	cancelDispatcher()
	dispatcherWg.Wait()

	// Phase 4: close the price feed connection
	cancelFeed()
	feedWg.Wait()

	// Phase 5: HTTP servers
	shutdown(httpServer, cfg.HTTPShutdownTimeout, logger.With(zap.String("server", "http")))
	if metricsServer != nil {
		shutdown(metricsServer, cfg.HTTPShutdownTimeout, logger.With(zap.String("server", "metrics")))
	}

	logger.Info("stopped")
	return nil
}

func startMetricsServer(cfg config.Config, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.MetricsPath, promhttp.Handler())
	srv := &http.Server{
		Addr:              ":" + cfg.MetricsPort,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("metrics server listening", zap.String("port", cfg.MetricsPort), zap.String("path", cfg.MetricsPath))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()
	return srv
}

func shutdown(srv *http.Server, timeout time.Duration, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
}
