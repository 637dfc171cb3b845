// Command notifier consumes triggered alerts from the Redis stream and
// delivers them to the configured webhook.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fatimadachari/CryptoWatcher/internal/config"
	"github.com/fatimadachari/CryptoWatcher/internal/dispatcher"
	"github.com/fatimadachari/CryptoWatcher/internal/logging"
	"github.com/fatimadachari/CryptoWatcher/internal/metrics"
	"github.com/fatimadachari/CryptoWatcher/internal/store"
	"github.com/fatimadachari/CryptoWatcher/internal/transport/redisstream"
)

const (
	exitSuccess       = 0
	exitRuntimeError  = 1
	exitInvalidConfig = 2
)

func main() {
	var cfgFile string
	code := exitSuccess

	root := &cobra.Command{
		Use:           "notifier",
		Short:         "Deliver triggered alerts from the Redis stream to a webhook",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err == nil {
				err = config.ValidateNotifier(cfg)
			}
			if err != nil {
				code = exitInvalidConfig
				return fmt.Errorf("configuration error: %w", err)
			}
			code = exitRuntimeError
			return run(cmd.Context(), cfg)
		},
	}
	root.Flags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml if present)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if code == exitSuccess {
			code = exitRuntimeError
		}
		os.Exit(code)
	}
}

func run(ctx context.Context, cfg config.Config) error {
	logger, syncLogs, err := logging.New(logging.Options{
		Level:      cfg.LogLevel,
		Format:     cfg.LogFormat,
		Service:    "notifier",
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAgeDays: cfg.LogMaxAgeDays,
	})
	if err != nil {
		return err
	}
	defer syncLogs()

	if cfg.WebhookSecret == "" {
		logger.Warn("WEBHOOK_SECRET is empty; webhook deliveries are unsigned")
	}

	st, closeStore, err := store.Open(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open store", zap.Error(err))
		return err
	}
	defer closeStore()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()

	pingCtx, cancelPing := context.WithTimeout(ctx, 5*time.Second)
	err = rdb.Ping(pingCtx).Err()
	cancelPing()
	if err != nil {
		logger.Error("failed to reach redis", zap.String("addr", cfg.RedisAddr), zap.Error(err))
		return err
	}

	var sink metrics.Sink = metrics.NewNoopSink()
	var metricsServer *http.Server
	if cfg.MetricsEnabled {
		sink = metrics.NewPrometheusSink(prometheus.DefaultRegisterer, logger)
		mux := http.NewServeMux()
		mux.Handle(cfg.MetricsPath, promhttp.Handler())
		metricsServer = &http.Server{Addr: ":" + cfg.MetricsPort, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			logger.Info("metrics server listening", zap.String("port", cfg.MetricsPort))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server error", zap.Error(err))
			}
		}()
	}

	disp := dispatcher.New(dispatcher.Config{
		URL:     cfg.WebhookURL,
		Secret:  cfg.WebhookSecret,
		Timeout: cfg.WebhookTimeout,
	}, st, dispatcher.NewHTTPWebhookSender(), logger).WithMetrics(sink)

	consumerName := cfg.NotifierConsumer
	if consumerName == "" {
		consumerName, _ = os.Hostname()
	}
	consumer := redisstream.NewConsumer(rdb, redisstream.ConsumerConfig{
		Stream:   cfg.RedisStream,
		Group:    cfg.NotifierGroup,
		Consumer: consumerName,
		// an entry must not be reclaimed while its first delivery is still retrying
		MinIdle: dispatcher.MaxRetryDuration() + time.Minute,
	}, disp.Dispatch, logger)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- consumer.Run(runCtx) }()

	logger.Info("started",
		zap.String("stream", cfg.RedisStream),
		zap.String("group", cfg.NotifierGroup),
		zap.String("consumer", consumerName),
	)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)

	select {
	case received := <-sig:
		logger.Info("received signal, shutting down", zap.Stringer("signal", received))
		cancel()
		<-done
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("consumer stopped", zap.Error(err))
			return err
		}
	}

	if metricsServer != nil {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
		defer cancelShutdown()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown error", zap.Error(err))
		}
	}

	logger.Info("stopped")
	return nil
}
