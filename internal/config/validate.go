package config

import (
	"fmt"
	"net/url"
	"time"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	msg := fmt.Sprintf("%d validation errors:", len(e))
	for _, err := range e {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Validate checks the configuration used by the cryptowatch command.
// Returns nil if valid, or ValidationErrors if invalid.
func Validate(cfg Config) error {
	var errs ValidationErrors
	add := func(field, msg string) {
		errs = append(errs, ValidationError{Field: field, Message: msg})
	}

	validateStore(cfg, add)

	positive(add, "EVAL_INTERVAL", cfg.EvalInterval)
	positive(add, "FEED_TIMEOUT", cfg.FeedTimeout)
	if cfg.EvalWorkers < 1 {
		add("EVAL_WORKERS", "must be at least 1")
	}
	if cfg.FeedMaxRetries < 0 {
		add("FEED_MAX_RETRIES", "must not be negative")
	}
	if cfg.CircuitBreakerThreshold < 0 {
		add("CIRCUIT_BREAKER_THRESHOLD", "must not be negative")
	}
	if cfg.CircuitBreakerThreshold > 0 {
		positive(add, "CIRCUIT_BREAKER_COOLDOWN", cfg.CircuitBreakerCooldown)
	}
	if cfg.PriceCacheTTL < 0 {
		add("PRICE_CACHE_TTL", "must not be negative")
	}

	switch cfg.PriceFeed {
	case FeedCoinGecko:
		checkURL(add, "COINGECKO_URL", cfg.CoinGeckoURL, "http", "https")
	case FeedBybit:
		checkURL(add, "BYBIT_URL", cfg.BybitURL, "ws", "wss")
		positive(add, "BYBIT_MAX_AGE", cfg.BybitMaxAge)
	default:
		add("PRICE_FEED", fmt.Sprintf("must be %q or %q, got %q", FeedCoinGecko, FeedBybit, cfg.PriceFeed))
	}

	switch cfg.Sink {
	case SinkChannel:
		if cfg.EventBusBufferSize < 1 {
			add("EVENTBUS_BUFFER_SIZE", "must be a positive integer")
		}
		validateWebhook(cfg, add)
	case SinkRedis:
		if cfg.RedisAddr == "" {
			add("REDIS_ADDR", "required when SINK is redis")
		}
	case SinkMQTT:
		if cfg.MQTTBroker == "" {
			add("MQTT_BROKER", "required when SINK is mqtt")
		}
		if cfg.MQTTQoS < 0 || cfg.MQTTQoS > 2 {
			add("MQTT_QOS", "must be 0, 1 or 2")
		}
	default:
		add("SINK", fmt.Sprintf("must be %q, %q or %q, got %q", SinkChannel, SinkRedis, SinkMQTT, cfg.Sink))
	}

	if cfg.ReconcileEnabled {
		// nothing marks alerts notified on the mqtt path, so the reconciler
		// would republish every triggered alert on each pass
		if cfg.Sink == SinkMQTT {
			add("RECONCILE_ENABLED", "must be false when SINK is mqtt (publishes are fire-and-forget)")
		}
		positive(add, "RECONCILE_INTERVAL", cfg.ReconcileInterval)
		positive(add, "RECONCILE_THRESHOLD", cfg.ReconcileThreshold)
		if cfg.ReconcileBatchSize < 1 {
			add("RECONCILE_BATCH_SIZE", "must be a positive integer")
		}
	}

	validateLogging(cfg, add)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// ValidateNotifier checks the configuration used by the notifier command.
func ValidateNotifier(cfg Config) error {
	var errs ValidationErrors
	add := func(field, msg string) {
		errs = append(errs, ValidationError{Field: field, Message: msg})
	}

	validateStore(cfg, add)
	if cfg.RedisAddr == "" {
		add("REDIS_ADDR", "required")
	}
	if cfg.RedisStream == "" {
		add("REDIS_STREAM", "required")
	}
	if cfg.NotifierGroup == "" {
		add("NOTIFIER_GROUP", "required")
	}
	validateWebhook(cfg, add)
	validateLogging(cfg, add)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateStore(cfg Config, add func(field, msg string)) {
	switch cfg.StoreDriver {
	case StoreDriverPostgres:
		if cfg.DatabaseURL == "" {
			add("DATABASE_URL", "required")
		}
	case StoreDriverSQLite:
		if cfg.SQLitePath == "" {
			add("SQLITE_PATH", "required")
		}
	default:
		add("STORE_DRIVER", fmt.Sprintf("must be %q or %q, got %q", StoreDriverPostgres, StoreDriverSQLite, cfg.StoreDriver))
	}
	positive(add, "DB_OP_TIMEOUT", cfg.DBOpTimeout)
}

func validateWebhook(cfg Config, add func(field, msg string)) {
	if cfg.WebhookURL == "" {
		add("WEBHOOK_URL", "required")
	} else {
		checkURL(add, "WEBHOOK_URL", cfg.WebhookURL, "http", "https")
	}
	positive(add, "WEBHOOK_TIMEOUT", cfg.WebhookTimeout)
}

func validateLogging(cfg Config, add func(field, msg string)) {
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		add("LOG_LEVEL", fmt.Sprintf("must be debug, info, warn or error, got %q", cfg.LogLevel))
	}
	if cfg.LogFormat != "json" && cfg.LogFormat != "console" {
		add("LOG_FORMAT", fmt.Sprintf("must be 'json' or 'console', got %q", cfg.LogFormat))
	}
}

func positive(add func(field, msg string), field string, d time.Duration) {
	if d <= 0 {
		add(field, "must be positive")
	}
}

func checkURL(add func(field, msg string), field, raw string, schemes ...string) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		add(field, fmt.Sprintf("invalid URL %q", raw))
		return
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return
		}
	}
	add(field, fmt.Sprintf("scheme must be one of %v, got %q", schemes, u.Scheme))
}
