// Package config loads CryptoWatcher settings from defaults, an optional
// YAML file, and environment variables, in increasing precedence.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store drivers.
const (
	StoreDriverPostgres = "postgres"
	StoreDriverSQLite   = "sqlite"
)

// Price feeds.
const (
	FeedCoinGecko = "coingecko"
	FeedBybit     = "bybit"
)

// Event sinks for triggered alerts.
const (
	SinkChannel = "channel"
	SinkRedis   = "redis"
	SinkMQTT    = "mqtt"
)

// Config holds all configuration for the cryptowatch and notifier commands.
// Keys map one to one onto upper-case environment variables, so
// eval_interval is set with EVAL_INTERVAL.
type Config struct {
	StoreDriver string `mapstructure:"store_driver" json:"store_driver"`
	DatabaseURL string `mapstructure:"database_url" json:"database_url"`
	SQLitePath  string `mapstructure:"sqlite_path" json:"sqlite_path"`

	DBOpTimeout       time.Duration `mapstructure:"db_op_timeout" json:"db_op_timeout"`
	DBMaxOpenConns    int           `mapstructure:"db_max_open_conns" json:"db_max_open_conns"`
	DBMaxIdleConns    int           `mapstructure:"db_max_idle_conns" json:"db_max_idle_conns"`
	DBConnMaxLifetime time.Duration `mapstructure:"db_conn_max_lifetime" json:"db_conn_max_lifetime"`
	DBConnMaxIdleTime time.Duration `mapstructure:"db_conn_max_idle_time" json:"db_conn_max_idle_time"`

	HTTPAddr            string        `mapstructure:"http_addr" json:"http_addr"`
	HTTPShutdownTimeout time.Duration `mapstructure:"http_shutdown_timeout" json:"http_shutdown_timeout"`

	EvalInterval time.Duration `mapstructure:"eval_interval" json:"eval_interval"`
	EvalWorkers  int           `mapstructure:"eval_workers" json:"eval_workers"`

	PriceFeed       string        `mapstructure:"price_feed" json:"price_feed"`
	FeedTimeout     time.Duration `mapstructure:"feed_timeout" json:"feed_timeout"`
	FeedMaxRetries  int           `mapstructure:"feed_max_retries" json:"feed_max_retries"`
	FeedRetryDelay  time.Duration `mapstructure:"feed_retry_delay" json:"feed_retry_delay"`
	CoinGeckoURL    string        `mapstructure:"coingecko_url" json:"coingecko_url"`
	CoinGeckoAPIKey string        `mapstructure:"coingecko_api_key" json:"coingecko_api_key"`
	SymbolMapFile   string        `mapstructure:"symbol_map_file" json:"symbol_map_file,omitempty"`
	BybitURL        string        `mapstructure:"bybit_url" json:"bybit_url"`
	BybitQuote      string        `mapstructure:"bybit_quote" json:"bybit_quote"`
	BybitMaxAge     time.Duration `mapstructure:"bybit_max_age" json:"bybit_max_age"`

	// CircuitBreakerThreshold: 0 disables the circuit breaker.
	CircuitBreakerThreshold int           `mapstructure:"circuit_breaker_threshold" json:"circuit_breaker_threshold"`
	CircuitBreakerCooldown  time.Duration `mapstructure:"circuit_breaker_cooldown" json:"circuit_breaker_cooldown"`

	RedisAddr     string `mapstructure:"redis_addr" json:"redis_addr,omitempty"`
	RedisPassword string `mapstructure:"redis_password" json:"redis_password,omitempty"`
	RedisDB       int    `mapstructure:"redis_db" json:"redis_db"`
	// PriceCacheTTL: 0 disables the Redis price cache.
	PriceCacheTTL time.Duration `mapstructure:"price_cache_ttl" json:"price_cache_ttl"`

	Sink               string `mapstructure:"sink" json:"sink"`
	EventBusBufferSize int    `mapstructure:"eventbus_buffer_size" json:"eventbus_buffer_size"`

	RedisStream       string `mapstructure:"redis_stream" json:"redis_stream"`
	RedisStreamMaxLen int64  `mapstructure:"redis_stream_max_len" json:"redis_stream_max_len"`
	NotifierGroup     string `mapstructure:"notifier_group" json:"notifier_group"`
	NotifierConsumer  string `mapstructure:"notifier_consumer" json:"notifier_consumer,omitempty"`

	MQTTBroker   string `mapstructure:"mqtt_broker" json:"mqtt_broker,omitempty"`
	MQTTClientID string `mapstructure:"mqtt_client_id" json:"mqtt_client_id"`
	MQTTUsername string `mapstructure:"mqtt_username" json:"mqtt_username,omitempty"`
	MQTTPassword string `mapstructure:"mqtt_password" json:"mqtt_password,omitempty"`
	MQTTTopic    string `mapstructure:"mqtt_topic" json:"mqtt_topic"`
	MQTTQoS      int    `mapstructure:"mqtt_qos" json:"mqtt_qos"`

	WebhookURL     string        `mapstructure:"webhook_url" json:"webhook_url,omitempty"`
	WebhookSecret  string        `mapstructure:"webhook_secret" json:"webhook_secret,omitempty"`
	WebhookTimeout time.Duration `mapstructure:"webhook_timeout" json:"webhook_timeout"`

	MetricsEnabled bool   `mapstructure:"metrics_enabled" json:"metrics_enabled"`
	MetricsPort    string `mapstructure:"metrics_port" json:"metrics_port"`
	MetricsPath    string `mapstructure:"metrics_path" json:"metrics_path"`

	ReconcileEnabled  bool          `mapstructure:"reconcile_enabled" json:"reconcile_enabled"`
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval" json:"reconcile_interval"`
	// ReconcileThreshold must exceed the dispatcher's maximum retry window.
	ReconcileThreshold time.Duration `mapstructure:"reconcile_threshold" json:"reconcile_threshold"`
	ReconcileBatchSize int           `mapstructure:"reconcile_batch_size" json:"reconcile_batch_size"`

	LogLevel      string `mapstructure:"log_level" json:"log_level"`
	LogFormat     string `mapstructure:"log_format" json:"log_format"`
	LogFile       string `mapstructure:"log_file" json:"log_file,omitempty"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb" json:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups" json:"log_max_backups"`
	LogMaxAgeDays int    `mapstructure:"log_max_age_days" json:"log_max_age_days"`
}

var defaults = map[string]any{
	"store_driver":          StoreDriverPostgres,
	"database_url":          "",
	"sqlite_path":           "data/cryptowatch.db",
	"db_op_timeout":         "5s",
	"db_max_open_conns":     25,
	"db_max_idle_conns":     5,
	"db_conn_max_lifetime":  "30m",
	"db_conn_max_idle_time": "5m",

	"http_addr":             "",
	"http_shutdown_timeout": "10s",

	"eval_interval": "60s",
	"eval_workers":  1,

	"price_feed":        FeedCoinGecko,
	"feed_timeout":      "10s",
	"feed_max_retries":  3,
	"feed_retry_delay":  "2s",
	"coingecko_url":     "https://api.coingecko.com/api/v3",
	"coingecko_api_key": "",
	"symbol_map_file":   "",
	"bybit_url":         "wss://stream.bybit.com/v5/public/linear",
	"bybit_quote":       "USDT",
	"bybit_max_age":     "1m",

	"circuit_breaker_threshold": 5,
	"circuit_breaker_cooldown":  "2m",

	"redis_addr":      "",
	"redis_password":  "",
	"redis_db":        0,
	"price_cache_ttl": "30s",

	"sink":                 SinkChannel,
	"eventbus_buffer_size": 100,

	"redis_stream":         "alerts:triggered",
	"redis_stream_max_len": 100000,
	"notifier_group":       "notifier",
	"notifier_consumer":    "",

	"mqtt_broker":    "",
	"mqtt_client_id": "cryptowatch",
	"mqtt_username":  "",
	"mqtt_password":  "",
	"mqtt_topic":     "cryptowatch/alerts",
	"mqtt_qos":       1,

	"webhook_url":     "",
	"webhook_secret":  "",
	"webhook_timeout": "30s",

	"metrics_enabled": false,
	"metrics_port":    "9090",
	"metrics_path":    "/metrics",

	"reconcile_enabled":    false,
	"reconcile_interval":   "5m",
	"reconcile_threshold":  "10m",
	"reconcile_batch_size": 100,

	"log_level":        "info",
	"log_format":       "json",
	"log_file":         "",
	"log_max_size_mb":  100,
	"log_max_backups":  7,
	"log_max_age_days": 30,
}

// Load builds a Config. When file is empty, config.yaml in the working
// directory is read if present; an explicitly named file must exist.
func Load(file string) (Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	// PORT is honoured as a fallback for platforms that assign one.
	if cfg.HTTPAddr == "" {
		if port := os.Getenv("PORT"); port != "" {
			cfg.HTTPAddr = ":" + port
		} else {
			cfg.HTTPAddr = ":8080"
		}
	}
	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))
	cfg.PriceFeed = strings.ToLower(strings.TrimSpace(cfg.PriceFeed))
	cfg.Sink = strings.ToLower(strings.TrimSpace(cfg.Sink))

	return cfg, nil
}

// MaskedJSON returns the configuration as JSON with secrets masked and
// durations rendered as strings.
func (c Config) MaskedJSON() ([]byte, error) {
	masked := c
	masked.DatabaseURL = maskSecret(c.DatabaseURL)
	masked.CoinGeckoAPIKey = maskSecret(c.CoinGeckoAPIKey)
	masked.RedisPassword = maskSecret(c.RedisPassword)
	masked.MQTTPassword = maskSecret(c.MQTTPassword)
	masked.WebhookSecret = maskSecret(c.WebhookSecret)

	raw, err := json.Marshal(masked)
	if err != nil {
		return nil, err
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	for k, val := range fields {
		if n, ok := val.(float64); ok && isDurationKey(k) {
			fields[k] = time.Duration(int64(n)).String()
		}
	}
	return json.MarshalIndent(fields, "", "  ")
}

func isDurationKey(key string) bool {
	switch key {
	case "db_op_timeout", "db_conn_max_lifetime", "db_conn_max_idle_time",
		"http_shutdown_timeout", "eval_interval", "feed_timeout", "feed_retry_delay",
		"bybit_max_age", "circuit_breaker_cooldown", "price_cache_ttl",
		"webhook_timeout", "reconcile_interval", "reconcile_threshold":
		return true
	}
	return false
}

// maskSecret masks a secret value, preserving only the URI scheme if present.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	for _, scheme := range []string{"postgres://", "postgresql://"} {
		if strings.HasPrefix(s, scheme) {
			return scheme + "***"
		}
	}
	return "***"
}
