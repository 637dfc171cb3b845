package main

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fatimadachari/CryptoWatcher/internal/circuitbreaker"
	"github.com/fatimadachari/CryptoWatcher/internal/config"
	"github.com/fatimadachari/CryptoWatcher/internal/dispatcher"
	"github.com/fatimadachari/CryptoWatcher/internal/evaluator"
	"github.com/fatimadachari/CryptoWatcher/internal/metrics"
	"github.com/fatimadachari/CryptoWatcher/internal/pricefeed"
	"github.com/fatimadachari/CryptoWatcher/internal/transport/channel"
	"github.com/fatimadachari/CryptoWatcher/internal/transport/mqtt"
	"github.com/fatimadachari/CryptoWatcher/internal/transport/redisstream"
)

const mqttConnectTimeout = 10 * time.Second

// priceSource is the evaluator's view of prices plus an optional background
// loop that feeds it.
type priceSource struct {
	evaluator.PriceSource
	run func(ctx context.Context) error
}

func buildPriceSource(cfg config.Config, rdb redis.Cmdable, sink metrics.Sink, logger *zap.Logger) (priceSource, error) {
	var (
		fetcher pricefeed.Fetcher
		run     func(ctx context.Context) error
	)

	switch cfg.PriceFeed {
	case config.FeedCoinGecko:
		symbols, err := pricefeed.LoadSymbolMap(cfg.SymbolMapFile)
		if err != nil {
			return priceSource{}, err
		}
		fetcher = pricefeed.NewCoinGecko(pricefeed.CoinGeckoConfig{
			BaseURL: cfg.CoinGeckoURL,
			APIKey:  cfg.CoinGeckoAPIKey,
			Timeout: cfg.FeedTimeout,
		}, symbols)
		logger.Info("price feed: coingecko", zap.String("url", cfg.CoinGeckoURL), zap.Int("symbols", symbols.Len()))
	case config.FeedBybit:
		stream := pricefeed.NewBybitStream(pricefeed.BybitConfig{
			URL:    cfg.BybitURL,
			Quote:  cfg.BybitQuote,
			MaxAge: cfg.BybitMaxAge,
		}, logger)
		fetcher, run = stream, stream.Run
		logger.Info("price feed: bybit", zap.String("url", cfg.BybitURL), zap.String("quote", cfg.BybitQuote))
	default:
		return priceSource{}, fmt.Errorf("unknown price feed %q", cfg.PriceFeed)
	}

	var breaker *circuitbreaker.CircuitBreaker
	if cfg.CircuitBreakerThreshold > 0 {
		breaker = circuitbreaker.New(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown).
			OnStateChange(func(feed string, from, to circuitbreaker.State) {
				sink.BreakerStateChanged(feed, to.String())
				logger.Warn("circuit breaker state changed",
					zap.String("feed", feed),
					zap.Stringer("from", from),
					zap.Stringer("to", to),
				)
			})
	} else {
		logger.Info("circuit breaker disabled")
	}

	var src evaluator.PriceSource = pricefeed.NewResilient(fetcher, breaker, pricefeed.RetryConfig{
		MaxRetries: cfg.FeedMaxRetries,
		BaseDelay:  cfg.FeedRetryDelay,
	}, logger).WithMetrics(sink)

	if rdb != nil && cfg.PriceCacheTTL > 0 {
		src = pricefeed.NewCache(rdb, src, cfg.PriceCacheTTL, logger).WithMetrics(sink)
		logger.Info("price cache enabled", zap.Duration("ttl", cfg.PriceCacheTTL))
	}

	return priceSource{PriceSource: src, run: run}, nil
}

// eventSink is where triggered events go. run is set when delivery happens
// in this process and must be running while events are published.
type eventSink struct {
	publisher evaluator.Publisher
	run       func(ctx context.Context)
	close     func()
}

func buildEventSink(cfg config.Config, store dispatcher.Store, rdb redis.Cmdable, sink metrics.Sink, logger *zap.Logger) (eventSink, error) {
	switch cfg.Sink {
	case config.SinkChannel:
		bus := channel.NewEventBus(cfg.EventBusBufferSize, channel.WithMetrics(sink))
		disp := dispatcher.New(dispatcher.Config{
			URL:     cfg.WebhookURL,
			Secret:  cfg.WebhookSecret,
			Timeout: cfg.WebhookTimeout,
		}, store, dispatcher.NewHTTPWebhookSender(), logger).WithMetrics(sink)
		logger.Info("sink: in-process webhook dispatcher", zap.Int("buffer", cfg.EventBusBufferSize))
		return eventSink{
			publisher: bus,
			run:       func(ctx context.Context) { disp.Run(ctx, bus.Channel()) },
		}, nil

	case config.SinkRedis:
		if rdb == nil {
			return eventSink{}, fmt.Errorf("sink %q requires REDIS_ADDR", cfg.Sink)
		}
		logger.Info("sink: redis stream", zap.String("stream", cfg.RedisStream))
		return eventSink{
			publisher: redisstream.NewPublisher(rdb, redisstream.PublisherConfig{
				Stream: cfg.RedisStream,
				MaxLen: cfg.RedisStreamMaxLen,
			}, logger),
		}, nil

	case config.SinkMQTT:
		client, err := mqtt.Connect(mqtt.BrokerConfig{
			Broker:   cfg.MQTTBroker,
			ClientID: cfg.MQTTClientID,
			Username: cfg.MQTTUsername,
			Password: cfg.MQTTPassword,
		}, mqttConnectTimeout)
		if err != nil {
			return eventSink{}, err
		}
		logger.Info("sink: mqtt", zap.String("broker", cfg.MQTTBroker), zap.String("topic", cfg.MQTTTopic))
		return eventSink{
			publisher: mqtt.NewPublisher(client, mqtt.Config{
				Topic: cfg.MQTTTopic,
				QoS:   byte(cfg.MQTTQoS),
			}, logger),
			close: func() { client.Disconnect(250) },
		}, nil

	default:
		return eventSink{}, fmt.Errorf("unknown sink %q", cfg.Sink)
	}
}

func newRedisClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}
