package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fatimadachari/CryptoWatcher/internal/config"
	"github.com/fatimadachari/CryptoWatcher/internal/domain"
	"github.com/fatimadachari/CryptoWatcher/internal/metrics"
	"github.com/fatimadachari/CryptoWatcher/internal/pricefeed"
	"github.com/fatimadachari/CryptoWatcher/internal/transport/channel"
	"github.com/fatimadachari/CryptoWatcher/internal/transport/redisstream"
)

type nopStore struct{}

func (nopStore) InsertDeliveryAttempt(context.Context, domain.DeliveryAttempt) error { return nil }
func (nopStore) MarkNotified(context.Context, int64, time.Time) error                { return nil }

func testConfig() config.Config {
	return config.Config{
		PriceFeed:               config.FeedCoinGecko,
		CoinGeckoURL:            "http://127.0.0.1:1",
		FeedTimeout:             time.Second,
		BybitURL:                "ws://127.0.0.1:1",
		BybitQuote:              "USDT",
		BybitMaxAge:             time.Minute,
		CircuitBreakerThreshold: 3,
		CircuitBreakerCooldown:  time.Minute,
		Sink:                    config.SinkChannel,
		EventBusBufferSize:      4,
		WebhookURL:              "http://127.0.0.1:1/hook",
		WebhookTimeout:          time.Second,
		RedisStream:             "alerts:triggered",
	}
}

func newMiniredis(t *testing.T) redis.Cmdable {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestBuildPriceSource_CoinGecko(t *testing.T) {
	src, err := buildPriceSource(testConfig(), nil, metrics.NewNoopSink(), zap.NewNop())
	require.NoError(t, err)

	assert.IsType(t, &pricefeed.Resilient{}, src.PriceSource)
	assert.Nil(t, src.run, "polling feed needs no background loop")
}

func TestBuildPriceSource_BybitRunsStream(t *testing.T) {
	cfg := testConfig()
	cfg.PriceFeed = config.FeedBybit

	src, err := buildPriceSource(cfg, nil, metrics.NewNoopSink(), zap.NewNop())
	require.NoError(t, err)
	assert.NotNil(t, src.run)
}

func TestBuildPriceSource_CacheWithRedis(t *testing.T) {
	cfg := testConfig()
	cfg.PriceCacheTTL = 30 * time.Second

	src, err := buildPriceSource(cfg, newMiniredis(t), metrics.NewNoopSink(), zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &pricefeed.Cache{}, src.PriceSource)

	cfg.PriceCacheTTL = 0
	src, err = buildPriceSource(cfg, newMiniredis(t), metrics.NewNoopSink(), zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &pricefeed.Resilient{}, src.PriceSource, "zero ttl disables the cache")
}

func TestBuildPriceSource_Errors(t *testing.T) {
	cfg := testConfig()
	cfg.PriceFeed = "kraken"
	_, err := buildPriceSource(cfg, nil, metrics.NewNoopSink(), zap.NewNop())
	assert.ErrorContains(t, err, "unknown price feed")

	cfg = testConfig()
	cfg.SymbolMapFile = filepath.Join(t.TempDir(), "missing.yaml")
	_, err = buildPriceSource(cfg, nil, metrics.NewNoopSink(), zap.NewNop())
	assert.Error(t, err)
}

func TestBuildEventSink_Channel(t *testing.T) {
	sink, err := buildEventSink(testConfig(), nopStore{}, nil, metrics.NewNoopSink(), zap.NewNop())
	require.NoError(t, err)

	assert.IsType(t, &channel.EventBus{}, sink.publisher)
	assert.NotNil(t, sink.run)
	assert.Nil(t, sink.close)
}

func TestBuildEventSink_Redis(t *testing.T) {
	cfg := testConfig()
	cfg.Sink = config.SinkRedis

	_, err := buildEventSink(cfg, nopStore{}, nil, metrics.NewNoopSink(), zap.NewNop())
	assert.ErrorContains(t, err, "requires REDIS_ADDR")

	sink, err := buildEventSink(cfg, nopStore{}, newMiniredis(t), metrics.NewNoopSink(), zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &redisstream.Publisher{}, sink.publisher)
	assert.Nil(t, sink.run, "delivery happens in the notifier")
}

func TestBuildEventSink_Unknown(t *testing.T) {
	cfg := testConfig()
	cfg.Sink = "sqs"

	_, err := buildEventSink(cfg, nopStore{}, nil, metrics.NewNoopSink(), zap.NewNop())
	assert.ErrorContains(t, err, "unknown sink")
}
