package pricefeed

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/fatimadachari/CryptoWatcher/internal/domain"
)

const DefaultCacheTTL = 30 * time.Second

// PriceSource matches evaluator.PriceSource.
type PriceSource interface {
	CurrentPrice(ctx context.Context, symbol string) (domain.PricePoint, bool)
}

// Cache serves prices from Redis and falls through to next on a miss.
// Redis failures never turn a lookup into an unknown price on their own.
type Cache struct {
	client  redis.Cmdable
	next    PriceSource
	ttl     time.Duration
	metrics MetricsSink
	logger  *zap.Logger
}

func NewCache(client redis.Cmdable, next PriceSource, ttl time.Duration, logger *zap.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		client: client,
		next:   next,
		ttl:    ttl,
		logger: logger.Named("pricecache"),
	}
}

// WithMetrics sets an optional metrics sink. Returns the Cache for chaining.
func (c *Cache) WithMetrics(sink MetricsSink) *Cache {
	c.metrics = sink
	return c
}

func (c *Cache) CurrentPrice(ctx context.Context, symbol string) (domain.PricePoint, bool) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	key := cacheKey(symbol)

	if point, ok := c.get(ctx, key, symbol); ok {
		c.recordLookup(true)
		return point, true
	}
	c.recordLookup(false)

	point, ok := c.next.CurrentPrice(ctx, symbol)
	if !ok {
		return point, false
	}

	if err := c.set(ctx, key, point); err != nil {
		c.logger.Warn("cache write failed", zap.String("symbol", symbol), zap.Error(err))
	}
	return point, true
}

func (c *Cache) get(ctx context.Context, key, symbol string) (domain.PricePoint, bool) {
	vals, err := c.client.HGetAll(ctx, key).Result()
	if err != nil {
		c.logger.Warn("cache read failed", zap.String("symbol", symbol), zap.Error(err))
		return domain.PricePoint{}, false
	}
	if len(vals) == 0 {
		return domain.PricePoint{}, false
	}

	price, err := decimal.NewFromString(vals["price"])
	if err != nil {
		c.logger.Warn("discarding malformed cache entry", zap.String("key", key), zap.Error(err))
		return domain.PricePoint{}, false
	}
	fetchedNs, _ := strconv.ParseInt(vals["fetched_at"], 10, 64)

	return domain.PricePoint{
		Symbol:    symbol,
		Price:     price,
		FetchedAt: time.Unix(0, fetchedNs).UTC(),
		Source:    "cache",
	}, true
}

func (c *Cache) set(ctx context.Context, key string, point domain.PricePoint) error {
	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, key,
		"price", point.Price.String(),
		"fetched_at", strconv.FormatInt(point.FetchedAt.UnixNano(), 10),
		"source", point.Source,
	)
	pipe.Expire(ctx, key, c.ttl)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline: %w", err)
	}
	return nil
}

func (c *Cache) recordLookup(hit bool) {
	if c.metrics != nil {
		c.metrics.CacheLookup(hit)
	}
}

func cacheKey(symbol string) string {
	return "price:" + symbol
}
