package pricefeed

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/fatimadachari/CryptoWatcher/internal/circuitbreaker"
	"github.com/fatimadachari/CryptoWatcher/internal/domain"
)

type MetricsSink interface {
	FeedRequest(feed, outcome string)
	CacheLookup(hit bool)
}

type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxRetries: 3, BaseDelay: 2 * time.Second}
}

// Resilient adapts a Fetcher to a PriceSource. Transient failures are retried
// with exponential backoff and counted against a circuit breaker keyed by the
// feed name. Every unrecovered failure is reported as an unknown price.
type Resilient struct {
	fetcher Fetcher
	breaker *circuitbreaker.CircuitBreaker
	retry   RetryConfig
	metrics MetricsSink
	logger  *zap.Logger
	clock   func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

func NewResilient(fetcher Fetcher, breaker *circuitbreaker.CircuitBreaker, retry RetryConfig, logger *zap.Logger) *Resilient {
	if logger == nil {
		logger = zap.NewNop()
	}
	if retry.MaxRetries < 0 {
		retry.MaxRetries = 0
	}
	return &Resilient{
		fetcher: fetcher,
		breaker: breaker,
		retry:   retry,
		logger:  logger.Named("pricefeed").With(zap.String("feed", fetcher.Name())),
		clock:   time.Now,
		sleep:   sleepCtx,
	}
}

// WithMetrics sets an optional metrics sink. Returns the Resilient for chaining.
func (r *Resilient) WithMetrics(sink MetricsSink) *Resilient {
	r.metrics = sink
	return r
}

func (r *Resilient) CurrentPrice(ctx context.Context, symbol string) (domain.PricePoint, bool) {
	feed := r.fetcher.Name()

	for attempt := 0; ; attempt++ {
		if r.breaker != nil {
			if err := r.breaker.Allow(feed); err != nil {
				r.record("circuit_open")
				r.logger.Warn("circuit open, price unknown", zap.String("symbol", symbol))
				return domain.PricePoint{}, false
			}
		}

		price, err := r.fetcher.FetchPrice(ctx, symbol)
		if err == nil {
			r.recordSuccess()
			r.record("success")
			return domain.PricePoint{Symbol: symbol, Price: price, FetchedAt: r.clock().UTC(), Source: feed}, true
		}

		if !IsTransient(err) {
			// the feed answered; the symbol is the problem
			if !errors.Is(err, context.Canceled) {
				r.recordSuccess()
			}
			r.record("error")
			r.logger.Warn("price lookup failed", zap.String("symbol", symbol), zap.Error(err))
			return domain.PricePoint{}, false
		}

		if r.breaker != nil {
			r.breaker.RecordFailure(feed)
		}

		if attempt >= r.retry.MaxRetries {
			r.record("error")
			r.logger.Warn("price lookup failed after retries",
				zap.String("symbol", symbol),
				zap.Int("attempts", attempt+1),
				zap.Error(err),
			)
			return domain.PricePoint{}, false
		}

		delay := r.backoff(attempt + 1)
		r.record("retry")
		r.logger.Debug("retrying price lookup",
			zap.String("symbol", symbol),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if err := r.sleep(ctx, delay); err != nil {
			return domain.PricePoint{}, false
		}
	}
}

// backoff returns BaseDelay * 2^(retry-1).
func (r *Resilient) backoff(retry int) time.Duration {
	d := r.retry.BaseDelay
	for i := 1; i < retry; i++ {
		d *= 2
	}
	return d
}

func (r *Resilient) recordSuccess() {
	if r.breaker != nil {
		r.breaker.RecordSuccess(r.fetcher.Name())
	}
}

func (r *Resilient) record(outcome string) {
	if r.metrics != nil {
		r.metrics.FeedRequest(r.fetcher.Name(), outcome)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
