// Package redisstream delivers triggered events through a Redis stream with
// a consumer group. Entries stay pending until the handler acknowledges
// them, which gives at-least-once delivery across process restarts.
package redisstream

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fatimadachari/CryptoWatcher/internal/domain"
)

const (
	DefaultStream = "alerts:triggered"
	DefaultMaxLen = 100000

	fieldEventID        = "event_id"
	fieldAlertID        = "alert_id"
	fieldIdempotencyKey = "idempotency_key"
	fieldPayload        = "payload"
)

type PublisherConfig struct {
	Stream string
	// MaxLen caps the stream length approximately; 0 means DefaultMaxLen.
	MaxLen   int64
	Attempts int
	Backoff  time.Duration
}

type Publisher struct {
	client   redis.Cmdable
	stream   string
	maxLen   int64
	attempts int
	backoff  time.Duration
	logger   *zap.Logger
}

func NewPublisher(client redis.Cmdable, cfg PublisherConfig, logger *zap.Logger) *Publisher {
	if cfg.Stream == "" {
		cfg.Stream = DefaultStream
	}
	if cfg.MaxLen <= 0 {
		cfg.MaxLen = DefaultMaxLen
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 100 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		client:   client,
		stream:   cfg.Stream,
		maxLen:   cfg.MaxLen,
		attempts: cfg.Attempts,
		backoff:  cfg.Backoff,
		logger:   logger.Named("redisstream"),
	}
}

// Publish appends the event to the stream. A nil error means Redis has
// accepted the entry.
func (p *Publisher) Publish(ctx context.Context, event domain.TriggeredEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]any{
			fieldEventID:        event.EventID.String(),
			fieldAlertID:        strconv.FormatInt(event.AlertID, 10),
			fieldIdempotencyKey: event.IdempotencyKey(),
			fieldPayload:        string(payload),
		},
	}

	var lastErr error
	for attempt := 1; attempt <= p.attempts; attempt++ {
		id, err := p.client.XAdd(ctx, args).Result()
		if err == nil {
			p.logger.Debug("event published",
				zap.String("entry_id", id),
				zap.String("event_id", event.EventID.String()),
				zap.Int64("alert_id", event.AlertID))
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.logger.Warn("xadd failed",
			zap.Int("attempt", attempt),
			zap.Int64("alert_id", event.AlertID),
			zap.Error(err))

		if attempt < p.attempts {
			select {
			case <-time.After(p.backoff * time.Duration(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return fmt.Errorf("publish to %s after %d attempts: %w", p.stream, p.attempts, lastErr)
}
