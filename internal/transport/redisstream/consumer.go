package redisstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fatimadachari/CryptoWatcher/internal/domain"
)

const (
	DefaultGroup         = "notifier"
	DefaultBlock         = 2 * time.Second
	DefaultCount         = 16
	DefaultMinIdle       = 5 * time.Minute
	DefaultClaimInterval = time.Minute
)

// Handler processes one event. A non-nil error leaves the entry pending so
// it is claimed again after MinIdle.
type Handler func(ctx context.Context, event domain.TriggeredEvent) error

type ConsumerConfig struct {
	Stream        string
	Group         string
	Consumer      string
	Block         time.Duration
	Count         int64
	MinIdle       time.Duration
	ClaimInterval time.Duration
}

type Consumer struct {
	client  redis.Cmdable
	cfg     ConsumerConfig
	handler Handler
	logger  *zap.Logger

	lastClaim time.Time
}

func NewConsumer(client redis.Cmdable, cfg ConsumerConfig, handler Handler, logger *zap.Logger) *Consumer {
	if cfg.Stream == "" {
		cfg.Stream = DefaultStream
	}
	if cfg.Group == "" {
		cfg.Group = DefaultGroup
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "notifier-1"
	}
	if cfg.Block <= 0 {
		cfg.Block = DefaultBlock
	}
	if cfg.Count <= 0 {
		cfg.Count = DefaultCount
	}
	if cfg.MinIdle <= 0 {
		cfg.MinIdle = DefaultMinIdle
	}
	if cfg.ClaimInterval <= 0 {
		cfg.ClaimInterval = DefaultClaimInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{
		client:  client,
		cfg:     cfg,
		handler: handler,
		logger:  logger.Named("streamconsumer").With(zap.String("consumer", cfg.Consumer)),
	}
}

// EnsureGroup creates the stream and consumer group if they do not exist.
func (c *Consumer) EnsureGroup(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.cfg.Stream, c.cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", c.cfg.Group, c.cfg.Stream, err)
	}
	return nil
}

// Run consumes until ctx is cancelled. Stale pending entries are reclaimed
// every ClaimInterval.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.EnsureGroup(ctx); err != nil {
		return err
	}
	c.logger.Info("consumer started",
		zap.String("stream", c.cfg.Stream),
		zap.String("group", c.cfg.Group))

	for {
		if ctx.Err() != nil {
			c.logger.Info("consumer stopped")
			return ctx.Err()
		}

		if time.Since(c.lastClaim) >= c.cfg.ClaimInterval {
			c.lastClaim = time.Now()
			if _, err := c.Reclaim(ctx); err != nil && ctx.Err() == nil {
				c.logger.Error("reclaim failed", zap.Error(err))
			}
		}

		if _, err := c.Poll(ctx); err != nil && ctx.Err() == nil {
			c.logger.Error("read failed", zap.Error(err))
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
			}
		}
	}
}

// Poll reads one batch of new entries and handles them. Returns the number
// acknowledged.
func (c *Consumer) Poll(ctx context.Context) (int, error) {
	streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.cfg.Group,
		Consumer: c.cfg.Consumer,
		Streams:  []string{c.cfg.Stream, ">"},
		Count:    c.cfg.Count,
		Block:    c.cfg.Block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	acked := 0
	for _, s := range streams {
		for _, msg := range s.Messages {
			if c.handle(ctx, msg) {
				acked++
			}
		}
	}
	return acked, nil
}

// Reclaim takes over entries that stayed pending longer than MinIdle, from
// this or any other consumer, and handles them again.
func (c *Consumer) Reclaim(ctx context.Context) (int, error) {
	acked := 0
	start := "0-0"
	for {
		msgs, next, err := c.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   c.cfg.Stream,
			Group:    c.cfg.Group,
			Consumer: c.cfg.Consumer,
			MinIdle:  c.cfg.MinIdle,
			Start:    start,
			Count:    c.cfg.Count,
		}).Result()
		if err != nil {
			return acked, err
		}
		for _, msg := range msgs {
			c.logger.Info("reclaimed pending entry", zap.String("entry_id", msg.ID))
			if c.handle(ctx, msg) {
				acked++
			}
		}
		if next == "0-0" || len(msgs) == 0 {
			return acked, nil
		}
		start = next
	}
}

func (c *Consumer) handle(ctx context.Context, msg redis.XMessage) bool {
	raw, _ := msg.Values[fieldPayload].(string)
	var event domain.TriggeredEvent
	if err := json.Unmarshal([]byte(raw), &event); err != nil {
		// undecodable entries would be reclaimed forever
		c.logger.Error("dropping malformed entry", zap.String("entry_id", msg.ID), zap.Error(err))
		return c.ack(ctx, msg.ID)
	}

	if err := c.handler(ctx, event); err != nil {
		c.logger.Warn("handler failed, entry left pending",
			zap.String("entry_id", msg.ID),
			zap.Int64("alert_id", event.AlertID),
			zap.Error(err))
		return false
	}
	return c.ack(ctx, msg.ID)
}

func (c *Consumer) ack(ctx context.Context, id string) bool {
	if err := c.client.XAck(ctx, c.cfg.Stream, c.cfg.Group, id).Err(); err != nil {
		c.logger.Error("xack failed", zap.String("entry_id", id), zap.Error(err))
		return false
	}
	return true
}
