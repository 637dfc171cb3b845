// Package dispatcher delivers triggered events to a webhook with retries and
// records every attempt.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fatimadachari/CryptoWatcher/internal/domain"
	"github.com/fatimadachari/CryptoWatcher/internal/metrics"
)

// DefaultBackoff is the wait before each attempt; its length is the attempt
// limit.
var DefaultBackoff = []time.Duration{
	0,
	5 * time.Second,
	30 * time.Second,
	2 * time.Minute,
}

// DrainTimeout bounds delivery of buffered events after shutdown.
const DrainTimeout = 30 * time.Second

var ErrDeliveryFailed = errors.New("webhook delivery failed")

type Store interface {
	InsertDeliveryAttempt(ctx context.Context, attempt domain.DeliveryAttempt) error
	// MarkNotified must be a no-op when the alert is already notified.
	MarkNotified(ctx context.Context, alertID int64, at time.Time) error
}

type WebhookSender interface {
	Send(ctx context.Context, req WebhookRequest) WebhookResult
}

type MetricsSink interface {
	DeliveryAttemptCompleted(attempt int, statusClass string, duration time.Duration)
	DeliveryOutcome(outcome string)
	EventsInFlightIncr()
	EventsInFlightDecr()
	NotificationLatencyObserve(latency time.Duration)
}

type WebhookRequest struct {
	URL       string
	Secret    string
	Timeout   time.Duration
	Timestamp time.Time
	Event     domain.TriggeredEvent
}

type WebhookResult struct {
	StatusCode int
	Error      error
	Duration   time.Duration
}

func (r WebhookResult) IsSuccess() bool {
	return r.Error == nil && r.StatusCode >= 200 && r.StatusCode < 300
}

func (r WebhookResult) IsRetryable() bool {
	if r.Error != nil {
		return true
	}
	switch r.StatusCode {
	case 408, 429:
		return true
	}
	return r.StatusCode >= 500
}

type Config struct {
	URL     string
	Secret  string
	Timeout time.Duration
	Backoff []time.Duration
}

type Dispatcher struct {
	url     string
	secret  string
	timeout time.Duration
	backoff []time.Duration

	store   Store
	sender  WebhookSender
	metrics MetricsSink
	logger  *zap.Logger
	clock   func() time.Time
}

func New(cfg Config, store Store, sender WebhookSender, logger *zap.Logger) *Dispatcher {
	backoff := cfg.Backoff
	if len(backoff) == 0 {
		backoff = DefaultBackoff
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		url:     cfg.URL,
		secret:  cfg.Secret,
		timeout: cfg.Timeout,
		backoff: backoff,
		store:   store,
		sender:  sender,
		logger:  logger.Named("dispatcher"),
		clock:   time.Now,
	}
}

func (d *Dispatcher) WithMetrics(sink MetricsSink) *Dispatcher {
	d.metrics = sink
	return d
}

func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.clock = now
	return d
}

// Run dispatches events from ch until ctx is cancelled, then drains what is
// still buffered.
func (d *Dispatcher) Run(ctx context.Context, ch <-chan domain.TriggeredEvent) {
	for {
		select {
		case <-ctx.Done():
			d.drain(ch)
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			if err := d.Dispatch(ctx, event); err != nil {
				d.logger.Error("dispatch failed", zap.Int64("alert_id", event.AlertID), zap.Error(err))
			}
		}
	}
}

func (d *Dispatcher) drain(ch <-chan domain.TriggeredEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), DrainTimeout)
	defer cancel()

	count := 0
	defer func() {
		if count > 0 {
			d.logger.Info("drain finished", zap.Int("events", count))
		}
	}()
	for {
		select {
		case <-ctx.Done():
			d.logger.Warn("drain timed out", zap.Int("events", count))
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			if err := d.Dispatch(ctx, event); err != nil {
				d.logger.Error("drain dispatch failed", zap.Int64("alert_id", event.AlertID), zap.Error(err))
			}
			count++
		default:
			return
		}
	}
}

// Dispatch delivers one event. It returns nil once the webhook accepted the
// event, and an error after the last failed attempt so the caller can leave
// the event for redelivery.
func (d *Dispatcher) Dispatch(ctx context.Context, event domain.TriggeredEvent) error {
	if d.metrics != nil {
		d.metrics.EventsInFlightIncr()
		defer d.metrics.EventsInFlightDecr()
	}
	log := d.logger.With(
		zap.Int64("alert_id", event.AlertID),
		zap.String("event_id", event.EventID.String()),
		zap.String("symbol", event.Symbol))

	if d.url == "" {
		return fmt.Errorf("alert %d: no webhook URL configured", event.AlertID)
	}

	req := WebhookRequest{
		URL:     d.url,
		Secret:  d.secret,
		Timeout: d.timeout,
		Event:   event,
	}

	var last WebhookResult
	for attempt := 1; attempt <= len(d.backoff); attempt++ {
		if wait := d.backoff[attempt-1]; wait > 0 {
			log.Debug("backing off", zap.Int("attempt", attempt), zap.Duration("wait", wait))
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		attemptID := uuid.New()
		startedAt := d.clock().UTC()
		req.Timestamp = startedAt
		last = d.sender.Send(ctx, req)
		finishedAt := d.clock().UTC()

		if d.metrics != nil {
			d.metrics.DeliveryAttemptCompleted(attempt, metrics.ClassifyStatus(last.StatusCode, last.Error), last.Duration)
		}

		record := domain.DeliveryAttempt{
			ID:         attemptID,
			EventID:    event.EventID,
			AlertID:    event.AlertID,
			Attempt:    attempt,
			StatusCode: last.StatusCode,
			StartedAt:  startedAt,
			FinishedAt: finishedAt,
		}
		if last.Error != nil {
			record.Error = last.Error.Error()
		}
		if err := d.store.InsertDeliveryAttempt(ctx, record); err != nil {
			log.Warn("failed to record attempt", zap.Int("attempt", attempt), zap.Error(err))
		}

		if last.IsSuccess() {
			log.Info("delivered", zap.Int("attempt", attempt))
			if d.metrics != nil {
				d.metrics.DeliveryOutcome(metrics.OutcomeSuccess)
				d.metrics.NotificationLatencyObserve(finishedAt.Sub(event.TriggeredAt))
			}
			// The webhook has the event; a lost mark only means the
			// reconciler may send it once more.
			if err := d.store.MarkNotified(ctx, event.AlertID, finishedAt); err != nil {
				log.Warn("failed to mark notified", zap.Error(err))
			}
			return nil
		}

		if !last.IsRetryable() {
			log.Warn("non-retryable response", zap.Int("status", last.StatusCode))
			if d.metrics != nil {
				d.metrics.DeliveryOutcome(metrics.OutcomeAbandoned)
			}
			return fmt.Errorf("alert %d: status %d: %w", event.AlertID, last.StatusCode, ErrDeliveryFailed)
		}

		log.Warn("attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("status", last.StatusCode),
			zap.Error(last.Error))
	}

	if d.metrics != nil {
		d.metrics.DeliveryOutcome(metrics.OutcomeFailed)
	}
	if last.Error != nil {
		return fmt.Errorf("alert %d after %d attempts: %w: %v", event.AlertID, len(d.backoff), ErrDeliveryFailed, last.Error)
	}
	return fmt.Errorf("alert %d after %d attempts: status %d: %w", event.AlertID, len(d.backoff), last.StatusCode, ErrDeliveryFailed)
}

// MaxRetryDuration is the worst-case time Dispatch spends on one event with
// the default schedule and request timeout.
func MaxRetryDuration() time.Duration {
	var total time.Duration
	for _, wait := range DefaultBackoff {
		total += wait + defaultTimeout
	}
	return total
}
