// Package channel is an in-process, non-durable notification sink. Events
// in the buffer are lost on restart; the reconciler re-publishes them.
package channel

import (
	"context"
	"errors"
	"time"

	"github.com/fatimadachari/CryptoWatcher/internal/domain"
)

const DefaultEmitTimeout = 5 * time.Second

var ErrBufferFull = errors.New("event bus buffer full")

type MetricsSink interface {
	BufferSizeUpdate(size int)
	BufferCapacitySet(capacity int)
	EmitError()
}

type Option func(*EventBus)

func WithEmitTimeout(d time.Duration) Option {
	return func(b *EventBus) { b.emitTimeout = d }
}

func WithMetrics(m MetricsSink) Option {
	return func(b *EventBus) { b.metrics = m }
}

// EventBus is a bounded channel of triggered events.
type EventBus struct {
	ch          chan domain.TriggeredEvent
	emitTimeout time.Duration
	metrics     MetricsSink
}

func NewEventBus(buffer int, opts ...Option) *EventBus {
	b := &EventBus{
		ch:          make(chan domain.TriggeredEvent, buffer),
		emitTimeout: DefaultEmitTimeout,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.metrics != nil {
		b.metrics.BufferCapacitySet(buffer)
	}
	return b
}

// Publish enqueues the event, waiting at most the emit timeout for room.
func (b *EventBus) Publish(ctx context.Context, event domain.TriggeredEvent) error {
	timer := time.NewTimer(b.emitTimeout)
	defer timer.Stop()

	select {
	case b.ch <- event:
		if b.metrics != nil {
			b.metrics.BufferSizeUpdate(len(b.ch))
		}
		return nil
	case <-timer.C:
		if b.metrics != nil {
			b.metrics.EmitError()
		}
		return ErrBufferFull
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *EventBus) Channel() <-chan domain.TriggeredEvent {
	return b.ch
}

// Close stops the bus. Publish must not be called afterwards.
func (b *EventBus) Close() {
	close(b.ch)
}
