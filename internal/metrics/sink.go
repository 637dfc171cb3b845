package metrics

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"
)

// Sink records engine metrics. Calls are fire-and-forget: implementations
// must not block and never return errors.
type Sink interface {
	// Scheduler
	CycleStarted()
	CycleCompleted(duration time.Duration, triggered int, failed bool)

	// Evaluator
	PriceLookup(known bool)
	AlertTriggered(symbol string)
	TransitionConflict()
	PublishFailed()
	GroupFailed()

	// Price feeds
	FeedRequest(feed, outcome string)
	CacheLookup(hit bool)
	BreakerStateChanged(feed, state string)

	// Dispatcher
	DeliveryAttemptCompleted(attempt int, statusClass string, duration time.Duration)
	DeliveryOutcome(outcome string)
	EventsInFlightIncr()
	EventsInFlightDecr()
	NotificationLatencyObserve(latency time.Duration)

	// In-process bus
	BufferSizeUpdate(size int)
	BufferCapacitySet(capacity int)
	EmitError()

	// Reconciler
	UnnotifiedAlertsUpdate(count int)
	Republished()
}

// Delivery outcomes.
const (
	OutcomeSuccess   = "success"
	OutcomeFailed    = "failed"
	OutcomeAbandoned = "abandoned"
)

// Status classes for DeliveryAttemptCompleted.
const (
	StatusClass2xx             = "2xx"
	StatusClass4xx             = "4xx"
	StatusClass5xx             = "5xx"
	StatusClassTimeout         = "timeout"
	StatusClassConnectionError = "connection_error"
	StatusClassOtherError      = "other_error"
)

// ClassifyStatus maps a webhook response code or transport error to a
// status class label.
func ClassifyStatus(statusCode int, err error) string {
	if err != nil {
		var netErr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			return StatusClassTimeout
		}
		msg := strings.ToLower(err.Error())
		switch {
		case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline exceeded"):
			return StatusClassTimeout
		case strings.Contains(msg, "connection refused"), strings.Contains(msg, "no such host"),
			strings.Contains(msg, "network is unreachable"), strings.Contains(msg, "dial"):
			return StatusClassConnectionError
		}
		return StatusClassOtherError
	}

	switch {
	case statusCode >= 200 && statusCode < 300:
		return StatusClass2xx
	case statusCode >= 400 && statusCode < 500:
		return StatusClass4xx
	case statusCode >= 500:
		return StatusClass5xx
	default:
		return StatusClassOtherError
	}
}
