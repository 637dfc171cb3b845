package domain

import (
	"time"

	"github.com/google/uuid"
)

// DeliveryAttempt records one webhook delivery of a TriggeredEvent.
type DeliveryAttempt struct {
	ID      uuid.UUID
	EventID uuid.UUID
	AlertID int64
	Attempt int

	StatusCode int
	Error      string

	StartedAt  time.Time
	FinishedAt time.Time
}
