package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PricePoint is a price observation used within a single evaluation cycle.
type PricePoint struct {
	Symbol    string
	Price     decimal.Decimal
	FetchedAt time.Time
	Source    string
}

// TriggeredEvent is emitted once per successful transition to Triggered.
// Decimal fields marshal as JSON strings.
type TriggeredEvent struct {
	EventID uuid.UUID `json:"event_id"`

	AlertID   int64  `json:"alert_id"`
	UserID    int64  `json:"user_id"`
	UserEmail string `json:"user_email"`

	Symbol        string          `json:"symbol"`
	TargetPrice   decimal.Decimal `json:"target_price"`
	ObservedPrice decimal.Decimal `json:"observed_price"`
	Direction     Direction       `json:"direction"`

	TriggeredAt time.Time `json:"triggered_at"`
}

// NewTriggeredEvent builds the event for an alert that has already been
// persisted as Triggered.
func NewTriggeredEvent(a Alert, email string) (TriggeredEvent, error) {
	if a.Status != AlertStatusTriggered || a.TriggeredAt == nil || a.TriggeredPrice == nil {
		return TriggeredEvent{}, fmt.Errorf("%w: alert %d is not triggered", ErrInvalidState, a.ID)
	}
	return TriggeredEvent{
		EventID:       uuid.New(),
		AlertID:       a.ID,
		UserID:        a.UserID,
		UserEmail:     email,
		Symbol:        a.Symbol,
		TargetPrice:   a.TargetPrice,
		ObservedPrice: *a.TriggeredPrice,
		Direction:     a.Direction,
		TriggeredAt:   *a.TriggeredAt,
	}, nil
}

// IdempotencyKey is stable across republishes of the same trigger, unlike
// EventID.
func (e TriggeredEvent) IdempotencyKey() string {
	data := fmt.Sprintf("%d:%d", e.AlertID, e.TriggeredAt.UnixNano())
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}
