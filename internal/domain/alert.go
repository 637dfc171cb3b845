package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	MinSymbolLen = 2
	MaxSymbolLen = 10
)

type Direction string

const (
	DirectionAbove Direction = "above"
	DirectionBelow Direction = "below"
)

func (d Direction) Valid() bool {
	return d == DirectionAbove || d == DirectionBelow
}

// ParseDirection accepts "above"/"below" in any case.
func ParseDirection(s string) (Direction, error) {
	d := Direction(strings.ToLower(strings.TrimSpace(s)))
	if !d.Valid() {
		return "", &ValidationError{Field: "direction", Message: fmt.Sprintf("must be %q or %q, got %q", DirectionAbove, DirectionBelow, s)}
	}
	return d, nil
}

type AlertStatus string

const (
	AlertStatusActive    AlertStatus = "active"
	AlertStatusTriggered AlertStatus = "triggered"
	AlertStatusCancelled AlertStatus = "cancelled"
)

// Terminal reports whether no transition can leave the status.
func (s AlertStatus) Terminal() bool {
	return s == AlertStatusTriggered || s == AlertStatusCancelled
}

// Alert is a user's standing instruction to be notified when a symbol's
// price crosses TargetPrice in Direction.
type Alert struct {
	ID     int64
	UserID int64

	Symbol      string
	TargetPrice decimal.Decimal
	Direction   Direction
	Status      AlertStatus

	CreatedAt   time.Time
	UpdatedAt   *time.Time
	TriggeredAt *time.Time

	// TriggeredPrice is the observed price at the moment of triggering.
	TriggeredPrice *decimal.Decimal
	// NotifiedAt is set once downstream delivery of the trigger succeeded.
	NotifiedAt *time.Time
}

// NewAlert validates its arguments and returns an Active alert.
func NewAlert(userID int64, symbol string, target decimal.Decimal, direction Direction, now time.Time) (Alert, error) {
	sym, err := NormalizeSymbol(symbol)
	if err != nil {
		return Alert{}, err
	}
	if !target.IsPositive() {
		return Alert{}, &ValidationError{Field: "target_price", Message: "must be greater than zero"}
	}
	if !direction.Valid() {
		return Alert{}, &ValidationError{Field: "direction", Message: fmt.Sprintf("unknown direction %q", direction)}
	}

	return Alert{
		UserID:      userID,
		Symbol:      sym,
		TargetPrice: target,
		Direction:   direction,
		Status:      AlertStatusActive,
		CreatedAt:   now.UTC(),
	}, nil
}

// NormalizeSymbol trims and upper-cases a ticker and checks its length and
// charset.
func NormalizeSymbol(symbol string) (string, error) {
	sym := strings.ToUpper(strings.TrimSpace(symbol))
	if sym == "" {
		return "", &ValidationError{Field: "symbol", Message: "is required"}
	}
	if n := len(sym); n < MinSymbolLen || n > MaxSymbolLen {
		return "", &ValidationError{Field: "symbol", Message: fmt.Sprintf("must be between %d and %d characters", MinSymbolLen, MaxSymbolLen)}
	}
	for _, r := range sym {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return "", &ValidationError{Field: "symbol", Message: "must contain only letters and digits"}
		}
	}
	return sym, nil
}

// ShouldTrigger reports whether price crosses the target. Both boundaries
// are inclusive. Non-active alerts never trigger.
func (a Alert) ShouldTrigger(price decimal.Decimal) bool {
	if a.Status != AlertStatusActive {
		return false
	}
	switch a.Direction {
	case DirectionAbove:
		return price.GreaterThanOrEqual(a.TargetPrice)
	case DirectionBelow:
		return price.LessThanOrEqual(a.TargetPrice)
	default:
		return false
	}
}

// MarkTriggered moves an active alert to Triggered.
func (a *Alert) MarkTriggered(observed decimal.Decimal, now time.Time) error {
	if a.Status != AlertStatusActive {
		return fmt.Errorf("%w: cannot trigger alert %d in status %s", ErrInvalidState, a.ID, a.Status)
	}
	t := now.UTC()
	p := observed
	a.Status = AlertStatusTriggered
	a.TriggeredAt = &t
	a.UpdatedAt = &t
	a.TriggeredPrice = &p
	return nil
}

// Cancel moves an active alert to Cancelled. Cancelling a cancelled alert
// succeeds without changes.
func (a *Alert) Cancel(now time.Time) error {
	switch a.Status {
	case AlertStatusCancelled:
		return nil
	case AlertStatusTriggered:
		return fmt.Errorf("%w: cannot cancel triggered alert %d", ErrInvalidState, a.ID)
	}
	t := now.UTC()
	a.Status = AlertStatusCancelled
	a.UpdatedAt = &t
	return nil
}
