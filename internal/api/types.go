package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/fatimadachari/CryptoWatcher/internal/domain"
)

type CreateUserRequest struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

// CreateAlertRequest accepts target_price as a JSON string or number.
type CreateAlertRequest struct {
	UserID      int64           `json:"user_id"`
	Symbol      string          `json:"symbol"`
	TargetPrice decimal.Decimal `json:"target_price"`
	Direction   string          `json:"direction"`
}

type UserResponse struct {
	ID        int64  `json:"id"`
	Email     string `json:"email"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at"`
}

type AlertResponse struct {
	ID             int64   `json:"id"`
	UserID         int64   `json:"user_id"`
	Symbol         string  `json:"symbol"`
	TargetPrice    string  `json:"target_price"`
	Direction      string  `json:"direction"`
	Status         string  `json:"status"`
	CreatedAt      string  `json:"created_at"`
	UpdatedAt      *string `json:"updated_at,omitempty"`
	TriggeredAt    *string `json:"triggered_at,omitempty"`
	TriggeredPrice *string `json:"triggered_price,omitempty"`
	NotifiedAt     *string `json:"notified_at,omitempty"`
}

type ListAlertsResponse struct {
	Alerts []AlertResponse `json:"alerts"`
}

type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type ErrorResponse struct {
	Error   string       `json:"error"`
	Details []FieldError `json:"details,omitempty"`
}

func newUserResponse(u domain.User) UserResponse {
	return UserResponse{
		ID:        u.ID,
		Email:     u.Email,
		Name:      u.Name,
		CreatedAt: formatTime(u.CreatedAt),
	}
}

func newAlertResponse(a domain.Alert) AlertResponse {
	resp := AlertResponse{
		ID:          a.ID,
		UserID:      a.UserID,
		Symbol:      a.Symbol,
		TargetPrice: a.TargetPrice.String(),
		Direction:   string(a.Direction),
		Status:      string(a.Status),
		CreatedAt:   formatTime(a.CreatedAt),
		UpdatedAt:   formatTimePtr(a.UpdatedAt),
		TriggeredAt: formatTimePtr(a.TriggeredAt),
		NotifiedAt:  formatTimePtr(a.NotifiedAt),
	}
	if a.TriggeredPrice != nil {
		p := a.TriggeredPrice.String()
		resp.TriggeredPrice = &p
	}
	return resp
}

func newListAlertsResponse(alerts []domain.Alert) ListAlertsResponse {
	resp := ListAlertsResponse{Alerts: make([]AlertResponse, len(alerts))}
	for i, a := range alerts {
		resp.Alerts[i] = newAlertResponse(a)
	}
	return resp
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}
