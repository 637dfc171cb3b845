// Package api exposes alert and user management over JSON/HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/fatimadachari/CryptoWatcher/internal/domain"
	"github.com/fatimadachari/CryptoWatcher/internal/evaluator"
)

// Pagination defaults and limits for list endpoints.
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

type Store interface {
	Ping(ctx context.Context) error

	CreateUser(ctx context.Context, user domain.User) (domain.User, error)
	GetUser(ctx context.Context, id int64) (domain.User, error)
	UserExists(ctx context.Context, id int64) (bool, error)

	CreateAlert(ctx context.Context, alert domain.Alert) (domain.Alert, error)
	GetAlert(ctx context.Context, id int64) (domain.Alert, error)
	ListAlertsByUser(ctx context.Context, userID int64) ([]domain.Alert, error)
	ListActive(ctx context.Context) ([]evaluator.WatchedAlert, error)
	UpdateStatus(ctx context.Context, alert domain.Alert, expected domain.AlertStatus) error
}

type Handler struct {
	store  Store
	logger *zap.Logger
	clock  func() time.Time
	mux    *http.ServeMux
}

func NewHandler(store Store, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{
		store:  store,
		logger: logger.Named("api"),
		clock:  time.Now,
		mux:    http.NewServeMux(),
	}
	h.mux.HandleFunc("GET /health", h.health)
	h.mux.HandleFunc("POST /users", h.createUser)
	h.mux.HandleFunc("GET /users/{id}", h.getUser)
	h.mux.HandleFunc("GET /users/{id}/alerts", h.listUserAlerts)
	h.mux.HandleFunc("POST /alerts", h.createAlert)
	h.mux.HandleFunc("GET /alerts/active", h.listActive)
	h.mux.HandleFunc("GET /alerts/{id}", h.getAlert)
	h.mux.HandleFunc("POST /alerts/{id}/cancel", h.cancelAlert)
	return h
}

func (h *Handler) WithClock(now func() time.Time) *Handler {
	h.clock = now
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

type HealthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	resp := HealthResponse{Status: "ok", Components: map[string]string{"database": "healthy"}}
	status := http.StatusOK
	if err := h.store.Ping(ctx); err != nil {
		h.logger.Warn("health check failed", zap.Error(err))
		resp.Status = "degraded"
		resp.Components["database"] = "unhealthy: " + err.Error()
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (h *Handler) createUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if !h.decode(w, r, &req) {
		return
	}

	user, err := domain.NewUser(req.Email, req.Name, h.clock())
	if err != nil {
		writeValidation(w, err)
		return
	}

	user, err = h.store.CreateUser(r.Context(), user)
	switch {
	case errors.Is(err, domain.ErrDuplicateEmail):
		writeError(w, http.StatusConflict, "email already registered")
		return
	case err != nil:
		h.internalError(w, "create user", err)
		return
	}

	h.logger.Info("user created", zap.Int64("user_id", user.ID))
	writeJSON(w, http.StatusCreated, newUserResponse(user))
}

func (h *Handler) getUser(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	user, err := h.store.GetUser(r.Context(), id)
	switch {
	case errors.Is(err, domain.ErrUserNotFound):
		writeError(w, http.StatusNotFound, "user not found")
		return
	case err != nil:
		h.internalError(w, "get user", err)
		return
	}
	writeJSON(w, http.StatusOK, newUserResponse(user))
}

func (h *Handler) listUserAlerts(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, offset, err := parsePagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	exists, err := h.store.UserExists(r.Context(), id)
	if err != nil {
		h.internalError(w, "check user", err)
		return
	}
	if !exists {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}

	alerts, err := h.store.ListAlertsByUser(r.Context(), id)
	if err != nil {
		h.internalError(w, "list alerts", err)
		return
	}
	writeJSON(w, http.StatusOK, newListAlertsResponse(page(alerts, limit, offset)))
}

func (h *Handler) createAlert(w http.ResponseWriter, r *http.Request) {
	var req CreateAlertRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := validateCreateAlert(req); err != nil {
		writeValidation(w, err)
		return
	}
	direction, err := domain.ParseDirection(req.Direction)
	if err != nil {
		writeValidation(w, err)
		return
	}
	alert, err := domain.NewAlert(req.UserID, req.Symbol, req.TargetPrice, direction, h.clock())
	if err != nil {
		writeValidation(w, err)
		return
	}

	exists, err := h.store.UserExists(r.Context(), req.UserID)
	if err != nil {
		h.internalError(w, "check user", err)
		return
	}
	if !exists {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}

	alert, err = h.store.CreateAlert(r.Context(), alert)
	switch {
	case errors.Is(err, domain.ErrUserNotFound):
		writeError(w, http.StatusNotFound, "user not found")
		return
	case err != nil:
		h.internalError(w, "create alert", err)
		return
	}

	h.logger.Info("alert created",
		zap.Int64("alert_id", alert.ID),
		zap.Int64("user_id", alert.UserID),
		zap.String("symbol", alert.Symbol),
		zap.String("target", alert.TargetPrice.String()),
		zap.String("direction", string(alert.Direction)))
	writeJSON(w, http.StatusCreated, newAlertResponse(alert))
}

func (h *Handler) listActive(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parsePagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	watched, err := h.store.ListActive(r.Context())
	if err != nil {
		h.internalError(w, "list active alerts", err)
		return
	}
	alerts := make([]domain.Alert, len(watched))
	for i, wa := range watched {
		alerts[i] = wa.Alert
	}
	writeJSON(w, http.StatusOK, newListAlertsResponse(page(alerts, limit, offset)))
}

func (h *Handler) getAlert(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	alert, err := h.store.GetAlert(r.Context(), id)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "alert not found")
		return
	case err != nil:
		h.internalError(w, "get alert", err)
		return
	}
	writeJSON(w, http.StatusOK, newAlertResponse(alert))
}

// cancelAlert writes through the conditional update so a cancel racing the
// evaluator cannot overwrite a trigger.
func (h *Handler) cancelAlert(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	alert, err := h.store.GetAlert(r.Context(), id)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "alert not found")
		return
	case err != nil:
		h.internalError(w, "get alert", err)
		return
	}

	loaded := alert.Status
	if err := alert.Cancel(h.clock()); err != nil {
		writeError(w, http.StatusConflict, "alert already triggered")
		return
	}
	if loaded == domain.AlertStatusCancelled {
		writeJSON(w, http.StatusOK, newAlertResponse(alert))
		return
	}

	err = h.store.UpdateStatus(r.Context(), alert, loaded)
	switch {
	case errors.Is(err, domain.ErrConflict):
		writeError(w, http.StatusConflict, "alert changed concurrently")
		return
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "alert not found")
		return
	case err != nil:
		h.internalError(w, "cancel alert", err)
		return
	}

	h.logger.Info("alert cancelled", zap.Int64("alert_id", alert.ID))
	writeJSON(w, http.StatusOK, newAlertResponse(alert))
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	err := decodeJSON(w, r, dst)
	switch {
	case errors.Is(err, errBodyTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
		return false
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

func (h *Handler) internalError(w http.ResponseWriter, op string, err error) {
	h.logger.Error(op+" failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, op+" failed")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

func writeValidation(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "validation failed", Details: fieldErrors(err)})
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}

// parsePagination reads limit and offset. A missing or zero limit means
// DefaultLimit.
func parsePagination(r *http.Request) (limit, offset int, err error) {
	limit = DefaultLimit

	if s := r.URL.Query().Get("limit"); s != "" {
		limit, err = strconv.Atoi(s)
		if err != nil {
			return 0, 0, err
		}
		if limit < 0 {
			return 0, 0, strconv.ErrRange
		}
		if limit > MaxLimit {
			return 0, 0, &limitExceededError{max: MaxLimit}
		}
		if limit == 0 {
			limit = DefaultLimit
		}
	}

	if s := r.URL.Query().Get("offset"); s != "" {
		offset, err = strconv.Atoi(s)
		if err != nil {
			return 0, 0, err
		}
		if offset < 0 {
			return 0, 0, strconv.ErrRange
		}
	}
	return limit, offset, nil
}

type limitExceededError struct {
	max int
}

func (e *limitExceededError) Error() string {
	return "limit exceeds maximum of " + strconv.Itoa(e.max)
}
