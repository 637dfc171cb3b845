package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/fatimadachari/CryptoWatcher/internal/api"
	"github.com/fatimadachari/CryptoWatcher/internal/dispatcher"
	"github.com/fatimadachari/CryptoWatcher/internal/domain"
	"github.com/fatimadachari/CryptoWatcher/internal/evaluator"
	"github.com/fatimadachari/CryptoWatcher/internal/reconciler"
)

const uniqueViolation = "23505"

// Store persists users, alerts, and delivery attempts in PostgreSQL.
type Store struct {
	db        *sql.DB
	opTimeout time.Duration
}

// New creates a store. A positive opTimeout bounds every operation.
func New(db *sql.DB, opTimeout time.Duration) *Store {
	return &Store{db: db, opTimeout: opTimeout}
}

func (s *Store) ctx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opTimeout > 0 {
		return context.WithTimeout(ctx, s.opTimeout)
	}
	return ctx, func() {}
}

func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	return s.db.PingContext(ctx)
}

// ListActive returns every active alert with its owner's email.
func (s *Store) ListActive(ctx context.Context) ([]evaluator.WatchedAlert, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	return s.queryWatched(ctx, queryListActive)
}

// UpdateStatus writes the alert's status fields only if the stored status
// still equals expected.
func (s *Store) UpdateStatus(ctx context.Context, alert domain.Alert, expected domain.AlertStatus) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	// Postgres takes the row lock before evaluating the status guard, so
	// concurrent transitions serialize and only one matches.
	result, err := s.db.ExecContext(ctx, queryUpdateStatus,
		string(alert.Status),
		nullTime(alert.UpdatedAt),
		nullTime(alert.TriggeredAt),
		nullDecimal(alert.TriggeredPrice),
		alert.ID,
		string(expected),
	)
	if err != nil {
		return fmt.Errorf("update alert %d: %w", alert.ID, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows > 0 {
		return nil
	}

	var current string
	err = s.db.QueryRowContext(ctx, queryGetAlertStatus, alert.ID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("alert %d: %w", alert.ID, domain.ErrNotFound)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("alert %d is %s, expected %s: %w", alert.ID, current, expected, domain.ErrConflict)
}

func (s *Store) CreateAlert(ctx context.Context, alert domain.Alert) (domain.Alert, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	err := s.db.QueryRowContext(ctx, queryInsertAlert,
		alert.UserID,
		alert.Symbol,
		alert.TargetPrice,
		string(alert.Direction),
		string(alert.Status),
		alert.CreatedAt,
	).Scan(&alert.ID)
	if err != nil {
		return domain.Alert{}, fmt.Errorf("insert alert: %w", err)
	}
	return alert, nil
}

func (s *Store) GetAlert(ctx context.Context, id int64) (domain.Alert, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	a, err := scanAlert(s.db.QueryRowContext(ctx, queryGetAlert, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Alert{}, fmt.Errorf("alert %d: %w", id, domain.ErrNotFound)
	}
	return a, err
}

func (s *Store) ListAlertsByUser(ctx context.Context, userID int64) ([]domain.Alert, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, queryListAlertsByUser, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

func (s *Store) CreateUser(ctx context.Context, user domain.User) (domain.User, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	err := s.db.QueryRowContext(ctx, queryInsertUser, user.Email, user.Name, user.CreatedAt).Scan(&user.ID)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return domain.User{}, domain.ErrDuplicateEmail
		}
		return domain.User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (s *Store) GetUser(ctx context.Context, id int64) (domain.User, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	var u domain.User
	err := s.db.QueryRowContext(ctx, queryGetUser, id).Scan(&u.ID, &u.Email, &u.Name, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.User{}, fmt.Errorf("user %d: %w", id, domain.ErrUserNotFound)
	}
	return u, err
}

func (s *Store) UserExists(ctx context.Context, id int64) (bool, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	var exists bool
	if err := s.db.QueryRowContext(ctx, queryUserExists, id).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// MarkNotified records the first successful delivery. Later calls are no-ops.
func (s *Store) MarkNotified(ctx context.Context, alertID int64, at time.Time) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, queryMarkNotified, at, alertID)
	return err
}

// ListUnnotified returns triggered alerts without a successful delivery
// that were triggered before the given time, oldest first.
func (s *Store) ListUnnotified(ctx context.Context, triggeredBefore time.Time, limit int) ([]evaluator.WatchedAlert, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	return s.queryWatched(ctx, queryListUnnotified, triggeredBefore, limit)
}

func (s *Store) InsertDeliveryAttempt(ctx context.Context, attempt domain.DeliveryAttempt) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, queryInsertDeliveryAttempt,
		attempt.ID,
		attempt.EventID,
		attempt.AlertID,
		attempt.Attempt,
		attempt.StatusCode,
		attempt.Error,
		attempt.StartedAt,
		attempt.FinishedAt,
	)
	return err
}

func (s *Store) queryWatched(ctx context.Context, query string, args ...any) ([]evaluator.WatchedAlert, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []evaluator.WatchedAlert
	for rows.Next() {
		var wa evaluator.WatchedAlert
		a, err := scanAlert(rows, &wa.OwnerEmail)
		if err != nil {
			return nil, err
		}
		wa.Alert = a
		result = append(result, wa)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAlert(row scanner, extra ...any) (domain.Alert, error) {
	var (
		a                                  domain.Alert
		direction, status                  string
		updatedAt, triggeredAt, notifiedAt sql.NullTime
		triggeredPrice                     decimal.NullDecimal
	)

	dest := []any{
		&a.ID, &a.UserID, &a.Symbol, &a.TargetPrice, &direction, &status,
		&a.CreatedAt, &updatedAt, &triggeredAt, &triggeredPrice, &notifiedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return domain.Alert{}, err
	}

	a.Direction = domain.Direction(direction)
	a.Status = domain.AlertStatus(status)
	a.UpdatedAt = timePtr(updatedAt)
	a.TriggeredAt = timePtr(triggeredAt)
	a.NotifiedAt = timePtr(notifiedAt)
	if triggeredPrice.Valid {
		p := triggeredPrice.Decimal
		a.TriggeredPrice = &p
	}
	return a, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

var (
	_ evaluator.Store  = (*Store)(nil)
	_ dispatcher.Store = (*Store)(nil)
	_ reconciler.Store = (*Store)(nil)
	_ api.Store        = (*Store)(nil)
)
