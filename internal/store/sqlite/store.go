// Package sqlite is an embedded single-file store for local runs and tests.
// It mirrors the postgres store's semantics, including the conditional
// status update.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/fatimadachari/CryptoWatcher/internal/api"
	"github.com/fatimadachari/CryptoWatcher/internal/dispatcher"
	"github.com/fatimadachari/CryptoWatcher/internal/domain"
	"github.com/fatimadachari/CryptoWatcher/internal/evaluator"
	"github.com/fatimadachari/CryptoWatcher/internal/reconciler"
)

const alertColumns = `a.id, a.user_id, a.symbol, a.target_price, a.direction, a.status,
    a.created_at, a.updated_at, a.triggered_at, a.triggered_price, a.notified_at`

type Store struct {
	db        *sql.DB
	opTimeout time.Duration
}

// Open opens or creates the database at path and applies migrations. The
// path ":memory:" gives a private in-memory database.
func Open(ctx context.Context, path string, opTimeout time.Duration) (*Store, error) {
	dsn := "file::memory:?_pragma=foreign_keys(1)"
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
		dsn = "file:" + path + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// single writer; also keeps an in-memory database on one connection
	db.SetMaxOpenConns(1)

	s := &Store{db: db, opTimeout: opTimeout}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

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

func (s *Store) ListActive(ctx context.Context) ([]evaluator.WatchedAlert, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	return s.queryWatched(ctx, `
SELECT `+alertColumns+`, u.email
FROM alerts a
JOIN users u ON u.id = a.user_id
WHERE a.status = 'active'
ORDER BY a.symbol, a.id`)
}

func (s *Store) UpdateStatus(ctx context.Context, alert domain.Alert, expected domain.AlertStatus) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	result, err := s.db.ExecContext(ctx, `
UPDATE alerts
SET status = ?, updated_at = ?, triggered_at = ?, triggered_price = ?
WHERE id = ? AND status = ?`,
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
	err = s.db.QueryRowContext(ctx, `SELECT status FROM alerts WHERE id = ?`, alert.ID).Scan(&current)
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

	res, err := s.db.ExecContext(ctx, `
INSERT INTO alerts (user_id, symbol, target_price, direction, status, created_at)
VALUES (?, ?, ?, ?, ?, ?)`,
		alert.UserID, alert.Symbol, alert.TargetPrice.String(), string(alert.Direction), string(alert.Status), alert.CreatedAt.UTC(),
	)
	if err != nil {
		if isConstraint(err, sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY) {
			return domain.Alert{}, fmt.Errorf("user %d: %w", alert.UserID, domain.ErrUserNotFound)
		}
		return domain.Alert{}, fmt.Errorf("insert alert: %w", err)
	}
	if alert.ID, err = res.LastInsertId(); err != nil {
		return domain.Alert{}, err
	}
	return alert, nil
}

func (s *Store) GetAlert(ctx context.Context, id int64) (domain.Alert, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	a, err := scanAlert(s.db.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM alerts a WHERE a.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Alert{}, fmt.Errorf("alert %d: %w", id, domain.ErrNotFound)
	}
	return a, err
}

func (s *Store) ListAlertsByUser(ctx context.Context, userID int64) ([]domain.Alert, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
SELECT `+alertColumns+`
FROM alerts a
WHERE a.user_id = ?
ORDER BY a.created_at DESC, a.id DESC`, userID)
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

	res, err := s.db.ExecContext(ctx, `INSERT INTO users (email, name, created_at) VALUES (?, ?, ?)`,
		user.Email, user.Name, user.CreatedAt.UTC())
	if err != nil {
		if isConstraint(err, sqlite3.SQLITE_CONSTRAINT_UNIQUE) {
			return domain.User{}, domain.ErrDuplicateEmail
		}
		return domain.User{}, fmt.Errorf("insert user: %w", err)
	}
	if user.ID, err = res.LastInsertId(); err != nil {
		return domain.User{}, err
	}
	return user, nil
}

func (s *Store) GetUser(ctx context.Context, id int64) (domain.User, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	var u domain.User
	err := s.db.QueryRowContext(ctx, `SELECT id, email, name, created_at FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.Email, &u.Name, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.User{}, fmt.Errorf("user %d: %w", id, domain.ErrUserNotFound)
	}
	return u, err
}

func (s *Store) UserExists(ctx context.Context, id int64) (bool, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id = ?)`, id).Scan(&exists)
	return exists, err
}

func (s *Store) MarkNotified(ctx context.Context, alertID int64, at time.Time) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
UPDATE alerts SET notified_at = ?
WHERE id = ? AND status = 'triggered' AND notified_at IS NULL`, at.UTC(), alertID)
	return err
}

func (s *Store) ListUnnotified(ctx context.Context, triggeredBefore time.Time, limit int) ([]evaluator.WatchedAlert, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	return s.queryWatched(ctx, `
SELECT `+alertColumns+`, u.email
FROM alerts a
JOIN users u ON u.id = a.user_id
WHERE a.status = 'triggered'
  AND a.notified_at IS NULL
  AND a.triggered_at < ?
ORDER BY a.triggered_at ASC
LIMIT ?`, triggeredBefore.UTC(), limit)
}

func (s *Store) InsertDeliveryAttempt(ctx context.Context, attempt domain.DeliveryAttempt) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
INSERT INTO delivery_attempts (id, event_id, alert_id, attempt, status_code, error, started_at, finished_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		attempt.ID.String(), attempt.EventID.String(), attempt.AlertID, attempt.Attempt,
		attempt.StatusCode, attempt.Error, attempt.StartedAt.UTC(), attempt.FinishedAt.UTC(),
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
		target                             string
		direction, status                  string
		updatedAt, triggeredAt, notifiedAt sql.NullTime
		triggeredPrice                     sql.NullString
	)

	dest := []any{
		&a.ID, &a.UserID, &a.Symbol, &target, &direction, &status,
		&a.CreatedAt, &updatedAt, &triggeredAt, &triggeredPrice, &notifiedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return domain.Alert{}, err
	}

	var err error
	if a.TargetPrice, err = decimal.NewFromString(target); err != nil {
		return domain.Alert{}, fmt.Errorf("alert %d target_price: %w", a.ID, err)
	}
	if triggeredPrice.Valid {
		p, err := decimal.NewFromString(triggeredPrice.String)
		if err != nil {
			return domain.Alert{}, fmt.Errorf("alert %d triggered_price: %w", a.ID, err)
		}
		a.TriggeredPrice = &p
	}
	a.Direction = domain.Direction(direction)
	a.Status = domain.AlertStatus(status)
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = timePtr(updatedAt)
	a.TriggeredAt = timePtr(triggeredAt)
	a.NotifiedAt = timePtr(notifiedAt)
	return a, nil
}

func isConstraint(err error, code int) bool {
	var se *sqlite.Error
	return errors.As(err, &se) && se.Code() == code
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func nullDecimal(d *decimal.Decimal) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

var (
	_ evaluator.Store  = (*Store)(nil)
	_ dispatcher.Store = (*Store)(nil)
	_ reconciler.Store = (*Store)(nil)
	_ api.Store        = (*Store)(nil)
)
