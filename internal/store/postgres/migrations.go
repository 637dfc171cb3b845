package postgres

import (
	"context"
	"fmt"
)

var migrations = []string{
	// 1: users and alerts
	`CREATE TABLE IF NOT EXISTS users (
		id         BIGSERIAL PRIMARY KEY,
		email      TEXT NOT NULL UNIQUE,
		name       TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS alerts (
		id              BIGSERIAL PRIMARY KEY,
		user_id         BIGINT NOT NULL REFERENCES users(id),
		symbol          VARCHAR(10) NOT NULL,
		target_price    NUMERIC(28, 8) NOT NULL CHECK (target_price > 0),
		direction       TEXT NOT NULL CHECK (direction IN ('above', 'below')),
		status          TEXT NOT NULL DEFAULT 'active' CHECK (status IN ('active', 'triggered', 'cancelled')),
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at      TIMESTAMPTZ,
		triggered_at    TIMESTAMPTZ,
		triggered_price NUMERIC(28, 8),
		notified_at     TIMESTAMPTZ
	);

	CREATE INDEX IF NOT EXISTS idx_alerts_status_symbol ON alerts (status, symbol);
	CREATE INDEX IF NOT EXISTS idx_alerts_user ON alerts (user_id);`,

	// 2: delivery bookkeeping
	`CREATE TABLE IF NOT EXISTS delivery_attempts (
		id          UUID PRIMARY KEY,
		event_id    UUID NOT NULL,
		alert_id    BIGINT NOT NULL REFERENCES alerts(id),
		attempt     INT NOT NULL,
		status_code INT NOT NULL DEFAULT 0,
		error       TEXT NOT NULL DEFAULT '',
		started_at  TIMESTAMPTZ NOT NULL,
		finished_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_delivery_attempts_alert ON delivery_attempts (alert_id);
	CREATE INDEX IF NOT EXISTS idx_alerts_unnotified ON alerts (triggered_at)
		WHERE status = 'triggered' AND notified_at IS NULL;`,
}

// Migrate applies pending schema migrations, one transaction each.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`)
	if err != nil {
		return fmt.Errorf("create migration table: %w", err)
	}

	var current int
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("check migration version: %w", err)
	}

	for i := current; i < len(migrations); i++ {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", i+1, err)
		}
		if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("run migration %d: %w", i+1, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, i+1); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", i+1, err)
		}
	}
	return nil
}
