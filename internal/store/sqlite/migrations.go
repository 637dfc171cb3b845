package sqlite

import (
	"context"
	"fmt"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		email      TEXT NOT NULL UNIQUE,
		name       TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS alerts (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id         INTEGER NOT NULL REFERENCES users(id),
		symbol          TEXT NOT NULL CHECK (length(symbol) BETWEEN 2 AND 10),
		target_price    TEXT NOT NULL,
		direction       TEXT NOT NULL CHECK (direction IN ('above', 'below')),
		status          TEXT NOT NULL DEFAULT 'active' CHECK (status IN ('active', 'triggered', 'cancelled')),
		created_at      DATETIME NOT NULL,
		updated_at      DATETIME,
		triggered_at    DATETIME,
		triggered_price TEXT,
		notified_at     DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_alerts_status_symbol ON alerts (status, symbol);
	CREATE INDEX IF NOT EXISTS idx_alerts_user ON alerts (user_id);`,

	`CREATE TABLE IF NOT EXISTS delivery_attempts (
		id          TEXT PRIMARY KEY,
		event_id    TEXT NOT NULL,
		alert_id    INTEGER NOT NULL REFERENCES alerts(id),
		attempt     INTEGER NOT NULL,
		status_code INTEGER NOT NULL DEFAULT 0,
		error       TEXT NOT NULL DEFAULT '',
		started_at  DATETIME NOT NULL,
		finished_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_delivery_attempts_alert ON delivery_attempts (alert_id);`,
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
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
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES (?)`, i+1); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", i+1, err)
		}
	}
	return nil
}
