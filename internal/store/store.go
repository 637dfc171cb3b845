// Package store opens the configured persistence backend.
package store

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"github.com/fatimadachari/CryptoWatcher/internal/api"
	"github.com/fatimadachari/CryptoWatcher/internal/config"
	"github.com/fatimadachari/CryptoWatcher/internal/dispatcher"
	"github.com/fatimadachari/CryptoWatcher/internal/evaluator"
	"github.com/fatimadachari/CryptoWatcher/internal/reconciler"
	"github.com/fatimadachari/CryptoWatcher/internal/store/postgres"
	"github.com/fatimadachari/CryptoWatcher/internal/store/sqlite"
)

// Store is everything the commands need from persistence.
type Store interface {
	api.Store
	evaluator.Store
	dispatcher.Store
	reconciler.Store
}

// Open connects to the backend named by cfg.StoreDriver, applies
// migrations, and returns the store with a func that releases it.
func Open(ctx context.Context, cfg config.Config, logger *zap.Logger) (Store, func() error, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("store")

	switch cfg.StoreDriver {
	case config.StoreDriverPostgres:
		return openPostgres(ctx, cfg, logger)
	case config.StoreDriverSQLite:
		s, err := sqlite.Open(ctx, cfg.SQLitePath, cfg.DBOpTimeout)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("sqlite ready", zap.String("path", cfg.SQLitePath))
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

func openPostgres(ctx context.Context, cfg config.Config, logger *zap.Logger) (Store, func() error, error) {
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)

	logger.Info("db pool configured",
		zap.Int("max_open", cfg.DBMaxOpenConns),
		zap.Int("max_idle", cfg.DBMaxIdleConns),
		zap.Duration("max_lifetime", cfg.DBConnMaxLifetime),
		zap.Duration("max_idle_time", cfg.DBConnMaxIdleTime),
	)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.DBOpTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}

	s := postgres.New(db, cfg.DBOpTimeout)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("run migrations: %w", err)
	}
	return s, db.Close, nil
}
