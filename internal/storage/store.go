package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"kis-daytrader/internal/config"
)

// ErrNotConfigured indicates the storage backend was not initialised.
var ErrNotConfigured = errors.New("storage: backend not configured")

// TradeStore persists executed orders.
type TradeStore interface {
	RecordTrade(ctx context.Context, trade Trade) error
	RecentTrades(ctx context.Context, limit int) ([]Trade, error)
}

// PnLStore persists realised round trips.
type PnLStore interface {
	RecordPnL(ctx context.Context, rec PnLRecord) error
	RecentPnL(ctx context.Context, limit int) ([]PnLRecord, error)
	PnLBetween(ctx context.Context, from, to time.Time, limit int) ([]PnLRecord, error)
	TotalSummary(ctx context.Context) (PnLSummary, error)
	TickerSummary(ctx context.Context) ([]TickerSummary, error)
}

// DailyStateStore is the once-per-day action ledger keyed by (date, action).
type DailyStateStore interface {
	IsActionDone(ctx context.Context, date, action string) (bool, error)
	// MarkActionDone inserts the key if absent and reports whether this call inserted it.
	MarkActionDone(ctx context.Context, date, action, details string) (bool, error)
	DailyState(ctx context.Context, date string) ([]DailyAction, error)
}

// Ledger aggregates every persisted concern.
type Ledger interface {
	TradeStore
	PnLStore
	DailyStateStore
	Close() error
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Open selects the backend named by cfg.Driver and runs its migrations.
func Open(ctx context.Context, cfg config.DatabaseConfig) (Ledger, error) {
	switch cfg.Driver {
	case "", "sqlite":
		return NewSQLiteStore(ctx, cfg.Path)
	case "postgres":
		pool, err := NewPool(ctx, cfg)
		if err != nil {
			return nil, err
		}
		store := NewPGStore(pool)
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

// NewPool configures a PostgreSQL connection pool from runtime settings.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolConfig.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}

	return pool, nil
}

func parseDecimal(field, raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse %s: %w", field, err)
	}
	return d, nil
}
