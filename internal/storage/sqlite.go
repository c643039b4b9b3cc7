package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const (
	sqliteInsertTradeSQL = `INSERT INTO trades
	(ticker, name, side, qty, price, amount, market, currency, order_no, reason, created_at)
	VALUES (?,?,?,?,?,?,?,?,?,?,?)`

	sqliteRecentTradesSQL = `SELECT id, ticker, name, side, qty, price, amount, market, currency, order_no, reason, created_at
	FROM trades ORDER BY id DESC LIMIT ?`

	sqliteInsertPnLSQL = `INSERT INTO pnl_log
	(ticker, name, buy_price, sell_price, qty, pnl, pnl_rate, market, currency, created_at)
	VALUES (?,?,?,?,?,?,?,?,?,?)`

	sqlitePnLColumns = `id, ticker, name, buy_price, sell_price, qty, pnl, pnl_rate, market, currency, created_at`

	sqliteRecentPnLSQL = `SELECT ` + sqlitePnLColumns + ` FROM pnl_log ORDER BY id DESC LIMIT ?`
	sqliteAllPnLSQL    = `SELECT ` + sqlitePnLColumns + ` FROM pnl_log ORDER BY id`

	sqlitePnLBetweenSQL = `SELECT ` + sqlitePnLColumns + ` FROM pnl_log
	WHERE created_at >= ? AND created_at < ? ORDER BY created_at, id LIMIT ?`

	sqliteIsDoneSQL   = `SELECT COUNT(*) FROM daily_state WHERE date = ? AND action = ?`
	sqliteMarkDoneSQL = `INSERT OR IGNORE INTO daily_state (date, action, completed_at, details) VALUES (?,?,?,?)`
	sqliteDailySQL    = `SELECT date, action, completed_at, details FROM daily_state WHERE date = ? ORDER BY completed_at, action`
)

var sqliteMigrations = []string{
	`CREATE TABLE IF NOT EXISTS trades (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		ticker      TEXT NOT NULL,
		name        TEXT NOT NULL DEFAULT '',
		side        TEXT NOT NULL,
		qty         INTEGER NOT NULL,
		price       TEXT NOT NULL,
		amount      TEXT NOT NULL,
		market      TEXT NOT NULL DEFAULT '',
		currency    TEXT NOT NULL DEFAULT '',
		order_no    TEXT NOT NULL DEFAULT '',
		reason      TEXT NOT NULL DEFAULT '',
		created_at  INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_trades_created ON trades(created_at)`,

	`CREATE TABLE IF NOT EXISTS pnl_log (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		ticker      TEXT NOT NULL,
		name        TEXT NOT NULL DEFAULT '',
		buy_price   TEXT NOT NULL,
		sell_price  TEXT NOT NULL,
		qty         INTEGER NOT NULL,
		pnl         TEXT NOT NULL,
		pnl_rate    TEXT NOT NULL,
		market      TEXT NOT NULL DEFAULT '',
		currency    TEXT NOT NULL DEFAULT '',
		created_at  INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_pnl_created ON pnl_log(created_at)`,

	`CREATE TABLE IF NOT EXISTS daily_state (
		date          TEXT NOT NULL,
		action        TEXT NOT NULL,
		completed_at  INTEGER NOT NULL,
		details       TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (date, action)
	)`,
}

// SQLiteStore is the embedded ledger backend.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSQLiteStore opens (or creates) the database file and runs migrations.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, ErrNotConfigured
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	for _, stmt := range sqliteMigrations {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate sqlite: %w", err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) getDB() (*sql.DB, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotConfigured
	}
	return s.db, nil
}

// RecordTrade appends an executed order.
func (s *SQLiteStore) RecordTrade(ctx context.Context, t Trade) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = db.ExecContext(ctx, sqliteInsertTradeSQL,
		t.InstrumentID, t.Name, t.Side, t.Qty,
		t.Price.String(), t.Amount.String(),
		t.Market, t.Currency, t.OrderID, t.Reason,
		stamp(t.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}
	return nil
}

// RecentTrades returns the latest trades, newest first.
func (s *SQLiteStore) RecentTrades(ctx context.Context, limit int) ([]Trade, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, sqliteRecentTradesSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}
	defer rows.Close()

	trades := make([]Trade, 0, limit)
	for rows.Next() {
		var (
			t               Trade
			price, amount   string
			createdAtMillis int64
		)
		if err := rows.Scan(&t.ID, &t.InstrumentID, &t.Name, &t.Side, &t.Qty, &price, &amount,
			&t.Market, &t.Currency, &t.OrderID, &t.Reason, &createdAtMillis); err != nil {
			return nil, err
		}
		if t.Price, err = parseDecimal("price", price); err != nil {
			return nil, err
		}
		if t.Amount, err = parseDecimal("amount", amount); err != nil {
			return nil, err
		}
		t.CreatedAt = time.UnixMilli(createdAtMillis)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// RecordPnL appends a realised round trip.
func (s *SQLiteStore) RecordPnL(ctx context.Context, r PnLRecord) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = db.ExecContext(ctx, sqliteInsertPnLSQL,
		r.InstrumentID, r.Name,
		r.BuyPrice.String(), r.SellPrice.String(), r.Qty,
		r.PnL.String(), r.PnLRate.String(),
		r.Market, r.Currency, stamp(r.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert pnl: %w", err)
	}
	return nil
}

// RecentPnL returns the latest pnl rows, newest first.
func (s *SQLiteStore) RecentPnL(ctx context.Context, limit int) ([]PnLRecord, error) {
	return s.queryPnL(ctx, sqliteRecentPnLSQL, limit)
}

// PnLBetween returns pnl rows created in [from, to), oldest first.
func (s *SQLiteStore) PnLBetween(ctx context.Context, from, to time.Time, limit int) ([]PnLRecord, error) {
	return s.queryPnL(ctx, sqlitePnLBetweenSQL, from.UnixMilli(), to.UnixMilli(), limit)
}

// TotalSummary aggregates every pnl row.
func (s *SQLiteStore) TotalSummary(ctx context.Context) (PnLSummary, error) {
	all, err := s.queryPnL(ctx, sqliteAllPnLSQL)
	if err != nil {
		return PnLSummary{}, err
	}
	return Summarize(all), nil
}

// TickerSummary aggregates pnl rows per instrument.
func (s *SQLiteStore) TickerSummary(ctx context.Context) ([]TickerSummary, error) {
	all, err := s.queryPnL(ctx, sqliteAllPnLSQL)
	if err != nil {
		return nil, err
	}
	return SummarizeByTicker(all), nil
}

func (s *SQLiteStore) queryPnL(ctx context.Context, query string, args ...any) ([]PnLRecord, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list pnl: %w", err)
	}
	defer rows.Close()

	var records []PnLRecord
	for rows.Next() {
		var (
			r                    PnLRecord
			buy, sell, pnl, rate string
			createdAtMillis      int64
		)
		if err := rows.Scan(&r.ID, &r.InstrumentID, &r.Name, &buy, &sell, &r.Qty, &pnl, &rate,
			&r.Market, &r.Currency, &createdAtMillis); err != nil {
			return nil, err
		}
		if r.BuyPrice, err = parseDecimal("buy_price", buy); err != nil {
			return nil, err
		}
		if r.SellPrice, err = parseDecimal("sell_price", sell); err != nil {
			return nil, err
		}
		if r.PnL, err = parseDecimal("pnl", pnl); err != nil {
			return nil, err
		}
		if r.PnLRate, err = parseDecimal("pnl_rate", rate); err != nil {
			return nil, err
		}
		r.CreatedAt = time.UnixMilli(createdAtMillis)
		records = append(records, r)
	}
	return records, rows.Err()
}

// IsActionDone reports whether (date, action) is already recorded.
func (s *SQLiteStore) IsActionDone(ctx context.Context, date, action string) (bool, error) {
	db, err := s.getDB()
	if err != nil {
		return false, err
	}
	var n int
	if err := db.QueryRowContext(ctx, sqliteIsDoneSQL, date, action).Scan(&n); err != nil {
		return false, fmt.Errorf("check daily state: %w", err)
	}
	return n > 0, nil
}

// MarkActionDone records (date, action) unless it already exists.
func (s *SQLiteStore) MarkActionDone(ctx context.Context, date, action, details string) (bool, error) {
	db, err := s.getDB()
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := db.ExecContext(ctx, sqliteMarkDoneSQL, date, action, time.Now().UnixMilli(), details)
	if err != nil {
		return false, fmt.Errorf("mark daily state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark daily state: %w", err)
	}
	return n == 1, nil
}

// DailyState lists the actions completed on date.
func (s *SQLiteStore) DailyState(ctx context.Context, date string) ([]DailyAction, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, sqliteDailySQL, date)
	if err != nil {
		return nil, fmt.Errorf("list daily state: %w", err)
	}
	defer rows.Close()

	var actions []DailyAction
	for rows.Next() {
		var (
			a      DailyAction
			millis int64
		)
		if err := rows.Scan(&a.Date, &a.Action, &millis, &a.Details); err != nil {
			return nil, err
		}
		a.CompletedAt = time.UnixMilli(millis)
		actions = append(actions, a)
	}
	return actions, rows.Err()
}

func stamp(t time.Time) int64 {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UnixMilli()
}

var _ Ledger = (*SQLiteStore)(nil)
