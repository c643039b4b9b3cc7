package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var pgMigrations = []string{
	`CREATE TABLE IF NOT EXISTS trades (
		id          BIGSERIAL PRIMARY KEY,
		ticker      TEXT NOT NULL,
		name        TEXT NOT NULL DEFAULT '',
		side        TEXT NOT NULL,
		qty         BIGINT NOT NULL,
		price       NUMERIC NOT NULL,
		amount      NUMERIC NOT NULL,
		market      TEXT NOT NULL DEFAULT '',
		currency    TEXT NOT NULL DEFAULT '',
		order_no    TEXT NOT NULL DEFAULT '',
		reason      TEXT NOT NULL DEFAULT '',
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS pnl_log (
		id          BIGSERIAL PRIMARY KEY,
		ticker      TEXT NOT NULL,
		name        TEXT NOT NULL DEFAULT '',
		buy_price   NUMERIC NOT NULL,
		sell_price  NUMERIC NOT NULL,
		qty         BIGINT NOT NULL,
		pnl         NUMERIC NOT NULL,
		pnl_rate    NUMERIC NOT NULL,
		market      TEXT NOT NULL DEFAULT '',
		currency    TEXT NOT NULL DEFAULT '',
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_pnl_created ON pnl_log(created_at)`,
	`CREATE TABLE IF NOT EXISTS daily_state (
		date          TEXT NOT NULL,
		action        TEXT NOT NULL,
		completed_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
		details       TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (date, action)
	)`,
}

const (
	pgInsertTradeSQL = `INSERT INTO trades (
        ticker, name, side, qty, price, amount, market, currency, order_no, reason, created_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
    );`

	pgRecentTradesSQL = `SELECT
        id, ticker, name, side, qty, price::text, amount::text,
        market, currency, order_no, reason, created_at
    FROM trades
    ORDER BY id DESC
    LIMIT $1;`

	pgInsertPnLSQL = `INSERT INTO pnl_log (
        ticker, name, buy_price, sell_price, qty, pnl, pnl_rate, market, currency, created_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10
    );`

	pgRecentPnLSQL = `SELECT
        id, ticker, name, buy_price::text, sell_price::text, qty, pnl::text, pnl_rate::text,
        market, currency, created_at
    FROM pnl_log
    ORDER BY id DESC
    LIMIT $1;`

	pgPnLBetweenSQL = `SELECT
        id, ticker, name, buy_price::text, sell_price::text, qty, pnl::text, pnl_rate::text,
        market, currency, created_at
    FROM pnl_log
    WHERE created_at >= $1
      AND created_at < $2
    ORDER BY created_at, id
    LIMIT $3;`

	pgTotalSummarySQL = `SELECT
        COALESCE(SUM(pnl), 0)::text,
        COUNT(*),
        COUNT(*) FILTER (WHERE pnl > 0)
    FROM pnl_log;`

	pgTickerSummarySQL = `SELECT
        ticker,
        MAX(name),
        MAX(currency),
        COUNT(*),
        SUM(pnl)::text,
        ROUND(AVG(pnl_rate), 2)::text
    FROM pnl_log
    GROUP BY ticker
    ORDER BY SUM(pnl) DESC;`

	pgIsDoneSQL = `SELECT EXISTS (
        SELECT 1 FROM daily_state WHERE date = $1 AND action = $2
    );`

	pgMarkDoneSQL = `INSERT INTO daily_state (date, action, details)
    VALUES ($1, $2, $3)
    ON CONFLICT (date, action) DO NOTHING;`

	pgDailyStateSQL = `SELECT date, action, completed_at, details
    FROM daily_state
    WHERE date = $1
    ORDER BY completed_at, action;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// PGStore is the shared-server ledger backend.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore wires a pgx pool into a PGStore.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// Close releases the underlying pool resources.
func (s *PGStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

// Migrate creates the ledger tables when missing.
func (s *PGStore) Migrate(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	for _, stmt := range pgMigrations {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate postgres: %w", err)
		}
	}
	return nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *PGStore) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// A failed unlock is released with the session when the conn is recycled.
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *PGStore) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// RecordTrade appends an executed order.
func (s *PGStore) RecordTrade(ctx context.Context, t Trade) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	_, execErr := pool.Exec(ctx, pgInsertTradeSQL,
		t.InstrumentID, t.Name, t.Side, t.Qty,
		t.Price.String(), t.Amount.String(),
		t.Market, t.Currency, t.OrderID, t.Reason,
		createdAt(t.CreatedAt),
	)
	if execErr != nil {
		return fmt.Errorf("insert trade: %w", execErr)
	}
	return nil
}

// RecentTrades returns the latest trades, newest first.
func (s *PGStore) RecentTrades(ctx context.Context, limit int) ([]Trade, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, pgRecentTradesSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list trades: %w", queryErr)
	}
	defer rows.Close()

	trades := make([]Trade, 0, limit)
	for rows.Next() {
		var (
			t             Trade
			price, amount string
		)
		if scanErr := rows.Scan(&t.ID, &t.InstrumentID, &t.Name, &t.Side, &t.Qty, &price, &amount,
			&t.Market, &t.Currency, &t.OrderID, &t.Reason, &t.CreatedAt); scanErr != nil {
			return nil, scanErr
		}
		if t.Price, err = parseDecimal("price", price); err != nil {
			return nil, err
		}
		if t.Amount, err = parseDecimal("amount", amount); err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return trades, nil
}

// RecordPnL appends a realised round trip.
func (s *PGStore) RecordPnL(ctx context.Context, r PnLRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	_, execErr := pool.Exec(ctx, pgInsertPnLSQL,
		r.InstrumentID, r.Name,
		r.BuyPrice.String(), r.SellPrice.String(), r.Qty,
		r.PnL.String(), r.PnLRate.String(),
		r.Market, r.Currency, createdAt(r.CreatedAt),
	)
	if execErr != nil {
		return fmt.Errorf("insert pnl: %w", execErr)
	}
	return nil
}

// RecentPnL returns the latest pnl rows, newest first.
func (s *PGStore) RecentPnL(ctx context.Context, limit int) ([]PnLRecord, error) {
	return s.queryPnL(ctx, pgRecentPnLSQL, limit)
}

// PnLBetween returns pnl rows created in [from, to), oldest first.
func (s *PGStore) PnLBetween(ctx context.Context, from, to time.Time, limit int) ([]PnLRecord, error) {
	return s.queryPnL(ctx, pgPnLBetweenSQL, from, to, limit)
}

func (s *PGStore) queryPnL(ctx context.Context, query string, args ...any) ([]PnLRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, query, args...)
	if queryErr != nil {
		return nil, fmt.Errorf("list pnl: %w", queryErr)
	}
	defer rows.Close()

	records := make([]PnLRecord, 0)
	for rows.Next() {
		rec, scanErr := scanPnL(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

// TotalSummary aggregates every pnl row.
func (s *PGStore) TotalSummary(ctx context.Context) (PnLSummary, error) {
	pool, err := s.getPool()
	if err != nil {
		return PnLSummary{}, err
	}
	var (
		totalStr string
		count    int
		wins     int
	)
	if scanErr := pool.QueryRow(ctx, pgTotalSummarySQL).Scan(&totalStr, &count, &wins); scanErr != nil {
		return PnLSummary{}, fmt.Errorf("pnl summary: %w", scanErr)
	}
	total, err := parseDecimal("total pnl", totalStr)
	if err != nil {
		return PnLSummary{}, err
	}
	out := PnLSummary{TotalPnL: total, TradeCount: count, WinCount: wins, LossCount: count - wins, WinRate: decimal.Zero}
	if count > 0 {
		out.WinRate = decimal.NewFromInt(int64(wins)).Div(decimal.NewFromInt(int64(count))).Mul(decimal.NewFromInt(100)).Round(1)
	}
	return out, nil
}

// TickerSummary aggregates pnl rows per instrument.
func (s *PGStore) TickerSummary(ctx context.Context) ([]TickerSummary, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, pgTickerSummarySQL)
	if queryErr != nil {
		return nil, fmt.Errorf("ticker summary: %w", queryErr)
	}
	defer rows.Close()

	out := make([]TickerSummary, 0)
	for rows.Next() {
		var (
			ts             TickerSummary
			total, avgRate string
		)
		if scanErr := rows.Scan(&ts.InstrumentID, &ts.Name, &ts.Currency, &ts.TradeCount, &total, &avgRate); scanErr != nil {
			return nil, scanErr
		}
		if ts.TotalPnL, err = parseDecimal("total pnl", total); err != nil {
			return nil, err
		}
		if ts.AvgPnLRate, err = parseDecimal("avg pnl rate", avgRate); err != nil {
			return nil, err
		}
		out = append(out, ts)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// IsActionDone reports whether (date, action) is already recorded.
func (s *PGStore) IsActionDone(ctx context.Context, date, action string) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}
	var done bool
	if scanErr := pool.QueryRow(ctx, pgIsDoneSQL, date, action).Scan(&done); scanErr != nil {
		return false, fmt.Errorf("check daily state: %w", scanErr)
	}
	return done, nil
}

// MarkActionDone records (date, action) unless it already exists.
func (s *PGStore) MarkActionDone(ctx context.Context, date, action, details string) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}
	tag, execErr := pool.Exec(ctx, pgMarkDoneSQL, date, action, details)
	if execErr != nil {
		return false, fmt.Errorf("mark daily state: %w", execErr)
	}
	return tag.RowsAffected() == 1, nil
}

// DailyState lists the actions completed on date.
func (s *PGStore) DailyState(ctx context.Context, date string) ([]DailyAction, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, pgDailyStateSQL, date)
	if queryErr != nil {
		return nil, fmt.Errorf("list daily state: %w", queryErr)
	}
	defer rows.Close()

	actions := make([]DailyAction, 0)
	for rows.Next() {
		var a DailyAction
		if scanErr := rows.Scan(&a.Date, &a.Action, &a.CompletedAt, &a.Details); scanErr != nil {
			return nil, scanErr
		}
		actions = append(actions, a)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return actions, nil
}

func scanPnL(rows pgx.Rows) (PnLRecord, error) {
	var (
		rec                  PnLRecord
		buy, sell, pnl, rate string
	)
	if err := rows.Scan(&rec.ID, &rec.InstrumentID, &rec.Name, &buy, &sell, &rec.Qty, &pnl, &rate,
		&rec.Market, &rec.Currency, &rec.CreatedAt); err != nil {
		return PnLRecord{}, err
	}

	var err error
	if rec.BuyPrice, err = parseDecimal("buy_price", buy); err != nil {
		return PnLRecord{}, err
	}
	if rec.SellPrice, err = parseDecimal("sell_price", sell); err != nil {
		return PnLRecord{}, err
	}
	if rec.PnL, err = parseDecimal("pnl", pnl); err != nil {
		return PnLRecord{}, err
	}
	if rec.PnLRate, err = parseDecimal("pnl_rate", rate); err != nil {
		return PnLRecord{}, err
	}
	return rec, nil
}

func createdAt(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}

var (
	_ Ledger         = (*PGStore)(nil)
	_ AdvisoryLocker = (*PGStore)(nil)
)
