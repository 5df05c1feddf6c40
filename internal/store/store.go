// Package store persists the authoritative stock rows and scheduler run
// records in sqlite. Threshold rows live and die by category-scoped atomic
// replaces; prices and contract descriptors are written in place.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/phuslu/log"
	"github.com/shopspring/decimal"

	"he_alerts/internal/models"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS stocks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ticker TEXT NOT NULL,
		category TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		sentiment TEXT NOT NULL DEFAULT '',
		buy_trade TEXT NOT NULL,
		sell_trade TEXT NOT NULL,
		am_price TEXT,
		pm_price TEXT,
		last_price_update DATETIME,
		contract TEXT NOT NULL DEFAULT '',
		contract_resolved INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		UNIQUE(ticker, category)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_stocks_category ON stocks(category)`,
	`CREATE TABLE IF NOT EXISTS session_runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job TEXT NOT NULL,
		session TEXT NOT NULL DEFAULT '',
		trading_day TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		finished_at DATETIME,
		stocks_priced INTEGER NOT NULL DEFAULT 0,
		alerts_fired INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_session_runs_day ON session_runs(trading_day)`,
}

// Store wraps the sqlite handle with per-category locks: a replace holds its
// category exclusively while price updates in other categories proceed.
type Store struct {
	db    *sql.DB
	locks map[models.Category]*sync.Mutex
}

// Open opens (creating if needed) the database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=30000&_loc=UTC")
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", models.ErrStore, path, err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("%w: ping: %v", models.ErrStore, err)
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("%w: create schema: %v", models.ErrStore, err)
		}
	}

	locks := make(map[models.Category]*sync.Mutex, len(models.AllCategories))
	for _, c := range models.AllCategories {
		locks[c] = &sync.Mutex{}
	}
	log.Info().Str("path", path).Msg("store opened")
	return &Store{db: db, locks: locks}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) lock(category models.Category) *sync.Mutex {
	if mu, ok := s.locks[category]; ok {
		return mu
	}
	// Unknown categories share one lock; they only appear in tests.
	mu := &sync.Mutex{}
	s.locks[category] = mu
	return mu
}

// ReplaceCategory atomically swaps every row of a category for the given
// extraction. Rows in other categories are untouched. Any integrity failure
// rolls the whole replace back.
func (s *Store) ReplaceCategory(ctx context.Context, category models.Category, rows []models.ExtractedRow) error {
	mu := s.lock(category)
	mu.Lock()
	defer mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin replace: %v", models.ErrStore, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM stocks WHERE category = ?`, category); err != nil {
		return fmt.Errorf("%w: delete %s: %v", models.ErrStore, category, err)
	}

	now := time.Now().UTC()
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO stocks
		(ticker, category, name, sentiment, buy_trade, sell_trade, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("%w: prepare insert: %v", models.ErrStore, err)
	}
	defer stmt.Close()

	for _, row := range rows {
		_, err := stmt.ExecContext(ctx, row.Ticker, category, row.RawName,
			row.Sentiment, row.BuyTrade.Round(2).String(), row.SellTrade.Round(2).String(), now, now)
		if err != nil {
			return fmt.Errorf("%w: insert %s/%s: %v", models.ErrStore, category, row.Ticker, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit replace %s: %v", models.ErrStore, category, err)
	}
	log.Info().Str("category", string(category)).Int("rows", len(rows)).Msg("category replaced")
	return nil
}

const stockColumns = `id, ticker, category, name, sentiment, buy_trade, sell_trade,
	am_price, pm_price, last_price_update, contract, contract_resolved, created_at, updated_at`

// ListCategory returns every row of one category, ordered by ticker.
func (s *Store) ListCategory(ctx context.Context, category models.Category) ([]models.Stock, error) {
	return s.query(ctx, `SELECT `+stockColumns+` FROM stocks WHERE category = ? ORDER BY ticker`, category)
}

// ListActive returns the rows the evaluator can act on: a sentiment plus both
// thresholds.
func (s *Store) ListActive(ctx context.Context) ([]models.Stock, error) {
	return s.query(ctx, `SELECT `+stockColumns+` FROM stocks
		WHERE sentiment != '' AND buy_trade != '' AND sell_trade != ''
		ORDER BY category, ticker`)
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]models.Stock, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query stocks: %v", models.ErrStore, err)
	}
	defer rows.Close()

	var out []models.Stock
	for rows.Next() {
		st, err := scanStock(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: scan stocks: %v", models.ErrStore, err)
	}
	return out, nil
}

func scanStock(rows *sql.Rows) (models.Stock, error) {
	var st models.Stock
	var buy, sell string
	var am, pm sql.NullString
	var lastUpdate sql.NullTime
	err := rows.Scan(&st.ID, &st.Ticker, &st.Category, &st.Name, &st.Sentiment,
		&buy, &sell, &am, &pm, &lastUpdate, &st.ContractJSON, &st.ContractResolved,
		&st.CreatedAt, &st.UpdatedAt)
	if err != nil {
		return st, fmt.Errorf("%w: scan stock: %v", models.ErrStore, err)
	}
	if st.BuyTrade, err = decimal.NewFromString(buy); err != nil {
		return st, fmt.Errorf("%w: bad buy_trade %q for %s: %v", models.ErrStore, buy, st.Ticker, err)
	}
	if st.SellTrade, err = decimal.NewFromString(sell); err != nil {
		return st, fmt.Errorf("%w: bad sell_trade %q for %s: %v", models.ErrStore, sell, st.Ticker, err)
	}
	if am.Valid {
		d, err := decimal.NewFromString(am.String)
		if err != nil {
			return st, fmt.Errorf("%w: bad am_price %q for %s: %v", models.ErrStore, am.String, st.Ticker, err)
		}
		st.AMPrice = &d
	}
	if pm.Valid {
		d, err := decimal.NewFromString(pm.String)
		if err != nil {
			return st, fmt.Errorf("%w: bad pm_price %q for %s: %v", models.ErrStore, pm.String, st.Ticker, err)
		}
		st.PMPrice = &d
	}
	if lastUpdate.Valid {
		t := lastUpdate.Time
		st.LastPriceUpdate = &t
	}
	return st, nil
}

// UpdatePrice writes the session price column and the update timestamp. The
// timestamp must move strictly forward; a stale write is rejected.
func (s *Store) UpdatePrice(ctx context.Context, ticker string, category models.Category, session models.Session, price decimal.Decimal, at time.Time) error {
	mu := s.lock(category)
	mu.Lock()
	defer mu.Unlock()

	column := "am_price"
	if session == models.SessionPM {
		column = "pm_price"
	}
	res, err := s.db.ExecContext(ctx, `UPDATE stocks
		SET `+column+` = ?, last_price_update = ?, updated_at = ?
		WHERE ticker = ? AND category = ?
		AND (last_price_update IS NULL OR last_price_update < ?)`,
		price.Round(2).String(), at.UTC(), time.Now().UTC(), ticker, category, at.UTC())
	if err != nil {
		return fmt.Errorf("%w: update price %s/%s: %v", models.ErrStore, category, ticker, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: rows affected: %v", models.ErrStore, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: price update for %s/%s rejected (missing row or stale timestamp)",
			models.ErrStore, category, ticker)
	}
	return nil
}

// CacheContract stores a resolved contract descriptor for a row. The cache
// lives exactly as long as the row; the category replace wipes it.
func (s *Store) CacheContract(ctx context.Context, ticker string, category models.Category, descriptor string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE stocks
		SET contract = ?, contract_resolved = 1, updated_at = ?
		WHERE ticker = ? AND category = ?`,
		descriptor, time.Now().UTC(), ticker, category)
	if err != nil {
		return fmt.Errorf("%w: cache contract %s/%s: %v", models.ErrStore, category, ticker, err)
	}
	return nil
}

// GetContract returns the cached descriptor, or ok=false when the row has
// none yet.
func (s *Store) GetContract(ctx context.Context, ticker string, category models.Category) (string, bool, error) {
	var descriptor string
	var resolved bool
	err := s.db.QueryRowContext(ctx, `SELECT contract, contract_resolved FROM stocks
		WHERE ticker = ? AND category = ?`, ticker, category).Scan(&descriptor, &resolved)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: get contract %s/%s: %v", models.ErrStore, category, ticker, err)
	}
	return descriptor, resolved, nil
}

// StartSessionRun records a job start and returns the run's id.
func (s *Store) StartSessionRun(ctx context.Context, run *models.SessionRun) error {
	res, err := s.db.ExecContext(ctx, `INSERT INTO session_runs
		(job, session, trading_day, started_at) VALUES (?, ?, ?, ?)`,
		run.Job, run.Session, run.TradingDay, run.StartedAt.UTC())
	if err != nil {
		return fmt.Errorf("%w: insert session run: %v", models.ErrStore, err)
	}
	run.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("%w: session run id: %v", models.ErrStore, err)
	}
	return nil
}

// FinishSessionRun closes out a run with its counts and outcome.
func (s *Store) FinishSessionRun(ctx context.Context, run *models.SessionRun) error {
	finished := time.Now().UTC()
	run.FinishedAt = &finished
	_, err := s.db.ExecContext(ctx, `UPDATE session_runs
		SET finished_at = ?, stocks_priced = ?, alerts_fired = ?, error = ?
		WHERE id = ?`,
		finished, run.StocksPriced, run.AlertsFired, run.Error, run.ID)
	if err != nil {
		return fmt.Errorf("%w: finish session run %d: %v", models.ErrStore, run.ID, err)
	}
	return nil
}

// SessionRuns lists a trading day's runs, newest first.
func (s *Store) SessionRuns(ctx context.Context, tradingDay string) ([]models.SessionRun, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, job, session, trading_day, started_at,
		finished_at, stocks_priced, alerts_fired, error
		FROM session_runs WHERE trading_day = ? ORDER BY started_at DESC`, tradingDay)
	if err != nil {
		return nil, fmt.Errorf("%w: query session runs: %v", models.ErrStore, err)
	}
	defer rows.Close()

	var out []models.SessionRun
	for rows.Next() {
		var run models.SessionRun
		var finished sql.NullTime
		if err := rows.Scan(&run.ID, &run.Job, &run.Session, &run.TradingDay,
			&run.StartedAt, &finished, &run.StocksPriced, &run.AlertsFired, &run.Error); err != nil {
			return nil, fmt.Errorf("%w: scan session run: %v", models.ErrStore, err)
		}
		if finished.Valid {
			t := finished.Time
			run.FinishedAt = &t
		}
		out = append(out, run)
	}
	return out, rows.Err()
}
