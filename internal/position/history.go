package position

import (
	"database/sql"
	"fmt"
	"time"

	"spot-grid-bot-go/internal/models"

	_ "github.com/mattn/go-sqlite3" // sqlite driver
	"github.com/shopspring/decimal"
)

// History is the durable, append-only audit trail of closed trades. Metrics
// are always recomputed from live state; this table exists for risk review
// and reporting, and to rebuild realized totals after a restart.
type History struct {
	db *sql.DB
}

// OpenHistory opens (or creates) the trade history database.
func OpenHistory(dataSourceName string) (*History, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open trade history: %w", err)
	}
	if err = db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to trade history: %w", err)
	}

	createSQL := `
	CREATE TABLE IF NOT EXISTS trades (
		cycle_id TEXT PRIMARY KEY,
		symbol TEXT NOT NULL,
		level_index INTEGER NOT NULL,
		quantity TEXT NOT NULL,
		entry_price TEXT NOT NULL,
		exit_price TEXT NOT NULL,
		profit TEXT NOT NULL,
		fee TEXT NOT NULL,
		entry_time INTEGER NOT NULL,
		exit_time INTEGER NOT NULL
	);`
	if _, err := db.Exec(createSQL); err != nil {
		return nil, fmt.Errorf("failed to create trades table: %w", err)
	}

	return &History{db: db}, nil
}

// Append inserts one closed trade. Duplicate cycle ids are ignored so a
// replayed close after a crash does not double-count.
func (h *History) Append(rec models.TradeRecord) error {
	query := `
	INSERT OR IGNORE INTO trades (cycle_id, symbol, level_index, quantity, entry_price, exit_price, profit, fee, entry_time, exit_time)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := h.db.Exec(query,
		rec.CycleID, rec.Symbol, rec.LevelIndex,
		rec.Quantity.String(), rec.EntryPrice.String(), rec.ExitPrice.String(),
		rec.Profit.String(), rec.Fee.String(),
		rec.EntryTime.UnixMilli(), rec.ExitTime.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert trade %s: %w", rec.CycleID, err)
	}
	return nil
}

// Load returns every recorded trade for a symbol, oldest first.
func (h *History) Load(symbol string) ([]models.TradeRecord, error) {
	query := `
	SELECT cycle_id, symbol, level_index, quantity, entry_price, exit_price, profit, fee, entry_time, exit_time
	FROM trades WHERE symbol = ? ORDER BY exit_time ASC`

	rows, err := h.db.Query(query, symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var records []models.TradeRecord
	for rows.Next() {
		var rec models.TradeRecord
		var quantity, entryPrice, exitPrice, profit, fee string
		var entryMs, exitMs int64
		if err := rows.Scan(
			&rec.CycleID, &rec.Symbol, &rec.LevelIndex,
			&quantity, &entryPrice, &exitPrice, &profit, &fee,
			&entryMs, &exitMs,
		); err != nil {
			return nil, fmt.Errorf("failed to scan trade row: %w", err)
		}
		if rec.Quantity, err = decimal.NewFromString(quantity); err != nil {
			return nil, fmt.Errorf("bad quantity %q in trade %s: %w", quantity, rec.CycleID, err)
		}
		if rec.EntryPrice, err = decimal.NewFromString(entryPrice); err != nil {
			return nil, fmt.Errorf("bad entry price %q in trade %s: %w", entryPrice, rec.CycleID, err)
		}
		if rec.ExitPrice, err = decimal.NewFromString(exitPrice); err != nil {
			return nil, fmt.Errorf("bad exit price %q in trade %s: %w", exitPrice, rec.CycleID, err)
		}
		if rec.Profit, err = decimal.NewFromString(profit); err != nil {
			return nil, fmt.Errorf("bad profit %q in trade %s: %w", profit, rec.CycleID, err)
		}
		if rec.Fee, err = decimal.NewFromString(fee); err != nil {
			return nil, fmt.Errorf("bad fee %q in trade %s: %w", fee, rec.CycleID, err)
		}
		rec.EntryTime = time.UnixMilli(entryMs)
		rec.ExitTime = time.UnixMilli(exitMs)
		rec.HoldDuration = rec.ExitTime.Sub(rec.EntryTime)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Close releases the database handle.
func (h *History) Close() error { return h.db.Close() }
