package journal

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"grid_trader/internal/core"
)

const historySchema = `
CREATE TABLE IF NOT EXISTS trade_history (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	ts                INTEGER NOT NULL,
	symbol            TEXT    NOT NULL,
	event             TEXT    NOT NULL,
	price             TEXT    NOT NULL,
	qty               TEXT    NOT NULL,
	realized_pnl      TEXT    NOT NULL,
	capital           TEXT    NOT NULL,
	grid_center       TEXT    NOT NULL,
	start_grid_center TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trade_history_ts ON trade_history (ts);
CREATE INDEX IF NOT EXISTS idx_trade_history_event ON trade_history (symbol, event);
`

// HistoryStore keeps every journalled event in sqlite so fills can be
// queried after the fact without parsing CSV.
type HistoryStore struct {
	db *sql.DB
}

// NewHistoryStore opens the history database, enabling WAL mode for
// crash recovery, and creates the schema if missing.
func NewHistoryStore(dbPath string) (*HistoryStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping history database: %w", err)
	}

	// Enable WAL mode for crash recovery
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec(historySchema); err != nil {
		return nil, fmt.Errorf("failed to create history schema: %w", err)
	}

	return &HistoryStore{db: db}, nil
}

// Insert appends one event row. Decimal columns are stored as text to
// keep exact precision.
func (h *HistoryStore) Insert(ev core.TradeEvent) error {
	query := `INSERT INTO trade_history
		(ts, symbol, event, price, qty, realized_pnl, capital, grid_center, start_grid_center)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := h.db.Exec(query,
		ev.Timestamp.UnixNano(),
		ev.Symbol,
		ev.Event,
		ev.Price.String(),
		ev.Qty.String(),
		ev.RealizedPnL.String(),
		ev.Capital.String(),
		ev.GridCenter.String(),
		ev.StartGridCenter.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert trade history row: %w", err)
	}
	return nil
}

// CountByEvent returns how many rows match the given event label.
func (h *HistoryStore) CountByEvent(symbol, event string) (int, error) {
	var n int
	err := h.db.QueryRow(
		`SELECT COUNT(*) FROM trade_history WHERE symbol = ? AND event = ?`,
		symbol, event,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count trade history rows: %w", err)
	}
	return n, nil
}

func (h *HistoryStore) Close() error {
	return h.db.Close()
}
