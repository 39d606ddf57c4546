// Package journal records realized fills: an append-only CSV per
// symbol, mirrored into a sqlite history DB for ad-hoc audit queries.
package journal

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"grid_trader/internal/core"
)

var header = []string{
	"timestamp", "symbol", "event", "price", "qty",
	"realized_pnl", "capital", "grid_center", "start_grid_center",
}

// CSVJournal appends one line per realized event and flushes on every
// append. Losing the last line is acceptable only on power failure.
type CSVJournal struct {
	file    *os.File
	writer  *csv.Writer
	history *HistoryStore // optional
}

// NewCSVJournal opens (or creates) the trades file, writing the header
// when the file is new. history may be nil.
func NewCSVJournal(path string, history *HistoryStore) (*CSVJournal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create trades directory: %w", err)
	}

	fi, statErr := os.Stat(path)
	isNew := statErr != nil || fi.Size() == 0

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open trades file: %w", err)
	}

	j := &CSVJournal{
		file:    f,
		writer:  csv.NewWriter(f),
		history: history,
	}

	if isNew {
		if err := j.writer.Write(header); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to write trades header: %w", err)
		}
		j.writer.Flush()
		if err := j.writer.Error(); err != nil {
			f.Close()
			return nil, err
		}
	}
	return j, nil
}

// Record appends one event and flushes.
func (j *CSVJournal) Record(ev core.TradeEvent) error {
	row := []string{
		ev.Timestamp.UTC().Format(time.RFC3339Nano),
		ev.Symbol,
		ev.Event,
		ev.Price.String(),
		ev.Qty.String(),
		ev.RealizedPnL.String(),
		ev.Capital.String(),
		ev.GridCenter.String(),
		ev.StartGridCenter.String(),
	}
	if err := j.writer.Write(row); err != nil {
		return fmt.Errorf("failed to write trade record: %w", err)
	}
	j.writer.Flush()
	if err := j.writer.Error(); err != nil {
		return fmt.Errorf("failed to flush trade record: %w", err)
	}

	if j.history != nil {
		if err := j.history.Insert(ev); err != nil {
			// The CSV line is already durable; history is best effort.
			return nil
		}
	}
	return nil
}

// Close flushes and closes the underlying file.
func (j *CSVJournal) Close() error {
	j.writer.Flush()
	if j.history != nil {
		_ = j.history.Close()
	}
	return j.file.Close()
}
