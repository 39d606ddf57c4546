package journal

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grid_trader/internal/core"
)

func event(name string) core.TradeEvent {
	return core.TradeEvent{
		Timestamp:       time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Symbol:          "BTCUSDT",
		Event:           name,
		Price:           decimal.RequireFromString("50247.5"),
		Qty:             decimal.RequireFromString("0.02"),
		RealizedPnL:     decimal.RequireFromString("9.9"),
		Capital:         decimal.RequireFromString("1009.9"),
		GridCenter:      decimal.RequireFromString("50247.5"),
		StartGridCenter: decimal.RequireFromString("50000"),
	}
}

func readRows(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

func TestJournalWritesHeaderAndRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trades.csv")
	j, err := NewCSVJournal(path, nil)
	require.NoError(t, err)

	require.NoError(t, j.Record(event("TP")))
	require.NoError(t, j.Close())

	rows := readRows(t, path)
	require.Len(t, rows, 2)
	assert.Equal(t, header, rows[0])
	assert.Equal(t, "TP", rows[1][2])
	assert.Equal(t, "50247.5", rows[1][3])
	assert.Equal(t, "1009.9", rows[1][6])
}

func TestJournalReopenAppendsWithoutSecondHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trades.csv")

	j, err := NewCSVJournal(path, nil)
	require.NoError(t, err)
	require.NoError(t, j.Record(event("ENTRY_L1")))
	require.NoError(t, j.Close())

	j2, err := NewCSVJournal(path, nil)
	require.NoError(t, err)
	require.NoError(t, j2.Record(event("TP")))
	require.NoError(t, j2.Close())

	rows := readRows(t, path)
	require.Len(t, rows, 3)
	assert.Equal(t, "ENTRY_L1", rows[1][2])
	assert.Equal(t, "TP", rows[2][2])
}

func TestJournalRowIsFlushedImmediately(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trades.csv")
	j, err := NewCSVJournal(path, nil)
	require.NoError(t, err)
	defer j.Close()

	require.NoError(t, j.Record(event("SL")))

	// Visible before Close.
	rows := readRows(t, path)
	require.Len(t, rows, 2)
	assert.Equal(t, "SL", rows[1][2])
}
