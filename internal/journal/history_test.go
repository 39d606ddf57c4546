package journal

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistoryStoreInsertAndCount(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")
	h, err := NewHistoryStore(dbPath)
	require.NoError(t, err)
	defer h.Close()

	require.NoError(t, h.Insert(event("ENTRY_L1")))
	require.NoError(t, h.Insert(event("ENTRY_L2")))
	require.NoError(t, h.Insert(event("TP")))

	n, err := h.CountByEvent("BTCUSDT", "TP")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = h.CountByEvent("BTCUSDT", "SL")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestJournalMirrorsIntoHistory(t *testing.T) {
	dir := t.TempDir()
	h, err := NewHistoryStore(filepath.Join(dir, "history.db"))
	require.NoError(t, err)

	j, err := NewCSVJournal(filepath.Join(dir, "trades.csv"), h)
	require.NoError(t, err)

	require.NoError(t, j.Record(event("PARTIAL_BE")))

	n, err := h.CountByEvent("BTCUSDT", "PARTIAL_BE")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, j.Close())
}
