package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grid_trader/internal/core"
)

const validParams = `# strategy parameters
INITIAL_CAPITAL=1000
LEVERAGE_LONG=10
LEVERAGE_SHORT=10
TRADE_DIRECTION=LONG
GRID_RANGE_PCT=0.04
MAX_ENTRY_LEVEL=4
ENTRY_RATIOS=0.1,0.15,0.25,0.5
LEVEL_DISTANCES=0.005,0.01,0.02,0.04
SL_DISTANCE=0.06
TP_PCT=0.01
BE_PCT=0.002
MAKER_FEE=0.0002
TAKER_FEE=0.0005
`

func writeParams(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "params.txt")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestParseParamsValid(t *testing.T) {
	p, unknown, err := ParseParams(writeParams(t, validParams))
	require.NoError(t, err)
	assert.Empty(t, unknown)

	assert.Equal(t, core.DirectionLong, p.TradeDirection)
	assert.Equal(t, 4, p.MaxEntryLevel)
	assert.Equal(t, 10, p.Leverage(core.PositionLong))
	assert.Len(t, p.EntryRatios, 4)
	assert.Len(t, p.LevelDistances, 4)
	assert.True(t, p.InitialCapital.Equal(decimalFromString(t, "1000")))
}

func TestParseParamsUnknownKeyCollected(t *testing.T) {
	p, unknown, err := ParseParams(writeParams(t, validParams+"SOME_FUTURE_KEY=1\n"))
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, []string{"SOME_FUTURE_KEY"}, unknown)
}

func TestParseParamsMissingKey(t *testing.T) {
	content := validParams
	_, _, err := ParseParams(writeParams(t, stripLine(content, "TP_PCT")))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TP_PCT")
}

func TestParseParamsCommentsAndBlanks(t *testing.T) {
	_, _, err := ParseParams(writeParams(t, "\n# leading comment\n\n"+validParams))
	assert.NoError(t, err)
}

func TestValidateRejectsRatioCountMismatch(t *testing.T) {
	content := replaceLine(validParams, "ENTRY_RATIOS", "ENTRY_RATIOS=0.5,0.5")
	_, _, err := ParseParams(writeParams(t, content))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ENTRY_RATIOS")
}

func TestValidateRejectsRatioSumOverOne(t *testing.T) {
	content := replaceLine(validParams, "ENTRY_RATIOS", "ENTRY_RATIOS=0.4,0.4,0.4,0.4")
	_, _, err := ParseParams(writeParams(t, content))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds 1")
}

func TestValidateRejectsNonIncreasingDistances(t *testing.T) {
	content := replaceLine(validParams, "LEVEL_DISTANCES", "LEVEL_DISTANCES=0.01,0.01,0.02,0.04")
	_, _, err := ParseParams(writeParams(t, content))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "strictly increasing")
}

func TestValidateRejectsShallowStop(t *testing.T) {
	content := replaceLine(validParams, "SL_DISTANCE", "SL_DISTANCE=0.03")
	_, _, err := ParseParams(writeParams(t, content))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SL_DISTANCE")
}

func TestValidateRejectsBEAboveTP(t *testing.T) {
	content := replaceLine(validParams, "BE_PCT", "BE_PCT=0.02")
	_, _, err := ParseParams(writeParams(t, content))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BE_PCT")
}

func TestValidateRejectsUnequalLeverageForBoth(t *testing.T) {
	content := replaceLine(validParams, "TRADE_DIRECTION", "TRADE_DIRECTION=BOTH")
	content = replaceLine(content, "LEVERAGE_SHORT", "LEVERAGE_SHORT=5")
	_, _, err := ParseParams(writeParams(t, content))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LEVERAGE_LONG == LEVERAGE_SHORT")

	// Equal leverages are fine for a dual-sided grid.
	_, _, err = ParseParams(writeParams(t, replaceLine(validParams, "TRADE_DIRECTION", "TRADE_DIRECTION=BOTH")))
	assert.NoError(t, err)
}

func TestValidateRejectsBadDirection(t *testing.T) {
	content := replaceLine(validParams, "TRADE_DIRECTION", "TRADE_DIRECTION=SIDEWAYS")
	_, _, err := ParseParams(writeParams(t, content))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TRADE_DIRECTION")
}
