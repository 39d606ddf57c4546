package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validYAML = `venue:
  api_key: ${TEST_GRID_API_KEY}
  secret_key: ${TEST_GRID_SECRET}
  testnet: true
trading:
  symbol: BTCUSDT
  tick_size: 0.1
  step_size: 0.001
  params_file: params.txt
  state_file: state.json
  trades_file: trades.csv
system:
  log_level: INFO
  metrics_port: 9090
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("TEST_GRID_API_KEY", "key-from-env")
	t.Setenv("TEST_GRID_SECRET", "secret-from-env")

	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	assert.Equal(t, "key-from-env", cfg.Venue.APIKey)
	assert.Equal(t, "secret-from-env", cfg.Venue.SecretKey)
	assert.True(t, cfg.Venue.Testnet)
	assert.Equal(t, "BTCUSDT", cfg.Trading.Symbol)
}

func TestLoadAppliesTimingDefaults(t *testing.T) {
	t.Setenv("TEST_GRID_API_KEY", "k")
	t.Setenv("TEST_GRID_SECRET", "s")

	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	assert.Equal(t, 30, cfg.Timing.HeartbeatInterval)
	assert.Equal(t, 60, cfg.Timing.ConfigReloadInterval)
	assert.Equal(t, 90, cfg.Timing.WSSilenceTimeout)
}

func TestLoadRejectsMissingCredentials(t *testing.T) {
	t.Setenv("TEST_GRID_API_KEY", "")
	t.Setenv("TEST_GRID_SECRET", "")

	_, err := Load(writeConfig(t, validYAML))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api_key")
}

func TestLoadRejectsBadLogLevel(t *testing.T) {
	t.Setenv("TEST_GRID_API_KEY", "k")
	t.Setenv("TEST_GRID_SECRET", "s")

	bad := strings.Replace(validYAML, "log_level: INFO", "log_level: LOUD", 1)
	_, err := Load(writeConfig(t, bad))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log_level")
}

func TestDecimalAccessors(t *testing.T) {
	cfg := &Config{}
	cfg.Trading.TickSize = 0.1
	cfg.Trading.StepSize = 0.001
	assert.Equal(t, "0.1", cfg.TickSizeDecimal().String())
	assert.Equal(t, "0.001", cfg.StepSizeDecimal().String())
}
