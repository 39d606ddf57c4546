// Package config handles configuration management with validation.
//
// Two layers exist: a static YAML file loaded once at boot (credentials,
// symbol, file paths, timing) and a per-symbol KEY=VALUE parameter file
// re-read while running (see params.go).
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config represents the static configuration structure
type Config struct {
	Venue   VenueConfig   `yaml:"venue"`
	Trading TradingConfig `yaml:"trading"`
	System  SystemConfig  `yaml:"system"`
	Timing  TimingConfig  `yaml:"timing"`
}

// VenueConfig contains exchange connectivity settings
type VenueConfig struct {
	APIKey    string `yaml:"api_key"`
	SecretKey string `yaml:"secret_key"`
	BaseURL   string `yaml:"base_url"`    // optional override for REST URL
	WSBaseURL string `yaml:"ws_base_url"` // optional override for stream URL
	Testnet   bool   `yaml:"testnet"`
}

// TradingConfig pins the contract this process trades
type TradingConfig struct {
	Symbol        string  `yaml:"symbol"`
	TickSize      float64 `yaml:"tick_size"`
	StepSize      float64 `yaml:"step_size"`
	ParamsFile    string  `yaml:"params_file"`
	StateFile     string  `yaml:"state_file"`
	TradesFile    string  `yaml:"trades_file"`
	HistoryDBFile string  `yaml:"history_db_file"`
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel         string `yaml:"log_level"`
	MetricsPort      int    `yaml:"metrics_port"`
	TelegramBotToken string `yaml:"telegram_bot_token"`
	TelegramChatID   string `yaml:"telegram_chat_id"`
}

// TimingConfig contains loop cadences in seconds
type TimingConfig struct {
	HeartbeatInterval    int `yaml:"heartbeat_interval"`
	ConfigReloadInterval int `yaml:"config_reload_interval"`
	RESTTimeout          int `yaml:"rest_timeout"`
	WSSilenceTimeout     int `yaml:"ws_silence_timeout"`
	ShutdownGrace        int `yaml:"shutdown_grace"`
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads the static config file with environment variable expansion.
// A .env file next to the process, if present, is loaded first so
// credentials never live in the YAML itself.
func Load(filename string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := envVarPattern.ReplaceAllStringFunc(string(data), func(m string) string {
		name := envVarPattern.FindStringSubmatch(m)[1]
		return os.Getenv(name)
	})

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.System.LogLevel == "" {
		c.System.LogLevel = "INFO"
	}
	if c.Timing.HeartbeatInterval == 0 {
		c.Timing.HeartbeatInterval = 30
	}
	if c.Timing.ConfigReloadInterval == 0 {
		c.Timing.ConfigReloadInterval = 60
	}
	if c.Timing.RESTTimeout == 0 {
		c.Timing.RESTTimeout = 5
	}
	if c.Timing.WSSilenceTimeout == 0 {
		c.Timing.WSSilenceTimeout = 90
	}
	if c.Timing.ShutdownGrace == 0 {
		c.Timing.ShutdownGrace = 10
	}
}

// Validate performs validation of the static configuration
func (c *Config) Validate() error {
	var errs []string

	if c.Venue.APIKey == "" {
		errs = append(errs, "venue.api_key is required")
	}
	if c.Venue.SecretKey == "" {
		errs = append(errs, "venue.secret_key is required")
	}
	if c.Trading.Symbol == "" {
		errs = append(errs, "trading.symbol is required")
	}
	if c.Trading.TickSize <= 0 {
		errs = append(errs, "trading.tick_size must be positive")
	}
	if c.Trading.StepSize <= 0 {
		errs = append(errs, "trading.step_size must be positive")
	}
	if c.Trading.ParamsFile == "" {
		errs = append(errs, "trading.params_file is required")
	}
	if c.Trading.StateFile == "" {
		errs = append(errs, "trading.state_file is required")
	}
	if c.Trading.TradesFile == "" {
		errs = append(errs, "trading.trades_file is required")
	}
	switch strings.ToUpper(c.System.LogLevel) {
	case "DEBUG", "INFO", "WARN", "ERROR", "FATAL":
	default:
		errs = append(errs, fmt.Sprintf("system.log_level %q is not a valid level", c.System.LogLevel))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// TickSizeDecimal returns the tick size as a decimal
func (c *Config) TickSizeDecimal() decimal.Decimal {
	return decimal.NewFromFloat(c.Trading.TickSize)
}

// StepSizeDecimal returns the quantity step as a decimal
func (c *Config) StepSizeDecimal() decimal.Decimal {
	return decimal.NewFromFloat(c.Trading.StepSize)
}
