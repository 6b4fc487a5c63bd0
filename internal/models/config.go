package models

import "github.com/shopspring/decimal"

// Config defines every runtime parameter of the bot. Credentials are not part
// of the file; they are read from the environment under the names given by
// APIKeyEnv / SecretKeyEnv.
type Config struct {
	IsTestnet    bool   `json:"is_testnet"`
	LiveWSURL    string `json:"live_ws_url"`
	TestnetWSURL string `json:"testnet_ws_url"`
	APIKeyEnv    string `json:"api_key_env"`    // env var holding the API key
	SecretKeyEnv string `json:"secret_key_env"` // env var holding the API secret

	Symbol         string          `json:"symbol"` // e.g. "BTCUSDT"
	TotalCapital   decimal.Decimal `json:"total_capital"`
	LevelCount     int             `json:"level_count"`
	RangePct       decimal.Decimal `json:"range_pct"`  // e.g. 0.07
	ProfitPct      decimal.Decimal `json:"profit_pct"` // e.g. 0.008
	QuotePrecision int32           `json:"quote_precision"`
	BasePrecision  int32           `json:"base_precision"`
	FeeRate        decimal.Decimal `json:"fee_rate"` // maker fee estimate used in realized pnl

	PollingIntervalSec     int `json:"polling_interval_sec"`     // target ~10s
	RequestTimeoutMs       int `json:"request_timeout_ms"`       // per exchange call
	RebalanceConfirmations int `json:"rebalance_confirmations"`  // consecutive out-of-range polls before rebalancing
	StatusReportIntervalSec int `json:"status_report_interval_sec"`

	Risk  RiskConfig  `json:"risk"`
	Retry RetryConfig `json:"retry"`
	State StateConfig `json:"state"`

	SnapshotPath string    `json:"snapshot_path"` // dashboard JSON projection
	LogConfig    LogConfig `json:"log"`
}

// RiskConfig holds the capital-preservation thresholds.
type RiskConfig struct {
	MaxDrawdownPct decimal.Decimal `json:"max_drawdown_pct"` // global stop, e.g. 0.20
	DailyLossLimit decimal.Decimal `json:"daily_loss_limit"` // quote units, e.g. 50
	UseLocalDay    bool            `json:"use_local_day"`    // day boundary for the daily reset
}

// RetryConfig bounds the exchange call retry policy.
type RetryConfig struct {
	MaxAttempts    int `json:"max_attempts"`
	InitialDelayMs int `json:"initial_delay_ms"`
	MaxDelayMs     int `json:"max_delay_ms"`
}

// StateConfig selects and locates the state store.
type StateConfig struct {
	Backend string `json:"backend"` // "badger" or "file"
	Path    string `json:"path"`
}

// LogConfig defines logging output and rotation.
type LogConfig struct {
	Level      string `json:"level"`  // "debug", "info", "warn", "error"
	Output     string `json:"output"` // "console", "file", "both"
	File       string `json:"file"`
	MaxSize    int    `json:"max_size"` // MB
	MaxBackups int    `json:"max_backups"`
	MaxAge     int    `json:"max_age"` // days
	Compress   bool   `json:"compress"`
}
