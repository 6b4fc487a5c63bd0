package config

import (
	"encoding/json"
	"fmt"
	"os"

	"spot-grid-bot-go/internal/models"

	"github.com/shopspring/decimal"
)

// LoadConfig reads and validates the JSON configuration file.
func LoadConfig(path string) (*models.Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	cfg := &models.Config{}
	decoder := json.NewDecoder(file)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *models.Config) {
	if cfg.PollingIntervalSec <= 0 {
		cfg.PollingIntervalSec = 10
	}
	if cfg.RequestTimeoutMs <= 0 {
		cfg.RequestTimeoutMs = 5000
	}
	if cfg.RebalanceConfirmations <= 0 {
		cfg.RebalanceConfirmations = 3
	}
	if cfg.StatusReportIntervalSec <= 0 {
		cfg.StatusReportIntervalSec = 60
	}
	if cfg.QuotePrecision <= 0 {
		cfg.QuotePrecision = 2
	}
	if cfg.BasePrecision <= 0 {
		cfg.BasePrecision = 5
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = 4
	}
	if cfg.Retry.InitialDelayMs <= 0 {
		cfg.Retry.InitialDelayMs = 250
	}
	if cfg.Retry.MaxDelayMs <= 0 {
		cfg.Retry.MaxDelayMs = 5000
	}
	if cfg.Risk.MaxDrawdownPct.IsZero() {
		cfg.Risk.MaxDrawdownPct = decimal.NewFromFloat(0.20)
	}
	if cfg.State.Backend == "" {
		cfg.State.Backend = "badger"
	}
	if cfg.State.Path == "" {
		cfg.State.Path = "./state"
	}
	if cfg.APIKeyEnv == "" {
		cfg.APIKeyEnv = "BINANCE_API_KEY"
	}
	if cfg.SecretKeyEnv == "" {
		cfg.SecretKeyEnv = "BINANCE_SECRET_KEY"
	}
}

// Validate rejects configurations the grid math cannot work with. Failures
// here are fatal at startup.
func Validate(cfg *models.Config) error {
	one := decimal.NewFromInt(1)
	switch {
	case cfg.Symbol == "":
		return fmt.Errorf("%w: symbol is required", models.ErrInvalidGridConfig)
	case cfg.TotalCapital.Sign() <= 0:
		return fmt.Errorf("%w: total_capital must be > 0, got %s", models.ErrInvalidGridConfig, cfg.TotalCapital)
	case cfg.LevelCount < 2:
		return fmt.Errorf("%w: level_count must be >= 2, got %d", models.ErrInvalidGridConfig, cfg.LevelCount)
	case cfg.RangePct.Sign() <= 0 || cfg.RangePct.Cmp(one) >= 0:
		return fmt.Errorf("%w: range_pct must be in (0, 1), got %s", models.ErrInvalidGridConfig, cfg.RangePct)
	case cfg.ProfitPct.Sign() <= 0:
		return fmt.Errorf("%w: profit_pct must be > 0, got %s", models.ErrInvalidGridConfig, cfg.ProfitPct)
	case cfg.FeeRate.Sign() < 0:
		return fmt.Errorf("%w: fee_rate must be >= 0, got %s", models.ErrInvalidGridConfig, cfg.FeeRate)
	case cfg.Risk.DailyLossLimit.Sign() < 0:
		return fmt.Errorf("%w: risk.daily_loss_limit must be >= 0, got %s", models.ErrInvalidGridConfig, cfg.Risk.DailyLossLimit)
	case cfg.State.Backend != "badger" && cfg.State.Backend != "file":
		return fmt.Errorf("%w: state.backend must be \"badger\" or \"file\", got %q", models.ErrInvalidGridConfig, cfg.State.Backend)
	}
	return nil
}
