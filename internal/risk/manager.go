// Package risk enforces the capital-preservation limits: the global drawdown
// stop, the daily loss limit, and the sticky emergency halt.
package risk

import (
	"time"

	"spot-grid-bot-go/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var one = decimal.NewFromInt(1)

// Manager evaluates the risk state once per orchestrator cycle.
type Manager struct {
	cfg    models.RiskConfig
	logger *zap.SugaredLogger
	clock  func() time.Time
}

// NewManager builds the evaluator from the configured thresholds.
func NewManager(cfg models.RiskConfig, logger *zap.SugaredLogger) *Manager {
	return &Manager{cfg: cfg, logger: logger, clock: time.Now}
}

// InitState seeds the risk bookkeeping for a fresh bot.
func (m *Manager) InitState(initialCapital decimal.Decimal) models.RiskState {
	now := m.clock()
	return models.RiskState{
		InitialCapital: initialCapital,
		HighWaterMark:  initialCapital,
		CurrentEquity:  initialCapital,
		DailyLoss:      decimal.Zero,
		DailyResetAt:   m.startOfDay(now),
		Halt:           models.HaltNone,
	}
}

// RecordRealizedPnL feeds a closed cycle's result into the daily loss
// accumulator. Profits do not pay losses back; only losses accumulate.
func (m *Manager) RecordRealizedPnL(rs *models.RiskState, pnl decimal.Decimal) {
	if pnl.Sign() < 0 {
		rs.DailyLoss = rs.DailyLoss.Add(pnl.Neg())
	}
}

// Evaluate updates the risk state for the current equity and returns the
// halt verdict. EMERGENCY_HALT is monotonic: once set it never clears here,
// only an operator reset does. DAILY_HALT clears when the day rolls over.
func (m *Manager) Evaluate(rs *models.RiskState, equity decimal.Decimal) models.HaltFlag {
	now := m.clock()

	// Day rollover: reset the accumulator and lift a daily halt.
	if m.startOfDay(now).After(rs.DailyResetAt) {
		rs.DailyLoss = decimal.Zero
		rs.DailyResetAt = m.startOfDay(now)
		if rs.Halt == models.HaltDaily {
			m.logger.Info("daily loss window rolled over, resuming trading")
			rs.Halt = models.HaltNone
		}
	}

	rs.CurrentEquity = equity
	if equity.Cmp(rs.HighWaterMark) > 0 {
		rs.HighWaterMark = equity
	}

	if rs.Halt == models.HaltEmergency {
		return models.HaltEmergency
	}

	// Global stop: equity <= initial x (1 - max drawdown).
	floor := rs.InitialCapital.Mul(one.Sub(m.cfg.MaxDrawdownPct))
	if equity.Cmp(floor) <= 0 {
		m.logger.Errorf("EMERGENCY HALT: equity %s breached floor %s (initial %s, drawdown limit %s)",
			equity, floor, rs.InitialCapital, m.cfg.MaxDrawdownPct)
		rs.Halt = models.HaltEmergency
		return models.HaltEmergency
	}

	if m.cfg.DailyLossLimit.Sign() > 0 && rs.DailyLoss.Cmp(m.cfg.DailyLossLimit) >= 0 {
		if rs.Halt != models.HaltDaily {
			m.logger.Warnf("DAILY HALT: accumulated loss %s reached limit %s, pausing until next day",
				rs.DailyLoss, m.cfg.DailyLossLimit)
		}
		rs.Halt = models.HaltDaily
		return models.HaltDaily
	}

	rs.Halt = models.HaltNone
	return models.HaltNone
}

// ClearEmergencyHalt is the explicit operator reset.
func (m *Manager) ClearEmergencyHalt(rs *models.RiskState) {
	if rs.Halt == models.HaltEmergency {
		m.logger.Warn("emergency halt cleared by operator")
		rs.Halt = models.HaltNone
	}
}

// startOfDay truncates to the configured day boundary (UTC unless local time
// is requested).
func (m *Manager) startOfDay(t time.Time) time.Time {
	if m.cfg.UseLocalDay {
		y, mo, d := t.Date()
		return time.Date(y, mo, d, 0, 0, 0, 0, t.Location())
	}
	u := t.UTC()
	y, mo, d := u.Date()
	return time.Date(y, mo, d, 0, 0, 0, 0, time.UTC)
}
