package risk

import (
	"testing"
	"time"

	"spot-grid-bot-go/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestManager(t *testing.T, maxDrawdown, dailyLimit string) *Manager {
	t.Helper()
	return NewManager(models.RiskConfig{
		MaxDrawdownPct: d(maxDrawdown),
		DailyLossLimit: d(dailyLimit),
	}, zap.NewNop().Sugar())
}

func TestEvaluateNoHaltAboveThresholds(t *testing.T) {
	m := newTestManager(t, "0.20", "50")
	rs := m.InitState(d("500"))

	got := m.Evaluate(&rs, d("450"))
	assert.Equal(t, models.HaltNone, got)
	assert.True(t, rs.CurrentEquity.Equal(d("450")))
}

func TestEvaluateEmergencyExactlyAtFloor(t *testing.T) {
	// The floor is inclusive: equity equal to initial x 0.8 trips the halt.
	m := newTestManager(t, "0.20", "0")
	rs := m.InitState(d("500"))

	assert.Equal(t, models.HaltNone, m.Evaluate(&rs, d("400.01")))
	assert.Equal(t, models.HaltEmergency, m.Evaluate(&rs, d("400")))
}

func TestEmergencyHaltIsSticky(t *testing.T) {
	m := newTestManager(t, "0.20", "0")
	rs := m.InitState(d("500"))

	assert.Equal(t, models.HaltEmergency, m.Evaluate(&rs, d("399")))
	// Equity recovering does not lift the halt.
	assert.Equal(t, models.HaltEmergency, m.Evaluate(&rs, d("600")))

	m.ClearEmergencyHalt(&rs)
	assert.Equal(t, models.HaltNone, m.Evaluate(&rs, d("600")))
}

func TestDailyHaltAtLimit(t *testing.T) {
	m := newTestManager(t, "0.50", "50")
	rs := m.InitState(d("500"))

	m.RecordRealizedPnL(&rs, d("-49.99"))
	assert.Equal(t, models.HaltNone, m.Evaluate(&rs, d("450.01")))

	m.RecordRealizedPnL(&rs, d("-0.01"))
	assert.Equal(t, models.HaltDaily, m.Evaluate(&rs, d("450")))
}

func TestDailyLossIgnoresProfits(t *testing.T) {
	// Profits never pay losses back; only losses accumulate.
	m := newTestManager(t, "0.50", "50")
	rs := m.InitState(d("500"))

	m.RecordRealizedPnL(&rs, d("-30"))
	m.RecordRealizedPnL(&rs, d("100"))
	m.RecordRealizedPnL(&rs, d("-25"))
	assert.True(t, rs.DailyLoss.Equal(d("55")))
	assert.Equal(t, models.HaltDaily, m.Evaluate(&rs, d("545")))
}

func TestDailyHaltClearsOnDayRollover(t *testing.T) {
	m := newTestManager(t, "0.50", "50")
	now := time.Date(2025, 3, 10, 23, 50, 0, 0, time.UTC)
	m.clock = func() time.Time { return now }

	rs := m.InitState(d("500"))
	m.RecordRealizedPnL(&rs, d("-60"))
	assert.Equal(t, models.HaltDaily, m.Evaluate(&rs, d("440")))

	// Ten minutes later it is still the same UTC day.
	now = now.Add(10 * time.Minute)
	assert.Equal(t, models.HaltDaily, m.Evaluate(&rs, d("440")))

	// Crossing midnight resets the accumulator and lifts the halt.
	now = now.Add(time.Minute)
	assert.Equal(t, models.HaltNone, m.Evaluate(&rs, d("440")))
	assert.True(t, rs.DailyLoss.IsZero())
}

func TestDayRolloverDoesNotLiftEmergency(t *testing.T) {
	m := newTestManager(t, "0.20", "50")
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	m.clock = func() time.Time { return now }

	rs := m.InitState(d("500"))
	assert.Equal(t, models.HaltEmergency, m.Evaluate(&rs, d("100")))

	now = now.Add(24 * time.Hour)
	assert.Equal(t, models.HaltEmergency, m.Evaluate(&rs, d("450")))
}

func TestHighWaterMarkTracksPeakEquity(t *testing.T) {
	m := newTestManager(t, "0.20", "0")
	rs := m.InitState(d("500"))

	m.Evaluate(&rs, d("520"))
	m.Evaluate(&rs, d("480"))
	assert.True(t, rs.HighWaterMark.Equal(d("520")))

	// The drawdown stop is anchored to initial capital, not the peak, so a
	// dip from the high water mark alone does not halt.
	assert.Equal(t, models.HaltNone, m.Evaluate(&rs, d("410")))
}

func TestZeroDailyLimitDisablesDailyHalt(t *testing.T) {
	m := newTestManager(t, "0.90", "0")
	rs := m.InitState(d("500"))
	m.RecordRealizedPnL(&rs, d("-400"))
	assert.Equal(t, models.HaltNone, m.Evaluate(&rs, d("100")))
}
