// Package position maintains the trade ledger: closed buy->sell cycles,
// realized and unrealized P&L, and the derived performance metrics the risk
// manager and reporter consume.
package position

import (
	"spot-grid-bot-go/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Metrics is a read-only projection over the ledger at one price point.
// Unrealized P&L is recomputed from open cycles and the current price every
// time; it is never persisted as derived truth.
type Metrics struct {
	TotalTrades   int             `json:"total_trades"`
	WinningTrades int             `json:"winning_trades"`
	LosingTrades  int             `json:"losing_trades"`
	WinRate       float64         `json:"win_rate"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	Equity        decimal.Decimal `json:"equity"`
	Drawdown      float64         `json:"drawdown"`
}

// Tracker accumulates the immutable trade history. Like the order manager it
// is driven only from the orchestrator's cycle goroutine.
type Tracker struct {
	symbol  string
	history *History // optional durable audit trail
	logger  *zap.SugaredLogger

	trades      []models.TradeRecord
	realized    decimal.Decimal
	winning     int
	losing      int
}

// NewTracker builds the ledger, rebuilding realized totals from the history
// store when one is supplied.
func NewTracker(symbol string, history *History, logger *zap.SugaredLogger) (*Tracker, error) {
	t := &Tracker{
		symbol:   symbol,
		history:  history,
		logger:   logger,
		realized: decimal.Zero,
	}
	if history != nil {
		records, err := history.Load(symbol)
		if err != nil {
			return nil, err
		}
		for _, rec := range records {
			t.apply(rec)
		}
		if len(records) > 0 {
			logger.Infof("restored %d trades from history, realized pnl %s", len(records), t.realized)
		}
	}
	return t, nil
}

func (t *Tracker) apply(rec models.TradeRecord) {
	t.trades = append(t.trades, rec)
	t.realized = t.realized.Add(rec.Profit)
	if rec.Profit.Sign() > 0 {
		t.winning++
	} else {
		t.losing++
	}
}

// RecordClosedCycle appends a closed cycle to the ledger and the audit trail.
func (t *Tracker) RecordClosedCycle(cycle *models.Cycle) {
	if cycle.State != models.CycleClosed {
		return
	}
	rec := models.TradeRecord{
		CycleID:      cycle.ID,
		Symbol:       t.symbol,
		LevelIndex:   cycle.LevelIndex,
		Quantity:     cycle.Quantity,
		EntryPrice:   cycle.BuyPrice,
		ExitPrice:    cycle.SellPrice,
		Profit:       cycle.RealizedPnL,
		Fee:          cycle.Fees,
		EntryTime:    cycle.OpenedAt,
		ExitTime:     cycle.ClosedAt,
		HoldDuration: cycle.ClosedAt.Sub(cycle.OpenedAt),
	}
	t.apply(rec)

	if t.history != nil {
		if err := t.history.Append(rec); err != nil {
			// The in-memory ledger stays correct; the audit trail has a gap.
			t.logger.Errorf("failed to persist trade %s: %v", rec.CycleID, err)
		}
	}
}

// RealizedPnL is the sum of all closed-cycle profits.
func (t *Tracker) RealizedPnL() decimal.Decimal { return t.realized }

// Trades returns the append-only trade history.
func (t *Tracker) Trades() []models.TradeRecord { return t.trades }

// UnrealizedPnL values the open inventory at the current price: the sum over
// cycles awaiting their sell of (current - buy) x quantity.
func (t *Tracker) UnrealizedPnL(state *models.BotState, currentPrice decimal.Decimal) decimal.Decimal {
	unrealized := decimal.Zero
	for _, c := range state.Cycles {
		if c.State == models.CycleAwaitingSellFill {
			unrealized = unrealized.Add(currentPrice.Sub(c.BuyPrice).Mul(c.Quantity))
		}
	}
	return unrealized
}

// Metrics computes the projection for the given state and price. Drawdown is
// measured against the risk state's high-water mark.
func (t *Tracker) Metrics(state *models.BotState, currentPrice decimal.Decimal) Metrics {
	m := Metrics{
		TotalTrades:   len(t.trades),
		WinningTrades: t.winning,
		LosingTrades:  t.losing,
		RealizedPnL:   t.realized,
		UnrealizedPnL: t.UnrealizedPnL(state, currentPrice),
	}
	if m.TotalTrades > 0 {
		m.WinRate = float64(t.winning) / float64(m.TotalTrades)
	}

	m.Equity = state.Risk.InitialCapital.Add(m.RealizedPnL).Add(m.UnrealizedPnL)
	if state.Risk.HighWaterMark.Sign() > 0 {
		dd := state.Risk.HighWaterMark.Sub(m.Equity).Div(state.Risk.HighWaterMark)
		if dd.Sign() > 0 {
			m.Drawdown, _ = dd.Float64()
		}
	}
	return m
}
