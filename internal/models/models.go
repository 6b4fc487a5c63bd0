package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// OrderStatus tracks an order through its local state machine:
// PENDING -> OPEN -> FILLED | CANCELLED | REJECTED.
type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"
	OrderOpen      OrderStatus = "OPEN"
	OrderFilled    OrderStatus = "FILLED"
	OrderCancelled OrderStatus = "CANCELLED"
	OrderRejected  OrderStatus = "REJECTED"
)

// CycleState tracks a buy-then-sell round trip on one grid level.
type CycleState string

const (
	CycleAwaitingBuyFill  CycleState = "AWAITING_BUY_FILL"
	CycleAwaitingSellFill CycleState = "AWAITING_SELL_FILL"
	CycleClosed           CycleState = "CLOSED"
)

// HaltFlag is the risk manager's verdict for the current cycle.
type HaltFlag string

const (
	HaltNone      HaltFlag = "NONE"
	HaltDaily     HaltFlag = "DAILY_HALT"
	HaltEmergency HaltFlag = "EMERGENCY_HALT"
)

// GridConfig holds the immutable parameters of one grid instance.
// The per-level allocation (TotalCapital / LevelCount) is constant for the
// grid's lifetime; a rebalance produces a whole new GridConfig.
type GridConfig struct {
	CenterPrice  decimal.Decimal `json:"center_price"`
	RangePct     decimal.Decimal `json:"range_pct"`
	LevelCount   int             `json:"level_count"`
	TotalCapital decimal.Decimal `json:"total_capital"`
	ProfitPct    decimal.Decimal `json:"profit_pct"`
	// QuotePrecision is the number of decimal places of the smallest quote
	// currency unit, used when splitting capital across levels.
	QuotePrecision int32 `json:"quote_precision"`
}

// GridLevel is one fixed price point of the grid. Immutable once the grid is
// instantiated; the whole slice is replaced on rebalance.
type GridLevel struct {
	Index      int             `json:"index"`
	Price      decimal.Decimal `json:"price"`
	Allocation decimal.Decimal `json:"allocation"`
}

// Order is owned exclusively by the OrderManager. Cycles reference orders by
// LocalID only, never by pointer.
type Order struct {
	LocalID         string          `json:"local_id"`
	ClientOrderID   string          `json:"client_order_id"`
	ExchangeOrderID int64           `json:"exchange_order_id,omitempty"` // 0 until acknowledged
	LevelIndex      int             `json:"level_index"`
	Side            Side            `json:"side"`
	Status          OrderStatus     `json:"status"`
	Price           decimal.Decimal `json:"price"`
	Quantity        decimal.Decimal `json:"quantity"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// IsTerminal reports whether the order has reached a final status.
func (o *Order) IsTerminal() bool {
	switch o.Status {
	case OrderFilled, OrderCancelled, OrderRejected:
		return true
	}
	return false
}

// Cycle is one buy->sell round trip anchored to a grid level. A level hosts at
// most one open cycle at a time but many sequential cycles over its lifetime.
type Cycle struct {
	ID          string          `json:"id"`
	LevelIndex  int             `json:"level_index"`
	State       CycleState      `json:"state"`
	BuyOrderID  string          `json:"buy_order_id"`
	SellOrderID string          `json:"sell_order_id,omitempty"` // empty until the sell is placed
	BuyPrice    decimal.Decimal `json:"buy_price"`
	SellPrice   decimal.Decimal `json:"sell_price"`
	Quantity    decimal.Decimal `json:"quantity"`
	Fees        decimal.Decimal `json:"fees"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"` // set on close
	OpenedAt    time.Time       `json:"opened_at"`
	ClosedAt    time.Time       `json:"closed_at,omitempty"`
}

// RiskState carries the capital-preservation bookkeeping across cycles.
type RiskState struct {
	InitialCapital decimal.Decimal `json:"initial_capital"`
	HighWaterMark  decimal.Decimal `json:"high_water_mark"`
	CurrentEquity  decimal.Decimal `json:"current_equity"`
	DailyLoss      decimal.Decimal `json:"daily_loss"`
	DailyResetAt   time.Time       `json:"daily_reset_at"`
	Halt           HaltFlag        `json:"halt"`
}

// TradeRecord is one immutable entry of the closed-trade audit trail.
type TradeRecord struct {
	CycleID      string          `json:"cycle_id"`
	Symbol       string          `json:"symbol"`
	LevelIndex   int             `json:"level_index"`
	Quantity     decimal.Decimal `json:"quantity"`
	EntryPrice   decimal.Decimal `json:"entry_price"`
	ExitPrice    decimal.Decimal `json:"exit_price"`
	Profit       decimal.Decimal `json:"profit"`
	Fee          decimal.Decimal `json:"fee"`
	EntryTime    time.Time       `json:"entry_time"`
	ExitTime     time.Time       `json:"exit_time"`
	HoldDuration time.Duration   `json:"hold_duration"`
}

// Fill describes one observed execution on a locally owned order.
type Fill struct {
	OrderLocalID string
	LevelIndex   int
	Side         Side
	Price        decimal.Decimal
	Quantity     decimal.Decimal
	Fee          decimal.Decimal
	Time         time.Time
}
