// Package exchange is the narrow order/price port the bot consumes. Only two
// implementations exist: the Binance spot client and an in-memory simulator
// used for tests and dry runs.
package exchange

import (
	"context"
	"errors"
	"time"

	"spot-grid-bot-go/internal/models"

	"github.com/shopspring/decimal"
)

// ErrOrderNotFound is returned when the exchange does not know the referenced
// order. Cancelling an already-gone order is not a failure for callers.
var ErrOrderNotFound = errors.New("order not found on exchange")

// OrderSnapshot is the exchange's view of one order.
type OrderSnapshot struct {
	ExchangeOrderID int64
	ClientOrderID   string
	Side            models.Side
	Status          string // NEW, PARTIALLY_FILLED, FILLED, CANCELED, EXPIRED, REJECTED
	Price           decimal.Decimal
	OrigQuantity    decimal.Decimal
	ExecutedQty     decimal.Decimal
	UpdateTime      time.Time
}

// Filled reports whether the order is fully executed.
func (s *OrderSnapshot) Filled() bool { return s.Status == "FILLED" }

// Terminal reports whether the exchange considers the order closed.
func (s *OrderSnapshot) Terminal() bool {
	switch s.Status {
	case "FILLED", "CANCELED", "EXPIRED", "REJECTED":
		return true
	}
	return false
}

// ExecTrade is one execution from the account trade history.
type ExecTrade struct {
	ExchangeOrderID int64
	Price           decimal.Decimal
	Quantity        decimal.Decimal
	Commission      decimal.Decimal
	Time            time.Time
}

// Exchange is implemented by every venue the bot can trade on. All calls take
// a context; callers attach timeouts and treat a timed-out call as
// unknown-outcome to be resolved by reconciliation.
type Exchange interface {
	GetServerTime(ctx context.Context) (int64, error)
	GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	PlaceLimitOrder(ctx context.Context, symbol string, side models.Side, clientOrderID string, price, quantity decimal.Decimal) (*OrderSnapshot, error)
	CancelOrder(ctx context.Context, symbol string, exchangeOrderID int64) error
	GetOpenOrders(ctx context.Context, symbol string) ([]OrderSnapshot, error)
	GetOrder(ctx context.Context, symbol string, exchangeOrderID int64, clientOrderID string) (*OrderSnapshot, error)
	GetOrderTrades(ctx context.Context, symbol string, exchangeOrderID int64) ([]ExecTrade, error)
}
