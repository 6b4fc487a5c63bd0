package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"spot-grid-bot-go/internal/models"

	"github.com/shopspring/decimal"
)

// SimExchange is an in-memory venue. Limit orders rest until an injected
// price crosses them, then fill completely at the limit price. It backs the
// package tests and the -mode sim dry run.
type SimExchange struct {
	mu        sync.Mutex
	price     decimal.Decimal
	now       time.Time
	nextID    int64
	orders    map[int64]*OrderSnapshot
	trades    map[int64][]ExecTrade
	feeRate   decimal.Decimal
	clock     func() time.Time

	// Error injection for tests. When set, the next matching call fails
	// with the given error and the field is cleared.
	PlaceErr  error
	CancelErr error
	QueryErr  error
}

// NewSimExchange starts with the given price and maker fee rate.
func NewSimExchange(initialPrice, feeRate decimal.Decimal) *SimExchange {
	return &SimExchange{
		price:   initialPrice,
		now:     time.Now(),
		orders:  make(map[int64]*OrderSnapshot),
		trades:  make(map[int64][]ExecTrade),
		feeRate: feeRate,
		clock:   time.Now,
	}
}

// SetPrice moves the market and fills any orders the new price crosses.
func (s *SimExchange) SetPrice(price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.price = price
	s.now = s.clock()

	for id, o := range s.orders {
		if o.Terminal() {
			continue
		}
		crossed := (o.Side == models.Buy && price.Cmp(o.Price) <= 0) ||
			(o.Side == models.Sell && price.Cmp(o.Price) >= 0)
		if !crossed {
			continue
		}
		o.Status = "FILLED"
		o.ExecutedQty = o.OrigQuantity
		o.UpdateTime = s.now
		s.trades[id] = append(s.trades[id], ExecTrade{
			ExchangeOrderID: id,
			Price:           o.Price,
			Quantity:        o.OrigQuantity,
			Commission:      o.Price.Mul(o.OrigQuantity).Mul(s.feeRate),
			Time:            s.now,
		})
	}
}

// Price returns the current simulated market price.
func (s *SimExchange) Price() decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.price
}

func (s *SimExchange) GetServerTime(ctx context.Context) (int64, error) {
	return time.Now().UnixMilli(), nil
}

func (s *SimExchange) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.QueryErr != nil {
		err := s.QueryErr
		s.QueryErr = nil
		return decimal.Zero, err
	}
	return s.price, nil
}

func (s *SimExchange) PlaceLimitOrder(ctx context.Context, symbol string, side models.Side, clientOrderID string, price, quantity decimal.Decimal) (*OrderSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.PlaceErr != nil {
		err := s.PlaceErr
		s.PlaceErr = nil
		return nil, err
	}
	s.nextID++
	snap := &OrderSnapshot{
		ExchangeOrderID: s.nextID,
		ClientOrderID:   clientOrderID,
		Side:            side,
		Status:          "NEW",
		Price:           price,
		OrigQuantity:    quantity,
		UpdateTime:      s.clock(),
	}
	s.orders[s.nextID] = snap
	cp := *snap
	return &cp, nil
}

func (s *SimExchange) CancelOrder(ctx context.Context, symbol string, exchangeOrderID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CancelErr != nil {
		err := s.CancelErr
		s.CancelErr = nil
		return err
	}
	o, ok := s.orders[exchangeOrderID]
	if !ok {
		return fmt.Errorf("%w: id %d", ErrOrderNotFound, exchangeOrderID)
	}
	if o.Terminal() {
		return fmt.Errorf("%w: id %d already %s", ErrOrderNotFound, exchangeOrderID, o.Status)
	}
	o.Status = "CANCELED"
	o.UpdateTime = s.clock()
	return nil
}

func (s *SimExchange) GetOpenOrders(ctx context.Context, symbol string) ([]OrderSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.QueryErr != nil {
		err := s.QueryErr
		s.QueryErr = nil
		return nil, err
	}
	var open []OrderSnapshot
	for _, o := range s.orders {
		if !o.Terminal() {
			open = append(open, *o)
		}
	}
	return open, nil
}

func (s *SimExchange) GetOrder(ctx context.Context, symbol string, exchangeOrderID int64, clientOrderID string) (*OrderSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.QueryErr != nil {
		err := s.QueryErr
		s.QueryErr = nil
		return nil, err
	}
	if exchangeOrderID != 0 {
		if o, ok := s.orders[exchangeOrderID]; ok {
			cp := *o
			return &cp, nil
		}
		return nil, fmt.Errorf("%w: id %d", ErrOrderNotFound, exchangeOrderID)
	}
	for _, o := range s.orders {
		if o.ClientOrderID == clientOrderID {
			cp := *o
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%w: client id %s", ErrOrderNotFound, clientOrderID)
}

func (s *SimExchange) GetOrderTrades(ctx context.Context, symbol string, exchangeOrderID int64) ([]ExecTrade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	trades := make([]ExecTrade, len(s.trades[exchangeOrderID]))
	copy(trades, s.trades[exchangeOrderID])
	return trades, nil
}

// DropOrder forgets an order without filling or cancelling it, simulating an
// exchange-side gap for reconcile tests.
func (s *SimExchange) DropOrder(exchangeOrderID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.orders, exchangeOrderID)
}

// InjectForeignOrder places an open order that no local state owns.
func (s *SimExchange) InjectForeignOrder(clientOrderID string, side models.Side, price, quantity decimal.Decimal) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.orders[s.nextID] = &OrderSnapshot{
		ExchangeOrderID: s.nextID,
		ClientOrderID:   clientOrderID,
		Side:            side,
		Status:          "NEW",
		Price:           price,
		OrigQuantity:    quantity,
		UpdateTime:      s.clock(),
	}
	return s.nextID
}

// OpenOrderCount reports how many orders are still resting.
func (s *SimExchange) OpenOrderCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, o := range s.orders {
		if !o.Terminal() {
			n++
		}
	}
	return n
}
