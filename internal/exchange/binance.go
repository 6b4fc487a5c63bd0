package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"

	"spot-grid-bot-go/internal/models"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// BinanceExchange implements Exchange against the Binance spot API.
type BinanceExchange struct {
	client *binance.Client
	logger *zap.SugaredLogger
}

// NewBinanceExchange builds a spot client. Testnet selection is process-wide,
// matching the go-binance API.
func NewBinanceExchange(apiKey, secretKey string, testnet bool, logger *zap.SugaredLogger) *BinanceExchange {
	binance.UseTestnet = testnet
	return &BinanceExchange{
		client: binance.NewClient(apiKey, secretKey),
		logger: logger,
	}
}

func (e *BinanceExchange) GetServerTime(ctx context.Context) (int64, error) {
	serverTime, err := e.client.NewServerTimeService().Do(ctx)
	if err != nil {
		return 0, mapError(err)
	}
	return serverTime, nil
}

func (e *BinanceExchange) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	prices, err := e.client.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return decimal.Zero, mapError(err)
	}
	if len(prices) == 0 {
		return decimal.Zero, fmt.Errorf("%w: no price for %s", models.ErrNetwork, symbol)
	}
	price, err := decimal.NewFromString(prices[0].Price)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parsing price %q: %w", prices[0].Price, err)
	}
	return price, nil
}

func (e *BinanceExchange) PlaceLimitOrder(ctx context.Context, symbol string, side models.Side, clientOrderID string, price, quantity decimal.Decimal) (*OrderSnapshot, error) {
	res, err := e.client.NewCreateOrderService().
		Symbol(symbol).
		Side(binance.SideType(side)).
		Type(binance.OrderTypeLimit).
		TimeInForce(binance.TimeInForceTypeGTC).
		Price(price.String()).
		Quantity(quantity.String()).
		NewClientOrderID(clientOrderID).
		Do(ctx)
	if err != nil {
		return nil, mapError(err)
	}
	e.logger.Infow("placed limit order",
		"symbol", symbol, "side", side, "price", price, "qty", quantity, "orderId", res.OrderID)
	return &OrderSnapshot{
		ExchangeOrderID: res.OrderID,
		ClientOrderID:   res.ClientOrderID,
		Side:            side,
		Status:          string(res.Status),
		Price:           price,
		OrigQuantity:    quantity,
		UpdateTime:      time.UnixMilli(res.TransactTime),
	}, nil
}

func (e *BinanceExchange) CancelOrder(ctx context.Context, symbol string, exchangeOrderID int64) error {
	_, err := e.client.NewCancelOrderService().Symbol(symbol).OrderID(exchangeOrderID).Do(ctx)
	return mapError(err)
}

func (e *BinanceExchange) GetOpenOrders(ctx context.Context, symbol string) ([]OrderSnapshot, error) {
	orders, err := e.client.NewListOpenOrdersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, mapError(err)
	}
	snapshots := make([]OrderSnapshot, 0, len(orders))
	for _, o := range orders {
		snap, err := snapshotFromOrder(o)
		if err != nil {
			return nil, err
		}
		snapshots = append(snapshots, *snap)
	}
	return snapshots, nil
}

func (e *BinanceExchange) GetOrder(ctx context.Context, symbol string, exchangeOrderID int64, clientOrderID string) (*OrderSnapshot, error) {
	svc := e.client.NewGetOrderService().Symbol(symbol)
	if exchangeOrderID != 0 {
		svc = svc.OrderID(exchangeOrderID)
	} else {
		svc = svc.OrigClientOrderID(clientOrderID)
	}
	o, err := svc.Do(ctx)
	if err != nil {
		return nil, mapError(err)
	}
	return snapshotFromOrder(o)
}

func (e *BinanceExchange) GetOrderTrades(ctx context.Context, symbol string, exchangeOrderID int64) ([]ExecTrade, error) {
	trades, err := e.client.NewListTradesService().Symbol(symbol).OrderId(exchangeOrderID).Do(ctx)
	if err != nil {
		return nil, mapError(err)
	}
	execs := make([]ExecTrade, 0, len(trades))
	for _, t := range trades {
		price, err := decimal.NewFromString(t.Price)
		if err != nil {
			return nil, fmt.Errorf("parsing trade price %q: %w", t.Price, err)
		}
		qty, err := decimal.NewFromString(t.Quantity)
		if err != nil {
			return nil, fmt.Errorf("parsing trade qty %q: %w", t.Quantity, err)
		}
		commission, err := decimal.NewFromString(t.Commission)
		if err != nil {
			commission = decimal.Zero
		}
		execs = append(execs, ExecTrade{
			ExchangeOrderID: t.OrderID,
			Price:           price,
			Quantity:        qty,
			Commission:      commission,
			Time:            time.UnixMilli(t.Time),
		})
	}
	return execs, nil
}

func snapshotFromOrder(o *binance.Order) (*OrderSnapshot, error) {
	price, err := decimal.NewFromString(o.Price)
	if err != nil {
		return nil, fmt.Errorf("parsing order price %q: %w", o.Price, err)
	}
	origQty, err := decimal.NewFromString(o.OrigQuantity)
	if err != nil {
		return nil, fmt.Errorf("parsing order qty %q: %w", o.OrigQuantity, err)
	}
	executed, err := decimal.NewFromString(o.ExecutedQuantity)
	if err != nil {
		executed = decimal.Zero
	}
	return &OrderSnapshot{
		ExchangeOrderID: o.OrderID,
		ClientOrderID:   o.ClientOrderID,
		Side:            models.Side(o.Side),
		Status:          string(o.Status),
		Price:           price,
		OrigQuantity:    origQty,
		ExecutedQty:     executed,
		UpdateTime:      time.UnixMilli(o.UpdateTime),
	}, nil
}

// mapError translates go-binance failures into the local error taxonomy.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case -1002, -1022, -2014, -2015:
			return fmt.Errorf("%w: %s", models.ErrAuthentication, apiErr.Message)
		case -2011, -2013:
			return fmt.Errorf("%w: %s", ErrOrderNotFound, apiErr.Message)
		case -1013, -2010:
			return fmt.Errorf("%w: %s", models.ErrOrderRejected, apiErr.Message)
		}
		return err
	}
	// Everything without an API error payload is transport-level: timeouts,
	// DNS, connection resets. Outcome unknown.
	return fmt.Errorf("%w: %v", models.ErrNetwork, err)
}
