// Package orders owns every order the bot places: the per-order state
// machine, fill detection, cancellation, and reconciliation against the
// exchange's authoritative order list.
package orders

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"spot-grid-bot-go/internal/exchange"
	"spot-grid-bot-go/internal/models"

	"github.com/google/uuid"
	"github.com/jxskiss/base62"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ClientOrderPrefix marks orders owned by this bot on the exchange side.
// Reconcile relies on it to distinguish own orphans from foreign orders.
const ClientOrderPrefix = "grid-"

var one = decimal.NewFromInt(1)

// Manager drives all order activity for one symbol. It mutates the shared
// BotState and must only be called from the orchestrator's cycle goroutine;
// the single-writer discipline lives there.
type Manager struct {
	cfg    *models.Config
	ex     exchange.Exchange
	state  *models.BotState
	logger *zap.SugaredLogger
	clock  func() time.Time

	// Per-level rejection backoff: a REJECTED placement parks the level
	// until its not-before time passes.
	levelRetryAt    map[int]time.Time
	levelRetryCount map[int]int
}

// NewManager wires the manager to the shared state aggregate.
func NewManager(cfg *models.Config, ex exchange.Exchange, state *models.BotState, logger *zap.SugaredLogger) *Manager {
	return &Manager{
		cfg:             cfg,
		ex:              ex,
		state:           state,
		logger:          logger,
		clock:           time.Now,
		levelRetryAt:    make(map[int]time.Time),
		levelRetryCount: make(map[int]int),
	}
}

// newClientOrderID derives a compact exchange-safe id from a local UUID.
func newClientOrderID(localID string) string {
	u := uuid.MustParse(localID)
	return ClientOrderPrefix + base62.EncodeToString(u[:])
}

// IsOwnClientOrderID reports whether an exchange order was placed by this bot.
func IsOwnClientOrderID(clientOrderID string) bool {
	return strings.HasPrefix(clientOrderID, ClientOrderPrefix)
}

// InitializeGrid arms BUY orders for every level priced below the current
// market price. Levels above stay inactive until price reaches them; levels
// already hosting an open cycle are skipped so capital is never
// double-allocated. Partial failure leaves successfully placed orders in
// place and returns the first fatal error.
func (m *Manager) InitializeGrid(ctx context.Context, currentPrice decimal.Decimal) error {
	for i := range m.state.Levels {
		level := m.state.Levels[i]
		if level.Price.Cmp(currentPrice) >= 0 {
			continue
		}
		if m.state.OpenCycleForLevel(level.Index) != nil {
			continue
		}
		if m.openOrderForLevel(level.Index) != nil {
			continue
		}
		if err := m.armLevel(ctx, level); err != nil {
			if errors.Is(err, models.ErrOrderRejected) {
				continue // level parked, retried next cycle
			}
			return err
		}
	}
	return nil
}

// openOrderForLevel returns the non-terminal order resting on a level, if any.
func (m *Manager) openOrderForLevel(levelIndex int) *models.Order {
	for _, o := range m.state.Orders {
		if o.LevelIndex == levelIndex && !o.IsTerminal() {
			return o
		}
	}
	return nil
}

// armLevel places the BUY order for a level and opens its cycle.
func (m *Manager) armLevel(ctx context.Context, level models.GridLevel) error {
	now := m.clock()
	if notBefore, ok := m.levelRetryAt[level.Index]; ok && now.Before(notBefore) {
		return nil
	}

	quantity := level.Allocation.Div(level.Price).Truncate(m.cfg.BasePrecision)
	if quantity.Sign() <= 0 {
		return fmt.Errorf("%w: level %d allocation %s yields zero quantity at price %s",
			models.ErrInvalidGridConfig, level.Index, level.Allocation, level.Price)
	}

	order := &models.Order{
		LocalID:    uuid.NewString(),
		LevelIndex: level.Index,
		Side:       models.Buy,
		Status:     models.OrderPending,
		Price:      level.Price,
		Quantity:   quantity,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	order.ClientOrderID = newClientOrderID(order.LocalID)

	cycle := &models.Cycle{
		ID:         uuid.NewString(),
		LevelIndex: level.Index,
		State:      models.CycleAwaitingBuyFill,
		BuyOrderID: order.LocalID,
		BuyPrice:   level.Price,
		Quantity:   quantity,
		OpenedAt:   now,
	}

	// Record before placing: a timed-out call leaves a PENDING order that
	// reconcile resolves by client id, never a silently lost one.
	m.state.Orders[order.LocalID] = order
	m.state.Cycles[cycle.ID] = cycle
	m.state.OrderCycle[order.LocalID] = cycle.ID

	snap, err := m.placeWithRetry(ctx, order)
	if err != nil {
		if errors.Is(err, models.ErrOrderRejected) {
			m.parkLevel(level.Index)
			m.dropOrder(order.LocalID)
			m.logger.Warnf("BUY rejected for level %d @ %s: %v", level.Index, level.Price, err)
			return err
		}
		// Unknown outcome stays PENDING for reconcile.
		return err
	}

	order.ExchangeOrderID = snap.ExchangeOrderID
	order.Status = models.OrderOpen
	order.UpdatedAt = m.clock()
	delete(m.levelRetryAt, level.Index)
	delete(m.levelRetryCount, level.Index)
	m.logger.Infof("armed level %d: BUY %s @ %s (order %d)",
		level.Index, quantity, level.Price, snap.ExchangeOrderID)
	return nil
}

// parkLevel applies the per-level rejection backoff.
func (m *Manager) parkLevel(levelIndex int) {
	m.levelRetryCount[levelIndex]++
	delay := time.Duration(m.cfg.Retry.InitialDelayMs) * time.Millisecond
	for i := 1; i < m.levelRetryCount[levelIndex]; i++ {
		delay *= 2
		if delay >= time.Duration(m.cfg.Retry.MaxDelayMs)*time.Millisecond {
			delay = time.Duration(m.cfg.Retry.MaxDelayMs) * time.Millisecond
			break
		}
	}
	m.levelRetryAt[levelIndex] = m.clock().Add(delay)
}

// dropOrder removes an order and, when it was the buy leg of a cycle that
// never filled, the cycle with it.
func (m *Manager) dropOrder(localID string) {
	if cycleID, ok := m.state.OrderCycle[localID]; ok {
		if c := m.state.Cycles[cycleID]; c != nil && c.State == models.CycleAwaitingBuyFill && c.BuyOrderID == localID {
			delete(m.state.Cycles, cycleID)
		}
	}
	delete(m.state.OrderCycle, localID)
	delete(m.state.Orders, localID)
}

// PollFills queries the status of every live order, processes fills, places
// the paired SELL for filled BUYs, re-arms levels whose SELL completed, and
// returns the observed fills in order of processing. Orders stuck PENDING by
// an unknown-outcome placement are resolved here too, so a wedged level never
// needs a restart.
func (m *Manager) PollFills(ctx context.Context) ([]models.Fill, error) {
	type statusResult struct {
		localID string
		snap    *exchange.OrderSnapshot
	}

	var toCheck []*models.Order
	var pending []*models.Order
	for _, o := range m.state.Orders {
		switch o.Status {
		case models.OrderOpen:
			toCheck = append(toCheck, o)
		case models.OrderPending:
			pending = append(pending, o)
		}
	}

	var fills []models.Fill
	if len(toCheck) > 0 {
		// Fan out the status queries, join before touching state.
		results := make(chan statusResult, len(toCheck))
		var wg sync.WaitGroup
		for _, o := range toCheck {
			wg.Add(1)
			go func(o *models.Order) {
				defer wg.Done()
				callCtx, cancel := m.callContext(ctx)
				defer cancel()
				snap, err := m.ex.GetOrder(callCtx, m.state.Symbol, o.ExchangeOrderID, o.ClientOrderID)
				if err != nil {
					m.logger.Warnf("status query for order %d failed: %v", o.ExchangeOrderID, err)
					return
				}
				results <- statusResult{localID: o.LocalID, snap: snap}
			}(o)
		}
		wg.Wait()
		close(results)

		for res := range results {
			order, ok := m.state.Orders[res.localID]
			if !ok {
				continue
			}
			switch {
			case res.snap.Filled():
				fill, err := m.handleFilledOrder(ctx, order, res.snap)
				if err != nil {
					return fills, err
				}
				fills = append(fills, *fill)
			case res.snap.Terminal():
				m.logger.Warnf("order %d (%s level %d) is %s on the exchange, removing",
					order.ExchangeOrderID, order.Side, order.LevelIndex, res.snap.Status)
				m.handleDeadOrder(order)
			}
		}
	}

	// Unknown-outcome placements: the ack never arrived, so the order may or
	// may not exist on the exchange side.
	sort.Slice(pending, func(i, j int) bool { return pending[i].LocalID < pending[j].LocalID })
	for _, order := range pending {
		if _, ok := m.state.Orders[order.LocalID]; !ok {
			continue
		}
		resolved, err := m.resolveMissingOrder(ctx, order)
		if err != nil {
			return fills, err
		}
		if resolved != nil {
			fills = append(fills, *resolved)
		}
	}
	return fills, nil
}

// handleFilledOrder applies one fill: BUY fills flip the cycle to
// AWAITING_SELL_FILL and place the paired SELL; SELL fills close the cycle
// and re-arm the level at its original grid price.
func (m *Manager) handleFilledOrder(ctx context.Context, order *models.Order, snap *exchange.OrderSnapshot) (*models.Fill, error) {
	fillPrice, fee := m.executionDetails(ctx, order, snap)
	now := m.clock()

	order.Status = models.OrderFilled
	order.UpdatedAt = now

	cycleID := m.state.OrderCycle[order.LocalID]
	cycle := m.state.Cycles[cycleID]
	if cycle == nil {
		// Should not happen: every owned order is indexed at placement.
		m.logger.Errorf("fill for order %s with no owning cycle", order.LocalID)
		delete(m.state.Orders, order.LocalID)
		return &models.Fill{
			OrderLocalID: order.LocalID,
			LevelIndex:   order.LevelIndex,
			Side:         order.Side,
			Price:        fillPrice,
			Quantity:     order.Quantity,
			Fee:          fee,
			Time:         now,
		}, nil
	}

	fill := models.Fill{
		OrderLocalID: order.LocalID,
		LevelIndex:   order.LevelIndex,
		Side:         order.Side,
		Price:        fillPrice,
		Quantity:     order.Quantity,
		Fee:          fee,
		Time:         now,
	}

	switch order.Side {
	case models.Buy:
		cycle.State = models.CycleAwaitingSellFill
		cycle.BuyPrice = fillPrice
		cycle.Fees = cycle.Fees.Add(fee)
		delete(m.state.OrderCycle, order.LocalID)
		delete(m.state.Orders, order.LocalID)
		m.logger.Infof("BUY filled on level %d @ %s, placing paired SELL", order.LevelIndex, fillPrice)
		if err := m.placeSellForCycle(ctx, cycle); err != nil && !errors.Is(err, models.ErrOrderRejected) {
			return &fill, err
		}

	case models.Sell:
		cycle.Fees = cycle.Fees.Add(fee)
		cycle.SellPrice = fillPrice
		cycle.RealizedPnL = fillPrice.Sub(cycle.BuyPrice).Mul(cycle.Quantity).Sub(cycle.Fees)
		cycle.State = models.CycleClosed
		cycle.ClosedAt = now
		delete(m.state.OrderCycle, order.LocalID)
		delete(m.state.Orders, order.LocalID)
		m.logger.Infof("SELL filled on level %d @ %s, cycle %s closed with pnl %s",
			order.LevelIndex, fillPrice, cycle.ID, cycle.RealizedPnL)

		// Reinvest: the level goes back to work at its original grid price.
		// A halted session only unwinds inventory and places no fresh BUYs.
		if m.state.Risk.Halt == models.HaltNone {
			if level := m.levelByIndex(order.LevelIndex); level != nil {
				if err := m.armLevel(ctx, *level); err != nil && !errors.Is(err, models.ErrOrderRejected) {
					return &fill, err
				}
			}
		}
	}
	return &fill, nil
}

// executionDetails fetches the trade history of a filled order for the true
// average price and commission, falling back to the limit price and the
// configured fee estimate.
func (m *Manager) executionDetails(ctx context.Context, order *models.Order, snap *exchange.OrderSnapshot) (price, fee decimal.Decimal) {
	price = order.Price
	fee = order.Price.Mul(order.Quantity).Mul(m.cfg.FeeRate)

	callCtx, cancel := m.callContext(ctx)
	defer cancel()
	trades, err := m.ex.GetOrderTrades(callCtx, m.state.Symbol, order.ExchangeOrderID)
	if err != nil || len(trades) == 0 {
		return price, fee
	}

	notional := decimal.Zero
	quantity := decimal.Zero
	commission := decimal.Zero
	for _, t := range trades {
		notional = notional.Add(t.Price.Mul(t.Quantity))
		quantity = quantity.Add(t.Quantity)
		commission = commission.Add(t.Commission)
	}
	if quantity.Sign() > 0 {
		price = notional.Div(quantity)
	}
	return price, commission
}

// placeSellForCycle submits the profit-taking SELL of a cycle at
// buy_price x (1 + profit_pct).
func (m *Manager) placeSellForCycle(ctx context.Context, cycle *models.Cycle) error {
	sellPrice := cycle.BuyPrice.Mul(one.Add(m.cfg.ProfitPct)).Round(m.cfg.QuotePrecision)
	now := m.clock()

	order := &models.Order{
		LocalID:    uuid.NewString(),
		LevelIndex: cycle.LevelIndex,
		Side:       models.Sell,
		Status:     models.OrderPending,
		Price:      sellPrice,
		Quantity:   cycle.Quantity,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	order.ClientOrderID = newClientOrderID(order.LocalID)

	m.state.Orders[order.LocalID] = order
	m.state.OrderCycle[order.LocalID] = cycle.ID
	cycle.SellOrderID = order.LocalID
	cycle.SellPrice = sellPrice

	snap, err := m.placeWithRetry(ctx, order)
	if err != nil {
		if errors.Is(err, models.ErrOrderRejected) {
			// The asset is held; EnsureSellOrders retries next cycle.
			delete(m.state.OrderCycle, order.LocalID)
			delete(m.state.Orders, order.LocalID)
			cycle.SellOrderID = ""
			m.logger.Warnf("SELL rejected for cycle %s @ %s: %v", cycle.ID, sellPrice, err)
		}
		return err
	}

	order.ExchangeOrderID = snap.ExchangeOrderID
	order.Status = models.OrderOpen
	order.UpdatedAt = m.clock()
	m.logger.Infof("placed SELL %s @ %s for cycle %s (order %d)",
		cycle.Quantity, sellPrice, cycle.ID, snap.ExchangeOrderID)
	return nil
}

// EnsureSellOrders re-places the SELL leg for any cycle holding the asset
// without a live sell order (after a rejection or a rebalance cancel-all).
func (m *Manager) EnsureSellOrders(ctx context.Context) error {
	for _, cycle := range m.state.Cycles {
		if cycle.State != models.CycleAwaitingSellFill || cycle.SellOrderID != "" {
			continue
		}
		if err := m.placeSellForCycle(ctx, cycle); err != nil && !errors.Is(err, models.ErrOrderRejected) {
			return err
		}
	}
	return nil
}

// handleDeadOrder reacts to an order the exchange closed without a fill.
func (m *Manager) handleDeadOrder(order *models.Order) {
	cycleID := m.state.OrderCycle[order.LocalID]
	cycle := m.state.Cycles[cycleID]
	if cycle != nil && order.Side == models.Sell && cycle.State == models.CycleAwaitingSellFill {
		// Still holding the asset; clear the leg so EnsureSellOrders re-places it.
		cycle.SellOrderID = ""
	}
	m.dropOrder(order.LocalID)
}

// CancelAll cancels every live order. Cycles holding the asset are preserved
// with their sell leg cleared; cycles still waiting for their buy fill are
// removed. An order already gone on the exchange counts as cancelled.
func (m *Manager) CancelAll(ctx context.Context) error {
	// Unacked placements first: the exchange may hold a live copy under the
	// client order ID, so query before deciding anything is cancellable.
	for _, order := range localOrdersSorted(m.state.Orders) {
		if order.Status != models.OrderPending || order.ExchangeOrderID != 0 {
			continue
		}
		if _, err := m.resolveMissingOrder(ctx, order); err != nil {
			return err
		}
	}

	for _, order := range localOrdersSorted(m.state.Orders) {
		if _, live := m.state.Orders[order.LocalID]; !live {
			continue
		}
		if order.IsTerminal() {
			continue
		}
		if order.ExchangeOrderID != 0 {
			err := m.withRetry(ctx, "cancel order", func(callCtx context.Context) error {
				return m.ex.CancelOrder(callCtx, m.state.Symbol, order.ExchangeOrderID)
			})
			if err != nil && !errors.Is(err, exchange.ErrOrderNotFound) {
				return err
			}
		}
		order.Status = models.OrderCancelled
		order.UpdatedAt = m.clock()
		m.handleDeadOrder(order)
		m.logger.Infof("cancelled order %d (%s level %d)", order.ExchangeOrderID, order.Side, order.LevelIndex)
	}
	return nil
}

// Reconcile diffs local state against the exchange's open order list. Own
// orphans on the exchange are cancelled, never adopted; local orders missing
// from the exchange are resolved through order status and trade history,
// never silently dropped. Returns the fills discovered during the gap.
func (m *Manager) Reconcile(ctx context.Context) ([]models.Fill, error) {
	var open []exchange.OrderSnapshot
	err := m.withRetry(ctx, "fetch open orders", func(callCtx context.Context) error {
		var err error
		open, err = m.ex.GetOpenOrders(callCtx, m.state.Symbol)
		return err
	})
	if err != nil {
		return nil, err
	}

	byClientID := make(map[string]*exchange.OrderSnapshot, len(open))
	for i := range open {
		byClientID[open[i].ClientOrderID] = &open[i]
	}

	localByClientID := make(map[string]*models.Order, len(m.state.Orders))
	for _, o := range m.state.Orders {
		localByClientID[o.ClientOrderID] = o
	}

	// Own orders on the exchange that no local state owns are cancelled:
	// at most one local owner per exchange order, and an orphan has none.
	for i := range open {
		snap := &open[i]
		if !IsOwnClientOrderID(snap.ClientOrderID) {
			continue
		}
		if _, owned := localByClientID[snap.ClientOrderID]; owned {
			continue
		}
		m.logger.Warnf("cancelling orphaned exchange order %d (%s)", snap.ExchangeOrderID, snap.ClientOrderID)
		err := m.withRetry(ctx, "cancel orphan", func(callCtx context.Context) error {
			return m.ex.CancelOrder(callCtx, m.state.Symbol, snap.ExchangeOrderID)
		})
		if err != nil && !errors.Is(err, exchange.ErrOrderNotFound) {
			return nil, err
		}
	}

	// Local orders: confirm the ones still resting, resolve the missing.
	var fills []models.Fill
	for _, order := range localOrdersSorted(m.state.Orders) {
		snap, resting := byClientID[order.ClientOrderID]
		if resting {
			if order.Status == models.OrderPending {
				order.ExchangeOrderID = snap.ExchangeOrderID
				order.Status = models.OrderOpen
				order.UpdatedAt = m.clock()
			}
			continue
		}

		resolved, err := m.resolveMissingOrder(ctx, order)
		if err != nil {
			return fills, err
		}
		if resolved != nil {
			fills = append(fills, *resolved)
		}
	}
	return fills, nil
}

// resolveMissingOrder decides the fate of a local order absent from the open
// order snapshot.
func (m *Manager) resolveMissingOrder(ctx context.Context, order *models.Order) (*models.Fill, error) {
	var snap *exchange.OrderSnapshot
	err := m.withRetry(ctx, "query missing order", func(callCtx context.Context) error {
		var err error
		snap, err = m.ex.GetOrder(callCtx, m.state.Symbol, order.ExchangeOrderID, order.ClientOrderID)
		return err
	})

	switch {
	case err == nil && snap.Filled():
		if order.ExchangeOrderID == 0 {
			order.ExchangeOrderID = snap.ExchangeOrderID
		}
		return m.handleFilledOrder(ctx, order, snap)

	case err == nil && snap.Terminal():
		m.logger.Infof("order %s resolved as %s during reconcile", order.ClientOrderID, snap.Status)
		m.handleDeadOrder(order)
		return nil, nil

	case err == nil:
		// Known and still working. A pending order whose ack was lost is
		// confirmed here; an open one missing from a snapshot is just a race
		// between the two queries.
		if order.Status == models.OrderPending {
			order.ExchangeOrderID = snap.ExchangeOrderID
			order.Status = models.OrderOpen
			order.UpdatedAt = m.clock()
			m.logger.Infof("pending order %s confirmed as exchange order %d", order.ClientOrderID, snap.ExchangeOrderID)
		}
		return nil, nil

	case errors.Is(err, exchange.ErrOrderNotFound) && order.ExchangeOrderID == 0:
		// The placement never reached the exchange. Drop so the level re-arms.
		m.logger.Infof("pending order %s never reached the exchange, dropping", order.ClientOrderID)
		m.dropOrder(order.LocalID)
		return nil, nil

	case errors.Is(err, exchange.ErrOrderNotFound):
		// The exchange no longer reports the order; fall back to trade
		// history to decide filled vs cancelled.
		return m.resolveFromTradeHistory(ctx, order)

	default:
		return nil, err
	}
}

func (m *Manager) resolveFromTradeHistory(ctx context.Context, order *models.Order) (*models.Fill, error) {
	var trades []exchange.ExecTrade
	err := m.withRetry(ctx, "fetch order trades", func(callCtx context.Context) error {
		var err error
		trades, err = m.ex.GetOrderTrades(callCtx, m.state.Symbol, order.ExchangeOrderID)
		return err
	})
	if err != nil {
		return nil, err
	}

	executed := decimal.Zero
	for _, t := range trades {
		executed = executed.Add(t.Quantity)
	}
	if executed.Cmp(order.Quantity) >= 0 {
		snap := &exchange.OrderSnapshot{
			ExchangeOrderID: order.ExchangeOrderID,
			ClientOrderID:   order.ClientOrderID,
			Side:            order.Side,
			Status:          "FILLED",
			Price:           order.Price,
			OrigQuantity:    order.Quantity,
			ExecutedQty:     executed,
		}
		return m.handleFilledOrder(ctx, order, snap)
	}

	m.logger.Warnf("order %s gone with %s of %s executed, treating as cancelled",
		order.ClientOrderID, executed, order.Quantity)
	m.handleDeadOrder(order)
	return nil, nil
}

func (m *Manager) levelByIndex(index int) *models.GridLevel {
	for i := range m.state.Levels {
		if m.state.Levels[i].Index == index {
			return &m.state.Levels[i]
		}
	}
	return nil
}
