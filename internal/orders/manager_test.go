package orders

import (
	"context"
	"fmt"
	"testing"
	"time"

	"spot-grid-bot-go/internal/exchange"
	"spot-grid-bot-go/internal/grid"
	"spot-grid-bot-go/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testConfig() *models.Config {
	return &models.Config{
		Symbol:         "BTCUSDT",
		TotalCapital:   d("500"),
		LevelCount:     5,
		RangePct:       d("0.2"),
		ProfitPct:      d("0.008"),
		QuotePrecision: 2,
		BasePrecision:  5,
		FeeRate:        d("0.001"),
		RequestTimeoutMs: 1000,
		Retry: models.RetryConfig{
			MaxAttempts:    3,
			InitialDelayMs: 1,
			MaxDelayMs:     5,
		},
	}
}

// newTestSetup builds a 5-level grid (80, 90, 100, 110, 120) with 100 quote
// units per level, a sim venue at price 100, and a wired manager.
func newTestSetup(t *testing.T) (*Manager, *exchange.SimExchange, *models.BotState) {
	t.Helper()
	cfg := testConfig()
	gridCfg := models.GridConfig{
		CenterPrice:    d("100"),
		RangePct:       cfg.RangePct,
		LevelCount:     cfg.LevelCount,
		TotalCapital:   cfg.TotalCapital,
		ProfitPct:      cfg.ProfitPct,
		QuotePrecision: cfg.QuotePrecision,
	}
	levels, err := grid.ComputeLevels(gridCfg)
	require.NoError(t, err)

	state := models.NewBotState("test-bot", cfg.Symbol)
	state.Grid = gridCfg
	state.Levels = levels
	state.Initialized = true

	sim := exchange.NewSimExchange(d("100"), cfg.FeeRate)
	mgr := NewManager(cfg, sim, state, zap.NewNop().Sugar())
	return mgr, sim, state
}

func TestInitializeGridArmsLevelsBelowPrice(t *testing.T) {
	mgr, sim, state := newTestSetup(t)

	require.NoError(t, mgr.InitializeGrid(context.Background(), d("100")))

	// Levels 80 and 90 are below the market; 100 and above stay unarmed.
	assert.Equal(t, 2, sim.OpenOrderCount())
	assert.Len(t, state.Orders, 2)
	assert.Len(t, state.Cycles, 2)
	for _, o := range state.Orders {
		assert.Equal(t, models.Buy, o.Side)
		assert.Equal(t, models.OrderOpen, o.Status)
		assert.NotZero(t, o.ExchangeOrderID)
	}
	for _, c := range state.Cycles {
		assert.Equal(t, models.CycleAwaitingBuyFill, c.State)
	}
	require.NotNil(t, state.OpenCycleForLevel(0))
	require.NotNil(t, state.OpenCycleForLevel(1))
	assert.Nil(t, state.OpenCycleForLevel(2))
}

func TestInitializeGridIsIdempotent(t *testing.T) {
	mgr, sim, state := newTestSetup(t)
	ctx := context.Background()

	require.NoError(t, mgr.InitializeGrid(ctx, d("100")))
	require.NoError(t, mgr.InitializeGrid(ctx, d("100")))

	assert.Equal(t, 2, sim.OpenOrderCount())
	assert.Len(t, state.Orders, 2)
}

func TestBuyFillPlacesPairedSell(t *testing.T) {
	mgr, sim, state := newTestSetup(t)
	ctx := context.Background()
	require.NoError(t, mgr.InitializeGrid(ctx, d("100")))

	// Dropping to 90 fills the level-1 buy only.
	sim.SetPrice(d("90"))
	fills, err := mgr.PollFills(ctx)
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.Equal(t, models.Buy, fills[0].Side)
	assert.Equal(t, 1, fills[0].LevelIndex)
	assert.True(t, fills[0].Price.Equal(d("90")))

	cycle := state.OpenCycleForLevel(1)
	require.NotNil(t, cycle)
	assert.Equal(t, models.CycleAwaitingSellFill, cycle.State)
	assert.NotEmpty(t, cycle.SellOrderID)
	// Sell at 90 x 1.008 = 90.72.
	assert.True(t, cycle.SellPrice.Equal(d("90.72")), "sell price %s", cycle.SellPrice)

	sell := state.Orders[cycle.SellOrderID]
	require.NotNil(t, sell)
	assert.Equal(t, models.Sell, sell.Side)
	assert.Equal(t, models.OrderOpen, sell.Status)
	assert.True(t, sell.Quantity.Equal(cycle.Quantity))

	// One buy at 80 still resting plus the new sell.
	assert.Equal(t, 2, sim.OpenOrderCount())
}

func TestSellFillClosesCycleAndRearmsLevel(t *testing.T) {
	mgr, sim, state := newTestSetup(t)
	ctx := context.Background()
	require.NoError(t, mgr.InitializeGrid(ctx, d("100")))

	sim.SetPrice(d("90"))
	_, err := mgr.PollFills(ctx)
	require.NoError(t, err)

	cycle := state.OpenCycleForLevel(1)
	require.NotNil(t, cycle)
	cycleID := cycle.ID
	qty := cycle.Quantity

	sim.SetPrice(d("90.72"))
	fills, err := mgr.PollFills(ctx)
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.Equal(t, models.Sell, fills[0].Side)

	closed := state.Cycles[cycleID]
	require.NotNil(t, closed)
	assert.Equal(t, models.CycleClosed, closed.State)

	// pnl = (90.72 - 90) x qty - both commissions at the sim's fee rate.
	fees := d("90").Mul(qty).Mul(d("0.001")).Add(d("90.72").Mul(qty).Mul(d("0.001")))
	wantPnL := d("0.72").Mul(qty).Sub(fees)
	assert.True(t, closed.RealizedPnL.Equal(wantPnL), "pnl %s, want %s", closed.RealizedPnL, wantPnL)

	// The level is re-armed with a fresh buy at its grid price.
	fresh := state.OpenCycleForLevel(1)
	require.NotNil(t, fresh)
	assert.NotEqual(t, cycleID, fresh.ID)
	assert.Equal(t, models.CycleAwaitingBuyFill, fresh.State)
	assert.True(t, fresh.BuyPrice.Equal(d("90")))
}

func TestRejectedPlacementParksLevel(t *testing.T) {
	mgr, sim, state := newTestSetup(t)
	ctx := context.Background()

	// Widen the park window so the test cannot race past it.
	mgr.cfg.Retry.InitialDelayMs = 30_000
	mgr.cfg.Retry.MaxDelayMs = 60_000

	sim.PlaceErr = fmt.Errorf("%w: MIN_NOTIONAL", models.ErrOrderRejected)
	require.NoError(t, mgr.InitializeGrid(ctx, d("100")))

	// Level 0 was rejected and parked; level 1 went through.
	assert.Len(t, state.Orders, 1)
	assert.Nil(t, state.OpenCycleForLevel(0))
	assert.NotNil(t, state.OpenCycleForLevel(1))

	// Within the backoff window the level stays parked.
	require.NoError(t, mgr.InitializeGrid(ctx, d("100")))
	assert.Len(t, state.Orders, 1)

	// Past the window it re-arms.
	mgr.clock = func() time.Time { return time.Now().Add(time.Minute) }
	require.NoError(t, mgr.InitializeGrid(ctx, d("100")))
	assert.Len(t, state.Orders, 2)
	assert.NotNil(t, state.OpenCycleForLevel(0))
	assert.Equal(t, 2, sim.OpenOrderCount())
}

func TestNetworkErrorIsRetried(t *testing.T) {
	mgr, sim, state := newTestSetup(t)

	sim.PlaceErr = fmt.Errorf("%w: connection reset", models.ErrNetwork)
	require.NoError(t, mgr.InitializeGrid(context.Background(), d("100")))

	// The transient failure was absorbed by the retry policy.
	assert.Len(t, state.Orders, 2)
	assert.Equal(t, 2, sim.OpenOrderCount())
}

func TestRetryBudgetExhaustionBecomesBrokerUnavailable(t *testing.T) {
	mgr, _, _ := newTestSetup(t)

	calls := 0
	err := mgr.withRetry(context.Background(), "status check", func(ctx context.Context) error {
		calls++
		return fmt.Errorf("%w: timeout", models.ErrNetwork)
	})
	assert.ErrorIs(t, err, models.ErrBrokerUnavailable)
	assert.Equal(t, 3, calls)
}

func TestNonNetworkErrorsAreNotRetried(t *testing.T) {
	mgr, _, _ := newTestSetup(t)

	calls := 0
	err := mgr.withRetry(context.Background(), "status check", func(ctx context.Context) error {
		calls++
		return fmt.Errorf("%w: bad key", models.ErrAuthentication)
	})
	assert.ErrorIs(t, err, models.ErrAuthentication)
	assert.Equal(t, 1, calls)
}

func TestCancelAllPreservesHeldInventory(t *testing.T) {
	mgr, sim, state := newTestSetup(t)
	ctx := context.Background()
	require.NoError(t, mgr.InitializeGrid(ctx, d("100")))

	// Fill the level-1 buy so one cycle holds the asset.
	sim.SetPrice(d("90"))
	_, err := mgr.PollFills(ctx)
	require.NoError(t, err)

	require.NoError(t, mgr.CancelAll(ctx))

	assert.Equal(t, 0, sim.OpenOrderCount())
	assert.Empty(t, state.Orders)

	// The holding cycle survives with its sell leg cleared; the
	// awaiting-buy cycle on level 0 is gone.
	require.Len(t, state.Cycles, 1)
	for _, c := range state.Cycles {
		assert.Equal(t, models.CycleAwaitingSellFill, c.State)
		assert.Empty(t, c.SellOrderID)
	}
}

func TestEnsureSellOrdersReplacesMissingLeg(t *testing.T) {
	mgr, sim, state := newTestSetup(t)
	ctx := context.Background()
	require.NoError(t, mgr.InitializeGrid(ctx, d("100")))
	sim.SetPrice(d("90"))
	_, err := mgr.PollFills(ctx)
	require.NoError(t, err)
	require.NoError(t, mgr.CancelAll(ctx))

	require.NoError(t, mgr.EnsureSellOrders(ctx))

	assert.Equal(t, 1, sim.OpenOrderCount())
	for _, c := range state.Cycles {
		assert.NotEmpty(t, c.SellOrderID)
		sell := state.Orders[c.SellOrderID]
		require.NotNil(t, sell)
		assert.Equal(t, models.Sell, sell.Side)
		assert.True(t, sell.Price.Equal(d("90.72")))
	}
}

func TestReconcileCancelsOwnOrphans(t *testing.T) {
	mgr, sim, state := newTestSetup(t)
	ctx := context.Background()
	require.NoError(t, mgr.InitializeGrid(ctx, d("100")))

	orphanID := sim.InjectForeignOrder(ClientOrderPrefix+"orphaned", models.Buy, d("85"), d("1"))
	foreignID := sim.InjectForeignOrder("manual-trade", models.Sell, d("120"), d("1"))

	fills, err := mgr.Reconcile(ctx)
	require.NoError(t, err)
	assert.Empty(t, fills)

	// The orphan with our prefix is cancelled; the foreign order is
	// untouched, as are our two live buys.
	orphan, err := sim.GetOrder(ctx, "BTCUSDT", orphanID, "")
	require.NoError(t, err)
	assert.True(t, orphan.Terminal())

	foreign, err := sim.GetOrder(ctx, "BTCUSDT", foreignID, "")
	require.NoError(t, err)
	assert.False(t, foreign.Terminal())

	assert.Len(t, state.Orders, 2)
}

func TestReconcileConfirmsPendingPlacement(t *testing.T) {
	mgr, _, state := newTestSetup(t)
	ctx := context.Background()
	require.NoError(t, mgr.InitializeGrid(ctx, d("100")))

	// Simulate a placement whose response was lost: the order reached the
	// exchange but the local record never saw the ack.
	var pending *models.Order
	for _, o := range state.Orders {
		pending = o
		break
	}
	wantID := pending.ExchangeOrderID
	pending.Status = models.OrderPending
	pending.ExchangeOrderID = 0

	fills, err := mgr.Reconcile(ctx)
	require.NoError(t, err)
	assert.Empty(t, fills)
	assert.Equal(t, models.OrderOpen, pending.Status)
	assert.Equal(t, wantID, pending.ExchangeOrderID)
}

func TestReconcileRecoversMissedFill(t *testing.T) {
	mgr, sim, state := newTestSetup(t)
	ctx := context.Background()
	require.NoError(t, mgr.InitializeGrid(ctx, d("100")))

	// The fill happened while the bot was down.
	sim.SetPrice(d("90"))

	fills, err := mgr.Reconcile(ctx)
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.Equal(t, models.Buy, fills[0].Side)
	assert.Equal(t, 1, fills[0].LevelIndex)

	cycle := state.OpenCycleForLevel(1)
	require.NotNil(t, cycle)
	assert.Equal(t, models.CycleAwaitingSellFill, cycle.State)
	assert.NotEmpty(t, cycle.SellOrderID)
}

func TestReconcileFallsBackToTradeHistory(t *testing.T) {
	mgr, sim, state := newTestSetup(t)
	ctx := context.Background()
	require.NoError(t, mgr.InitializeGrid(ctx, d("100")))

	// Fill the level-1 buy, then make the exchange forget the order record
	// entirely. The executions remain in trade history.
	sim.SetPrice(d("90"))
	var filled *models.Order
	for _, o := range state.Orders {
		if o.LevelIndex == 1 {
			filled = o
		}
	}
	require.NotNil(t, filled)
	sim.DropOrder(filled.ExchangeOrderID)

	fills, err := mgr.Reconcile(ctx)
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.True(t, fills[0].Price.Equal(d("90")))

	cycle := state.OpenCycleForLevel(1)
	require.NotNil(t, cycle)
	assert.Equal(t, models.CycleAwaitingSellFill, cycle.State)
}

func TestReconcileDropsNeverPlacedOrder(t *testing.T) {
	mgr, _, state := newTestSetup(t)
	ctx := context.Background()
	require.NoError(t, mgr.InitializeGrid(ctx, d("100")))

	// An order recorded locally whose placement never reached the venue.
	lost := &models.Order{
		LocalID:       "11111111-1111-1111-1111-111111111111",
		ClientOrderID: ClientOrderPrefix + "neverplaced",
		LevelIndex:    3,
		Side:          models.Buy,
		Status:        models.OrderPending,
		Price:         d("110"),
		Quantity:      d("0.9"),
	}
	ghost := &models.Cycle{
		ID:         "ghost-cycle",
		LevelIndex: 3,
		State:      models.CycleAwaitingBuyFill,
		BuyOrderID: lost.LocalID,
		BuyPrice:   lost.Price,
		Quantity:   lost.Quantity,
	}
	state.Orders[lost.LocalID] = lost
	state.Cycles[ghost.ID] = ghost
	state.OrderCycle[lost.LocalID] = ghost.ID

	fills, err := mgr.Reconcile(ctx)
	require.NoError(t, err)
	assert.Empty(t, fills)

	_, stillThere := state.Orders[lost.LocalID]
	assert.False(t, stillThere)
	_, cycleThere := state.Cycles[ghost.ID]
	assert.False(t, cycleThere)
}

func TestReconcileIsIdempotentOnCleanState(t *testing.T) {
	mgr, sim, state := newTestSetup(t)
	ctx := context.Background()
	require.NoError(t, mgr.InitializeGrid(ctx, d("100")))

	ordersBefore := len(state.Orders)
	cyclesBefore := len(state.Cycles)

	for i := 0; i < 3; i++ {
		fills, err := mgr.Reconcile(ctx)
		require.NoError(t, err)
		assert.Empty(t, fills)
	}
	assert.Len(t, state.Orders, ordersBefore)
	assert.Len(t, state.Cycles, cyclesBefore)
	assert.Equal(t, 2, sim.OpenOrderCount())
}

func TestPollFillsConfirmsPendingPlacement(t *testing.T) {
	mgr, _, state := newTestSetup(t)
	ctx := context.Background()
	require.NoError(t, mgr.InitializeGrid(ctx, d("100")))

	// A placement whose ack was lost mid-run: the exchange holds the order
	// but the local record is still pending.
	var unacked *models.Order
	for _, o := range state.Orders {
		unacked = o
		break
	}
	wantID := unacked.ExchangeOrderID
	unacked.Status = models.OrderPending
	unacked.ExchangeOrderID = 0

	fills, err := mgr.PollFills(ctx)
	require.NoError(t, err)
	assert.Empty(t, fills)
	assert.Equal(t, models.OrderOpen, unacked.Status)
	assert.Equal(t, wantID, unacked.ExchangeOrderID)
}

func TestPollFillsRecoversFillOnUnackedOrder(t *testing.T) {
	mgr, sim, state := newTestSetup(t)
	ctx := context.Background()
	require.NoError(t, mgr.InitializeGrid(ctx, d("100")))

	var unacked *models.Order
	for _, o := range state.Orders {
		if o.LevelIndex == 1 {
			unacked = o
		}
	}
	require.NotNil(t, unacked)
	unacked.Status = models.OrderPending
	unacked.ExchangeOrderID = 0

	// The exchange copy fills while the local record still awaits its ack.
	sim.SetPrice(d("90"))
	fills, err := mgr.PollFills(ctx)
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.Equal(t, models.Buy, fills[0].Side)
	assert.Equal(t, 1, fills[0].LevelIndex)
	assert.True(t, fills[0].Price.Equal(d("90")))

	cycle := state.OpenCycleForLevel(1)
	require.NotNil(t, cycle)
	assert.Equal(t, models.CycleAwaitingSellFill, cycle.State)
	assert.NotEmpty(t, cycle.SellOrderID)
}

func TestPollFillsDropsNeverPlacedOrder(t *testing.T) {
	mgr, _, state := newTestSetup(t)
	ctx := context.Background()
	require.NoError(t, mgr.InitializeGrid(ctx, d("100")))

	lost := &models.Order{
		LocalID:       "22222222-2222-2222-2222-222222222222",
		ClientOrderID: ClientOrderPrefix + "lostplacement",
		LevelIndex:    3,
		Side:          models.Buy,
		Status:        models.OrderPending,
		Price:         d("110"),
		Quantity:      d("0.9"),
	}
	ghost := &models.Cycle{
		ID:         "lost-cycle",
		LevelIndex: 3,
		State:      models.CycleAwaitingBuyFill,
		BuyOrderID: lost.LocalID,
		BuyPrice:   lost.Price,
		Quantity:   lost.Quantity,
	}
	state.Orders[lost.LocalID] = lost
	state.Cycles[ghost.ID] = ghost
	state.OrderCycle[lost.LocalID] = ghost.ID

	fills, err := mgr.PollFills(ctx)
	require.NoError(t, err)
	assert.Empty(t, fills)

	_, stillThere := state.Orders[lost.LocalID]
	assert.False(t, stillThere)
	_, cycleThere := state.Cycles[ghost.ID]
	assert.False(t, cycleThere)

	// The wedged level is free to arm again on the next grid pass.
	assert.Nil(t, state.OpenCycleForLevel(3))
}

func TestCancelAllResolvesUnackedOrders(t *testing.T) {
	mgr, sim, state := newTestSetup(t)
	ctx := context.Background()
	require.NoError(t, mgr.InitializeGrid(ctx, d("100")))

	// One order lost its ack but still rests on the exchange. CancelAll must
	// cancel the exchange copy rather than discard the local record blind.
	var unacked *models.Order
	for _, o := range state.Orders {
		unacked = o
		break
	}
	unacked.Status = models.OrderPending
	unacked.ExchangeOrderID = 0

	require.NoError(t, mgr.CancelAll(ctx))

	assert.Equal(t, 0, sim.OpenOrderCount())
	assert.Empty(t, state.Orders)
}

func TestSellFillDuringHaltSkipsRearm(t *testing.T) {
	mgr, sim, state := newTestSetup(t)
	ctx := context.Background()
	require.NoError(t, mgr.InitializeGrid(ctx, d("100")))

	sim.SetPrice(d("90"))
	_, err := mgr.PollFills(ctx)
	require.NoError(t, err)

	// The daily loss limit tripped between the fill and the profit take.
	state.Risk.Halt = models.HaltDaily

	sim.SetPrice(d("90.72"))
	fills, err := mgr.PollFills(ctx)
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.Equal(t, models.Sell, fills[0].Side)

	// The cycle closed but no fresh BUY went out.
	assert.Nil(t, state.OpenCycleForLevel(1))
	assert.Equal(t, 1, sim.OpenOrderCount()) // only the level-0 buy
}

func TestClientOrderIDOwnership(t *testing.T) {
	id := newClientOrderID("2b1e9f3a-8c41-4d5e-9a7b-123456789abc")
	assert.True(t, IsOwnClientOrderID(id))
	assert.False(t, IsOwnClientOrderID("web_abcdef"))
	assert.LessOrEqual(t, len(id), 36, "client order id must fit the exchange limit")
}
