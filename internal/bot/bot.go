// Package bot is the orchestrator: one cooperative polling loop that
// sequences a full evaluation cycle (halt gate, price, rebalance check,
// fill processing, risk evaluation, persistence). The
// shared BotState has exactly one writer: the cycle goroutine.
package bot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"spot-grid-bot-go/internal/exchange"
	"spot-grid-bot-go/internal/grid"
	"spot-grid-bot-go/internal/models"
	"spot-grid-bot-go/internal/orders"
	"spot-grid-bot-go/internal/persistence"
	"spot-grid-bot-go/internal/position"
	"spot-grid-bot-go/internal/rebalance"
	"spot-grid-bot-go/internal/reporter"
	"spot-grid-bot-go/internal/risk"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// maxFeedAge is how stale the websocket price may be before the cycle falls
// back to a REST price fetch.
const maxFeedAge = 30 * time.Second

// Bot wires the components together and runs the control loop.
type Bot struct {
	cfg        *models.Config
	ex         exchange.Exchange
	repo       persistence.StateRepository
	mgr        *orders.Manager
	tracker    *position.Tracker
	rebalancer *rebalance.Controller
	riskMgr    *risk.Manager
	feed       *PriceFeed // nil in sim mode
	logger     *zap.SugaredLogger

	state *models.BotState

	stopCh     chan struct{}
	doneCh     chan struct{}
	lastReport time.Time

	// emergencyHandled records that the cancel-all for the current
	// emergency episode has been performed.
	emergencyHandled bool
}

// New loads (or creates) the persisted state and assembles the bot.
// A state document that exists but fails validation is fatal here.
func New(cfg *models.Config, ex exchange.Exchange, repo persistence.StateRepository, tracker *position.Tracker, feed *PriceFeed, logger *zap.SugaredLogger) (*Bot, error) {
	state, err := repo.LoadState()
	if err != nil {
		return nil, err
	}
	if state == nil {
		state = models.NewBotState(uuid.NewString(), cfg.Symbol)
		logger.Info("no persisted state found, starting fresh")
	} else if state.Symbol != cfg.Symbol {
		return nil, fmt.Errorf("%w: persisted state is for %s, config wants %s",
			models.ErrStateCorruption, state.Symbol, cfg.Symbol)
	} else {
		logger.Infof("resuming from persisted state (%d open orders, %d open cycles)",
			len(state.Orders), len(state.Cycles))
	}

	b := &Bot{
		cfg:        cfg,
		ex:         ex,
		repo:       repo,
		tracker:    tracker,
		rebalancer: rebalance.NewController(cfg.RebalanceConfirmations, logger),
		riskMgr:    risk.NewManager(cfg.Risk, logger),
		feed:       feed,
		logger:     logger,
		state:      state,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	b.mgr = orders.NewManager(cfg, ex, state, logger)
	return b, nil
}

// ResetEmergencyHalt is the explicit operator action required to resume
// after an emergency halt. It persists immediately.
func (b *Bot) ResetEmergencyHalt() error {
	b.riskMgr.ClearEmergencyHalt(&b.state.Risk)
	return b.repo.SaveState(b.state.DeepCopy())
}

// Start checks clock skew, bootstraps or resumes the grid, then runs the
// polling loop until Stop.
func (b *Bot) Start(ctx context.Context) error {
	if err := b.checkTimeSync(ctx); err != nil {
		return err
	}

	price, err := b.fetchPrice(ctx)
	if err != nil {
		return fmt.Errorf("startup price fetch failed: %w", err)
	}

	if !b.state.Initialized {
		if err := b.bootstrap(ctx, price); err != nil {
			return err
		}
	} else {
		if err := b.resume(ctx, price); err != nil {
			return err
		}
	}

	if err := b.persist(); err != nil {
		return err
	}

	if b.feed != nil {
		b.feed.Start()
	}
	go b.loop(ctx)
	b.logger.Infof("grid bot started: %s, %d levels, capital %s",
		b.cfg.Symbol, len(b.state.Levels), b.cfg.TotalCapital)
	return nil
}

// Stop terminates the loop, saves the final state, and stops the feed. Open
// orders are left working unless an emergency halt already cancelled them.
func (b *Bot) Stop() {
	close(b.stopCh)
	<-b.doneCh
	if b.feed != nil {
		b.feed.Stop()
	}
	if err := b.persist(); err != nil {
		b.logger.Errorf("final state save failed: %v", err)
	}
	b.logger.Info("grid bot stopped")
}

// Halted reports whether trading is currently suspended by the risk gate.
func (b *Bot) Halted() bool {
	return b.state.Risk.Halt != models.HaltNone
}

// RunCycle executes exactly one evaluation cycle. Exposed for sim mode and
// tests; the live loop calls it on each tick.
func (b *Bot) RunCycle(ctx context.Context) error {
	return b.runCycle(ctx)
}

func (b *Bot) loop(ctx context.Context) {
	defer close(b.doneCh)
	ticker := time.NewTicker(time.Duration(b.cfg.PollingIntervalSec) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.runCycle(ctx); err != nil {
				// Recoverable conditions stop at the orchestrator; the
				// next tick retries from a consistent snapshot.
				b.logger.Errorf("cycle failed: %v", err)
			}
		}
	}
}

// checkTimeSync refuses to trade on a clock more than a second off the
// exchange's; signed requests would fail in confusing ways.
func (b *Bot) checkTimeSync(ctx context.Context) error {
	callCtx, cancel := context.WithTimeout(ctx, time.Duration(b.cfg.RequestTimeoutMs)*time.Millisecond)
	defer cancel()
	serverTime, err := b.ex.GetServerTime(callCtx)
	if err != nil {
		return fmt.Errorf("server time check failed: %w", err)
	}
	offset := serverTime - time.Now().UnixMilli()
	if offset > 1000 || offset < -1000 {
		return fmt.Errorf("system clock is %d ms off the exchange clock, sync NTP before trading", offset)
	}
	b.logger.Infof("clock sync ok, offset %d ms", offset)
	return nil
}

// bootstrap computes the first grid around the current price and arms it.
func (b *Bot) bootstrap(ctx context.Context, price decimal.Decimal) error {
	gridCfg := models.GridConfig{
		CenterPrice:    price,
		RangePct:       b.cfg.RangePct,
		LevelCount:     b.cfg.LevelCount,
		TotalCapital:   b.cfg.TotalCapital,
		ProfitPct:      b.cfg.ProfitPct,
		QuotePrecision: b.cfg.QuotePrecision,
	}
	levels, err := grid.ComputeLevels(gridCfg)
	if err != nil {
		return err
	}

	b.state.Grid = gridCfg
	b.state.Levels = levels
	b.state.Risk = b.riskMgr.InitState(b.cfg.TotalCapital)

	if err := b.mgr.InitializeGrid(ctx, price); err != nil {
		return err
	}
	b.state.Initialized = true
	b.logger.Infof("grid initialized around %s: [%s, %s], %d levels",
		price, levels[0].Price, levels[len(levels)-1].Price, len(levels))
	return nil
}

// resume reconciles persisted state against the exchange after a gap so no
// order is duplicated or silently dropped.
func (b *Bot) resume(ctx context.Context, price decimal.Decimal) error {
	fills, err := b.mgr.Reconcile(ctx)
	if err != nil {
		return fmt.Errorf("startup reconciliation failed: %w", err)
	}
	b.absorbFills(fills)
	if b.state.Risk.Halt == models.HaltNone {
		if err := b.mgr.EnsureSellOrders(ctx); err != nil && !b.isRecoverable(err) {
			return err
		}
	}
	b.logger.Infof("reconciliation complete, %d fills recovered from the gap", len(fills))
	return nil
}

func (b *Bot) runCycle(ctx context.Context) error {
	// The halt gate runs before anything that could place an order.
	emergency := b.state.Risk.Halt == models.HaltEmergency
	if emergency && !b.emergencyHandled {
		if err := b.mgr.CancelAll(ctx); err != nil {
			return err
		}
		b.emergencyHandled = true
		return b.persist()
	}
	dailyHalt := b.state.Risk.Halt == models.HaltDaily

	price, err := b.fetchPrice(ctx)
	if err != nil {
		b.logger.Warnf("no price this cycle: %v", err)
		return nil
	}

	// Rebalancing and order work are trading actions; both stay off while
	// halted. Fill tracking continues so held inventory is not lost.
	if !emergency && !dailyHalt {
		if b.rebalancer.Check(price, b.state.Grid) == rebalance.TriggerRebalance {
			if err := b.rebalancer.Execute(ctx, b.state, b.mgr, price); err != nil {
				if b.isRecoverable(err) {
					b.logger.Warnf("rebalance postponed: %v", err)
				} else {
					return err
				}
			}
		}
	}

	fills, err := b.mgr.PollFills(ctx)
	if err != nil && !b.isRecoverable(err) {
		return err
	}
	b.absorbFills(fills)

	if !emergency && !dailyHalt {
		if err := b.mgr.EnsureSellOrders(ctx); err != nil && !b.isRecoverable(err) {
			return err
		}
		if err := b.mgr.InitializeGrid(ctx, price); err != nil && !b.isRecoverable(err) {
			return err
		}
	}

	metrics := b.tracker.Metrics(b.state, price)
	verdict := b.riskMgr.Evaluate(&b.state.Risk, metrics.Equity)
	if verdict == models.HaltEmergency && !b.emergencyHandled {
		b.logger.Error("emergency halt raised, cancelling all open orders")
		if err := b.mgr.CancelAll(ctx); err != nil {
			b.logger.Errorf("emergency cancel-all failed, retrying next cycle: %v", err)
		} else {
			b.emergencyHandled = true
		}
	}
	if verdict == models.HaltNone {
		b.emergencyHandled = false
	}

	b.publish(metrics, price)
	b.state.LastUpdateTime = time.Now()
	return b.persist()
}

// absorbFills routes closed cycles into the ledger and the risk accumulator,
// then drops them from the open-cycle map.
func (b *Bot) absorbFills(fills []models.Fill) {
	for _, fill := range fills {
		b.logger.Infof("fill: %s %s @ %s on level %d", fill.Side, fill.Quantity, fill.Price, fill.LevelIndex)
	}
	for id, cycle := range b.state.Cycles {
		if cycle.State != models.CycleClosed {
			continue
		}
		b.tracker.RecordClosedCycle(cycle)
		b.riskMgr.RecordRealizedPnL(&b.state.Risk, cycle.RealizedPnL)
		delete(b.state.Cycles, id)
	}
}

// fetchPrice prefers the websocket cache and falls back to REST when the
// stream is stale or absent.
func (b *Bot) fetchPrice(ctx context.Context) (decimal.Decimal, error) {
	if b.feed != nil {
		if price, age, ok := b.feed.Latest(); ok && age < maxFeedAge {
			return price, nil
		}
	}
	callCtx, cancel := context.WithTimeout(ctx, time.Duration(b.cfg.RequestTimeoutMs)*time.Millisecond)
	defer cancel()
	return b.ex.GetPrice(callCtx, b.cfg.Symbol)
}

// isRecoverable classifies errors that stay inside the orchestrator: the
// cycle carries on degraded and the next tick retries.
func (b *Bot) isRecoverable(err error) bool {
	return errors.Is(err, models.ErrBrokerUnavailable) ||
		errors.Is(err, models.ErrNetwork) ||
		errors.Is(err, models.ErrOrderRejected)
}

func (b *Bot) publish(metrics position.Metrics, price decimal.Decimal) {
	snap := reporter.Build(b.state, metrics, price)
	if b.cfg.SnapshotPath != "" {
		if err := reporter.Write(b.cfg.SnapshotPath, snap); err != nil {
			b.logger.Warnf("snapshot write failed: %v", err)
		}
	}
	if time.Since(b.lastReport) >= time.Duration(b.cfg.StatusReportIntervalSec)*time.Second {
		reporter.PrintStatus(snap)
		b.lastReport = time.Now()
	}
}

func (b *Bot) persist() error {
	if err := b.repo.SaveState(b.state.DeepCopy()); err != nil {
		return fmt.Errorf("state save failed: %w", err)
	}
	return nil
}

// State exposes a deep copy for tests and the sim driver.
func (b *Bot) State() *models.BotState {
	return b.state.DeepCopy()
}
