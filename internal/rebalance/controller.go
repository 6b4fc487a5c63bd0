// Package rebalance watches for range breakouts and replaces the grid around
// the new price when one is confirmed.
package rebalance

import (
	"context"
	"fmt"

	"spot-grid-bot-go/internal/grid"
	"spot-grid-bot-go/internal/models"
	"spot-grid-bot-go/internal/orders"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Decision is the outcome of one range check.
type Decision int

const (
	Continue Decision = iota
	TriggerRebalance
)

// Controller debounces breakouts: the price must sit outside the grid's
// range for `confirmations` consecutive polls before a rebalance fires. A
// single tick back inside the range resets the count, so one noisy quote
// never tears the grid down.
type Controller struct {
	confirmations int
	outOfRange    int
	logger        *zap.SugaredLogger
}

// NewController requires at least one confirmation.
func NewController(confirmations int, logger *zap.SugaredLogger) *Controller {
	if confirmations < 1 {
		confirmations = 1
	}
	return &Controller{confirmations: confirmations, logger: logger}
}

// Check classifies the current price against the active grid's range.
func (c *Controller) Check(currentPrice decimal.Decimal, cfg models.GridConfig) Decision {
	priceMin, priceMax := grid.Bounds(cfg)
	if currentPrice.Cmp(priceMin) >= 0 && currentPrice.Cmp(priceMax) <= 0 {
		if c.outOfRange > 0 {
			c.logger.Infof("price %s back inside [%s, %s], breakout count reset", currentPrice, priceMin, priceMax)
		}
		c.outOfRange = 0
		return Continue
	}

	c.outOfRange++
	c.logger.Warnf("price %s outside [%s, %s] (%d/%d confirmations)",
		currentPrice, priceMin, priceMax, c.outOfRange, c.confirmations)
	if c.outOfRange < c.confirmations {
		return Continue
	}
	return TriggerRebalance
}

// Execute replaces the grid around the current price. Sequence: cancel every
// open order (confirmed), recompute the levels with the same range, count and
// capital, re-map preserved open cycles onto the new levels, then re-arm.
// Cycles holding the asset are kept, never liquidated. The caller persists
// the new state only after this returns, so a crash mid-rebalance resumes
// from the last consistent snapshot and reconciliation mops up.
func (c *Controller) Execute(ctx context.Context, state *models.BotState, mgr *orders.Manager, currentPrice decimal.Decimal) error {
	c.logger.Warnf("rebalancing grid around %s", currentPrice)

	if err := mgr.CancelAll(ctx); err != nil {
		return fmt.Errorf("rebalance aborted, cancel-all failed: %w", err)
	}

	newCfg := state.Grid
	newCfg.CenterPrice = currentPrice
	levels, err := grid.ComputeLevels(newCfg)
	if err != nil {
		return err
	}

	state.Grid = newCfg
	state.Levels = levels
	c.remapOpenCycles(state)

	// Re-place the sell legs for held inventory first, then arm fresh buys.
	// InitializeGrid skips levels that coincide with an open cycle, so the
	// preserved capital is not allocated twice.
	if err := mgr.EnsureSellOrders(ctx); err != nil {
		return err
	}
	if err := mgr.InitializeGrid(ctx, currentPrice); err != nil {
		return err
	}

	c.outOfRange = 0
	c.logger.Infof("rebalance complete: %d levels spanning [%s, %s]",
		len(levels), levels[0].Price, levels[len(levels)-1].Price)
	return nil
}

// remapOpenCycles re-anchors preserved cycles to the nearest new level so
// sell re-placement and level bookkeeping stay coherent after the swap.
func (c *Controller) remapOpenCycles(state *models.BotState) {
	for _, cycle := range state.Cycles {
		if cycle.State == models.CycleClosed {
			continue
		}
		nearest := 0
		best := cycle.BuyPrice.Sub(state.Levels[0].Price).Abs()
		for i := 1; i < len(state.Levels); i++ {
			d := cycle.BuyPrice.Sub(state.Levels[i].Price).Abs()
			if d.Cmp(best) < 0 {
				best = d
				nearest = i
			}
		}
		if cycle.LevelIndex != nearest {
			c.logger.Infof("cycle %s re-anchored from level %d to %d", cycle.ID, cycle.LevelIndex, nearest)
			cycle.LevelIndex = nearest
		}
	}
}
