// Package grid derives the static, equidistant price levels the bot trades
// on. ComputeLevels is a pure function: identical inputs always produce
// identical levels, which keeps rebalance recomputation and tests
// reproducible.
package grid

import (
	"fmt"

	"spot-grid-bot-go/internal/models"

	"github.com/shopspring/decimal"
)

var one = decimal.NewFromInt(1)

// ComputeLevels returns LevelCount strictly ascending levels spanning
// [center*(1-range), center*(1+range)] with equal spacing. Capital is split
// evenly; the topmost level absorbs the sub-unit rounding remainder so the
// allocations sum to TotalCapital exactly.
func ComputeLevels(cfg models.GridConfig) ([]models.GridLevel, error) {
	if err := validate(cfg); err != nil {
		return nil, err
	}

	priceMin := cfg.CenterPrice.Mul(one.Sub(cfg.RangePct))
	priceMax := cfg.CenterPrice.Mul(one.Add(cfg.RangePct))
	count := decimal.NewFromInt(int64(cfg.LevelCount))
	step := priceMax.Sub(priceMin).Div(count.Sub(one))

	perLevel := cfg.TotalCapital.Div(count).Truncate(cfg.QuotePrecision)
	remainder := cfg.TotalCapital.Sub(perLevel.Mul(count))

	levels := make([]models.GridLevel, cfg.LevelCount)
	prev := decimal.Zero
	for i := 0; i < cfg.LevelCount; i++ {
		price := priceMin.Add(step.Mul(decimal.NewFromInt(int64(i))))
		if price.Sign() <= 0 {
			return nil, fmt.Errorf("%w: level %d price %s is not positive", models.ErrInvalidGridConfig, i, price)
		}
		if i > 0 && price.Cmp(prev) <= 0 {
			return nil, fmt.Errorf("%w: level %d price %s is not above level %d price %s",
				models.ErrInvalidGridConfig, i, price, i-1, prev)
		}
		prev = price

		alloc := perLevel
		if i == cfg.LevelCount-1 {
			alloc = alloc.Add(remainder)
		}
		levels[i] = models.GridLevel{Index: i, Price: price, Allocation: alloc}
	}
	return levels, nil
}

func validate(cfg models.GridConfig) error {
	switch {
	case cfg.CenterPrice.Sign() <= 0:
		return fmt.Errorf("%w: center price %s must be > 0", models.ErrInvalidGridConfig, cfg.CenterPrice)
	case cfg.RangePct.Sign() <= 0 || cfg.RangePct.Cmp(one) >= 0:
		return fmt.Errorf("%w: range pct %s must be in (0, 1)", models.ErrInvalidGridConfig, cfg.RangePct)
	case cfg.LevelCount < 2:
		return fmt.Errorf("%w: level count %d must be >= 2", models.ErrInvalidGridConfig, cfg.LevelCount)
	case cfg.TotalCapital.Sign() <= 0:
		return fmt.Errorf("%w: total capital %s must be > 0", models.ErrInvalidGridConfig, cfg.TotalCapital)
	case cfg.ProfitPct.Sign() <= 0:
		return fmt.Errorf("%w: profit pct %s must be > 0", models.ErrInvalidGridConfig, cfg.ProfitPct)
	}
	return nil
}

// Bounds returns the active grid's price range as derived from its config.
func Bounds(cfg models.GridConfig) (priceMin, priceMax decimal.Decimal) {
	return cfg.CenterPrice.Mul(one.Sub(cfg.RangePct)), cfg.CenterPrice.Mul(one.Add(cfg.RangePct))
}
