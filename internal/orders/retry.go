package orders

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"spot-grid-bot-go/internal/exchange"
	"spot-grid-bot-go/internal/models"

	"github.com/jpillora/backoff"
)

// callContext attaches the per-call timeout to an exchange request.
func (m *Manager) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, time.Duration(m.cfg.RequestTimeoutMs)*time.Millisecond)
}

// withRetry runs one exchange call under the bounded retry policy. Only
// transport-level failures are retried; taxonomy errors pass through
// untouched. Budget exhaustion becomes ErrBrokerUnavailable.
func (m *Manager) withRetry(ctx context.Context, label string, fn func(ctx context.Context) error) error {
	bo := &backoff.Backoff{
		Min:    time.Duration(m.cfg.Retry.InitialDelayMs) * time.Millisecond,
		Max:    time.Duration(m.cfg.Retry.MaxDelayMs) * time.Millisecond,
		Factor: 2,
		Jitter: true,
	}

	var err error
	for attempt := 1; attempt <= m.cfg.Retry.MaxAttempts; attempt++ {
		callCtx, cancel := m.callContext(ctx)
		err = fn(callCtx)
		cancel()

		if err == nil {
			return nil
		}
		if !errors.Is(err, models.ErrNetwork) {
			return err
		}
		if attempt == m.cfg.Retry.MaxAttempts {
			break
		}

		delay := bo.Duration()
		m.logger.Warnf("%s failed (attempt %d/%d), retrying in %s: %v",
			label, attempt, m.cfg.Retry.MaxAttempts, delay, err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("%w: %s after %d attempts: %v",
		models.ErrBrokerUnavailable, label, m.cfg.Retry.MaxAttempts, err)
}

// placeWithRetry submits an order under the retry policy.
func (m *Manager) placeWithRetry(ctx context.Context, order *models.Order) (*exchange.OrderSnapshot, error) {
	var snap *exchange.OrderSnapshot
	err := m.withRetry(ctx, fmt.Sprintf("place %s level %d", order.Side, order.LevelIndex), func(callCtx context.Context) error {
		var err error
		snap, err = m.ex.PlaceLimitOrder(callCtx, m.state.Symbol, order.Side, order.ClientOrderID, order.Price, order.Quantity)
		return err
	})
	return snap, err
}

// localOrdersSorted returns the orders in a stable id order so reconcile
// behaves deterministically across runs.
func localOrdersSorted(orders map[string]*models.Order) []*models.Order {
	out := make([]*models.Order, 0, len(orders))
	for _, o := range orders {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LocalID < out[j].LocalID })
	return out
}
