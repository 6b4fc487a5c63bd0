// Package reporter publishes the read-only projection of the bot's state:
// a JSON snapshot file for the external dashboard and a console status table.
package reporter

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"spot-grid-bot-go/internal/grid"
	"spot-grid-bot-go/internal/models"
	"spot-grid-bot-go/internal/position"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/shopspring/decimal"
)

// Snapshot is the dashboard projection. It is derived state only; nothing
// reads it back.
type Snapshot struct {
	Timestamp     time.Time        `json:"timestamp"`
	Symbol        string           `json:"symbol"`
	CurrentPrice  decimal.Decimal  `json:"current_price"`
	GridMin       decimal.Decimal  `json:"grid_min"`
	GridMax       decimal.Decimal  `json:"grid_max"`
	LevelCount    int              `json:"level_count"`
	OpenOrders    int              `json:"open_orders"`
	OpenCycles    int              `json:"open_cycles"`
	Capital       decimal.Decimal  `json:"capital"`
	Metrics       position.Metrics `json:"metrics"`
	DailyLoss     decimal.Decimal  `json:"daily_loss"`
	Halt          models.HaltFlag  `json:"halt"`
	Alerts        []string         `json:"alerts"`
}

// Build assembles the snapshot from live state.
func Build(state *models.BotState, metrics position.Metrics, currentPrice decimal.Decimal) Snapshot {
	priceMin, priceMax := grid.Bounds(state.Grid)

	openCycles := 0
	for _, c := range state.Cycles {
		if c.State != models.CycleClosed {
			openCycles++
		}
	}

	var alerts []string
	switch state.Risk.Halt {
	case models.HaltDaily:
		alerts = append(alerts, fmt.Sprintf("daily loss limit reached (%s lost today)", state.Risk.DailyLoss))
	case models.HaltEmergency:
		alerts = append(alerts, "EMERGENCY HALT: capital drawdown limit breached, operator reset required")
	}

	return Snapshot{
		Timestamp:    time.Now(),
		Symbol:       state.Symbol,
		CurrentPrice: currentPrice,
		GridMin:      priceMin,
		GridMax:      priceMax,
		LevelCount:   len(state.Levels),
		OpenOrders:   len(state.Orders),
		OpenCycles:   openCycles,
		Capital:      state.Grid.TotalCapital,
		Metrics:      metrics,
		DailyLoss:    state.Risk.DailyLoss,
		Halt:         state.Risk.Halt,
		Alerts:       alerts,
	}
}

// Write persists the snapshot atomically (temp file + rename) so the
// dashboard never reads a torn document.
func Write(path string, snap Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".snapshot-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

// PrintStatus renders the periodic console status table.
func PrintStatus(snap Snapshot) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	t.SetTitle(fmt.Sprintf("%s grid bot @ %s", snap.Symbol, snap.Timestamp.Format("2006-01-02 15:04:05")))
	t.AppendRows([]table.Row{
		{"price", snap.CurrentPrice.String()},
		{"grid range", fmt.Sprintf("[%s, %s] x%d", snap.GridMin, snap.GridMax, snap.LevelCount)},
		{"open orders / cycles", fmt.Sprintf("%d / %d", snap.OpenOrders, snap.OpenCycles)},
		{"equity", snap.Metrics.Equity.StringFixed(2)},
		{"realized pnl", snap.Metrics.RealizedPnL.StringFixed(2)},
		{"unrealized pnl", snap.Metrics.UnrealizedPnL.StringFixed(2)},
		{"trades (win rate)", fmt.Sprintf("%d (%.1f%%)", snap.Metrics.TotalTrades, snap.Metrics.WinRate*100)},
		{"drawdown", fmt.Sprintf("%.2f%%", snap.Metrics.Drawdown*100)},
		{"daily loss", snap.DailyLoss.StringFixed(2)},
		{"halt", string(snap.Halt)},
	})
	t.Render()
}
