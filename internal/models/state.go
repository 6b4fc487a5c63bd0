package models

import (
	"fmt"
	"time"
)

// StateVersion is bumped whenever the persisted BotState layout changes in a
// way that needs migration.
const StateVersion = 1

// BotState is the persisted aggregate and the sole source of truth when
// resuming after a restart. It is created on the first successful grid
// placement, mutated once per orchestrator cycle, and replaced wholesale on
// rebalance.
type BotState struct {
	BotID          string                `json:"bot_id"`
	Symbol         string                `json:"symbol"`
	Version        int                   `json:"version"`
	Initialized    bool                  `json:"initialized"` // set once the first grid has been placed, never cleared
	Grid           GridConfig            `json:"grid"`
	Levels         []GridLevel           `json:"levels"`
	Orders         map[string]*Order     `json:"orders"` // keyed by Order.LocalID, open orders only
	Cycles         map[string]*Cycle     `json:"cycles"` // keyed by Cycle.ID, open cycles only
	OrderCycle     map[string]string     `json:"order_cycle"` // order local id -> owning cycle id
	Risk           RiskState             `json:"risk"`
	LastUpdateTime time.Time             `json:"last_update_time"`
}

// NewBotState returns an empty, uninitialized state for a symbol.
func NewBotState(botID, symbol string) *BotState {
	return &BotState{
		BotID:      botID,
		Symbol:     symbol,
		Version:    StateVersion,
		Orders:     make(map[string]*Order),
		Cycles:     make(map[string]*Cycle),
		OrderCycle: make(map[string]string),
	}
}

// Validate checks the structural invariants of a loaded state. A persisted
// state that fails validation must be treated as corrupt, not discarded.
func (s *BotState) Validate() error {
	if s.Version != StateVersion {
		return fmt.Errorf("unsupported state version %d (want %d)", s.Version, StateVersion)
	}
	if s.Symbol == "" {
		return fmt.Errorf("state has no symbol")
	}
	if s.Initialized && len(s.Levels) == 0 {
		return fmt.Errorf("initialized state has no grid levels")
	}
	for id, o := range s.Orders {
		if o == nil || o.LocalID != id {
			return fmt.Errorf("order map key %q does not match its order", id)
		}
	}
	for id, c := range s.Cycles {
		if c == nil || c.ID != id {
			return fmt.Errorf("cycle map key %q does not match its cycle", id)
		}
	}
	for orderID, cycleID := range s.OrderCycle {
		if _, ok := s.Cycles[cycleID]; !ok {
			return fmt.Errorf("order %s indexed to unknown cycle %s", orderID, cycleID)
		}
	}
	return nil
}

// DeepCopy returns an independent copy safe for concurrent reading and for
// handing to the persistence layer.
func (s *BotState) DeepCopy() *BotState {
	if s == nil {
		return nil
	}
	cp := *s

	if s.Levels != nil {
		cp.Levels = make([]GridLevel, len(s.Levels))
		copy(cp.Levels, s.Levels)
	}
	if s.Orders != nil {
		cp.Orders = make(map[string]*Order, len(s.Orders))
		for k, v := range s.Orders {
			if v != nil {
				o := *v
				cp.Orders[k] = &o
			}
		}
	}
	if s.Cycles != nil {
		cp.Cycles = make(map[string]*Cycle, len(s.Cycles))
		for k, v := range s.Cycles {
			if v != nil {
				c := *v
				cp.Cycles[k] = &c
			}
		}
	}
	if s.OrderCycle != nil {
		cp.OrderCycle = make(map[string]string, len(s.OrderCycle))
		for k, v := range s.OrderCycle {
			cp.OrderCycle[k] = v
		}
	}
	return &cp
}

// OpenCycleForLevel returns the open cycle anchored to the level, if any.
func (s *BotState) OpenCycleForLevel(levelIndex int) *Cycle {
	for _, c := range s.Cycles {
		if c.LevelIndex == levelIndex && c.State != CycleClosed {
			return c
		}
	}
	return nil
}
