package persistence

import (
	"fmt"

	"spot-grid-bot-go/internal/models"
)

// StateRepository abstracts the durable store for the bot's aggregate state.
type StateRepository interface {
	// SaveState atomically replaces the persisted state document.
	SaveState(state *models.BotState) error

	// LoadState returns the persisted state, or (nil, nil) when none exists.
	// A state that exists but fails validation is returned as
	// models.ErrStateCorruption.
	LoadState() (*models.BotState, error)

	// Close releases the underlying store.
	Close() error
}

// NewRepository picks the backend from config.
func NewRepository(cfg models.StateConfig) (StateRepository, error) {
	switch cfg.Backend {
	case "badger":
		return NewBadgerRepository(cfg.Path)
	case "file":
		return NewFileRepository(cfg.Path), nil
	default:
		return nil, fmt.Errorf("unknown state backend %q", cfg.Backend)
	}
}
