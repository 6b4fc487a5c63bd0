package persistence

import (
	"encoding/json"
	"errors"
	"fmt"

	"spot-grid-bot-go/internal/models"

	"github.com/dgraph-io/badger/v3"
)

// badgerRepository stores the whole BotState as one JSON document under a
// fixed key. Badger transactions give the atomic-swap guarantee.
type badgerRepository struct {
	db       *badger.DB
	stateKey []byte
}

// NewBadgerRepository opens (or creates) a BadgerDB at dbPath.
func NewBadgerRepository(dbPath string) (StateRepository, error) {
	opts := badger.DefaultOptions(dbPath)
	// Badger's own logging would interleave with the bot's; errors still
	// surface through return values.
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &badgerRepository{
		db:       db,
		stateKey: []byte("bot_state"),
	}, nil
}

func (r *badgerRepository) SaveState(state *models.BotState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(r.stateKey, data)
	})
}

func (r *badgerRepository) LoadState() (*models.BotState, error) {
	var state models.BotState

	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(r.stateKey)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) == 0 {
				return fmt.Errorf("%w: empty state value", models.ErrStateCorruption)
			}
			if err := json.Unmarshal(val, &state); err != nil {
				return fmt.Errorf("%w: %v", models.ErrStateCorruption, err)
			}
			return nil
		})
	})

	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil // no state yet, a fresh start
	}
	if err != nil {
		return nil, err
	}
	if err := state.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrStateCorruption, err)
	}
	return &state, nil
}

func (r *badgerRepository) Close() error {
	return r.db.Close()
}
