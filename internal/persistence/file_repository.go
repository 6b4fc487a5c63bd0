package persistence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"spot-grid-bot-go/internal/models"
)

// fileRepository keeps the state in a single JSON file. Writes go to a
// temporary file in the same directory and are renamed into place, so a crash
// never leaves a partially written state behind.
type fileRepository struct {
	path string
}

// NewFileRepository stores state at path (e.g. "./state/bot_state.json").
func NewFileRepository(path string) StateRepository {
	return &fileRepository{path: path}
}

func (r *fileRepository) SaveState(state *models.BotState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".bot_state-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, r.path)
}

func (r *fileRepository) LoadState() (*models.BotState, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil // no state yet
		}
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: state file %s is empty", models.ErrStateCorruption, r.path)
	}

	var state models.BotState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrStateCorruption, err)
	}
	if err := state.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrStateCorruption, err)
	}
	return &state, nil
}

func (r *fileRepository) Close() error { return nil }
