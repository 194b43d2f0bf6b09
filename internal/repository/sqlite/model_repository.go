package sqlite

import (
	"database/sql"
	"errors"
	"fmt"

	"customvision/internal/repository"
)

// ModelRepository implements repository.ModelBlobStore for SQLite.
type ModelRepository struct {
	db *DB
}

// NewModelRepository creates a new SQLite model blob store.
func NewModelRepository(db *DB) *ModelRepository {
	return &ModelRepository{db: db}
}

// Save stores blob under key, replacing any previous blob.
func (r *ModelRepository) Save(key string, blob []byte) error {
	r.db.Lock()
	defer r.db.Unlock()

	_, err := r.db.Conn().Exec(`
		INSERT INTO models (key, blob, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET blob = excluded.blob, updated_at = CURRENT_TIMESTAMP
	`, key, blob)
	if err != nil {
		return fmt.Errorf("failed to save model %s: %w", key, err)
	}
	return nil
}

// Load returns the blob stored under key.
func (r *ModelRepository) Load(key string) ([]byte, error) {
	r.db.RLock()
	defer r.db.RUnlock()

	var blob []byte
	err := r.db.Conn().QueryRow(`SELECT blob FROM models WHERE key = ?`, key).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("model %s: %w", key, repository.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load model %s: %w", key, err)
	}
	return blob, nil
}

// Delete removes the blob stored under key.
func (r *ModelRepository) Delete(key string) error {
	r.db.Lock()
	defer r.db.Unlock()

	if _, err := r.db.Conn().Exec(`DELETE FROM models WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete model %s: %w", key, err)
	}
	return nil
}
