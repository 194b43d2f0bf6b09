package sqlite

import (
	"database/sql"
	"errors"
	"fmt"

	"customvision/internal/model"
	"customvision/internal/repository"
)

// CaptureRepository implements repository.CaptureRepository for SQLite.
type CaptureRepository struct {
	db *DB
}

// NewCaptureRepository creates a new SQLite capture repository.
func NewCaptureRepository(db *DB) *CaptureRepository {
	return &CaptureRepository{db: db}
}

// Insert adds a new capture record to the database.
func (r *CaptureRepository) Insert(c *model.Capture) (int64, error) {
	r.db.Lock()
	defer r.db.Unlock()

	result, err := r.db.Conn().Exec(`
		INSERT INTO captures (filename, timestamp, filepath, filesize)
		VALUES (?, ?, ?, ?)
	`, c.Filename, c.Timestamp, c.FilePath, c.FileSize)
	if err != nil {
		return 0, fmt.Errorf("failed to insert capture: %w", err)
	}

	return result.LastInsertId()
}

// GetByID retrieves a capture by its ID.
func (r *CaptureRepository) GetByID(id int64) (*model.Capture, error) {
	r.db.RLock()
	defer r.db.RUnlock()

	var c model.Capture
	err := r.db.Conn().QueryRow(`
		SELECT id, filename, timestamp, filepath, filesize
		FROM captures WHERE id = ?
	`, id).Scan(&c.ID, &c.Filename, &c.Timestamp, &c.FilePath, &c.FileSize)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("capture %d: %w", id, repository.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get capture: %w", err)
	}
	return &c, nil
}

// GetRecent returns the newest captures first. A non-positive limit returns all.
func (r *CaptureRepository) GetRecent(limit int) ([]model.Capture, error) {
	r.db.RLock()
	defer r.db.RUnlock()

	query := `SELECT id, filename, timestamp, filepath, filesize FROM captures ORDER BY timestamp DESC, id DESC`
	args := []interface{}{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := r.db.Conn().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query captures: %w", err)
	}
	defer rows.Close()

	var captures []model.Capture
	for rows.Next() {
		var c model.Capture
		if err := rows.Scan(&c.ID, &c.Filename, &c.Timestamp, &c.FilePath, &c.FileSize); err != nil {
			return nil, fmt.Errorf("failed to scan capture: %w", err)
		}
		captures = append(captures, c)
	}

	return captures, rows.Err()
}

// DeleteAll removes all captures and their detections.
func (r *CaptureRepository) DeleteAll() error {
	r.db.Lock()
	defer r.db.Unlock()

	if _, err := r.db.Conn().Exec(`DELETE FROM detections`); err != nil {
		return fmt.Errorf("failed to delete detections: %w", err)
	}

	if _, err := r.db.Conn().Exec(`DELETE FROM captures`); err != nil {
		return fmt.Errorf("failed to delete captures: %w", err)
	}

	return nil
}
