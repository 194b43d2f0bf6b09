package sqlite

import (
	"fmt"
	"time"

	"customvision/internal/model"
)

// ExampleRepository implements repository.ExampleRepository for SQLite.
type ExampleRepository struct {
	db *DB
}

// NewExampleRepository creates a new SQLite example repository.
func NewExampleRepository(db *DB) *ExampleRepository {
	return &ExampleRepository{db: db}
}

// InsertClass records a class. Recording an existing class is a no-op.
func (r *ExampleRepository) InsertClass(name string, createdAt time.Time) error {
	r.db.Lock()
	defer r.db.Unlock()

	if _, err := r.db.Conn().Exec(`
		INSERT OR IGNORE INTO classes (name, created_at) VALUES (?, ?)
	`, name, createdAt); err != nil {
		return fmt.Errorf("failed to insert class: %w", err)
	}
	return nil
}

// GetClasses returns every class name ordered by creation.
func (r *ExampleRepository) GetClasses() ([]string, error) {
	r.db.RLock()
	defer r.db.RUnlock()

	rows, err := r.db.Conn().Query(`SELECT name FROM classes ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query classes: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan class: %w", err)
		}
		names = append(names, name)
	}

	return names, rows.Err()
}

// Insert adds a training example.
func (r *ExampleRepository) Insert(ex *model.Example) (int64, error) {
	r.db.Lock()
	defer r.db.Unlock()

	result, err := r.db.Conn().Exec(`
		INSERT INTO examples (class, data, created_at) VALUES (?, ?, ?)
	`, ex.Class, ex.Data, ex.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("failed to insert example: %w", err)
	}

	return result.LastInsertId()
}

// GetAll returns every stored example ordered by insertion.
func (r *ExampleRepository) GetAll() ([]model.Example, error) {
	r.db.RLock()
	defer r.db.RUnlock()

	rows, err := r.db.Conn().Query(`SELECT id, class, data, created_at FROM examples ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query examples: %w", err)
	}
	defer rows.Close()

	var examples []model.Example
	for rows.Next() {
		var ex model.Example
		if err := rows.Scan(&ex.ID, &ex.Class, &ex.Data, &ex.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan example: %w", err)
		}
		examples = append(examples, ex)
	}

	return examples, rows.Err()
}

// DeleteAll removes every stored class and example.
func (r *ExampleRepository) DeleteAll() error {
	r.db.Lock()
	defer r.db.Unlock()

	if _, err := r.db.Conn().Exec(`DELETE FROM examples`); err != nil {
		return fmt.Errorf("failed to delete examples: %w", err)
	}
	if _, err := r.db.Conn().Exec(`DELETE FROM classes`); err != nil {
		return fmt.Errorf("failed to delete classes: %w", err)
	}
	return nil
}
