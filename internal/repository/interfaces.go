package repository

import (
	"time"

	"customvision/internal/model"
)

// ErrNotFound is returned by stores when a key or record is absent.
var ErrNotFound = model.ErrNotFound

// ModelBlobStore persists opaque model blobs under application-namespaced keys.
type ModelBlobStore interface {
	Save(key string, blob []byte) error
	// Load returns ErrNotFound when nothing is stored under key.
	Load(key string) ([]byte, error)
}

// ExampleRepository persists training classes and their example images.
type ExampleRepository interface {
	InsertClass(name string, createdAt time.Time) error
	// GetClasses returns every class name in creation order.
	GetClasses() ([]string, error)
	Insert(ex *model.Example) (int64, error)
	// GetAll returns every example in insertion order.
	GetAll() ([]model.Example, error)
	// DeleteAll removes every class and example.
	DeleteAll() error
}

// CaptureRepository defines the interface for saved capture records.
type CaptureRepository interface {
	// Create operations
	Insert(c *model.Capture) (int64, error)

	// Read operations
	GetByID(id int64) (*model.Capture, error)
	GetRecent(limit int) ([]model.Capture, error)

	// Delete operations
	DeleteAll() error
}

// DetectionRepository defines the interface for detections stored with captures.
type DetectionRepository interface {
	// Create operations
	InsertBatch(detections []model.CaptureDetection) error

	// Read operations
	GetByCaptureID(captureID int64) ([]model.CaptureDetection, error)
	GetAllObjectNames() ([]string, error)
}
