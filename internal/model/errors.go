package model

import (
	"errors"
	"strings"
)

var (
	// ErrModelLoad marks a detector or custom model that failed to initialize.
	ErrModelLoad = errors.New("model load failed")
	// ErrFrameNotReady is transient; the frame source has nothing to offer yet.
	ErrFrameNotReady = errors.New("frame not ready")
	// ErrInference marks a failed inference call during one tick.
	ErrInference = errors.New("inference failed")
	// ErrValidation marks unmet training preconditions.
	ErrValidation = errors.New("validation failed")
	// ErrPersistence marks a model save or load failure.
	ErrPersistence = errors.New("persistence failed")
	// ErrNotFound marks an absent or unreadable stored record.
	ErrNotFound = errors.New("not found")
)

// ValidationError lists every unmet precondition of a training request.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Problems, "; ")
}

// Is lets errors.Is match ErrValidation.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}
