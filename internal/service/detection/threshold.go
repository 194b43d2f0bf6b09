package detection

import (
	"errors"
	"math"
	"sync/atomic"
)

// ErrInvalidThreshold is returned for thresholds outside the open interval (0, 1).
var ErrInvalidThreshold = errors.New("threshold must be between 0 and 1 (exclusive)")

// Threshold is the operator-adjustable confidence threshold, safe for concurrent use.
type Threshold struct {
	bits atomic.Uint64
}

// NewThreshold creates a threshold set to v, or to 0.5 when v is invalid.
func NewThreshold(v float64) *Threshold {
	t := &Threshold{}
	if err := t.Set(v); err != nil {
		t.bits.Store(math.Float64bits(0.5))
	}
	return t
}

// Get returns the current value.
func (t *Threshold) Get() float64 {
	return math.Float64frombits(t.bits.Load())
}

// Set replaces the value. The previous value is kept on error.
func (t *Threshold) Set(v float64) error {
	if math.IsNaN(v) || v <= 0 || v >= 1 {
		return ErrInvalidThreshold
	}
	t.bits.Store(math.Float64bits(v))
	return nil
}
