// Package tensor owns the numeric buffers used by inference and training and
// guarantees each of them is released exactly once.
package tensor

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
)

// ErrReleased is returned when a released tensor is used.
var ErrReleased = errors.New("tensor already released")

// Tracker counts allocated and outstanding resources.
type Tracker struct {
	allocated   atomic.Int64
	outstanding atomic.Int64
}

// Default is the tracker used when none is given.
var Default = &Tracker{}

// Allocated returns the number of resources ever acquired through the tracker.
func (t *Tracker) Allocated() int64 { return t.allocated.Load() }

// Outstanding returns the number of acquired resources not yet released.
func (t *Tracker) Outstanding() int64 { return t.outstanding.Load() }

func (t *Tracker) acquire() {
	t.allocated.Add(1)
	t.outstanding.Add(1)
}

func (t *Tracker) release() {
	t.outstanding.Add(-1)
}

// Tensor is a dense float64 buffer with a shape.
type Tensor struct {
	Shape []int
	Data  []float64

	tracker  *Tracker
	released atomic.Bool
}

// Len returns the number of elements.
func (t *Tensor) Len() int { return len(t.Data) }

// Close releases the tensor. Closing twice is a no-op.
func (t *Tensor) Close() error {
	if !t.released.CompareAndSwap(false, true) {
		return nil
	}
	t.Data = nil
	if t.tracker != nil {
		t.tracker.release()
	}
	return nil
}

// Released reports whether Close has been called.
func (t *Tensor) Released() bool { return t.released.Load() }

func newTensor(tr *Tracker, shape []int) *Tensor {
	n := 1
	for _, d := range shape {
		if d <= 0 {
			panic(fmt.Sprintf("tensor: invalid shape %v", shape))
		}
		n *= d
	}
	tr.acquire()
	return &Tensor{
		Shape:   append([]int(nil), shape...),
		Data:    make([]float64, n),
		tracker: tr,
	}
}

// tracked wraps a foreign resource such as a gocv.Mat.
type tracked struct {
	io.Closer
	tracker *Tracker
	once    sync.Once
}

func (t *tracked) Close() error {
	var err error
	t.once.Do(func() {
		err = t.Closer.Close()
		t.tracker.release()
	})
	return err
}

// Scope owns every resource created or registered through it until Close.
type Scope struct {
	tracker *Tracker

	mu     sync.Mutex
	items  []io.Closer
	closed bool
}

// NewScope opens a scope bound to a tracker (Default when nil).
func NewScope(tr *Tracker) *Scope {
	if tr == nil {
		tr = Default
	}
	return &Scope{tracker: tr}
}

// Tracker returns the tracker the scope reports to.
func (s *Scope) Tracker() *Tracker { return s.tracker }

// New allocates a zeroed tensor owned by the scope.
func (s *Scope) New(shape ...int) *Tensor {
	t := newTensor(s.tracker, shape)
	s.add(t)
	return t
}

// FromSlice allocates a tensor holding a copy of data.
func (s *Scope) FromSlice(data []float64, shape ...int) *Tensor {
	t := s.New(shape...)
	if len(data) != len(t.Data) {
		panic(fmt.Sprintf("tensor: %d values for shape %v", len(data), shape))
	}
	copy(t.Data, data)
	return t
}

// Track registers a foreign resource so it is closed with the scope.
func (s *Scope) Track(c io.Closer) io.Closer {
	s.tracker.acquire()
	t := &tracked{Closer: c, tracker: s.tracker}
	s.add(t)
	return t
}

// Keep detaches a tensor from the scope; the caller becomes responsible for closing it.
func (s *Scope) Keep(t *Tensor) *Tensor {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, item := range s.items {
		if item == io.Closer(t) {
			s.items = append(s.items[:i], s.items[i+1:]...)
			break
		}
	}
	return t
}

func (s *Scope) add(c io.Closer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		// Late registration on a closed scope is released immediately.
		_ = c.Close()
		panic("tensor: scope already closed")
	}
	s.items = append(s.items, c)
}

// Close releases every owned resource in reverse order of creation.
func (s *Scope) Close() error {
	s.mu.Lock()
	items := s.items
	s.items = nil
	s.closed = true
	s.mu.Unlock()

	var err error
	for i := len(items) - 1; i >= 0; i-- {
		err = multierr.Append(err, items[i].Close())
	}
	return err
}

// Run executes fn inside a fresh scope and releases the scope on every exit
// path, including a panic inside fn.
func Run(tr *Tracker, fn func(*Scope) error) (err error) {
	s := NewScope(tr)
	defer func() {
		err = multierr.Append(err, s.Close())
	}()
	return fn(s)
}
