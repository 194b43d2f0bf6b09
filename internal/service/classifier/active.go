package classifier

import "sync/atomic"

// Active holds the model used by the detection loop. Swaps are atomic, so a
// reader sees either the previous or the new model.
type Active struct {
	current atomic.Pointer[Classifier]
}

// Get returns the active model, or nil when none is set.
func (a *Active) Get() *Classifier {
	return a.current.Load()
}

// Set makes c the active model. Only fitted models are accepted.
func (a *Active) Set(c *Classifier) error {
	if c == nil || c.State() != StateFitted {
		return ErrNotTrained
	}
	a.current.Store(c)
	return nil
}

// Clear removes the active model.
func (a *Active) Clear() {
	a.current.Store(nil)
}
