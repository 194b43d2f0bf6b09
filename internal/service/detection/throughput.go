package detection

import (
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Throughput counts ticks over wall-clock windows. Once a window has run for more
// than a second its rate is emitted, rounded to whole ticks per second, and a new
// window starts.
type Throughput struct {
	mu    sync.Mutex
	clock clock.Clock
	start time.Time
	ticks int
	fps   int
}

// NewThroughput creates a counter whose first window starts now.
func NewThroughput(c clock.Clock) *Throughput {
	return &Throughput{clock: c, start: c.Now()}
}

// Tick records one tick and returns the most recently emitted rate.
func (t *Throughput) Tick() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	t.ticks++
	elapsed := now.Sub(t.start)
	if elapsed > time.Second {
		ms := float64(elapsed) / float64(time.Millisecond)
		t.fps = int(math.Round(float64(t.ticks) * 1000 / ms))
		t.ticks = 0
		t.start = now
	}
	return t.fps
}

// FPS returns the most recently emitted rate.
func (t *Throughput) FPS() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fps
}

// Reset starts a new window and zeroes the rate.
func (t *Throughput) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.start = t.clock.Now()
	t.ticks = 0
	t.fps = 0
}
