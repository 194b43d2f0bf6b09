// Package detection runs the recognition loop over the live frame source and
// publishes the merged detection state.
package detection

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"customvision/internal/camera"
	"customvision/internal/config"
	"customvision/internal/logger"
	"customvision/internal/model"
	"customvision/internal/service/classifier"
	"customvision/internal/service/corpus"
)

// LoopState is the scheduling state of the continuous loop.
type LoopState int32

const (
	Idle LoopState = iota
	Running
	// Cancelling means continuous mode was left while a tick was still in flight.
	Cancelling
)

func (s LoopState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Cancelling:
		return "cancelling"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// ObjectDetector is the general-purpose detector run first on every tick.
type ObjectDetector interface {
	Detect(ctx context.Context, frame *model.Frame, threshold float64) ([]model.Detection, error)
}

// ExemplarMatcher recognizes custom classes by similarity to stored examples.
type ExemplarMatcher interface {
	MatchClasses(frame *model.Frame, classes []string, exemplars map[string][]image.Image) ([]model.Detection, error)
}

// Predictor is a trained custom model.
type Predictor interface {
	Predict(frame *model.Frame, threshold float64) ([]model.Detection, error)
}

// Snapshotter provides the current training corpus.
type Snapshotter interface {
	Snapshot() corpus.Snapshot
}

// Deps are the collaborators of a Loop. Detector may be nil, in which case
// only custom classes are recognized.
type Deps struct {
	Source   camera.Source
	Detector ObjectDetector
	Corpus   Snapshotter
	Matcher  ExemplarMatcher
	Active   *classifier.Active
	Clock    clock.Clock
}

// Loop produces detection states from frames, either on explicit request or
// continuously. Ticks never overlap, and a tick whose generation was superseded
// while it ran is discarded instead of published.
type Loop struct {
	config *config.Config
	logger *logger.Logger

	source   camera.Source
	detector ObjectDetector
	corpus   Snapshotter
	matcher  ExemplarMatcher
	custom   func() Predictor
	clock    clock.Clock

	threshold  *Threshold
	throughput *Throughput

	tickMu sync.Mutex
	// publishMu orders a publish and its hook against Stop.
	publishMu sync.Mutex

	mu       sync.Mutex
	state    LoopState
	gen      uint64
	inFlight int
	timer    *clock.Timer
	cancel   context.CancelFunc

	published atomic.Pointer[model.DetectionState]
	ticks     atomic.Int64
	failures  atomic.Int64

	hookMu    sync.RWMutex
	onPublish func(*model.DetectionState)

	degraded sync.Once
}

// NewLoop creates an idle loop.
func NewLoop(config *config.Config, logger *logger.Logger, deps Deps) *Loop {
	c := deps.Clock
	if c == nil {
		c = clock.New()
	}
	l := &Loop{
		config:     config,
		logger:     logger,
		source:     deps.Source,
		detector:   deps.Detector,
		corpus:     deps.Corpus,
		matcher:    deps.Matcher,
		clock:      c,
		threshold:  NewThreshold(config.ConfidenceThreshold),
		throughput: NewThroughput(c),
	}
	if deps.Active != nil {
		active := deps.Active
		l.custom = func() Predictor {
			if m := active.Get(); m != nil {
				return m
			}
			return nil
		}
	} else {
		l.custom = func() Predictor { return nil }
	}
	l.published.Store(model.EmptyState())
	return l
}

// Threshold returns the confidence threshold used by every tick.
func (l *Loop) Threshold() *Threshold { return l.threshold }

// DetectorAvailable reports whether a general detector is loaded.
func (l *Loop) DetectorAvailable() bool { return l.detector != nil }

// OnPublish registers fn to be called after every published state.
func (l *Loop) OnPublish(fn func(*model.DetectionState)) {
	l.hookMu.Lock()
	defer l.hookMu.Unlock()
	l.onPublish = fn
}

// State returns the last published detection state. The value must not be modified.
func (l *Loop) State() *model.DetectionState {
	return l.published.Load()
}

// Mode returns the scheduling state.
func (l *Loop) Mode() LoopState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Stats returns the number of completed and failed ticks.
func (l *Loop) Stats() (ticks, failures int64) {
	return l.ticks.Load(), l.failures.Load()
}

// Start enters continuous mode. The first tick runs immediately. It returns
// false when the loop is already running.
func (l *Loop) Start(ctx context.Context) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == Running {
		return false
	}
	l.state = Running
	l.gen++
	gen := l.gen
	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.throughput.Reset()

	l.logger.Info("Detection loop started (generation %d)", gen)
	go l.scheduled(runCtx, gen)
	return true
}

// Stop leaves continuous mode: the pending tick is cancelled, an in-flight tick
// will not publish, and the published state is cleared. A publish hook already
// running completes before Stop returns.
func (l *Loop) Stop() {
	l.publishMu.Lock()
	defer l.publishMu.Unlock()
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state != Running {
		return
	}
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
	l.gen++
	if l.inFlight > 0 {
		l.state = Cancelling
	} else {
		l.state = Idle
	}

	cleared := model.EmptyState()
	cleared.Generation = l.gen
	cleared.DetectorAvailable = l.detector != nil
	cleared.PublishedAt = l.clock.Now()
	l.published.Store(cleared)
	l.logger.Info("Detection loop stopped (generation %d)", l.gen)
}

// Tick runs one detection pass on request. A frame that is not ready is
// retried a bounded number of times before ErrFrameNotReady is returned.
func (l *Loop) Tick(ctx context.Context) (*model.DetectionState, error) {
	gen := l.generation()
	frame, err := l.Capture(ctx)
	if err != nil {
		return nil, err
	}
	return l.tick(ctx, frame, gen)
}

// TickFrame runs one detection pass on a frame the caller already captured.
func (l *Loop) TickFrame(ctx context.Context, frame *model.Frame) (*model.DetectionState, error) {
	if !frame.Ready() {
		return nil, model.ErrFrameNotReady
	}
	return l.tick(ctx, frame, l.generation())
}

// Capture returns the current frame, retrying while the source is not ready.
func (l *Loop) Capture(ctx context.Context) (*model.Frame, error) {
	for attempt := 0; ; attempt++ {
		frame, err := l.currentFrame()
		if err == nil {
			return frame, nil
		}
		if !errors.Is(err, model.ErrFrameNotReady) || attempt >= l.config.FrameRetries {
			return nil, err
		}
		select {
		case <-l.clock.After(l.config.FrameRetryDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (l *Loop) tick(ctx context.Context, frame *model.Frame, gen uint64) (*model.DetectionState, error) {
	l.tickMu.Lock()
	defer l.tickMu.Unlock()

	state, err := l.process(ctx, frame, gen)
	if err != nil {
		l.failures.Add(1)
		return nil, err
	}
	l.publish(state, gen)
	return state, nil
}

func (l *Loop) generation() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.gen
}

// scheduled is one continuous-mode tick. It reschedules itself while the loop
// stays in the generation it was started for.
func (l *Loop) scheduled(ctx context.Context, gen uint64) {
	l.mu.Lock()
	if l.state != Running || l.gen != gen {
		l.mu.Unlock()
		return
	}
	l.timer = nil
	l.inFlight++
	l.mu.Unlock()

	delay := l.runOnce(ctx, gen)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.inFlight--
	switch {
	case l.state == Cancelling && l.inFlight == 0:
		l.state = Idle
	case l.state == Running && l.gen == gen:
		l.timer = l.clock.AfterFunc(delay, func() { l.scheduled(ctx, gen) })
	}
}

// runOnce runs a tick and returns the delay before the next one.
func (l *Loop) runOnce(ctx context.Context, gen uint64) time.Duration {
	l.tickMu.Lock()
	defer l.tickMu.Unlock()

	frame, err := l.currentFrame()
	if err != nil {
		if !errors.Is(err, model.ErrFrameNotReady) {
			l.logger.Warning("Frame source error: %v", err)
		}
		return l.config.FrameRetryDelay
	}

	state, err := l.process(ctx, frame, gen)
	if err != nil {
		if ctx.Err() != nil {
			return l.config.FrameInterval
		}
		l.failures.Add(1)
		l.logger.Error("Detection tick failed: %v", err)
		return l.config.ErrorBackoff
	}
	l.publish(state, gen)
	return l.config.FrameInterval
}

func (l *Loop) currentFrame() (*model.Frame, error) {
	frame, err := l.source.CurrentFrame()
	if err != nil {
		return nil, err
	}
	if !frame.Ready() {
		return nil, model.ErrFrameNotReady
	}
	return frame, nil
}

// process runs the recognizers on frame and builds the state to publish.
func (l *Loop) process(ctx context.Context, frame *model.Frame, gen uint64) (*model.DetectionState, error) {
	threshold := l.threshold.Get()
	detections := make([]model.Detection, 0)

	if l.detector != nil {
		general, err := l.detector.Detect(ctx, frame, threshold)
		if err != nil {
			return nil, inferenceError("general detector", err)
		}
		detections = append(detections, general...)
	} else {
		l.degraded.Do(func() {
			l.logger.Warning("No general detector available; recognizing custom classes only")
		})
	}

	custom, err := l.recognizeCustom(frame, threshold)
	if err != nil {
		return nil, err
	}
	detections = append(detections, custom...)

	return &model.DetectionState{
		Generation:        gen,
		Detections:        detections,
		Counts:            model.CountObjects(detections),
		DetectorAvailable: l.detector != nil,
		PublishedAt:       l.clock.Now(),
	}, nil
}

// recognizeCustom runs the active trained model when there is one, and the
// exemplar matcher over the non-empty corpus classes otherwise.
func (l *Loop) recognizeCustom(frame *model.Frame, threshold float64) ([]model.Detection, error) {
	if m := l.custom(); m != nil {
		dets, err := m.Predict(frame, threshold)
		if err != nil {
			return nil, inferenceError("custom model", err)
		}
		return dets, nil
	}

	if l.corpus == nil || l.matcher == nil {
		return nil, nil
	}
	snap := l.corpus.Snapshot()
	classes := snap.NonEmpty()
	if len(classes) == 0 {
		return nil, nil
	}
	dets, err := l.matcher.MatchClasses(frame, classes, snap.Examples)
	if err != nil {
		return nil, inferenceError("exemplar matcher", err)
	}
	return dets, nil
}

// publish swaps in state unless gen was superseded. Only published ticks
// count toward the throughput.
func (l *Loop) publish(state *model.DetectionState, gen uint64) bool {
	l.publishMu.Lock()
	defer l.publishMu.Unlock()

	l.mu.Lock()
	if l.gen != gen {
		l.mu.Unlock()
		return false
	}
	state.FPS = l.throughput.Tick()
	l.published.Store(state)
	l.mu.Unlock()

	l.ticks.Add(1)

	l.hookMu.RLock()
	fn := l.onPublish
	l.hookMu.RUnlock()
	if fn != nil {
		fn(state)
	}
	return true
}

func inferenceError(stage string, err error) error {
	if errors.Is(err, model.ErrInference) {
		return fmt.Errorf("%s: %w", stage, err)
	}
	return fmt.Errorf("%w: %s: %v", model.ErrInference, stage, err)
}

// pending reports whether a continuous tick is scheduled.
func (l *Loop) pending() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.timer != nil
}
