package detection

import (
	"context"
	"errors"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"customvision/internal/config"
	"customvision/internal/logger"
	"customvision/internal/model"
	"customvision/internal/service/corpus"
)

type fakeSource struct {
	frame *model.Frame
	calls atomic.Int64
}

func (s *fakeSource) CurrentFrame() (*model.Frame, error) {
	s.calls.Add(1)
	if s.frame == nil {
		return nil, model.ErrFrameNotReady
	}
	return s.frame, nil
}

type fakeDetector struct {
	calls atomic.Int64
	fn    func(ctx context.Context, call int64) ([]model.Detection, error)
}

func (d *fakeDetector) Detect(ctx context.Context, frame *model.Frame, threshold float64) ([]model.Detection, error) {
	n := d.calls.Add(1)
	if d.fn == nil {
		return nil, nil
	}
	dets, err := d.fn(ctx, n)
	if err != nil {
		return nil, err
	}
	out := make([]model.Detection, 0, len(dets))
	for _, det := range dets {
		if det.Score >= threshold {
			out = append(out, det)
		}
	}
	return out, nil
}

type fakeMatcher struct {
	mu      sync.Mutex
	classes []string
	calls   int
	result  []model.Detection
}

func (m *fakeMatcher) MatchClasses(frame *model.Frame, classes []string, exemplars map[string][]image.Image) ([]model.Detection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.classes = append([]string(nil), classes...)
	return m.result, nil
}

type fakePredictor struct {
	result []model.Detection
}

func (p *fakePredictor) Predict(frame *model.Frame, threshold float64) ([]model.Detection, error) {
	return p.result, nil
}

type fakeCorpus struct {
	snap corpus.Snapshot
}

func (c *fakeCorpus) Snapshot() corpus.Snapshot { return c.snap }

func testConfig() *config.Config {
	return &config.Config{
		ConfidenceThreshold: 0.3,
		FrameInterval:       33 * time.Millisecond,
		ErrorBackoff:        500 * time.Millisecond,
		FrameRetryDelay:     100 * time.Millisecond,
		FrameRetries:        2,
	}
}

func testFrame() *model.Frame {
	return model.NewFrame(image.NewRGBA(image.Rect(0, 0, 64, 48)), 1, time.Now())
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func TestTick_EmptySceneYieldsEmptyState(t *testing.T) {
	det := &fakeDetector{fn: func(context.Context, int64) ([]model.Detection, error) {
		return []model.Detection{{Class: "noise", Score: 0.1, Source: model.SourceGeneral}}, nil
	}}
	loop := NewLoop(testConfig(), logger.NewNop(), Deps{
		Source:   &fakeSource{frame: testFrame()},
		Detector: det,
		Corpus:   &fakeCorpus{},
		Matcher:  &fakeMatcher{},
		Clock:    clock.NewMock(),
	})

	state, err := loop.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if len(state.Detections) != 0 {
		t.Errorf("Expected no detections, got %v", state.Detections)
	}
	if len(state.Counts) != 0 {
		t.Errorf("Expected empty counts, got %v", state.Counts)
	}
	if !state.DetectorAvailable {
		t.Error("Expected detector to be available")
	}
	if loop.State() != state {
		t.Error("Expected the tick result to be published")
	}
}

func TestTick_MergesGeneralAndExemplarDetections(t *testing.T) {
	det := &fakeDetector{fn: func(context.Context, int64) ([]model.Detection, error) {
		return []model.Detection{
			{Class: "person", Score: 0.9, Source: model.SourceGeneral},
			{Class: "person", Score: 0.8, Source: model.SourceGeneral},
		}, nil
	}}
	matcher := &fakeMatcher{result: []model.Detection{{Class: "cup", Score: 0.95, Source: model.SourceExemplar}}}
	snap := corpus.Snapshot{
		Classes: []string{"cup", "mug"},
		Examples: map[string][]image.Image{
			"cup": {image.NewRGBA(image.Rect(0, 0, 4, 4))},
		},
	}
	loop := NewLoop(testConfig(), logger.NewNop(), Deps{
		Source:   &fakeSource{frame: testFrame()},
		Detector: det,
		Corpus:   &fakeCorpus{snap: snap},
		Matcher:  matcher,
		Clock:    clock.NewMock(),
	})

	state, err := loop.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick failed: %v", err)
	}

	if len(state.Detections) != 3 {
		t.Fatalf("Expected 3 detections, got %d", len(state.Detections))
	}
	if state.Detections[2].Source != model.SourceExemplar {
		t.Errorf("Expected custom detections after general ones, got %v", state.Detections[2].Source)
	}
	if state.Counts["person"] != 2 || state.Counts["cup"] != 1 {
		t.Errorf("Unexpected counts: %v", state.Counts)
	}
	if len(matcher.classes) != 1 || matcher.classes[0] != "cup" {
		t.Errorf("Expected matcher to run only for non-empty classes, got %v", matcher.classes)
	}
}

func TestTick_TrainedModelReplacesMatcher(t *testing.T) {
	matcher := &fakeMatcher{result: []model.Detection{{Class: "cup", Score: 0.95, Source: model.SourceExemplar}}}
	snap := corpus.Snapshot{
		Classes:  []string{"cup"},
		Examples: map[string][]image.Image{"cup": {image.NewRGBA(image.Rect(0, 0, 4, 4))}},
	}
	loop := NewLoop(testConfig(), logger.NewNop(), Deps{
		Source:   &fakeSource{frame: testFrame()},
		Detector: &fakeDetector{},
		Corpus:   &fakeCorpus{snap: snap},
		Matcher:  matcher,
		Clock:    clock.NewMock(),
	})
	predictor := &fakePredictor{result: []model.Detection{{Class: "mug", Score: 0.8, Source: model.SourceTrained}}}
	loop.custom = func() Predictor { return predictor }

	state, err := loop.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if matcher.calls != 0 {
		t.Errorf("Expected matcher not to run while a trained model is active, got %d calls", matcher.calls)
	}
	if len(state.Detections) != 1 || state.Detections[0].Source != model.SourceTrained {
		t.Errorf("Expected one trained detection, got %v", state.Detections)
	}
}

func TestTick_DegradedWithoutGeneralDetector(t *testing.T) {
	matcher := &fakeMatcher{result: []model.Detection{{Class: "cup", Score: 0.95, Source: model.SourceExemplar}}}
	snap := corpus.Snapshot{
		Classes:  []string{"cup"},
		Examples: map[string][]image.Image{"cup": {image.NewRGBA(image.Rect(0, 0, 4, 4))}},
	}
	loop := NewLoop(testConfig(), logger.NewNop(), Deps{
		Source:  &fakeSource{frame: testFrame()},
		Corpus:  &fakeCorpus{snap: snap},
		Matcher: matcher,
		Clock:   clock.NewMock(),
	})

	for i := 0; i < 2; i++ {
		state, err := loop.Tick(context.Background())
		if err != nil {
			t.Fatalf("Tick failed: %v", err)
		}
		if state.DetectorAvailable {
			t.Error("Expected DetectorAvailable=false")
		}
		if state.Counts["cup"] != 1 {
			t.Errorf("Expected custom recognition to keep working, got %v", state.Counts)
		}
	}
}

func TestTick_InferenceErrorSkipsPublish(t *testing.T) {
	det := &fakeDetector{fn: func(context.Context, int64) ([]model.Detection, error) {
		return nil, errors.New("backend crashed")
	}}
	loop := NewLoop(testConfig(), logger.NewNop(), Deps{
		Source:   &fakeSource{frame: testFrame()},
		Detector: det,
		Clock:    clock.NewMock(),
	})
	before := loop.State()

	_, err := loop.Tick(context.Background())
	if !errors.Is(err, model.ErrInference) {
		t.Fatalf("Expected ErrInference, got %v", err)
	}
	if loop.State() != before {
		t.Error("A failed tick must not publish")
	}
	if _, failures := loop.Stats(); failures != 1 {
		t.Errorf("Expected 1 failure, got %d", failures)
	}
}

func TestTick_FrameNotReadyRetriesThenGivesUp(t *testing.T) {
	mock := clock.NewMock()
	src := &fakeSource{}
	cfg := testConfig()
	loop := NewLoop(cfg, logger.NewNop(), Deps{Source: src, Detector: &fakeDetector{}, Clock: mock})

	done := make(chan error, 1)
	go func() {
		_, err := loop.Tick(context.Background())
		done <- err
	}()

	timeout := time.After(5 * time.Second)
	for {
		select {
		case err := <-done:
			if !errors.Is(err, model.ErrFrameNotReady) {
				t.Fatalf("Expected ErrFrameNotReady, got %v", err)
			}
			if got := src.calls.Load(); got != int64(cfg.FrameRetries+1) {
				t.Errorf("Expected %d frame attempts, got %d", cfg.FrameRetries+1, got)
			}
			return
		case <-timeout:
			t.Fatal("Tick never gave up")
		default:
			mock.Add(cfg.FrameRetryDelay)
			time.Sleep(time.Millisecond)
		}
	}
}

func TestLoop_ContinuousReschedules(t *testing.T) {
	mock := clock.NewMock()
	cfg := testConfig()
	var published atomic.Int64
	loop := NewLoop(cfg, logger.NewNop(), Deps{
		Source:   &fakeSource{frame: testFrame()},
		Detector: &fakeDetector{},
		Clock:    mock,
	})
	loop.OnPublish(func(*model.DetectionState) { published.Add(1) })

	if !loop.Start(context.Background()) {
		t.Fatal("Start returned false")
	}
	if loop.Start(context.Background()) {
		t.Error("Second Start should report already running")
	}
	waitFor(t, "first tick", func() bool { return published.Load() == 1 && loop.pending() })

	mock.Add(cfg.FrameInterval)
	waitFor(t, "second tick", func() bool { return published.Load() == 2 && loop.pending() })

	loop.Stop()
	if loop.Mode() != Idle {
		t.Errorf("Expected idle after stop, got %v", loop.Mode())
	}
}

func TestLoop_StopCancelsPendingTick(t *testing.T) {
	mock := clock.NewMock()
	cfg := testConfig()
	det := &fakeDetector{fn: func(context.Context, int64) ([]model.Detection, error) {
		return []model.Detection{{Class: "person", Score: 0.9, Source: model.SourceGeneral}}, nil
	}}
	var published atomic.Int64
	loop := NewLoop(cfg, logger.NewNop(), Deps{
		Source:   &fakeSource{frame: testFrame()},
		Detector: det,
		Clock:    mock,
	})
	loop.OnPublish(func(*model.DetectionState) { published.Add(1) })

	loop.Start(context.Background())
	waitFor(t, "first tick", func() bool { return published.Load() == 1 && loop.pending() })
	if loop.State().Counts["person"] != 1 {
		t.Fatalf("Expected a person in the live state, got %v", loop.State().Counts)
	}

	loop.Stop()
	if loop.pending() {
		t.Fatal("Stop left a scheduled tick behind")
	}

	mock.Add(10 * cfg.FrameInterval)
	time.Sleep(20 * time.Millisecond)

	if got := det.calls.Load(); got != 1 {
		t.Errorf("Expected no detector calls after stop, got %d total", got)
	}
	if got := published.Load(); got != 1 {
		t.Errorf("Expected no publishes after stop, got %d total", got)
	}
	state := loop.State()
	if len(state.Detections) != 0 || len(state.Counts) != 0 {
		t.Errorf("Expected cleared state after stop, got %+v", state)
	}

	// an explicit tick is still allowed
	if _, err := loop.Tick(context.Background()); err != nil {
		t.Fatalf("Explicit tick failed: %v", err)
	}
	if published.Load() != 2 {
		t.Errorf("Expected the explicit tick to publish, got %d publishes", published.Load())
	}
}

func TestLoop_DiscardsResultOfSupersededTick(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	det := &fakeDetector{fn: func(ctx context.Context, call int64) ([]model.Detection, error) {
		close(entered)
		<-release
		return []model.Detection{{Class: "person", Score: 0.9, Source: model.SourceGeneral}}, nil
	}}
	var published atomic.Int64
	loop := NewLoop(testConfig(), logger.NewNop(), Deps{
		Source:   &fakeSource{frame: testFrame()},
		Detector: det,
		Clock:    clock.NewMock(),
	})
	loop.OnPublish(func(*model.DetectionState) { published.Add(1) })

	loop.Start(context.Background())
	<-entered

	loop.Stop()
	if loop.Mode() != Cancelling {
		t.Fatalf("Expected cancelling while a tick is in flight, got %v", loop.Mode())
	}
	close(release)

	waitFor(t, "idle", func() bool { return loop.Mode() == Idle })
	if published.Load() != 0 {
		t.Errorf("Expected stale result to be discarded, got %d publishes", published.Load())
	}
	if n := len(loop.State().Detections); n != 0 {
		t.Errorf("Expected cleared state, got %d detections", n)
	}
	if loop.pending() {
		t.Error("A superseded tick must not reschedule")
	}
}

func TestLoop_SupersededTickDoesNotCountTowardThroughput(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	det := &fakeDetector{fn: func(ctx context.Context, call int64) ([]model.Detection, error) {
		if call == 1 {
			close(entered)
			<-release
		}
		return nil, nil
	}}
	loop := NewLoop(testConfig(), logger.NewNop(), Deps{
		Source:   &fakeSource{frame: testFrame()},
		Detector: det,
		Clock:    clock.NewMock(),
	})
	counted := func() int {
		loop.throughput.mu.Lock()
		defer loop.throughput.mu.Unlock()
		return loop.throughput.ticks
	}

	loop.Start(context.Background())
	<-entered
	loop.Stop()
	close(release)
	waitFor(t, "idle", func() bool { return loop.Mode() == Idle })

	if n := counted(); n != 0 {
		t.Errorf("Expected discarded tick not to be counted, got %d", n)
	}

	if _, err := loop.Tick(context.Background()); err != nil {
		t.Fatalf("Explicit tick failed: %v", err)
	}
	if n := counted(); n != 1 {
		t.Errorf("Expected the published tick to be counted, got %d", n)
	}
}

func TestLoop_StopWaitsForRunningPublishHook(t *testing.T) {
	loop := NewLoop(testConfig(), logger.NewNop(), Deps{
		Source:   &fakeSource{frame: testFrame()},
		Detector: &fakeDetector{},
		Clock:    clock.NewMock(),
	})

	var (
		mu     sync.Mutex
		events []string
	)
	record := func(e string) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, e)
	}

	inHook := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	loop.OnPublish(func(*model.DetectionState) {
		once.Do(func() {
			close(inHook)
			<-release
			record("published")
		})
	})

	loop.Start(context.Background())
	<-inHook

	stopped := make(chan struct{})
	go func() {
		loop.Stop()
		record("stopped")
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a publish hook was still running")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	<-stopped

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 2 || events[0] != "published" || events[1] != "stopped" {
		t.Errorf("Expected [published stopped], got %v", events)
	}
	if n := len(loop.State().Detections); n != 0 || loop.State().Generation != 2 {
		t.Errorf("Expected cleared state of generation 2, got %+v", loop.State())
	}
}

func TestLoop_BacksOffAfterError(t *testing.T) {
	mock := clock.NewMock()
	cfg := testConfig()
	det := &fakeDetector{fn: func(ctx context.Context, call int64) ([]model.Detection, error) {
		if call == 1 {
			return nil, errors.New("transient")
		}
		return nil, nil
	}}
	loop := NewLoop(cfg, logger.NewNop(), Deps{
		Source:   &fakeSource{frame: testFrame()},
		Detector: det,
		Clock:    mock,
	})

	loop.Start(context.Background())
	defer loop.Stop()
	waitFor(t, "failed tick", func() bool {
		_, failures := loop.Stats()
		return failures == 1 && loop.pending()
	})

	mock.Add(cfg.FrameInterval)
	time.Sleep(20 * time.Millisecond)
	if got := det.calls.Load(); got != 1 {
		t.Fatalf("Expected the loop to wait for the backoff, got %d calls", got)
	}

	mock.Add(cfg.ErrorBackoff - cfg.FrameInterval)
	waitFor(t, "recovery tick", func() bool {
		ticks, _ := loop.Stats()
		return ticks == 1
	})
	if loop.Mode() != Running {
		t.Errorf("Expected loop to keep running, got %v", loop.Mode())
	}
}

func TestThreshold(t *testing.T) {
	th := NewThreshold(0.5)

	tests := []struct {
		value float64
		valid bool
	}{
		{0.1, true},
		{0.9, true},
		{0, false},
		{1, false},
		{-0.2, false},
		{1.5, false},
	}

	for _, tt := range tests {
		err := th.Set(tt.value)
		if tt.valid && err != nil {
			t.Errorf("Set(%v) failed: %v", tt.value, err)
		}
		if !tt.valid {
			if !errors.Is(err, ErrInvalidThreshold) {
				t.Errorf("Set(%v) expected ErrInvalidThreshold, got %v", tt.value, err)
			}
		}
	}
	if th.Get() != 0.9 {
		t.Errorf("Expected last valid value 0.9 to stick, got %v", th.Get())
	}

	if NewThreshold(7).Get() != 0.5 {
		t.Error("Expected invalid initial value to fall back to 0.5")
	}
}

func TestThroughput_EmitsAfterOneSecond(t *testing.T) {
	mock := clock.NewMock()
	tp := NewThroughput(mock)

	for i := 1; i <= 29; i++ {
		mock.Add(34 * time.Millisecond)
		if fps := tp.Tick(); fps != 0 {
			t.Fatalf("Tick %d: expected no rate before the window closes, got %d", i, fps)
		}
	}

	mock.Add(34 * time.Millisecond)
	if fps := tp.Tick(); fps != 29 {
		t.Fatalf("Expected 29 fps (30 ticks in 1020ms), got %d", fps)
	}

	// the next window starts from zero
	mock.Add(500 * time.Millisecond)
	if fps := tp.Tick(); fps != 29 {
		t.Errorf("Expected previous rate until the next window closes, got %d", fps)
	}
	mock.Add(600 * time.Millisecond)
	if fps := tp.Tick(); fps != 2 {
		t.Errorf("Expected 2 fps (2 ticks in 1100ms), got %d", fps)
	}

	tp.Reset()
	if tp.FPS() != 0 {
		t.Errorf("Expected 0 after reset, got %d", tp.FPS())
	}
}
