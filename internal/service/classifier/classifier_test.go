package classifier

import (
	"context"
	"errors"
	"image"
	"image/color"
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"

	"customvision/internal/model"
	"customvision/internal/tensor"
)

type memStore struct {
	mu      sync.Mutex
	blobs   map[string][]byte
	saveErr error
}

func newMemStore() *memStore {
	return &memStore{blobs: make(map[string][]byte)}
}

func (s *memStore) Save(key string, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.blobs[key] = append([]byte(nil), blob...)
	return nil
}

func (s *memStore) Load(key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	blob, ok := s.blobs[key]
	if !ok {
		return nil, model.ErrNotFound
	}
	return blob, nil
}

var testArch = Arch{InputSize: 8, Filters: 4, Hidden: 8}

func tinted(r, g, b uint8) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 24, 24))
	for y := 0; y < 24; y++ {
		for x := 0; x < 24; x++ {
			img.Set(x, y, color.RGBA{R: r, G: g, B: b, A: 255})
		}
	}
	return img
}

// redBlue returns five reddish and five bluish examples, normalized in s.
func redBlue(s *tensor.Scope) ([]*tensor.Tensor, []int) {
	var examples []*tensor.Tensor
	var labels []int
	for i := 0; i < 5; i++ {
		v := uint8(200 + i*10)
		examples = append(examples, tensor.FromImage(s, tinted(v, 20, 20), testArch.InputSize))
		labels = append(labels, 0)
	}
	for i := 0; i < 5; i++ {
		v := uint8(200 + i*10)
		examples = append(examples, tensor.FromImage(s, tinted(20, 20, v), testArch.InputSize))
		labels = append(labels, 1)
	}
	return examples, labels
}

func newTestClassifier(store *memStore, tr *tensor.Tracker) *Classifier {
	return New(Options{Arch: testArch, Seed: 42, Store: store, Tracker: tr})
}

func fitOptions(epochs int) FitOptions {
	return FitOptions{Epochs: epochs, BatchSize: 4, ValidationFraction: 0.2, LearningRate: 0.02}
}

func TestBuild(t *testing.T) {
	tests := []struct {
		name   string
		labels []string
		err    error
	}{
		{"single label", []string{"cup"}, model.ErrValidation},
		{"no labels", nil, model.ErrValidation},
		{"duplicate", []string{"cup", "cup"}, model.ErrValidation},
		{"empty label", []string{"cup", ""}, model.ErrValidation},
		{"two labels", []string{"cup", "mug"}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClassifier(nil, &tensor.Tracker{})
			if err := c.Build(tt.labels); !errors.Is(err, tt.err) {
				t.Errorf("Build(%v) error = %v, expected %v", tt.labels, err, tt.err)
			}
		})
	}

	c := newTestClassifier(nil, &tensor.Tracker{})
	c.Build([]string{"cup", "mug"})
	if err := c.Build([]string{"a", "b"}); !errors.Is(err, ErrAlreadyBuilt) {
		t.Errorf("Expected ErrAlreadyBuilt, got %v", err)
	}
	if labels := c.Labels(); labels[0] != "cup" || labels[1] != "mug" {
		t.Errorf("Label set changed: %v", labels)
	}
}

func TestPredict_BeforeFit(t *testing.T) {
	c := newTestClassifier(nil, &tensor.Tracker{})
	frame := model.NewFrame(tinted(255, 0, 0), 1, time.Now())

	if _, err := c.Predict(frame, 0.5); !errors.Is(err, ErrNotTrained) {
		t.Errorf("Expected ErrNotTrained before build, got %v", err)
	}
	c.Build([]string{"red", "blue"})
	if _, err := c.Predict(frame, 0.5); !errors.Is(err, ErrNotTrained) {
		t.Errorf("Expected ErrNotTrained before fit, got %v", err)
	}
	if err := c.Save("key"); !errors.Is(err, ErrNotTrained) {
		t.Errorf("Expected ErrNotTrained on save, got %v", err)
	}
}

func TestFit_RequiresBuild(t *testing.T) {
	tr := &tensor.Tracker{}
	c := newTestClassifier(nil, tr)

	tensor.Run(tr, func(s *tensor.Scope) error {
		examples, labels := redBlue(s)
		if _, err := c.Fit(context.Background(), examples, labels, fitOptions(1)); !errors.Is(err, ErrNotBuilt) {
			t.Errorf("Expected ErrNotBuilt, got %v", err)
		}
		return nil
	})
}

func TestFit_ValidatesExamples(t *testing.T) {
	tr := &tensor.Tracker{}
	c := newTestClassifier(nil, tr)
	c.Build([]string{"red", "blue"})

	tensor.Run(tr, func(s *tensor.Scope) error {
		examples, labels := redBlue(s)

		tests := []struct {
			name     string
			examples []*tensor.Tensor
			labels   []int
			opts     FitOptions
		}{
			{"four of one class", examples[1:], labels[1:], fitOptions(1)},
			{"label out of range", examples, append(labels[:9:9], 2), fitOptions(1)},
			{"length mismatch", examples, labels[:9], fitOptions(1)},
			{"wrong input size", append(examples[:9:9], s.New(4, 4, 3)), labels, fitOptions(1)},
			{"zero epochs", examples, labels, fitOptions(0)},
			{"validation fraction one", examples, labels, FitOptions{Epochs: 1, BatchSize: 1, ValidationFraction: 1}},
		}

		for _, tt := range tests {
			if _, err := c.Fit(context.Background(), tt.examples, tt.labels, tt.opts); !errors.Is(err, model.ErrValidation) {
				t.Errorf("%s: expected ErrValidation, got %v", tt.name, err)
			}
		}
		return nil
	})

	if c.State() != StateBuilt {
		t.Errorf("Failed fits must leave the model built, got %s", c.State())
	}
}

func TestFit_LearnsSeparableClasses(t *testing.T) {
	tr := &tensor.Tracker{}
	c := newTestClassifier(nil, tr)
	c.Build([]string{"red", "blue"})

	var reported []model.EpochLog
	opts := fitOptions(60)
	opts.OnEpochEnd = func(l model.EpochLog) error {
		reported = append(reported, l)
		return nil
	}

	var logs []model.EpochLog
	err := tensor.Run(tr, func(s *tensor.Scope) error {
		examples, labels := redBlue(s)
		var err error
		logs, err = c.Fit(context.Background(), examples, labels, opts)
		return err
	})
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}

	if len(logs) != 60 || len(reported) != 60 {
		t.Fatalf("Expected 60 epoch logs, got %d returned and %d reported", len(logs), len(reported))
	}
	for i, l := range reported {
		if l.Epoch != i+1 {
			t.Fatalf("Epoch %d reported as %d", i+1, l.Epoch)
		}
	}
	if logs[59].Loss >= logs[0].Loss {
		t.Errorf("Expected loss to decrease, first %v last %v", logs[0].Loss, logs[59].Loss)
	}
	if c.State() != StateFitted {
		t.Errorf("Expected fitted state, got %s", c.State())
	}

	red, err := c.Probabilities(tinted(240, 10, 10))
	if err != nil {
		t.Fatalf("Probabilities failed: %v", err)
	}
	if red[0] <= red[1] {
		t.Errorf("Expected red to win on a red frame, got %v", red)
	}
	blue, _ := c.Probabilities(tinted(10, 10, 240))
	if blue[1] <= blue[0] {
		t.Errorf("Expected blue to win on a blue frame, got %v", blue)
	}

	frame := model.NewFrame(tinted(240, 10, 10), 3, time.Now())
	dets, err := c.Predict(frame, 0.5)
	if err != nil {
		t.Fatalf("Predict failed: %v", err)
	}
	if len(dets) != 1 || dets[0].Class != "red" || dets[0].Source != model.SourceTrained {
		t.Fatalf("Expected one trained red detection, got %+v", dets)
	}
	if dets[0].BBox != model.FullFrame(24, 24) {
		t.Errorf("Expected full-frame box, got %+v", dets[0].BBox)
	}

	if tr.Outstanding() != 0 {
		t.Errorf("Expected all tensors released, %d outstanding", tr.Outstanding())
	}
}

func TestFit_CancelledKeepsPreviousParameters(t *testing.T) {
	tr := &tensor.Tracker{}
	c := newTestClassifier(nil, tr)
	c.Build([]string{"red", "blue"})

	ctx, cancel := context.WithCancel(context.Background())
	opts := fitOptions(5)
	opts.OnEpochEnd = func(l model.EpochLog) error {
		if l.Epoch == 2 {
			cancel()
		}
		return nil
	}

	err := tensor.Run(tr, func(s *tensor.Scope) error {
		examples, labels := redBlue(s)
		_, err := c.Fit(ctx, examples, labels, opts)
		return err
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if c.State() != StateBuilt {
		t.Errorf("Cancelled fit must not mark the model fitted, got %s", c.State())
	}

	boom := errors.New("display gone")
	opts = fitOptions(5)
	opts.OnEpochEnd = func(model.EpochLog) error { return boom }
	err = tensor.Run(tr, func(s *tensor.Scope) error {
		examples, labels := redBlue(s)
		_, err := c.Fit(context.Background(), examples, labels, opts)
		return err
	})
	if !errors.Is(err, boom) {
		t.Errorf("Expected callback error, got %v", err)
	}
	if tr.Outstanding() != 0 {
		t.Errorf("Expected all tensors released, %d outstanding", tr.Outstanding())
	}
}

func trainedClassifier(t *testing.T, store *memStore, tr *tensor.Tracker) *Classifier {
	t.Helper()
	c := newTestClassifier(store, tr)
	if err := c.Build([]string{"red", "blue"}); err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	err := tensor.Run(tr, func(s *tensor.Scope) error {
		examples, labels := redBlue(s)
		_, err := c.Fit(context.Background(), examples, labels, fitOptions(3))
		return err
	})
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}
	return c
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	store := newMemStore()
	tr := &tensor.Tracker{}
	c := trainedClassifier(t, store, tr)

	if err := c.Save("custom-object-detection-model"); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded := New(Options{Arch: Arch{InputSize: 16, Filters: 1, Hidden: 1}, Store: store, Tracker: tr})
	if err := loaded.Load("custom-object-detection-model"); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Arch() != testArch {
		t.Errorf("Expected architecture %+v, got %+v", testArch, loaded.Arch())
	}

	inputs := []image.Image{tinted(255, 0, 0), tinted(0, 0, 255), tinted(90, 160, 30)}
	for i, img := range inputs {
		want, _ := c.Probabilities(img)
		got, err := loaded.Probabilities(img)
		if err != nil {
			t.Fatalf("Probabilities failed: %v", err)
		}
		for k := range want {
			if want[k] != got[k] {
				t.Errorf("Input %d label %d: %v before save, %v after load", i, k, want[k], got[k])
			}
		}
	}
}

func TestFit_LoadDuringFitKeepsLoadedModel(t *testing.T) {
	store := newMemStore()
	tr := &tensor.Tracker{}

	otherArch := Arch{InputSize: 6, Filters: 2, Hidden: 4}
	p := newParams(otherArch, 3)
	p.init(otherArch, 3, rand.New(rand.NewSource(7)))
	blob, err := encodeBlob(otherArch, []string{"a", "b", "c"}, p)
	if err != nil {
		t.Fatalf("encodeBlob failed: %v", err)
	}
	store.blobs["other"] = blob

	c := newTestClassifier(store, tr)
	if err := c.Build([]string{"red", "blue"}); err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	opts := fitOptions(3)
	opts.OnEpochEnd = func(l model.EpochLog) error {
		if l.Epoch == 1 {
			return c.Load("other")
		}
		return nil
	}

	err = tensor.Run(tr, func(s *tensor.Scope) error {
		examples, labels := redBlue(s)
		_, err := c.Fit(context.Background(), examples, labels, opts)
		return err
	})
	if !errors.Is(err, ErrModelReplaced) {
		t.Fatalf("Expected ErrModelReplaced, got %v", err)
	}

	labels := c.Labels()
	if len(labels) != 3 || labels[0] != "a" || labels[2] != "c" {
		t.Errorf("Expected the loaded label set, got %v", labels)
	}
	if c.Arch() != otherArch {
		t.Errorf("Expected architecture %+v, got %+v", otherArch, c.Arch())
	}

	frame := model.NewFrame(tinted(240, 10, 10), 1, time.Now())
	probs, err := c.Probabilities(frame.Image)
	if err != nil {
		t.Fatalf("Probabilities failed: %v", err)
	}
	if len(probs) != 3 {
		t.Errorf("Expected 3 probabilities, got %d", len(probs))
	}
	if _, err := c.Predict(frame, 0.5); err != nil {
		t.Errorf("Predict failed: %v", err)
	}
	if tr.Outstanding() != 0 {
		t.Errorf("Expected all tensors released, %d outstanding", tr.Outstanding())
	}
}

func TestLoad_MissingOrCorruptLeavesModelUntouched(t *testing.T) {
	store := newMemStore()
	tr := &tensor.Tracker{}
	c := trainedClassifier(t, store, tr)
	before, _ := c.Probabilities(tinted(255, 0, 0))

	if err := c.Load("absent"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for absent key, got %v", err)
	}

	store.Save("garbage", []byte{0xc1, 0x00, 0x13})
	if err := c.Load("garbage"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for corrupt blob, got %v", err)
	}

	wrong := newParams(testArch, 3)
	data, _ := encodeBlob(testArch, []string{"red", "blue"}, wrong)
	store.Save("mismatch", data)
	if err := c.Load("mismatch"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for shape mismatch, got %v", err)
	}

	after, err := c.Probabilities(tinted(255, 0, 0))
	if err != nil {
		t.Fatalf("Model unusable after failed loads: %v", err)
	}
	if before[0] != after[0] || before[1] != after[1] {
		t.Errorf("Failed loads changed predictions: %v -> %v", before, after)
	}
}

func TestSave_StoreFailure(t *testing.T) {
	store := newMemStore()
	c := trainedClassifier(t, store, &tensor.Tracker{})

	store.saveErr = errors.New("quota exceeded")
	if err := c.Save("key"); !errors.Is(err, model.ErrPersistence) {
		t.Errorf("Expected ErrPersistence, got %v", err)
	}
	if c.State() != StateFitted {
		t.Errorf("Save failure must not affect the model")
	}
}

func TestActive(t *testing.T) {
	var active Active
	if active.Get() != nil {
		t.Fatal("Expected no active model")
	}

	untrained := newTestClassifier(nil, &tensor.Tracker{})
	if err := active.Set(untrained); !errors.Is(err, ErrNotTrained) {
		t.Errorf("Expected ErrNotTrained, got %v", err)
	}

	c := trainedClassifier(t, newMemStore(), &tensor.Tracker{})
	if err := active.Set(c); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if active.Get() != c {
		t.Error("Expected active model to be set")
	}
	active.Clear()
	if active.Get() != nil {
		t.Error("Expected active model to be cleared")
	}
}

// TestBackward_MatchesFiniteDifferences checks the analytic gradient of a few
// parameters of every layer against a numeric estimate.
func TestBackward_MatchesFiniteDifferences(t *testing.T) {
	arch := Arch{InputSize: 6, Filters: 2, Hidden: 3}
	classes := 3
	rng := rand.New(rand.NewSource(1))

	p := newParams(arch, classes)
	p.init(arch, classes, rng)
	for i := range p.ConvB {
		p.ConvB[i] = 0.1
	}
	for i := range p.HiddenB {
		p.HiddenB[i] = 0.1
	}

	x := make([]float64, arch.inputLen())
	for i := range x {
		x[i] = rng.Float64()
	}
	label := 1

	tensor.Run(&tensor.Tracker{}, func(s *tensor.Scope) error {
		act := newActivations(s, arch, classes)
		buf := newGradBuffers(s, arch, classes)
		grad := newParams(arch, classes)

		net := newNetwork(arch, classes, p)
		net.forward(x, act)
		net.backward(x, label, act, buf, grad)

		loss := func() float64 {
			net.forward(x, act)
			return crossEntropy(act.probs, label)
		}

		const eps = 1e-6
		ps, gs := p.slices(), grad.slices()
		for layer := range ps {
			for _, i := range []int{0, len(ps[layer]) / 2, len(ps[layer]) - 1} {
				orig := ps[layer][i]
				ps[layer][i] = orig + eps
				up := loss()
				ps[layer][i] = orig - eps
				down := loss()
				ps[layer][i] = orig

				numeric := (up - down) / (2 * eps)
				analytic := gs[layer][i]
				if diff := math.Abs(numeric - analytic); diff > 1e-5+1e-3*math.Abs(numeric) {
					t.Errorf("layer %d param %d: analytic %v numeric %v", layer, i, analytic, numeric)
				}
			}
		}
		return nil
	})
}
