package exemplar

import (
	"errors"
	"image"
	"image/color"
	"math"
	"testing"
	"time"

	"customvision/internal/config"
	"customvision/internal/model"
	"customvision/internal/tensor"
)

func gradient(w, h int, invert bool) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := uint8(x * 255 / (w - 1))
			if invert {
				v = 255 - v
			}
			img.Set(x, y, color.RGBA{R: v, G: v, B: v, A: 255})
		}
	}
	return img
}

func newTestMatcher(tr *tensor.Tracker) *Matcher {
	return NewMatcher(&config.Config{MatchSize: 32, AcceptanceThreshold: 0.7}, tr)
}

func TestCosine(t *testing.T) {
	tests := []struct {
		name     string
		a, b     []float64
		expected float64
	}{
		{"identical", []float64{0.2, 0.4, 1}, []float64{0.2, 0.4, 1}, 1},
		{"scaled", []float64{1, 2, 3}, []float64{2, 4, 6}, 1},
		{"orthogonal", []float64{1, 0}, []float64{0, 1}, 0},
		{"both zero", []float64{0, 0}, []float64{0, 0}, 1},
		{"one zero", []float64{0, 0}, []float64{0, 1}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Cosine(tt.a, tt.b); math.Abs(got-tt.expected) > 1e-12 {
				t.Errorf("Cosine = %v, expected %v", got, tt.expected)
			}
		})
	}
}

func TestMatch_FrameAgainstItself(t *testing.T) {
	tr := &tensor.Tracker{}
	m := newTestMatcher(tr)
	img := gradient(64, 48, false)
	frame := model.NewFrame(img, 1, time.Now())

	det, ok, err := m.Match(frame, "poster", []image.Image{img})
	if err != nil {
		t.Fatalf("Match failed: %v", err)
	}
	if !ok {
		t.Fatal("Expected a match against itself")
	}
	if math.Abs(det.Score-1) > 1e-9 {
		t.Errorf("Expected similarity 1.0, got %v", det.Score)
	}
	if det.BBox != model.FullFrame(64, 48) {
		t.Errorf("Expected full-frame box, got %+v", det.BBox)
	}
	if det.Source != model.SourceExemplar || det.Class != "poster" {
		t.Errorf("Unexpected detection %+v", det)
	}
	if tr.Outstanding() != 0 {
		t.Errorf("Expected all tensors released, %d outstanding", tr.Outstanding())
	}
}

func TestMatch_BelowThresholdIsNoMatch(t *testing.T) {
	tr := &tensor.Tracker{}
	m := newTestMatcher(tr)
	frame := model.NewFrame(gradient(32, 32, false), 1, time.Now())

	// Black against a gradient: zero vector against a non-zero one.
	black := image.NewRGBA(image.Rect(0, 0, 32, 32))
	for i := 3; i < len(black.Pix); i += 4 {
		black.Pix[i] = 255
	}

	_, ok, err := m.Match(frame, "poster", []image.Image{black})
	if err != nil {
		t.Fatalf("Match failed: %v", err)
	}
	if ok {
		t.Error("Expected no match")
	}

	_, ok, _ = m.Match(frame, "poster", nil)
	if ok {
		t.Error("Expected no match without exemplars")
	}
	if tr.Outstanding() != 0 {
		t.Errorf("Expected all tensors released, %d outstanding", tr.Outstanding())
	}
}

func TestMatch_NotReadyFrame(t *testing.T) {
	m := newTestMatcher(&tensor.Tracker{})

	_, _, err := m.Match(&model.Frame{}, "poster", []image.Image{gradient(8, 8, false)})
	if !errors.Is(err, model.ErrFrameNotReady) {
		t.Errorf("Expected ErrFrameNotReady, got %v", err)
	}
}

func TestMatchClasses_BestExemplarPerClass(t *testing.T) {
	tr := &tensor.Tracker{}
	m := newTestMatcher(tr)
	img := gradient(40, 40, false)
	frame := model.NewFrame(img, 1, time.Now())

	exemplars := map[string][]image.Image{
		"poster": {gradient(40, 40, true), img},
		"empty":  {},
		"other":  {gradient(40, 40, true)},
	}

	dets, err := m.MatchClasses(frame, []string{"empty", "other", "poster"}, exemplars)
	if err != nil {
		t.Fatalf("MatchClasses failed: %v", err)
	}

	var poster *model.Detection
	for i := range dets {
		if dets[i].Class == "empty" {
			t.Error("Class without exemplars must not be matched")
		}
		if dets[i].Class == "poster" {
			poster = &dets[i]
		}
	}
	if poster == nil {
		t.Fatalf("Expected poster match, got %+v", dets)
	}
	if math.Abs(poster.Score-1) > 1e-9 {
		t.Errorf("Expected best score 1.0, got %v", poster.Score)
	}
	if tr.Outstanding() != 0 {
		t.Errorf("Expected all tensors released, %d outstanding", tr.Outstanding())
	}
}
