// Package exemplar recognizes custom classes by comparing frames against stored example images.
package exemplar

import (
	"fmt"
	"image"

	"gonum.org/v1/gonum/floats"

	"customvision/internal/config"
	"customvision/internal/model"
	"customvision/internal/tensor"
)

// Matcher scores a frame against the exemplars of a class with cosine similarity.
type Matcher struct {
	size      int
	threshold float64
	tracker   *tensor.Tracker
}

// NewMatcher creates a matcher using the configured match size and acceptance threshold.
func NewMatcher(cfg *config.Config, tracker *tensor.Tracker) *Matcher {
	return &Matcher{
		size:      cfg.MatchSize,
		threshold: cfg.AcceptanceThreshold,
		tracker:   tracker,
	}
}

// Threshold returns the acceptance threshold.
func (m *Matcher) Threshold() float64 { return m.threshold }

// Match returns a full-frame detection of className when the best similarity
// between frame and any exemplar exceeds the acceptance threshold.
func (m *Matcher) Match(frame *model.Frame, className string, exemplars []image.Image) (model.Detection, bool, error) {
	var (
		det model.Detection
		ok  bool
	)
	if !frame.Ready() {
		return det, false, model.ErrFrameNotReady
	}
	if len(exemplars) == 0 {
		return det, false, nil
	}

	err := tensor.Run(m.tracker, func(s *tensor.Scope) error {
		frameVec := tensor.FromImage(s, frame.Image, m.size)
		det, ok = m.match(s, frame, frameVec, className, exemplars)
		return nil
	})
	return det, ok, err
}

// MatchClasses runs Match for every class with at least one exemplar,
// normalizing the frame once. Accepted detections are returned in class order.
func (m *Matcher) MatchClasses(frame *model.Frame, classes []string, exemplars map[string][]image.Image) ([]model.Detection, error) {
	if !frame.Ready() {
		return nil, model.ErrFrameNotReady
	}

	var out []model.Detection
	err := tensor.Run(m.tracker, func(s *tensor.Scope) error {
		frameVec := tensor.FromImage(s, frame.Image, m.size)
		for _, class := range classes {
			if len(exemplars[class]) == 0 {
				continue
			}
			if det, ok := m.match(s, frame, frameVec, class, exemplars[class]); ok {
				out = append(out, det)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: exemplar match: %v", model.ErrInference, err)
	}
	return out, nil
}

func (m *Matcher) match(s *tensor.Scope, frame *model.Frame, frameVec *tensor.Tensor, className string, exemplars []image.Image) (model.Detection, bool) {
	best := -1.0
	for _, ex := range exemplars {
		exVec := tensor.FromImage(s, ex, m.size)
		if sim := Cosine(frameVec.Data, exVec.Data); sim > best {
			best = sim
		}
		// Released eagerly; the scope close is then a no-op for it.
		exVec.Close()
	}

	if best <= m.threshold {
		return model.Detection{}, false
	}
	return model.Detection{
		Class:  className,
		Score:  best,
		BBox:   model.FullFrame(frame.Width, frame.Height),
		Source: model.SourceExemplar,
	}, true
}

// Cosine returns the cosine similarity of two equal-length vectors. Two zero
// vectors are identical (1); a zero vector against a non-zero one scores 0.
func Cosine(a, b []float64) float64 {
	na, nb := floats.Norm(a, 2), floats.Norm(b, 2)
	switch {
	case na == 0 && nb == 0:
		return 1
	case na == 0 || nb == 0:
		return 0
	}
	sim := floats.Dot(a, b) / (na * nb)
	if sim > 1 {
		sim = 1
	}
	return sim
}
