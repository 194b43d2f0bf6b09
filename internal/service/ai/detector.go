// Package ai wraps the pre-trained general-purpose detectors.
package ai

import (
	"context"
	"fmt"
	"math"

	"customvision/internal/config"
	"customvision/internal/logger"
	"customvision/internal/model"
	"customvision/internal/tensor"
)

// Detector finds objects of a fixed vocabulary in a frame.
type Detector interface {
	// Detect returns detections scoring at least threshold, boxes in frame pixels.
	Detect(ctx context.Context, frame *model.Frame, threshold float64) ([]model.Detection, error)
	Name() string
	Close() error
}

// Load creates the detector selected by cfg.DetectorBackend. Failures wrap
// model.ErrModelLoad.
func Load(cfg *config.Config, logger *logger.Logger, tracker *tensor.Tracker) (Detector, error) {
	switch cfg.DetectorBackend {
	case "ssd", "":
		return NewSSDDetector(cfg, logger, tracker)
	case "pigo":
		return NewFaceDetector(cfg, logger)
	default:
		return nil, fmt.Errorf("%w: unknown detector backend %q", model.ErrModelLoad, cfg.DetectorBackend)
	}
}

// rawDetection is a detector output before thresholding, with a box in
// coordinates relative to the frame (0-1).
type rawDetection struct {
	class                    string
	score                    float64
	left, top, right, bottom float64
}

// toDetections keeps raw results scoring at least threshold and converts their
// boxes to pixel units, clamped to the frame.
func toDetections(raw []rawDetection, width, height int, threshold float64) []model.Detection {
	out := make([]model.Detection, 0, len(raw))
	w, h := float64(width), float64(height)
	for _, r := range raw {
		if r.score < threshold || math.IsNaN(r.score) {
			continue
		}
		x1 := clamp(r.left*w, 0, w)
		y1 := clamp(r.top*h, 0, h)
		x2 := clamp(r.right*w, 0, w)
		y2 := clamp(r.bottom*h, 0, h)
		if x2 <= x1 || y2 <= y1 {
			continue
		}
		out = append(out, model.Detection{
			Class:  r.class,
			Score:  math.Min(r.score, 1),
			BBox:   model.BBox{X: x1, Y: y1, Width: x2 - x1, Height: y2 - y1},
			Source: model.SourceGeneral,
		})
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
