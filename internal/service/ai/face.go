package ai

import (
	"context"
	"fmt"
	"os"

	pigo "github.com/esimov/pigo/core"

	"customvision/internal/config"
	"customvision/internal/logger"
	"customvision/internal/model"
)

// qualityHalf is the pigo detection quality that maps to a score of 0.5.
const qualityHalf = 5.0

// FaceDetector finds faces with a pigo pixel-intensity-comparison cascade.
// It needs no native libraries.
type FaceDetector struct {
	classifier *pigo.Pigo
	minSize    int
	logger     *logger.Logger
}

// NewFaceDetector unpacks the cascade at cfg.CascadePath.
func NewFaceDetector(cfg *config.Config, logger *logger.Logger) (*FaceDetector, error) {
	cascade, err := os.ReadFile(cfg.CascadePath)
	if err != nil {
		return nil, fmt.Errorf("%w: cascade file: %v", model.ErrModelLoad, err)
	}
	return newFaceDetector(cascade, logger)
}

func newFaceDetector(cascade []byte, logger *logger.Logger) (*FaceDetector, error) {
	classifier, err := unpackCascade(cascade)
	if err != nil {
		return nil, fmt.Errorf("%w: unpack cascade: %v", model.ErrModelLoad, err)
	}
	logger.Info("Face cascade initialized successfully")
	return &FaceDetector{classifier: classifier, minSize: 20, logger: logger}, nil
}

// unpackCascade parses a cascade file. Unpack indexes the packet without
// bounds checks, so a truncated file panics instead of returning an error.
func unpackCascade(cascade []byte) (classifier *pigo.Pigo, err error) {
	defer func() {
		if r := recover(); r != nil {
			classifier, err = nil, fmt.Errorf("malformed cascade: %v", r)
		}
	}()
	return pigo.NewPigo().Unpack(cascade)
}

// Name identifies the backend.
func (d *FaceDetector) Name() string { return "pigo" }

// Detect runs the cascade over the grayscale frame.
func (d *FaceDetector) Detect(ctx context.Context, frame *model.Frame, threshold float64) ([]model.Detection, error) {
	if !frame.Ready() {
		return nil, model.ErrFrameNotReady
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cols, rows := frame.Width, frame.Height
	params := pigo.CascadeParams{
		MinSize:     d.minSize,
		MaxSize:     max(cols, rows),
		ShiftFactor: 0.1,
		ScaleFactor: 1.1,
		ImageParams: pigo.ImageParams{
			Pixels: pigo.RgbToGrayscale(frame.Image),
			Rows:   rows,
			Cols:   cols,
			Dim:    cols,
		},
	}

	dets := d.classifier.RunCascade(params, 0.0)
	dets = d.classifier.ClusterDetections(dets, 0.2)

	raw := make([]rawDetection, 0, len(dets))
	w, h := float64(cols), float64(rows)
	for _, det := range dets {
		half := float64(det.Scale) / 2
		raw = append(raw, rawDetection{
			class:  "face",
			score:  qualityScore(float64(det.Q)),
			left:   (float64(det.Col) - half) / w,
			top:    (float64(det.Row) - half) / h,
			right:  (float64(det.Col) + half) / w,
			bottom: (float64(det.Row) + half) / h,
		})
	}
	return toDetections(raw, cols, rows, threshold), nil
}

// qualityScore maps an unbounded cascade quality onto [0,1).
func qualityScore(q float64) float64 {
	if q <= 0 {
		return 0
	}
	return q / (q + qualityHalf)
}

// Close is a no-op; the cascade holds no native resources.
func (d *FaceDetector) Close() error { return nil }
