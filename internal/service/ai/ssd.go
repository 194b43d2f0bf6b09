package ai

import (
	"context"
	"fmt"
	"image"
	"os"
	"sync"

	"gocv.io/x/gocv"

	"customvision/internal/config"
	"customvision/internal/logger"
	"customvision/internal/model"
	"customvision/internal/tensor"
)

// SSDDetector runs a COCO-trained SSD MobileNet graph through the OpenCV DNN module.
type SSDDetector struct {
	mu         sync.Mutex
	net        gocv.Net
	modelPath  string
	configPath string
	logger     *logger.Logger
	tracker    *tensor.Tracker
}

// NewSSDDetector loads the network from cfg.ModelPath and cfg.ConfigPath.
func NewSSDDetector(cfg *config.Config, logger *logger.Logger, tracker *tensor.Tracker) (*SSDDetector, error) {
	d := &SSDDetector{
		modelPath:  cfg.ModelPath,
		configPath: cfg.ConfigPath,
		logger:     logger,
		tracker:    tracker,
	}
	if err := d.initializeNet(); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrModelLoad, err)
	}
	return d, nil
}

// initializeNet loads the DNN network and sets backend/target preferences.
func (d *SSDDetector) initializeNet() error {
	if _, err := os.Stat(d.modelPath); os.IsNotExist(err) {
		return fmt.Errorf("model file not found: %s", d.modelPath)
	}

	if _, err := os.Stat(d.configPath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s", d.configPath)
	}

	net := gocv.ReadNet(d.modelPath, d.configPath)
	if net.Empty() {
		return fmt.Errorf("failed to load network")
	}

	errBackend := net.SetPreferableBackend(gocv.NetBackendDefault)
	errTarget := net.SetPreferableTarget(gocv.NetTargetCPU)
	if errBackend != nil || errTarget != nil {
		net.Close()
		return fmt.Errorf("failed to set preferable backend or target")
	}

	d.net = net
	d.logger.Info("Detection network initialized successfully")
	return nil
}

// Name identifies the backend.
func (d *SSDDetector) Name() string { return "ssd" }

// Detect runs the network on the frame. Every Mat is released through a tensor scope.
func (d *SSDDetector) Detect(ctx context.Context, frame *model.Frame, threshold float64) ([]model.Detection, error) {
	if !frame.Ready() {
		return nil, model.ErrFrameNotReady
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var raw []rawDetection
	err := tensor.Run(d.tracker, func(s *tensor.Scope) error {
		mat, err := gocv.ImageToMatRGB(frame.Image)
		if err != nil {
			return fmt.Errorf("failed to convert frame: %v", err)
		}
		s.Track(&mat)
		if mat.Empty() {
			return fmt.Errorf("converted frame is empty")
		}

		// Create blob with parameters that fit ssd coco net input
		blob := gocv.BlobFromImage(mat, 1.0/127.5, image.Pt(300, 300), gocv.NewScalar(127.5, 127.5, 127.5, 0), true, false)
		s.Track(&blob)

		d.mu.Lock()
		defer d.mu.Unlock()
		d.net.SetInput(blob, "")
		output := d.net.Forward("")
		s.Track(&output)

		// Process detections with output: [ batch_id, class_id, confidence, x1, y1, x2, y2 ]
		rows := output.Reshape(1, output.Total()/7)
		s.Track(&rows)
		for i := 0; i < rows.Rows(); i++ {
			raw = append(raw, rawDetection{
				class:  getClassLabel(int(rows.GetFloatAt(i, 1))),
				score:  float64(rows.GetFloatAt(i, 2)),
				left:   float64(rows.GetFloatAt(i, 3)),
				top:    float64(rows.GetFloatAt(i, 4)),
				right:  float64(rows.GetFloatAt(i, 5)),
				bottom: float64(rows.GetFloatAt(i, 6)),
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrInference, err)
	}

	return toDetections(raw, frame.Width, frame.Height, threshold), nil
}

// Close releases the network.
func (d *SSDDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.net.Close()
}
