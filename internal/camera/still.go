package camera

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/disintegration/imaging"

	"customvision/internal/model"
)

// StillSource serves the same image as every frame.
type StillSource struct {
	frame model.Frame
	seq   atomic.Uint64
}

// OpenStill loads an image file.
func OpenStill(path string) (*StillSource, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("failed to open still image %s: %w", path, err)
	}
	return &StillSource{frame: *model.NewFrame(img, 0, time.Now())}, nil
}

// CurrentFrame returns the image with a fresh sequence number.
func (s *StillSource) CurrentFrame() (*model.Frame, error) {
	f := s.frame
	f.Seq = s.seq.Add(1)
	f.CapturedAt = time.Now()
	if !f.Ready() {
		return nil, model.ErrFrameNotReady
	}
	return &f, nil
}
