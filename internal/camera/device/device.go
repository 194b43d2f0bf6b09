// Package device reads frames from a local capture device through OpenCV.
package device

import (
	"fmt"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"customvision/internal/model"
)

// Capture is a frame source backed by gocv.VideoCapture.
type Capture struct {
	mu      sync.Mutex
	capture *gocv.VideoCapture
	mat     gocv.Mat
	seq     uint64
}

// Open opens the capture device with the given index.
func Open(index int) (*Capture, error) {
	vc, err := gocv.OpenVideoCapture(index)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture device %d: %w", index, err)
	}
	return &Capture{capture: vc, mat: gocv.NewMat()}, nil
}

// CurrentFrame grabs and decodes one frame.
func (c *Capture) CurrentFrame() (*model.Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ok := c.capture.Read(&c.mat); !ok || c.mat.Empty() {
		return nil, model.ErrFrameNotReady
	}
	img, err := c.mat.ToImage()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrFrameNotReady, err)
	}
	c.seq++
	return model.NewFrame(img, c.seq, time.Now()), nil
}

// Close releases the device.
func (c *Capture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mat.Close()
	return c.capture.Close()
}
