package model

import (
	"image"
	"time"
)

// Frame is one captured image of the video feed.
type Frame struct {
	Image      image.Image
	Width      int
	Height     int
	Seq        uint64
	CapturedAt time.Time
}

// NewFrame wraps an image, taking its dimensions from the image bounds.
func NewFrame(img image.Image, seq uint64, capturedAt time.Time) *Frame {
	f := &Frame{Image: img, Seq: seq, CapturedAt: capturedAt}
	if img != nil {
		b := img.Bounds()
		f.Width, f.Height = b.Dx(), b.Dy()
	}
	return f
}

// Ready reports whether the frame has pixels and known, non-zero dimensions.
func (f *Frame) Ready() bool {
	return f != nil && f.Image != nil && f.Width > 0 && f.Height > 0
}
