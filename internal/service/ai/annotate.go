package ai

import (
	"fmt"
	"image"
	"image/color"

	"gocv.io/x/gocv"

	"customvision/internal/model"
	"customvision/internal/tensor"
)

var (
	generalColor = color.RGBA{R: 255, G: 0, B: 0, A: 0}
	customColor  = color.RGBA{R: 0, G: 200, B: 0, A: 0}
)

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// Annotate draws detection boxes and labels on img and returns a JPEG buffer.
func Annotate(img image.Image, detections []model.Detection, tracker *tensor.Tracker) ([]byte, error) {
	var out []byte
	err := tensor.Run(tracker, func(s *tensor.Scope) error {
		mat, err := gocv.ImageToMatRGB(img)
		if err != nil {
			return fmt.Errorf("failed to convert image: %v", err)
		}
		s.Track(&mat)

		for _, detection := range detections {
			c := generalColor
			if detection.Source != model.SourceGeneral {
				c = customColor
			}
			b := detection.BBox
			rect := image.Rect(int(b.X), int(b.Y), int(b.X+b.Width), int(b.Y+b.Height))
			if err := gocv.Rectangle(&mat, rect, c, 2); err != nil {
				return fmt.Errorf("failed to draw rectangle: %v", err)
			}

			label := fmt.Sprintf("%s (%.2f)", detection.Class, detection.Score)
			pt := image.Pt(int(b.X), max(int(b.Y)-5, 12))
			if err := gocv.PutText(&mat, label, pt, gocv.FontHersheySimplex, 0.5, c, 1); err != nil {
				return fmt.Errorf("failed to draw text: %v", err)
			}
		}

		buf, err := gocv.IMEncode(".jpg", mat)
		if err != nil {
			return fmt.Errorf("failed to encode image: %v", err)
		}
		s.Track(closerFunc(func() error {
			buf.Close()
			return nil
		}))
		out = append([]byte(nil), buf.GetBytes()...)
		return nil
	})
	return out, err
}
