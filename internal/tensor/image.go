package tensor

import (
	"image"

	"github.com/disintegration/imaging"
)

// Channels is the number of color channels kept by FromImage.
const Channels = 3

// FromImage resizes img to size×size with bilinear filtering and returns its RGB
// values scaled to [0,1] in height-width-channel order.
func FromImage(s *Scope, img image.Image, size int) *Tensor {
	resized := imaging.Resize(img, size, size, imaging.Linear)
	t := s.New(size, size, Channels)
	i := 0
	for y := 0; y < size; y++ {
		row := resized.Pix[y*resized.Stride : y*resized.Stride+size*4]
		for x := 0; x < size; x++ {
			px := row[x*4 : x*4+4]
			t.Data[i] = float64(px[0]) / 255
			t.Data[i+1] = float64(px[1]) / 255
			t.Data[i+2] = float64(px[2]) / 255
			i += Channels
		}
	}
	return t
}
