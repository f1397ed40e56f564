package embed

import (
	"image"

	"golang.org/x/image/draw"

	"github.com/andresmejia3/facegate/internal/types"
)

// Crop pads the region by padding*max(w,h) on every side, clamps it to the
// image and resizes it to a size x size RGBA crop.
func Crop(img image.Image, region types.FaceRegion, padding float64, size int) (*image.RGBA, error) {
	rect := PaddedRect(region, padding).Intersect(img.Bounds())
	if rect.Empty() || size <= 0 {
		return nil, ErrEmptyCrop
	}

	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, rect, draw.Src, nil)
	return dst, nil
}

// PaddedRect grows the region by padding*max(w,h) in each direction. The
// result is not clamped.
func PaddedRect(region types.FaceRegion, padding float64) image.Rectangle {
	pad := int(padding * float64(max(region.Width, region.Height)))
	return image.Rect(
		region.X-pad,
		region.Y-pad,
		region.X+region.Width+pad,
		region.Y+region.Height+pad,
	)
}
