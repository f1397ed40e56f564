package detect

import (
	"context"
	"fmt"
	"image"
	"os"

	pigo "github.com/esimov/pigo/core"

	"github.com/andresmejia3/facegate/internal/config"
	"github.com/andresmejia3/facegate/internal/types"
	"github.com/andresmejia3/facegate/internal/utils"
)

const (
	// Detections with pigo quality at or below this are noise.
	cascadeQualityFloor = 5.0
	// Quality at which the reported confidence reaches 0.5.
	cascadeQualityHalf = 10.0
	// IoU above which overlapping detections are merged.
	cascadeClusterIoU = 0.2
)

// Cascade is the classical pixel-intensity-comparison detector. It needs no
// model worker and is used whenever the DNN files are missing.
type Cascade struct {
	classifier *pigo.Pigo
	minSize    int
	maxSize    int
}

// NewCascade loads the pigo facefinder cascade from cfg.CascadeFile.
func NewCascade(cfg config.DetectorConfig) (*Cascade, error) {
	data, err := os.ReadFile(cfg.CascadeFile)
	if err != nil {
		return nil, fmt.Errorf("reading cascade file: %w", err)
	}
	return NewCascadeFromBytes(data, cfg.MinFaceSize, cfg.MaxFaceSize)
}

// NewCascadeFromBytes unpacks a cascade already in memory.
func NewCascadeFromBytes(data []byte, minSize, maxSize int) (*Cascade, error) {
	classifier, err := pigo.NewPigo().Unpack(data)
	if err != nil {
		return nil, fmt.Errorf("unpacking cascade: %w", err)
	}
	if minSize < 1 {
		minSize = 30
	}
	if maxSize < minSize {
		maxSize = minSize
	}
	return &Cascade{classifier: classifier, minSize: minSize, maxSize: maxSize}, nil
}

func (c *Cascade) Backend() Backend { return BackendCascade }

func (c *Cascade) Detect(ctx context.Context, img image.Image) ([]types.FaceRegion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rgba := utils.ToRGBA(img)
	width, height := rgba.Bounds().Dx(), rgba.Bounds().Dy()
	if width == 0 || height == 0 {
		return nil, nil
	}

	params := pigo.CascadeParams{
		MinSize:     c.minSize,
		MaxSize:     min(c.maxSize, max(width, height)),
		ShiftFactor: 0.1,
		ScaleFactor: 1.1,
		ImageParams: pigo.ImageParams{
			Pixels: grayscale(rgba),
			Rows:   height,
			Cols:   width,
			Dim:    width,
		},
	}

	dets := c.classifier.RunCascade(params, 0.0)
	dets = c.classifier.ClusterDetections(dets, cascadeClusterIoU)

	origin := img.Bounds().Min
	bounds := img.Bounds()
	faces := make([]types.FaceRegion, 0, len(dets))
	for _, det := range dets {
		if det.Q <= cascadeQualityFloor {
			continue
		}
		q := float64(det.Q)
		r := types.FaceRegion{
			X:          origin.X + det.Col - det.Scale/2,
			Y:          origin.Y + det.Row - det.Scale/2,
			Width:      det.Scale,
			Height:     det.Scale,
			Confidence: q / (q + cascadeQualityHalf),
		}
		if r, ok := clamp(r, bounds); ok {
			faces = append(faces, r)
		}
	}
	return faces, nil
}

// grayscale converts to luma using the integer BT.601 weights.
func grayscale(img *image.RGBA) []uint8 {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	out := make([]uint8, w*h)
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < w; x++ {
			r := uint32(row[x*4])
			g := uint32(row[x*4+1])
			b := uint32(row[x*4+2])
			out[y*w+x] = uint8((r*299 + g*587 + b*114) / 1000)
		}
	}
	return out
}
