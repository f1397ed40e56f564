// Package detect locates faces in decoded images.
//
// Two backends exist: a learned DNN detector served by the model worker pool
// and a pigo cascade that runs in-process. The backend is chosen once when the
// detector is built and never changes for the life of the process.
package detect

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"

	"github.com/andresmejia3/facegate/internal/config"
	"github.com/andresmejia3/facegate/internal/log"
	"github.com/andresmejia3/facegate/internal/types"
	"github.com/andresmejia3/facegate/internal/worker"
)

var (
	// ErrNoFace means the detector found nothing in the image.
	ErrNoFace = errors.New("no face detected")
	// ErrMultipleFaces means registration got an image with more than one face.
	ErrMultipleFaces = errors.New("multiple faces detected")
)

// Backend identifies the detector implementation in use.
type Backend string

const (
	BackendDNN     Backend = "dnn"
	BackendCascade Backend = "cascade"
)

// Detector returns every face region found in an image. Implementations are
// safe for concurrent use.
type Detector interface {
	Detect(ctx context.Context, img image.Image) ([]types.FaceRegion, error)
	Backend() Backend
}

// New selects a backend. The DNN backend is used when its model files exist
// and the preference allows it; otherwise the cascade is loaded. A failed
// accelerator probe keeps the DNN backend and switches the workers to CPU.
func New(cfg config.DetectorConfig, pool *worker.Pool) (Detector, error) {
	wantDNN := cfg.Backend == config.DetectorDNN || cfg.Backend == config.DetectorAuto
	if wantDNN && pool != nil && fileExists(cfg.ModelFile) && fileExists(cfg.ConfigFile) {
		return newDNN(cfg, pool), nil
	}

	if cfg.Backend == config.DetectorDNN {
		log.Warn(log.Fields{
			"model":  cfg.ModelFile,
			"config": cfg.ConfigFile,
		}, "DNN detector files not available, falling back to cascade")
	}

	c, err := NewCascade(cfg)
	if err != nil {
		return nil, fmt.Errorf("loading cascade detector: %w", err)
	}
	return c, nil
}

// Accelerated reports whether d runs on an accelerator. Only a DNN whose
// startup probe succeeded does.
func Accelerated(d Detector) bool {
	a, ok := d.(interface{ Accelerated() bool })
	return ok && a.Accelerated()
}

// Largest returns the region with the greatest area. The first region wins
// ties so the choice is stable for a given detector output.
func Largest(regions []types.FaceRegion) (types.FaceRegion, error) {
	if len(regions) == 0 {
		return types.FaceRegion{}, ErrNoFace
	}
	best := regions[0]
	for _, r := range regions[1:] {
		if r.Area() > best.Area() {
			best = r
		}
	}
	return best, nil
}

// ExactlyOne returns the only region, or an error when there are none or
// several.
func ExactlyOne(regions []types.FaceRegion) (types.FaceRegion, error) {
	switch len(regions) {
	case 0:
		return types.FaceRegion{}, ErrNoFace
	case 1:
		return regions[0], nil
	default:
		return types.FaceRegion{}, ErrMultipleFaces
	}
}

// clamp intersects a region with the image bounds and drops empty results.
func clamp(r types.FaceRegion, bounds image.Rectangle) (types.FaceRegion, bool) {
	rect := r.Rect().Intersect(bounds)
	if rect.Empty() {
		return types.FaceRegion{}, false
	}
	return types.FaceRegion{
		X:          rect.Min.X,
		Y:          rect.Min.Y,
		Width:      rect.Dx(),
		Height:     rect.Dy(),
		Confidence: r.Confidence,
	}, true
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
