// Package embed turns face crops into fixed-dimension identity vectors.
package embed

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"

	"github.com/andresmejia3/facegate/internal/config"
	"github.com/andresmejia3/facegate/internal/types"
	"github.com/andresmejia3/facegate/internal/worker"
)

var (
	// ErrEmptyCrop means the padded face box had no pixels inside the image.
	ErrEmptyCrop = errors.New("failed to extract face")
	// ErrZeroNorm means the embedder produced a vector that cannot be compared by angle.
	ErrZeroNorm = errors.New("embedding has zero norm")
)

// Embedder maps an aligned RGB face crop to an embedding. The same crop must
// always produce the same vector.
type Embedder interface {
	Embed(ctx context.Context, crop image.Image) (types.Embedding, error)
}

// New builds the configured backend. pool may be nil for the HTTP backend.
func New(cfg config.EmbedderConfig, pool *worker.Pool) (Embedder, error) {
	switch cfg.Backend {
	case config.EmbedderHTTP:
		return NewHTTP(cfg.URL, cfg.Model), nil
	case config.EmbedderWorker, "":
		if pool == nil {
			return nil, errors.New("worker embedder needs a model worker pool")
		}
		return NewWorker(pool), nil
	default:
		return nil, fmt.Errorf("unknown embedder backend %q", cfg.Backend)
	}
}

// Face crops the region out of img and embeds it.
func Face(ctx context.Context, e Embedder, img image.Image, region types.FaceRegion, padding float64, size int) (types.Embedding, error) {
	crop, err := Crop(img, region, padding, size)
	if err != nil {
		return nil, err
	}
	vec, err := e.Embed(ctx, crop)
	if err != nil {
		return nil, err
	}
	if err := checkVector(vec); err != nil {
		return nil, err
	}
	return vec, nil
}

// checkVector rejects empty, non-finite and zero vectors.
func checkVector(v types.Embedding) error {
	if len(v) == 0 {
		return errors.New("empty embedding returned")
	}
	var sum float64
	for _, x := range v {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return errors.New("embedding contains non-finite values")
		}
		sum += f * f
	}
	if sum == 0 {
		return ErrZeroNorm
	}
	return nil
}
