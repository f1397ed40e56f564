package detect

import (
	"context"
	"image"

	"github.com/andresmejia3/facegate/internal/config"
	"github.com/andresmejia3/facegate/internal/log"
	"github.com/andresmejia3/facegate/internal/types"
	"github.com/andresmejia3/facegate/internal/worker"
)

// DNN runs the SSD face detector inside the model workers.
type DNN struct {
	pool          *worker.Pool
	minConfidence float64
	accelerated   bool
}

func newDNN(cfg config.DetectorConfig, pool *worker.Pool) *DNN {
	d := &DNN{pool: pool, minConfidence: cfg.MinConfidence}
	d.accelerated = configureAccelerator(pool, cfg.Accelerator)
	return d
}

// NewDNN wraps an already configured pool. Used when the caller has done its
// own accelerator setup.
func NewDNN(pool *worker.Pool, minConfidence float64) *DNN {
	return &DNN{pool: pool, minConfidence: minConfidence}
}

// configureAccelerator asks every worker to use the GPU path and verifies it
// with a probe. Any failure turns acceleration off on all workers. The
// backend stays DNN either way.
func configureAccelerator(pool *worker.Pool, want bool) bool {
	if !want {
		if err := pool.Broadcast(func(w *worker.ModelWorker) error { return w.UseAccelerator(false) }); err != nil {
			log.Warn(log.Fields{"error": err}, "failed to configure CPU path on model workers")
		}
		return false
	}

	err := pool.Broadcast(func(w *worker.ModelWorker) error {
		if err := w.UseAccelerator(true); err != nil {
			return err
		}
		return w.Probe()
	})
	if err == nil {
		log.Info(log.Fields{"workers": pool.Size()}, "DNN detector using accelerator")
		return true
	}

	log.Warn(log.Fields{"error": err}, "accelerator probe failed, DNN detector falling back to CPU")
	if err := pool.Broadcast(func(w *worker.ModelWorker) error { return w.UseAccelerator(false) }); err != nil {
		log.Error(log.Fields{"error": err}, "failed to switch model workers to CPU")
	}
	return false
}

func (d *DNN) Backend() Backend { return BackendDNN }

// Accelerated reports whether the probe succeeded at startup.
func (d *DNN) Accelerated() bool { return d.accelerated }

func (d *DNN) Detect(ctx context.Context, img image.Image) ([]types.FaceRegion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := d.pool.Detect(img)
	if err != nil {
		return nil, err
	}

	bounds := img.Bounds()
	faces := make([]types.FaceRegion, 0, len(raw))
	for _, r := range raw {
		// Boxes at or below the floor are discarded
		if r.Confidence <= d.minConfidence {
			continue
		}
		if c, ok := clamp(r, bounds); ok {
			faces = append(faces, c)
		}
	}
	return faces, nil
}
