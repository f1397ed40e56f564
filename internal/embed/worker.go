package embed

import (
	"context"
	"image"

	"github.com/andresmejia3/facegate/internal/types"
	"github.com/andresmejia3/facegate/internal/worker"
)

// Worker embeds crops with the FaceNet model running in the worker pool.
type Worker struct {
	pool *worker.Pool
}

func NewWorker(pool *worker.Pool) *Worker {
	return &Worker{pool: pool}
}

func (w *Worker) Embed(ctx context.Context, crop image.Image) (types.Embedding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return w.pool.Embed(crop)
}
