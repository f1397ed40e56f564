package engine

import (
	"fmt"
	"os"

	"github.com/andresmejia3/facegate/internal/config"
	"github.com/andresmejia3/facegate/internal/detect"
	"github.com/andresmejia3/facegate/internal/embed"
	"github.com/andresmejia3/facegate/internal/log"
	"github.com/andresmejia3/facegate/internal/store"
	"github.com/andresmejia3/facegate/internal/worker"
)

// Components are the pieces Build assembles. They are exposed so the
// validation command can reuse the same detector and embedder.
type Components struct {
	Pool     *worker.Pool // nil when no worker was needed or it failed to start
	Detector detect.Detector
	Embedder embed.Embedder
}

// Close stops the model workers, if any.
func (c *Components) Close() {
	if c.Pool != nil {
		c.Pool.Close()
	}
}

// BuildComponents starts the model workers when a backend needs them and
// selects the detector and embedder. A detector problem falls back to the
// cascade; an embedder problem is fatal because it has no fallback.
func BuildComponents(cfg *config.Config) (*Components, error) {
	c := &Components{}

	if needsWorker(cfg) {
		pool, err := worker.NewPool(cfg.Worker.Count, worker.Config{
			Command:     cfg.WorkerCommand(),
			Env:         workerEnv(cfg),
			ReadTimeout: cfg.Worker.Timeout,
		})
		if err != nil {
			log.Warn(log.Fields{"command": cfg.Worker.Command, "error": err}, "model workers failed to start")
		} else {
			c.Pool = pool
		}
	}

	det, err := detect.New(cfg.Detector, c.Pool)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("initializing detector: %w", err)
	}
	c.Detector = det

	emb, err := embed.New(cfg.Embedder, c.Pool)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("initializing embedder: %w", err)
	}
	c.Embedder = emb

	log.Info(log.Fields{
		"detector": det.Backend(),
		"embedder": cfg.Embedder.Backend,
		"model":    cfg.Embedder.Model,
		"gpu":      detect.Accelerated(det),
		"workers":  poolSize(c.Pool),
	}, "face models ready")
	return c, nil
}

// Build assembles the engine described by cfg. Failures are not returned:
// the engine comes back unavailable and reports the cause on every call.
func Build(cfg *config.Config) *Engine {
	st, err := store.Open(cfg.StorePath())
	if err != nil {
		log.Error(log.Fields{"path": cfg.StorePath(), "error": err}, "failed to load identity store")
		return Unavailable(err)
	}

	comps, err := BuildComponents(cfg)
	if err != nil {
		log.Error(log.Fields{"error": err}, "face engine unavailable")
		return Unavailable(err)
	}

	e := New(comps.Detector, comps.Embedder, st, Options{
		Threshold:  cfg.Threshold,
		Padding:    cfg.Embedder.Padding,
		CropSize:   cfg.Embedder.CropSize,
		FacesDir:   cfg.FacesDir(),
		KeepImages: cfg.Store.KeepImage,
	})
	e.closers = append(e.closers, comps.Close)
	if comps.Pool != nil {
		e.logs = comps.Pool.Stderr
	}

	log.Info(log.Fields{"identities": st.Count(), "store": st.Path(), "threshold": cfg.Threshold}, "face engine ready")
	return e
}

func needsWorker(cfg *config.Config) bool {
	if cfg.Embedder.Backend == config.EmbedderWorker {
		return true
	}
	if cfg.Detector.Backend == config.DetectorCascade {
		return false
	}
	return fileExists(cfg.Detector.ModelFile) && fileExists(cfg.Detector.ConfigFile)
}

// workerEnv passes model locations to the worker process.
func workerEnv(cfg *config.Config) []string {
	return []string{
		"FACEGATE_DNN_MODEL=" + cfg.Detector.ModelFile,
		"FACEGATE_DNN_CONFIG=" + cfg.Detector.ConfigFile,
		"FACEGATE_EMBEDDING_MODEL=" + cfg.Embedder.Model,
		fmt.Sprintf("FACEGATE_CROP_SIZE=%d", cfg.Embedder.CropSize),
	}
}

func poolSize(p *worker.Pool) int {
	if p == nil {
		return 0
	}
	return p.Size()
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
