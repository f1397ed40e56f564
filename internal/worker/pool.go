package worker

import (
	"errors"
	"fmt"
	"image"
	"sync"

	"github.com/andresmejia3/facegate/internal/log"
	"github.com/andresmejia3/facegate/internal/types"
)

var (
	// ErrPoolClosed is returned by calls made after Close.
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrNoWorkers is returned once every worker has been evicted as broken.
	ErrNoWorkers = errors.New("no healthy model workers left")
)

// Pool hands out model workers one call at a time so independent detections
// never share a pipe. A worker whose pipe fell out of sync is closed and
// replaced, or dropped when it cannot be restarted.
type Pool struct {
	idle   chan *ModelWorker
	closed chan struct{}
	empty  chan struct{}
	spawn  func(id int) (*ModelWorker, error)

	mu        sync.Mutex
	workers   []*ModelWorker
	isClosed  bool
	inflight  sync.WaitGroup
	emptyOnce sync.Once
}

// NewPool spawns n workers. If any worker fails to start the ones already
// running are shut down. Broken workers are restarted with the same cfg.
func NewPool(n int, cfg Config) (*Pool, error) {
	if n < 1 {
		n = 1
	}
	workers := make([]*ModelWorker, 0, n)
	for i := 0; i < n; i++ {
		w, err := NewModelWorker(i, cfg)
		if err != nil {
			for _, started := range workers {
				started.Close()
			}
			return nil, err
		}
		workers = append(workers, w)
	}
	p := NewPoolFrom(workers...)
	p.spawn = func(id int) (*ModelWorker, error) { return NewModelWorker(id, cfg) }
	return p, nil
}

// NewPoolFrom builds a pool around already running workers. Broken workers
// are dropped, not restarted.
func NewPoolFrom(workers ...*ModelWorker) *Pool {
	p := &Pool{
		idle:    make(chan *ModelWorker, len(workers)),
		workers: workers,
		closed:  make(chan struct{}),
		empty:   make(chan struct{}),
	}
	for _, w := range workers {
		p.idle <- w
	}
	if len(workers) == 0 {
		p.emptyOnce.Do(func() { close(p.empty) })
	}
	return p
}

// Size returns the number of live workers in the pool.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// enter registers a call so Close can wait for it.
func (p *Pool) enter() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.isClosed {
		return ErrPoolClosed
	}
	p.inflight.Add(1)
	return nil
}

// acquire waits for an idle worker.
func (p *Pool) acquire() (*ModelWorker, error) {
	select {
	case <-p.closed:
		return nil, ErrPoolClosed
	case <-p.empty:
		return nil, ErrNoWorkers
	case w := <-p.idle:
		return w, nil
	}
}

// release puts a healthy worker back. A broken one is closed and either
// restarted or removed from the pool.
func (p *Pool) release(w *ModelWorker) {
	if !w.Broken() {
		p.idle <- w
		return
	}

	log.Warn(log.Fields{"worker": w.ID, "logs": w.Cmd.StderrString()}, "model worker out of sync, closing it")
	w.Close()

	if p.spawn != nil {
		fresh, err := p.spawn(w.ID)
		if err == nil {
			p.mu.Lock()
			for i, cur := range p.workers {
				if cur == w {
					p.workers[i] = fresh
				}
			}
			p.mu.Unlock()
			p.idle <- fresh
			log.Info(log.Fields{"worker": w.ID}, "model worker restarted")
			return
		}
		log.Error(log.Fields{"worker": w.ID, "error": err}, "failed to restart model worker")
	}

	p.mu.Lock()
	for i, cur := range p.workers {
		if cur == w {
			p.workers = append(p.workers[:i], p.workers[i+1:]...)
			break
		}
	}
	left := len(p.workers)
	p.mu.Unlock()
	if left == 0 {
		p.emptyOnce.Do(func() { close(p.empty) })
	}
}

// Do checks out a worker, runs fn and returns the worker to the pool.
func (p *Pool) Do(fn func(w *ModelWorker) error) error {
	if err := p.enter(); err != nil {
		return err
	}
	defer p.inflight.Done()

	w, err := p.acquire()
	if err != nil {
		return err
	}
	defer p.release(w)
	return fn(w)
}

// Detect runs face detection on an idle worker.
func (p *Pool) Detect(img image.Image) ([]types.FaceRegion, error) {
	var faces []types.FaceRegion
	err := p.Do(func(w *ModelWorker) error {
		var err error
		faces, err = w.Detect(img)
		return err
	})
	return faces, err
}

// Embed computes an embedding on an idle worker.
func (p *Pool) Embed(crop image.Image) (types.Embedding, error) {
	var vec types.Embedding
	err := p.Do(func(w *ModelWorker) error {
		var err error
		vec, err = w.Embed(crop)
		return err
	})
	return vec, err
}

// Broadcast runs fn on every worker, holding each until all have run.
// Used at startup to configure all workers the same way, before the pool
// is shared; it must not race with Do.
func (p *Pool) Broadcast(fn func(w *ModelWorker) error) error {
	if err := p.enter(); err != nil {
		return err
	}
	defer p.inflight.Done()

	n := p.Size()
	held := make([]*ModelWorker, 0, n)
	defer func() {
		for _, w := range held {
			p.release(w)
		}
	}()
	for i := 0; i < n; i++ {
		w, err := p.acquire()
		if err != nil {
			return err
		}
		held = append(held, w)
		if err := fn(w); err != nil {
			return fmt.Errorf("worker %d: %w", w.ID, err)
		}
	}
	return nil
}

// Stderr returns the captured stderr of the first worker that has any, for error reports.
func (p *Pool) Stderr() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.workers {
		if logs := w.Cmd.StderrString(); logs != "" {
			return logs
		}
	}
	return ""
}

// Close stops all workers. Calls in flight finish first.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.isClosed {
		p.mu.Unlock()
		return
	}
	p.isClosed = true
	close(p.closed)
	p.mu.Unlock()

	p.inflight.Wait()

	p.mu.Lock()
	workers := p.workers
	p.workers = nil
	p.mu.Unlock()
	for _, w := range workers {
		w.Close()
	}
}
