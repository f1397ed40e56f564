package validate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/andresmejia3/facegate/internal/cache"
	"github.com/andresmejia3/facegate/internal/detect"
	"github.com/andresmejia3/facegate/internal/embed"
	"github.com/andresmejia3/facegate/internal/log"
	"github.com/andresmejia3/facegate/internal/match"
	"github.com/andresmejia3/facegate/internal/types"
	"github.com/andresmejia3/facegate/internal/utils"
)

// Outcome is what happened when a single file went through the pipeline.
type Outcome int

const (
	Embedded Outcome = iota
	NoFace
	Failed
)

// Options tunes the pipeline used to embed dataset files.
type Options struct {
	Padding  float64
	CropSize int
	Workers  int
}

// Runner embeds a train and test directory and compares them.
type Runner struct {
	Detector detect.Detector
	Embedder embed.Embedder
	Cache    *cache.Cache // optional
	Opts     Options

	// Progress, when set, is called at the start of each stage and returns
	// a function invoked once per processed file.
	Progress func(stage string, total int) func()
}

// Sample is one test probe and its nearest reference.
type Sample struct {
	File    string
	Label   string
	Outcome Outcome
	Best    match.Match
	Found   bool
}

// Predict returns the label predicted for the sample at threshold.
func (s Sample) Predict(threshold float64) string {
	switch {
	case s.Outcome == Failed:
		return LabelError
	case s.Outcome == NoFace || !s.Found:
		return LabelUnknown
	case s.Best.Score >= threshold:
		return s.Best.Name
	default:
		return LabelUnknown
	}
}

// Result holds everything needed to score the run at any threshold without
// embedding again.
type Result struct {
	References int // embedded reference images
	Identities int // distinct reference labels
	Samples    []Sample
	Skipped    int // test files with no label or a label absent from the references
	Elapsed    time.Duration
}

// Report scores the samples at threshold.
func (res *Result) Report(threshold float64) (Report, error) {
	yTrue := make([]string, len(res.Samples))
	yPred := make([]string, len(res.Samples))
	for i, s := range res.Samples {
		yTrue[i] = s.Label
		yPred[i] = s.Predict(threshold)
	}
	return Evaluate(yTrue, yPred)
}

// SweepPoint is the score at one threshold.
type SweepPoint struct {
	Threshold  float64
	Accuracy   float64
	WeightedF1 float64
}

// Sweep scores the samples across [from, to] in increments of step.
func (res *Result) Sweep(from, to, step float64) ([]SweepPoint, error) {
	if step <= 0 || to < from {
		return nil, fmt.Errorf("invalid sweep range %.3f..%.3f step %.3f", from, to, step)
	}
	var points []SweepPoint
	n := int((to-from)/step+1e-9) + 1
	for i := 0; i < n; i++ {
		th := from + float64(i)*step
		r, err := res.Report(th)
		if err != nil {
			return nil, err
		}
		points = append(points, SweepPoint{Threshold: th, Accuracy: r.Accuracy, WeightedF1: r.WeightedF1})
	}
	return points, nil
}

// ListImages returns the labelled image files of dir in name order.
func ListImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !IsImage(e.Name()) {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	slices.Sort(files)
	return files, nil
}

// Run embeds every reference in trainDir, then finds the nearest reference
// for every test probe whose label is among them.
func (r *Runner) Run(ctx context.Context, trainDir, testDir string) (*Result, error) {
	start := time.Now()

	refs, count, err := r.References(ctx, trainDir)
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, fmt.Errorf("no usable reference images in %s", trainDir)
	}
	ix, err := match.NewIndexFrom(refs)
	if err != nil {
		return nil, err
	}

	files, err := ListImages(testDir)
	if err != nil {
		return nil, fmt.Errorf("reading test directory: %w", err)
	}

	res := &Result{References: count, Identities: len(refs)}
	type probe struct{ path, label string }
	var probes []probe
	for _, f := range files {
		label, ok := ParseLabel(f)
		if !ok {
			res.Skipped++
			continue
		}
		if _, known := refs[label]; !known {
			res.Skipped++
			continue
		}
		probes = append(probes, probe{f, label})
	}

	res.Samples = make([]Sample, len(probes))
	err = r.each(ctx, "Validating", len(probes), func(ctx context.Context, i int) {
		p := probes[i]
		s := Sample{File: p.path, Label: p.label}
		vec, outcome := r.embedFile(ctx, p.path, p.label)
		s.Outcome = outcome
		if outcome == Embedded {
			best, ok, err := ix.Best(vec)
			if err != nil {
				log.Warn(log.Fields{"file": filepath.Base(p.path), "error": err}, "probe could not be matched")
				s.Outcome = Failed
			} else {
				s.Best, s.Found = best, ok
			}
		}
		res.Samples[i] = s
	})
	if err != nil {
		return nil, err
	}

	r.saveCache()
	res.Elapsed = time.Since(start)
	return res, nil
}

// References embeds every labelled image in dir and groups the vectors by
// label. Files without a face or that fail to embed are left out.
func (r *Runner) References(ctx context.Context, dir string) (map[string][]types.Embedding, int, error) {
	files, err := ListImages(dir)
	if err != nil {
		return nil, 0, fmt.Errorf("reading train directory: %w", err)
	}

	type ref struct {
		path, label string
	}
	var todo []ref
	for _, f := range files {
		if label, ok := ParseLabel(f); ok {
			todo = append(todo, ref{f, label})
		}
	}

	vecs := make([]types.Embedding, len(todo))
	err = r.each(ctx, "Building index", len(todo), func(ctx context.Context, i int) {
		if vec, outcome := r.embedFile(ctx, todo[i].path, todo[i].label); outcome == Embedded {
			vecs[i] = vec
		}
	})
	if err != nil {
		return nil, 0, err
	}
	r.saveCache()

	refs := map[string][]types.Embedding{}
	count := 0
	for i, v := range vecs {
		if v == nil {
			continue
		}
		refs[todo[i].label] = append(refs[todo[i].label], v)
		count++
	}
	return refs, count, nil
}

// each runs fn for 0..n-1 on up to Opts.Workers goroutines.
func (r *Runner) each(ctx context.Context, stage string, n int, fn func(ctx context.Context, i int)) error {
	tick := func() {}
	if r.Progress != nil {
		tick = r.Progress(stage, n)
	}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(r.Opts.Workers, 1))
	for i := 0; i < n; i++ {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			fn(gctx, i)
			mu.Lock()
			tick()
			mu.Unlock()
			return nil
		})
	}
	return g.Wait()
}

// embedFile returns the embedding of the largest face in path, consulting
// the cache first. A file without a face is cached too so it is not
// re-detected on the next run.
func (r *Runner) embedFile(ctx context.Context, path, label string) (types.Embedding, Outcome) {
	fields := log.Fields{"file": filepath.Base(path)}

	key, err := utils.GenerateImageKey(path)
	if err != nil {
		fields["error"] = err
		log.Warn(fields, "cannot stat dataset file")
		return nil, Failed
	}
	if r.Cache != nil {
		if e, ok := r.Cache.Get(key); ok {
			if len(e.Vector) == 0 {
				return nil, NoFace
			}
			return e.Vector, Embedded
		}
	}

	vec, err := r.embedImage(ctx, path)
	switch {
	case errors.Is(err, detect.ErrNoFace):
		if r.Cache != nil {
			r.Cache.Put(key, cache.Entry{Label: label, Source: path})
		}
		return nil, NoFace
	case err != nil:
		fields["error"] = err
		log.Warn(fields, "failed to embed dataset file")
		return nil, Failed
	}

	if r.Cache != nil {
		r.Cache.Put(key, cache.Entry{Vector: vec, Label: label, Source: path})
	}
	return vec, Embedded
}

func (r *Runner) embedImage(ctx context.Context, path string) (types.Embedding, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	img, err := utils.DecodeImage(data)
	if err != nil {
		return nil, err
	}
	faces, err := r.Detector.Detect(ctx, img)
	if err != nil {
		return nil, err
	}
	face, err := detect.Largest(faces)
	if err != nil {
		return nil, err
	}
	return embed.Face(ctx, r.Embedder, img, face, r.Opts.Padding, r.Opts.CropSize)
}

func (r *Runner) saveCache() {
	if r.Cache == nil {
		return
	}
	if err := r.Cache.Save(); err != nil {
		log.Warn(log.Fields{"error": err}, "failed to save embedding cache")
	}
}
