// Package engine is the face identity matching core. One Engine is built at
// startup and shared by every CLI command and HTTP handler.
package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/renameio"
	"github.com/sirupsen/logrus"

	"github.com/andresmejia3/facegate/internal/detect"
	"github.com/andresmejia3/facegate/internal/embed"
	"github.com/andresmejia3/facegate/internal/log"
	"github.com/andresmejia3/facegate/internal/match"
	"github.com/andresmejia3/facegate/internal/store"
	"github.com/andresmejia3/facegate/internal/types"
)

// ErrUnavailable is returned by every call on an engine whose models could
// not be loaded.
var ErrUnavailable = errors.New("face engine unavailable")

// Messages returned to callers.
const (
	MsgProcessingError = "Error processing image"
	MsgMultipleFaces   = "Multiple faces detected. Please use image with single face."
	MsgExtractFailed   = "Failed to extract face from image"
	MsgInvalidName     = "Invalid name"
)

// Options are the policy knobs of the engine.
type Options struct {
	Threshold  float64 // cosine similarity floor for a match
	Padding    float64 // crop padding as a fraction of the larger box side
	CropSize   int     // embedder input size in pixels
	FacesDir   string  // where reference images are kept, empty disables
	KeepImages bool
}

// Engine runs recognition and registration. Recognition calls may run in
// parallel; registrations are serialized by the store.
type Engine struct {
	detector detect.Detector
	embedder embed.Embedder
	store    *store.Store
	opts     Options
	closers  []func()
	initErr  error
	logs     func() string

	mu    sync.Mutex
	index *match.Index
}

// New builds an engine around ready backends.
func New(det detect.Detector, emb embed.Embedder, st *store.Store, opts Options) *Engine {
	return &Engine{detector: det, embedder: emb, store: st, opts: opts}
}

// Unavailable returns an engine that fails every call with ErrUnavailable.
func Unavailable(cause error) *Engine {
	return &Engine{initErr: cause}
}

// Available reports whether the engine can serve calls.
func (e *Engine) Available() bool {
	return e.initErr == nil
}

// Err returns the initialization failure, if any.
func (e *Engine) Err() error {
	return e.initErr
}

// DetectorBackend names the detector chosen at startup.
func (e *Engine) DetectorBackend() detect.Backend {
	if e.detector == nil {
		return ""
	}
	return e.detector.Backend()
}

// Accelerated reports whether the detector runs on an accelerator.
func (e *Engine) Accelerated() bool {
	return detect.Accelerated(e.detector)
}

// Threshold returns the configured similarity floor.
func (e *Engine) Threshold() float64 {
	return e.opts.Threshold
}

// Store exposes the identity store for maintenance commands.
func (e *Engine) Store() *store.Store {
	return e.store
}

// WorkerLogs returns captured model worker stderr for error reports.
func (e *Engine) WorkerLogs() string {
	if e.logs == nil {
		return ""
	}
	return e.logs()
}

// Close releases model workers.
func (e *Engine) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
	e.closers = nil
}

func (e *Engine) unavailable() error {
	return fmt.Errorf("%w: %v", ErrUnavailable, e.initErr)
}

// Recognize finds the largest face in img and matches it against the store.
// Every failure is folded into the result; the only error is ErrUnavailable.
func (e *Engine) Recognize(ctx context.Context, img image.Image) (types.MatchResult, error) {
	if !e.Available() {
		return types.MatchResult{}, e.unavailable()
	}
	entry := log.WithTrace(log.NewTraceID()).WithField("op", "recognize")

	faces, err := e.detector.Detect(ctx, img)
	if err != nil {
		entry.WithFields(logrus.Fields{"reason": "internal_error", "stage": "detect", "error": err}).Error("recognition failed")
		return match.Undetected(MsgProcessingError), nil
	}
	face, err := detect.Largest(faces)
	if err != nil {
		entry.WithField("reason", "no_face").Info("no face detected")
		return match.Undetected(match.MsgNoFace), nil
	}

	vec, err := embed.Face(ctx, e.embedder, img, face, e.opts.Padding, e.opts.CropSize)
	if errors.Is(err, embed.ErrEmptyCrop) {
		entry.WithFields(logrus.Fields{"reason": "empty_crop", "faces": len(faces)}).Warn("face region produced an empty crop")
		return match.Undetected(match.MsgExtractFailed), nil
	}
	if err != nil {
		entry.WithFields(logrus.Fields{"reason": "internal_error", "stage": "embed", "error": err}).Error("recognition failed")
		return match.Undetected(MsgProcessingError), nil
	}

	snap := e.store.Snapshot()
	in := match.Input{Detected: true, StoreEmpty: snap.Len() == 0, Threshold: e.opts.Threshold}
	if !in.StoreEmpty {
		best, ok, err := e.indexFor(snap).Best(vec)
		if err != nil {
			entry.WithFields(logrus.Fields{"reason": "internal_error", "stage": "match", "error": err}).Error("recognition failed")
			return match.Undetected(MsgProcessingError), nil
		}
		in.Best, in.Found = best, ok
	}

	res := match.Classify(in)
	fields := logrus.Fields{"status": res.Status, "confidence": fmt.Sprintf("%.4f", res.Confidence), "faces": len(faces)}
	if res.Name != nil {
		fields["name"] = *res.Name
	}
	entry.WithFields(fields).Info("recognition complete")
	return res, nil
}

// indexFor returns a matcher index for snap, rebuilding it only when the
// store has changed since the last call.
func (e *Engine) indexFor(snap *store.Snapshot) *match.Index {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.index == nil || e.index.Generation != snap.Generation {
		e.index = match.NewIndex(snap)
	}
	return e.index
}

// Register stores the embedding of the single face in img under name. With
// replace the identity's earlier references are dropped. The store is left
// untouched on any failure.
func (e *Engine) Register(ctx context.Context, img image.Image, name string, replace bool) (types.RegisterResult, error) {
	if !e.Available() {
		return types.RegisterResult{}, e.unavailable()
	}
	entry := log.WithTrace(log.NewTraceID()).WithField("op", "register")

	name, err := store.NormalizeName(name)
	if err != nil {
		entry.WithField("reason", "invalid_name").Warn("registration rejected")
		return failed(MsgInvalidName), nil
	}
	entry = entry.WithField("name", name)

	faces, err := e.detector.Detect(ctx, img)
	if err != nil {
		entry.WithFields(logrus.Fields{"reason": "internal_error", "stage": "detect", "error": err}).Error("registration failed")
		return failed(fmt.Sprintf("Error: %v", err)), nil
	}
	face, err := detect.ExactlyOne(faces)
	switch {
	case errors.Is(err, detect.ErrNoFace):
		entry.WithField("reason", "no_face").Info("registration rejected")
		return failed(match.MsgNoFace), nil
	case errors.Is(err, detect.ErrMultipleFaces):
		entry.WithFields(logrus.Fields{"reason": "multiple_faces", "faces": len(faces)}).Info("registration rejected")
		return failed(MsgMultipleFaces), nil
	}

	vec, err := embed.Face(ctx, e.embedder, img, face, e.opts.Padding, e.opts.CropSize)
	if errors.Is(err, embed.ErrEmptyCrop) {
		entry.WithField("reason", "empty_crop").Warn("registration rejected")
		return failed(MsgExtractFailed), nil
	}
	if err != nil {
		entry.WithFields(logrus.Fields{"reason": "internal_error", "stage": "embed", "error": err}).Error("registration failed")
		return failed(fmt.Sprintf("Error: %v", err)), nil
	}

	name, refs, err := e.store.Register(name, vec, replace)
	if err != nil {
		entry.WithFields(logrus.Fields{"reason": "persistence", "error": err}).Error("registration failed")
		return failed(fmt.Sprintf("Failed to save registration: %v", err)), nil
	}

	if e.opts.KeepImages && e.opts.FacesDir != "" {
		if err := e.saveReference(img, name, refs); err != nil {
			// The store is authoritative; a missing reference image is not fatal.
			entry.WithField("error", err).Warn("failed to save reference image")
		}
	}

	entry.WithFields(logrus.Fields{"references": refs, "replace": replace}).Info("identity registered")
	return types.RegisterResult{Success: true, Message: fmt.Sprintf("Successfully registered %s", name)}, nil
}

func failed(msg string) types.RegisterResult {
	return types.RegisterResult{Success: false, Message: msg}
}

// saveReference writes img as <FacesDir>/<name>/<name>_<n>.jpg.
func (e *Engine) saveReference(img image.Image, name string, n int) error {
	dir := filepath.Join(e.opts.FacesDir, name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 92}); err != nil {
		return err
	}
	return renameio.WriteFile(filepath.Join(dir, fmt.Sprintf("%s_%d.jpg", name, n)), buf.Bytes(), 0644)
}

// RegisteredIdentities returns every registered name in lexicographic order.
func (e *Engine) RegisteredIdentities() ([]string, error) {
	if !e.Available() {
		return nil, e.unavailable()
	}
	return e.store.Names(), nil
}

// Count returns the number of registered identities.
func (e *Engine) Count() (int, error) {
	if !e.Available() {
		return 0, e.unavailable()
	}
	return e.store.Count(), nil
}

// MoveReferences renames the reference image directory of an identity. When
// the target already exists the identity was merged and its images stay put.
// Failures are logged only.
func MoveReferences(facesDir, oldName, newName string) {
	newName, err := store.NormalizeName(newName)
	if err != nil {
		return
	}
	from := filepath.Join(facesDir, oldName)
	to := filepath.Join(facesDir, newName)
	if _, err := os.Stat(to); err == nil {
		return
	}
	if err := os.Rename(from, to); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn(log.Fields{"from": from, "to": to, "error": err}, "failed to move reference images")
	}
}
