package worker

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"io"
	"math"
	"os"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/facegate/internal/types"
	"github.com/andresmejia3/facegate/internal/utils" // Using the SafeCommand wrapper
)

// Request opcodes understood by the model worker.
const (
	opDetect    byte = 'D'
	opEmbed     byte = 'E'
	opProbe     byte = 'P'
	opConfigure byte = 'C'
)

const (
	statusOK    byte = 0
	statusError byte = 1
)

// maxFrame caps a single response so a corrupt header cannot make us allocate gigabytes.
const maxFrame = 64 * 1024 * 1024

// Config describes how to launch a model worker process.
type Config struct {
	Command     []string // e.g. ["python3", "-u", "python/worker.py"]
	Env         []string // extra KEY=VALUE pairs (model paths, etc.)
	ReadTimeout time.Duration
}

// ModelWorker is a long-lived model process (detector and/or embedder) spoken to over
// stdin and a dedicated FD 3 data pipe. Calls on a single worker must not overlap; use Pool.
type ModelWorker struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser
	Timeout  time.Duration

	// broken is set once a frame was lost mid-exchange. The pipe may still hold
	// a late reply, so the worker must never serve another request.
	broken atomic.Bool
}

// Broken reports whether the worker's pipes are out of sync.
func (w *ModelWorker) Broken() bool {
	return w.broken.Load()
}

// NewModelWorker starts the model process described by cfg.
func NewModelWorker(id int, cfg Config) (*ModelWorker, error) {
	if len(cfg.Command) == 0 {
		return nil, errors.New("worker command is empty")
	}
	// 1. Initialize the SafeCommand so a crashing model leaves its stderr behind
	py := utils.NewSafeCommand(cfg.Command[0], cfg.Command[1:]...)
	py.Cmd.Env = append(os.Environ(), cfg.Env...)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close() // Prevent FD leak
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	return &ModelWorker{
		ID:       id,
		Cmd:      py,
		Stdin:    stdin,
		DataPipe: r,
		Timeout:  cfg.ReadTimeout,
	}, nil
}

// Communicate sends one request frame and returns the raw response body.
// Protocol: [Length uint32 BE][Data] in both directions.
// Any write, read or timeout error marks the worker broken.
func (w *ModelWorker) Communicate(data []byte) ([]byte, error) {
	resp, err := w.exchange(data)
	if err != nil {
		w.broken.Store(true)
	}
	return resp, err
}

func (w *ModelWorker) exchange(data []byte) ([]byte, error) {
	if w.Broken() {
		return nil, fmt.Errorf("worker %d is out of sync with its model process", w.ID)
	}
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, err
	}

	if f, ok := w.DataPipe.(*os.File); ok && w.Timeout > 0 {
		_ = f.SetReadDeadline(time.Now().Add(w.Timeout))
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, err // A model process that died on import shows up here
	}

	respLen := binary.BigEndian.Uint32(header)
	if respLen > maxFrame {
		return nil, fmt.Errorf("response frame too large: %d bytes", respLen)
	}
	respBody := make([]byte, respLen)
	if _, err := io.ReadFull(w.DataPipe, respBody); err != nil {
		return nil, err
	}
	return respBody, nil
}

// call wraps Communicate with the opcode and status byte handling.
func (w *ModelWorker) call(op byte, body []byte) (*bytes.Reader, error) {
	req := make([]byte, 0, len(body)+1)
	req = append(req, op)
	req = append(req, body...)

	resp, err := w.Communicate(req)
	if err != nil {
		return nil, err
	}
	if len(resp) == 0 {
		return nil, errors.New("empty response from model worker")
	}

	r := bytes.NewReader(resp[1:])
	switch resp[0] {
	case statusOK:
		return r, nil
	case statusError:
		var msgLen uint32
		if err := binary.Read(r, binary.BigEndian, &msgLen); err != nil {
			return nil, fmt.Errorf("malformed error response: %w", err)
		}
		msg := make([]byte, msgLen)
		if _, err := io.ReadFull(r, msg); err != nil {
			return nil, fmt.Errorf("malformed error response: %w", err)
		}
		return nil, fmt.Errorf("model worker error: %s", msg)
	default:
		return nil, fmt.Errorf("unknown response status %d", resp[0])
	}
}

// Detect runs the worker's face detector over img.
// Response: [NumFaces uint32] then per face [Box [4]int32 x,y,w,h][Conf float32].
func (w *ModelWorker) Detect(img image.Image) ([]types.FaceRegion, error) {
	r, err := w.call(opDetect, EncodeImage(img))
	if err != nil {
		return nil, err
	}

	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, fmt.Errorf("reading face count: %w", err)
	}
	// Each face needs 20 bytes; reject counts the payload cannot hold.
	if int(n)*20 > r.Len() {
		return nil, fmt.Errorf("face count %d exceeds payload", n)
	}

	faces := make([]types.FaceRegion, 0, n)
	for i := uint32(0); i < n; i++ {
		var box [4]int32
		var conf float32
		if err := binary.Read(r, binary.BigEndian, &box); err != nil {
			return nil, fmt.Errorf("reading face %d box: %w", i, err)
		}
		if err := binary.Read(r, binary.BigEndian, &conf); err != nil {
			return nil, fmt.Errorf("reading face %d confidence: %w", i, err)
		}
		faces = append(faces, types.FaceRegion{
			X:          int(box[0]),
			Y:          int(box[1]),
			Width:      int(box[2]),
			Height:     int(box[3]),
			Confidence: float64(conf),
		})
	}
	return faces, nil
}

// Embed runs the worker's embedding model over an already normalized crop.
// Response: [Dim uint32][Vec dim*float32].
func (w *ModelWorker) Embed(crop image.Image) (types.Embedding, error) {
	r, err := w.call(opEmbed, EncodeImage(crop))
	if err != nil {
		return nil, err
	}

	var dim uint32
	if err := binary.Read(r, binary.BigEndian, &dim); err != nil {
		return nil, fmt.Errorf("reading embedding dimension: %w", err)
	}
	if dim == 0 || int(dim)*4 > r.Len() {
		return nil, fmt.Errorf("invalid embedding dimension %d", dim)
	}
	vec := make([]float32, dim)
	if err := binary.Read(r, binary.BigEndian, vec); err != nil {
		return nil, fmt.Errorf("reading embedding: %w", err)
	}
	for _, v := range vec {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return nil, errors.New("embedding contains non-finite values")
		}
	}
	return vec, nil
}

// Probe asks the worker to exercise its accelerator path with a blank input.
func (w *ModelWorker) Probe() error {
	_, err := w.call(opProbe, []byte{1})
	return err
}

// UseAccelerator switches the worker between accelerated and plain CPU execution.
func (w *ModelWorker) UseAccelerator(on bool) error {
	var flag byte
	if on {
		flag = 1
	}
	_, err := w.call(opConfigure, []byte{flag})
	return err
}

// Close shuts down the worker and waits for the process to exit.
func (w *ModelWorker) Close() {
	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd != nil {
		w.Cmd.Wait()
	}
}

// EncodeImage packs img as [Width uint32][Height uint32][RGB bytes, row-major].
func EncodeImage(img image.Image) []byte {
	b := img.Bounds()
	width, height := b.Dx(), b.Dy()
	buf := make([]byte, 8, 8+width*height*3)
	binary.BigEndian.PutUint32(buf[0:4], uint32(width))
	binary.BigEndian.PutUint32(buf[4:8], uint32(height))

	if rgba, ok := img.(*image.RGBA); ok {
		for y := b.Min.Y; y < b.Max.Y; y++ {
			row := rgba.Pix[rgba.PixOffset(b.Min.X, y):]
			for x := 0; x < width; x++ {
				buf = append(buf, row[x*4], row[x*4+1], row[x*4+2])
			}
		}
		return buf
	}

	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			buf = append(buf, uint8(r>>8), uint8(g>>8), uint8(bl>>8))
		}
	}
	return buf
}
