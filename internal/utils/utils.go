package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"sync"
)

// --- 1. Process Safety & Command Wrapping ---

// stderrLimit is how much of a worker's stderr we keep. Only the tail matters for crash reports.
const stderrLimit = 64 * 1024

// TailBuffer is an io.Writer that keeps the last Limit bytes written to it.
// It is safe for concurrent use: exec copies stderr on its own goroutine while
// error reports read it from ours.
type TailBuffer struct {
	mu    sync.Mutex
	buf   []byte
	Limit int
}

// NewTailBuffer returns a TailBuffer keeping at most limit bytes.
func NewTailBuffer(limit int) *TailBuffer {
	return &TailBuffer{Limit: limit}
}

func (t *TailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(p)
	if t.Limit > 0 && len(p) >= t.Limit {
		t.buf = append(t.buf[:0], p[len(p)-t.Limit:]...)
		return n, nil
	}
	t.buf = append(t.buf, p...)
	if t.Limit > 0 && len(t.buf) > t.Limit {
		drop := len(t.buf) - t.Limit
		t.buf = append(t.buf[:0], t.buf[drop:]...)
	}
	return n, nil
}

// Len returns the number of buffered bytes.
func (t *TailBuffer) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.buf)
}

func (t *TailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

// SafeCommand wraps a standard exec.Cmd with a buffer to catch Stderr (model worker logs)
// This ensures we don't lose critical crash information if a worker dies.
type SafeCommand struct {
	*exec.Cmd
	Stderr *TailBuffer
}

// NewSafeCommand initializes a command and attaches a bounded buffer to its Stderr pipe
// It prepares the command for execution but does not start it.
func NewSafeCommand(name string, args ...string) *SafeCommand {
	cmd := exec.Command(name, args...)
	stderr := NewTailBuffer(stderrLimit)
	cmd.Stderr = stderr
	return &SafeCommand{Cmd: cmd, Stderr: stderr}
}

// StderrString returns the captured worker logs, or "" for a nil command.
func (s *SafeCommand) StderrString() string {
	if s == nil || s.Stderr == nil {
		return ""
	}
	return s.Stderr.String()
}

// ShowError prints a formatted error box and dumps worker logs if any were captured.
func ShowError(context string, err error, workerLogs string) {
	fmt.Fprintf(os.Stderr, "\n---------------------------------------------------------\n")
	fmt.Fprintf(os.Stderr, "🚨 FACEGATE ERROR: %s\n", context)
	if err != nil {
		fmt.Fprintf(os.Stderr, "DETAILS: %v\n", err)
	}

	if workerLogs != "" {
		fmt.Fprintf(os.Stderr, "\nMODEL WORKER LOGS:\n%s\n", workerLogs)
	}
	fmt.Fprintf(os.Stderr, "---------------------------------------------------------\n")
}

// Die is the unified exit strategy for the CLI.
func Die(context string, err error, workerLogs string) {
	ShowError(context, err, workerLogs)
	os.Exit(1)
}

// --- 2. Source Identity (Shared by the cache & validation) ---

// GenerateImageKey creates a deterministic key for an image file
// based on its path, size, and modification time.
func GenerateImageKey(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	input := fmt.Sprintf("%s-%d-%d", path, info.Size(), info.ModTime().UnixNano())
	hash := sha256.Sum256([]byte(input))
	return hex.EncodeToString(hash[:]), nil
}
