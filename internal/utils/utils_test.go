package utils

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"strings"
	"sync"
	"testing"
)

func TestGenerateImageKey(t *testing.T) {
	// Integration test using the OS filesystem
	tmp, err := os.CreateTemp("", "image_test")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write([]byte("fake image content")); err != nil {
		t.Fatal(err)
	}
	tmp.Close()

	id, err := GenerateImageKey(tmp.Name())
	if err != nil || id == "" {
		t.Errorf("Failed to generate key: %v", err)
	}

	// Verify Determinism
	id2, _ := GenerateImageKey(tmp.Name())
	if id != id2 {
		t.Errorf("Hash is not deterministic. Got %s, then %s", id, id2)
	}

	// Verify Sensitivity (Change content -> Change key)
	f, _ := os.OpenFile(tmp.Name(), os.O_APPEND|os.O_WRONLY, 0644)
	f.Write([]byte(" modification"))
	f.Close()

	id3, _ := GenerateImageKey(tmp.Name())
	if id == id3 {
		t.Error("Hash did not change after file modification")
	}

	if _, err := GenerateImageKey("does/not/exist.jpg"); err == nil {
		t.Error("Expected error for missing file")
	}
}

func TestDecodeImage(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 4, 3))
	src.Set(1, 2, color.NRGBA{R: 200, G: 10, B: 20, A: 255})

	var buf bytes.Buffer
	if err := png.Encode(&buf, src); err != nil {
		t.Fatal(err)
	}

	img, err := DecodeImage(buf.Bytes())
	if err != nil {
		t.Fatalf("DecodeImage failed: %v", err)
	}
	if img.Bounds().Dx() != 4 || img.Bounds().Dy() != 3 {
		t.Fatalf("Expected 4x3, got %v", img.Bounds())
	}
	got := img.RGBAAt(1, 2)
	if got.R != 200 || got.G != 10 || got.B != 20 {
		t.Errorf("Pixel mismatch: %+v", got)
	}
}

func TestDecodeImage_Invalid(t *testing.T) {
	if _, err := DecodeImage(nil); !errors.Is(err, ErrEmptyImage) {
		t.Errorf("Expected ErrEmptyImage, got %v", err)
	}
	if _, err := DecodeImage([]byte("definitely not an image")); err == nil {
		t.Error("Expected decode error for garbage input")
	}
}

func TestToRGBA_OffsetBounds(t *testing.T) {
	src := image.NewRGBA(image.Rect(10, 10, 14, 12))
	src.Set(10, 10, color.RGBA{R: 1, G: 2, B: 3, A: 255})

	out := ToRGBA(src)
	if out.Bounds().Min != (image.Point{}) {
		t.Fatalf("Expected origin-anchored bounds, got %v", out.Bounds())
	}
	if c := out.RGBAAt(0, 0); c.R != 1 || c.G != 2 || c.B != 3 {
		t.Errorf("Expected pixel to move to origin, got %+v", c)
	}
}

func TestApplyOrientation(t *testing.T) {
	// 3 wide, 2 tall. Mark the top-left pixel.
	src := image.NewRGBA(image.Rect(0, 0, 3, 2))
	src.Set(0, 0, color.RGBA{R: 255, A: 255})

	tests := []struct {
		orientation int
		wantW       int
		wantH       int
		markX       int
		markY       int
	}{
		{2, 3, 2, 2, 0}, // mirror horizontal
		{3, 3, 2, 2, 1}, // rotate 180
		{4, 3, 2, 0, 1}, // mirror vertical
		{6, 2, 3, 1, 0}, // rotate 90 CW
		{8, 2, 3, 0, 2}, // rotate 90 CCW
	}

	for _, tt := range tests {
		out := applyOrientation(src, tt.orientation)
		if out.Bounds().Dx() != tt.wantW || out.Bounds().Dy() != tt.wantH {
			t.Errorf("orientation %d: size = %v, want %dx%d", tt.orientation, out.Bounds(), tt.wantW, tt.wantH)
			continue
		}
		if out.RGBAAt(tt.markX, tt.markY).R != 255 {
			t.Errorf("orientation %d: expected marker at (%d,%d)", tt.orientation, tt.markX, tt.markY)
		}
	}
}

func TestJpegOrientation(t *testing.T) {
	// Minimal JPEG prefix: SOI, APP1 with a big-endian TIFF header holding one IFD entry.
	tiff := []byte{
		'M', 'M', 0x00, 0x2A, 0x00, 0x00, 0x00, 0x08, // header, IFD at offset 8
		0x00, 0x01, // 1 entry
		0x01, 0x12, 0x00, 0x03, 0x00, 0x00, 0x00, 0x01, 0x00, 0x06, 0x00, 0x00, // orientation = 6
		0x00, 0x00, 0x00, 0x00, // next IFD
	}
	payload := append([]byte("Exif\x00\x00"), tiff...)
	segLen := len(payload) + 2

	data := []byte{0xFF, 0xD8, 0xFF, 0xE1, byte(segLen >> 8), byte(segLen)}
	data = append(data, payload...)
	data = append(data, 0xFF, 0xD9)

	if got := jpegOrientation(data); got != 6 {
		t.Errorf("jpegOrientation() = %d, want 6", got)
	}
	if got := jpegOrientation([]byte{0x89, 'P', 'N', 'G'}); got != 0 {
		t.Errorf("Expected 0 for non-JPEG, got %d", got)
	}
}

func TestTailBuffer_KeepsTail(t *testing.T) {
	tests := []struct {
		name   string
		writes []string
		limit  int
		want   string
	}{
		{"under limit", []string{"abc", "de"}, 8, "abcde"},
		{"rolls over", []string{"abcdef", "ghij"}, 6, "efghij"},
		{"single oversized write", []string{"0123456789"}, 4, "6789"},
		{"unbounded", []string{"abc", "def"}, 0, "abcdef"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewTailBuffer(tt.limit)
			for _, w := range tt.writes {
				n, err := b.Write([]byte(w))
				if err != nil || n != len(w) {
					t.Fatalf("Write(%q) = %d, %v", w, n, err)
				}
			}
			if got := b.String(); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
			if b.Len() != len(tt.want) {
				t.Errorf("expected Len %d, got %d", len(tt.want), b.Len())
			}
		})
	}
}

func TestTailBuffer_ConcurrentWritesStayBounded(t *testing.T) {
	b := NewTailBuffer(1024)
	line := strings.Repeat("x", 99) + "\n"

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				b.Write([]byte(line))
				_ = b.String()
			}
		}()
	}
	wg.Wait()

	if b.Len() != 1024 {
		t.Errorf("expected buffer capped at 1024 bytes, got %d", b.Len())
	}
}

func TestSafeCommand_StderrString(t *testing.T) {
	var nilCmd *SafeCommand
	if got := nilCmd.StderrString(); got != "" {
		t.Errorf("expected empty logs for nil command, got %q", got)
	}

	cmd := NewSafeCommand("true")
	if cmd.Cmd.Stderr != cmd.Stderr {
		t.Fatal("expected the command's stderr to feed the tail buffer")
	}
	cmd.Stderr.Write([]byte("Traceback: model file missing"))
	if got := cmd.StderrString(); got != "Traceback: model file missing" {
		t.Errorf("unexpected logs %q", got)
	}
}
