package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"path/filepath"
	"testing"

	"github.com/andresmejia3/facegate/internal/detect"
	"github.com/andresmejia3/facegate/internal/log"
	"github.com/andresmejia3/facegate/internal/types"
)

func init() {
	log.Discard()
}

type fakeEngine struct {
	initErr    error
	result     types.MatchResult
	registered []string
	replace    bool
	gpu        bool
}

func (f *fakeEngine) Available() bool                 { return f.initErr == nil }
func (f *fakeEngine) Err() error                      { return f.initErr }
func (f *fakeEngine) DetectorBackend() detect.Backend { return detect.BackendCascade }
func (f *fakeEngine) Accelerated() bool               { return f.gpu }

func (f *fakeEngine) Recognize(ctx context.Context, img image.Image) (types.MatchResult, error) {
	if f.initErr != nil {
		return types.MatchResult{}, f.initErr
	}
	return f.result, nil
}

func (f *fakeEngine) Register(ctx context.Context, img image.Image, name string, replace bool) (types.RegisterResult, error) {
	f.registered = append(f.registered, name)
	f.replace = replace
	return types.RegisterResult{Success: true, Message: "Successfully registered " + name}, nil
}

func (f *fakeEngine) RegisteredIdentities() ([]string, error) {
	if f.initErr != nil {
		return nil, f.initErr
	}
	return f.registered, nil
}

func (f *fakeEngine) Count() (int, error) { return len(f.registered), nil }

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	img.Set(1, 1, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// uploadRequest builds a multipart request with a "file" part of the given content type.
func uploadRequest(t *testing.T, target, contentType string, data []byte) *http.Request {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="face.png"`)
	h.Set("Content-Type", contentType)
	part, err := writer.CreatePart(h)
	if err != nil {
		t.Fatalf("failed to create part: %v", err)
	}
	part.Write(data)
	writer.Close()

	req := httptest.NewRequest("POST", target, body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

func serve(s *Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("invalid JSON response %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name       string
		engine     *fakeEngine
		wantStatus string
		wantLoaded bool
		wantGPU    bool
	}{
		{"available", &fakeEngine{registered: []string{"Alice", "Bob"}}, "healthy", true, false},
		{"accelerated", &fakeEngine{registered: []string{"Alice", "Bob"}, gpu: true}, "healthy", true, true},
		{"unavailable", &fakeEngine{initErr: errors.New("no weights")}, "unhealthy", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer(tt.engine, Options{})
			rec := serve(s, httptest.NewRequest("GET", "/api/health", nil))
			if rec.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d", rec.Code)
			}
			body := decode(t, rec)
			if body["status"] != tt.wantStatus || body["model_loaded"] != tt.wantLoaded {
				t.Errorf("unexpected health body %v", body)
			}
			if body["accelerated"] != tt.wantGPU {
				t.Errorf("expected accelerated=%v, got %v", tt.wantGPU, body["accelerated"])
			}
			if tt.wantLoaded && body["registered_faces"] != float64(2) {
				t.Errorf("expected 2 registered faces, got %v", body["registered_faces"])
			}
		})
	}
}

func TestRecognize(t *testing.T) {
	name := "Alice"
	eng := &fakeEngine{result: types.MatchResult{
		Status:       types.StatusRecognized,
		Name:         &name,
		Confidence:   0.91,
		FaceDetected: true,
		Message:      "Welcome, Alice!",
	}}
	s := NewServer(eng, Options{})

	rec := serve(s, uploadRequest(t, "/api/recognize", "image/png", pngBytes(t)))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decode(t, rec)
	if body["success"] != true || body["status"] != "recognized" || body["name"] != "Alice" {
		t.Errorf("unexpected body %v", body)
	}
	if body["confidence"] != 0.91 || body["face_detected"] != true {
		t.Errorf("unexpected body %v", body)
	}
}

func TestRecognize_UnrecognizedHasNullName(t *testing.T) {
	eng := &fakeEngine{result: types.MatchResult{Status: types.StatusUnrecognized, FaceDetected: true, Message: "Face not recognized"}}
	s := NewServer(eng, Options{})

	body := decode(t, serve(s, uploadRequest(t, "/api/recognize", "image/png", pngBytes(t))))
	if v, ok := body["name"]; !ok || v != nil {
		t.Errorf("expected explicit null name, got %v", body)
	}
}

func TestUploadErrors(t *testing.T) {
	tests := []struct {
		name        string
		target      string
		contentType string
		data        []byte
		engine      *fakeEngine
		wantCode    int
	}{
		{"not an image", "/api/recognize", "text/plain", []byte("hello"), &fakeEngine{}, http.StatusBadRequest},
		{"undecodable image", "/api/recognize", "image/png", []byte("not a png"), &fakeEngine{}, http.StatusBadRequest},
		{"empty image", "/api/recognize", "image/jpeg", nil, &fakeEngine{}, http.StatusBadRequest},
		{"engine unavailable", "/api/recognize", "image/png", []byte("x"), &fakeEngine{initErr: errors.New("down")}, http.StatusServiceUnavailable},
		{"register without name", "/api/register", "image/png", []byte("x"), &fakeEngine{}, http.StatusBadRequest},
		{"register bad replace", "/api/register?name=Bob&replace=maybe", "image/png", []byte("x"), &fakeEngine{}, http.StatusBadRequest},
		{"register unavailable", "/api/register?name=Bob", "image/png", []byte("x"), &fakeEngine{initErr: errors.New("down")}, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer(tt.engine, Options{})
			rec := serve(s, uploadRequest(t, tt.target, tt.contentType, tt.data))
			if rec.Code != tt.wantCode {
				t.Errorf("expected %d, got %d: %s", tt.wantCode, rec.Code, rec.Body.String())
			}
			if _, ok := decode(t, rec)["error"]; !ok {
				t.Error("expected an error field")
			}
		})
	}
}

func TestRegister(t *testing.T) {
	eng := &fakeEngine{}
	s := NewServer(eng, Options{})

	rec := serve(s, uploadRequest(t, "/api/register?name=Bob&replace=true", "image/png", pngBytes(t)))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decode(t, rec)
	if body["success"] != true || body["message"] != "Successfully registered Bob" {
		t.Errorf("unexpected body %v", body)
	}
	if len(eng.registered) != 1 || eng.registered[0] != "Bob" || !eng.replace {
		t.Errorf("engine not called as expected: %+v", eng)
	}
}

func TestRegisteredFaces(t *testing.T) {
	s := NewServer(&fakeEngine{}, Options{})
	body := decode(t, serve(s, httptest.NewRequest("GET", "/api/registered-faces", nil)))
	if body["count"] != float64(0) {
		t.Errorf("expected count 0, got %v", body)
	}
	if faces, ok := body["registered_faces"].([]any); !ok || len(faces) != 0 {
		t.Errorf("expected empty list, got %v", body["registered_faces"])
	}

	s = NewServer(&fakeEngine{initErr: errors.New("down")}, Options{})
	if rec := serve(s, httptest.NewRequest("GET", "/api/registered-faces", nil)); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
}

func TestServesReferenceImages(t *testing.T) {
	dir := t.TempDir()
	os.MkdirAll(filepath.Join(dir, "Alice"), 0755)
	os.WriteFile(filepath.Join(dir, "Alice", "Alice_1.jpg"), []byte("jpeg"), 0644)

	s := NewServer(&fakeEngine{}, Options{FacesDir: dir})
	rec := serve(s, httptest.NewRequest("GET", "/registered_faces/Alice/Alice_1.jpg", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "jpeg" {
		t.Errorf("expected reference image, got %d %q", rec.Code, rec.Body.String())
	}
}

func TestCORSPreflight(t *testing.T) {
	s := NewServer(&fakeEngine{}, Options{})
	req := httptest.NewRequest("OPTIONS", "/api/recognize", nil)
	req.Header.Set("Origin", "http://kiosk.local")
	rec := serve(s, req)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 for preflight, got %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("unexpected allow-origin %q", got)
	}
}

func TestRoot(t *testing.T) {
	s := NewServer(&fakeEngine{}, Options{Version: "1.2.3"})
	body := decode(t, serve(s, httptest.NewRequest("GET", "/", nil)))
	if body["version"] != "1.2.3" {
		t.Errorf("unexpected root body %v", body)
	}
}
