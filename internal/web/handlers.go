package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/andresmejia3/facegate/internal/log"
	"github.com/andresmejia3/facegate/internal/types"
	"github.com/andresmejia3/facegate/internal/utils"
)

// errBadUpload marks client-side upload problems.
var errBadUpload = errors.New("bad upload")

// recognizeResponse flattens the match result next to the success flag.
type recognizeResponse struct {
	Success bool `json:"success"`
	types.MatchResult
}

type healthResponse struct {
	Status          string `json:"status"`
	ModelLoaded     bool   `json:"model_loaded"`
	RegisteredFaces int    `json:"registered_faces"`
	Detector        string `json:"detector,omitempty"`
	Accelerated     bool   `json:"accelerated"`
	Error           string `json:"error,omitempty"`
}

type registeredFacesResponse struct {
	Success         bool     `json:"success"`
	RegisteredFaces []string `json:"registered_faces"`
	Count           int      `json:"count"`
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// sanitizeForLog removes newlines and carriage returns to prevent log injection.
func sanitizeForLog(s string) string {
	return strings.NewReplacer("\n", "", "\r", "").Replace(s)
}

func (s *Server) root(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"message": "facegate face recognition API",
		"status":  "running",
		"version": s.opts.Version,
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "unhealthy"}
	if s.engine.Available() {
		resp.Status = "healthy"
		resp.ModelLoaded = true
		resp.Detector = string(s.engine.DetectorBackend())
		resp.Accelerated = s.engine.Accelerated()
		if n, err := s.engine.Count(); err == nil {
			resp.RegisteredFaces = n
		}
	} else if err := s.engine.Err(); err != nil {
		resp.Error = err.Error()
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) recognize(w http.ResponseWriter, r *http.Request) {
	if !s.engine.Available() {
		respondError(w, http.StatusServiceUnavailable, "Model not loaded. Please check server logs.")
		return
	}
	img, err := s.readImage(w, r)
	if err != nil {
		s.uploadError(w, err)
		return
	}

	res, err := s.engine.Recognize(r.Context(), img)
	if err != nil {
		log.Error(log.Fields{"error": err}, "recognition failed")
		respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, recognizeResponse{Success: true, MatchResult: res})
}

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	if !s.engine.Available() {
		respondError(w, http.StatusServiceUnavailable, "Model not loaded")
		return
	}
	name := r.URL.Query().Get("name")
	if strings.TrimSpace(name) == "" {
		respondError(w, http.StatusBadRequest, "name is required")
		return
	}
	replace := false
	if v := r.URL.Query().Get("replace"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "replace must be a boolean")
			return
		}
		replace = b
	}

	img, err := s.readImage(w, r)
	if err != nil {
		s.uploadError(w, err)
		return
	}

	res, err := s.engine.Register(r.Context(), img, name, replace)
	if err != nil {
		log.Error(log.Fields{"name": sanitizeForLog(name), "error": err}, "registration failed")
		respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) registeredFaces(w http.ResponseWriter, r *http.Request) {
	names, err := s.engine.RegisteredIdentities()
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "Model not loaded")
		return
	}
	if names == nil {
		names = []string{}
	}
	respondJSON(w, http.StatusOK, registeredFacesResponse{Success: true, RegisteredFaces: names, Count: len(names)})
}

// readImage pulls the "file" part out of a multipart upload and decodes it.
func (s *Server) readImage(w http.ResponseWriter, r *http.Request) (image.Image, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUpload)
	if err := r.ParseMultipartForm(s.opts.MaxUpload); err != nil {
		return nil, fmt.Errorf("%w: %v", errBadUpload, err)
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		return nil, fmt.Errorf("%w: missing file field", errBadUpload)
	}
	defer file.Close()

	if !strings.HasPrefix(header.Header.Get("Content-Type"), "image/") {
		return nil, fmt.Errorf("%w: File must be an image (JPEG, PNG)", errBadUpload)
	}

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errBadUpload, err)
	}
	img, err := utils.DecodeImage(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errBadUpload, err)
	}

	log.Debug(log.Fields{
		"file":   sanitizeForLog(header.Filename),
		"size":   len(data),
		"width":  img.Bounds().Dx(),
		"height": img.Bounds().Dy(),
	}, "image received")
	return img, nil
}

func (s *Server) uploadError(w http.ResponseWriter, err error) {
	if errors.Is(err, errBadUpload) {
		respondError(w, http.StatusBadRequest, strings.TrimPrefix(err.Error(), errBadUpload.Error()+": "))
		return
	}
	respondError(w, http.StatusInternalServerError, fmt.Sprintf("Error processing image: %v", err))
}
