package types

import "image"

// FaceRegion is an axis-aligned face box produced by a detector backend.
type FaceRegion struct {
	X          int     `json:"x"`
	Y          int     `json:"y"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	Confidence float64 `json:"confidence"` // [0,1]
}

// Area returns the box area in pixels. Degenerate boxes have zero area.
func (r FaceRegion) Area() int {
	if r.Width <= 0 || r.Height <= 0 {
		return 0
	}
	return r.Width * r.Height
}

// Rect converts the region to an image.Rectangle.
func (r FaceRegion) Rect() image.Rectangle {
	return image.Rect(r.X, r.Y, r.X+r.Width, r.Y+r.Height)
}

// Embedding is a fixed-dimension face vector in the embedder's space.
type Embedding []float32

// Status is the terminal state of one recognition call.
type Status string

const (
	StatusRecognized   Status = "recognized"
	StatusUnrecognized Status = "unrecognized"
	StatusUndetected   Status = "undetected"
)

// MatchResult is returned by a recognition call and never persisted by the engine.
type MatchResult struct {
	Status       Status  `json:"status"`
	Name         *string `json:"name"`
	Confidence   float64 `json:"confidence"`
	FaceDetected bool    `json:"face_detected"`
	Message      string  `json:"message"`
}

// RegisterResult is returned by a registration call.
type RegisterResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}
