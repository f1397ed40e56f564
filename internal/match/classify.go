package match

import (
	"fmt"

	"github.com/andresmejia3/facegate/internal/types"
)

// User-facing messages.
const (
	MsgNoFace        = "No face detected in image"
	MsgExtractFailed = "Failed to extract face"
	MsgNotRecognized = "Face not recognized"
)

// Welcome is the message for a recognized identity.
func Welcome(name string) string {
	return fmt.Sprintf("Welcome, %s!", name)
}

// Input is everything the classifier looks at. It carries no state between calls.
type Input struct {
	Detected   bool // a face was detected, cropped and embedded
	StoreEmpty bool
	Best       Match
	Found      bool // Best is meaningful
	Threshold  float64
}

// Classify maps one recognition attempt to its terminal state.
func Classify(in Input) types.MatchResult {
	if !in.Detected {
		return Undetected(MsgNoFace)
	}
	if in.StoreEmpty || !in.Found {
		return types.MatchResult{
			Status:       types.StatusUnrecognized,
			Confidence:   0,
			FaceDetected: true,
			Message:      MsgNotRecognized,
		}
	}
	if in.Best.Score >= in.Threshold {
		name := in.Best.Name
		return types.MatchResult{
			Status:       types.StatusRecognized,
			Name:         &name,
			Confidence:   in.Best.Score,
			FaceDetected: true,
			Message:      Welcome(name),
		}
	}
	return types.MatchResult{
		Status:       types.StatusUnrecognized,
		Confidence:   in.Best.Score,
		FaceDetected: true,
		Message:      MsgNotRecognized,
	}
}

// Undetected builds an undetected result with the given message.
func Undetected(msg string) types.MatchResult {
	return types.MatchResult{
		Status:       types.StatusUndetected,
		Confidence:   0,
		FaceDetected: false,
		Message:      msg,
	}
}
