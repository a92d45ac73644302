package vision

import (
	"errors"
	"image"
)

// Detection layer errors.
var (
	// ErrModelLoad indicates the model or runtime could not be initialized.
	ErrModelLoad = errors.New("failed to load detection model")

	// ErrInference indicates a model run failed.
	ErrInference = errors.New("inference failed")

	// ErrUnavailable indicates no detector is configured; capture-only
	// operation still works.
	ErrUnavailable = errors.New("inference unavailable")
)

// Detector runs defect detection on a single image and returns suppressed
// detections in original-image coordinates.
type Detector interface {
	// Detect runs the model on one image.
	Detect(img image.Image) ([]Detection, error)

	// Close releases model resources.
	Close() error
}

// StubDetector returns a fixed answer; tests and dev mode use it in place
// of a real model.
type StubDetector struct {
	Detections []Detection
	Err        error
}

func (s *StubDetector) Detect(img image.Image) ([]Detection, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	return s.Detections, nil
}

func (s *StubDetector) Close() error { return nil }
