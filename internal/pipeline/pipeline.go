// Package pipeline orchestrates the inspection flow: trigger a capture,
// persist it to the catalog, run detection, render the annotated companion
// image, and record the verdict in the inspection log.
package pipeline

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"image/png"
	"time"

	"github.com/linesight/inspectd/internal/camera"
	"github.com/linesight/inspectd/internal/catalog"
	"github.com/linesight/inspectd/internal/monitoring"
	"github.com/linesight/inspectd/internal/store"
	"github.com/linesight/inspectd/internal/timeutil"
	"github.com/linesight/inspectd/internal/vision"
)

// Pipeline wires the acquisition and detection stages together. The
// detector and database are optional: without a detector the service is
// capture-only, without a database verdicts are not logged.
type Pipeline struct {
	catalog  *catalog.Catalog
	detector vision.Detector
	db       *store.DB
	clock    timeutil.Clock
}

// New creates a pipeline. detector and db may be nil.
func New(cat *catalog.Catalog, detector vision.Detector, db *store.DB, clock timeutil.Clock) *Pipeline {
	return &Pipeline{catalog: cat, detector: detector, db: db, clock: clock}
}

// HasDetector reports whether inference is available.
func (p *Pipeline) HasDetector() bool { return p.detector != nil }

// CaptureResult describes one stored capture.
type CaptureResult struct {
	Filename   string    `json:"filename"`
	Width      int       `json:"width"`
	Height     int       `json:"height"`
	Timestamp  time.Time `json:"timestamp"`
	DurationMS float64   `json:"duration_ms"`
}

// InferenceResult describes one detection run over a stored capture.
type InferenceResult struct {
	Filename          string            `json:"filename"`
	DetectionFilename string            `json:"detection_filename"`
	Detections        []vision.Detection `json:"detections"`
	NumDetections     int               `json:"num_detections"`
	HasNG             bool              `json:"has_ng"`
	DurationMS        float64           `json:"duration_ms"`
}

// InspectionResult is the combined outcome of capture-and-inference.
type InspectionResult struct {
	Capture   *CaptureResult   `json:"capture"`
	Inference *InferenceResult `json:"inference"`
}

// Capture performs one software-triggered capture and stores it in the
// catalog under the canonical timestamped name.
func (p *Pipeline) Capture(s *camera.Session, timeout time.Duration) (*CaptureResult, error) {
	start := p.clock.Now()
	frame, err := s.TriggerCapture(timeout)
	if err != nil {
		return nil, err
	}

	name := catalog.CaptureName(frame.Timestamp)
	data, err := encodePNG(frame)
	if err != nil {
		return nil, err
	}
	if err := p.catalog.Write(name, data); err != nil {
		return nil, fmt.Errorf("failed to store capture: %w", err)
	}

	res := &CaptureResult{
		Filename:   name,
		Width:      frame.Width(),
		Height:     frame.Height(),
		Timestamp:  frame.Timestamp,
		DurationMS: float64(p.clock.Since(start)) / float64(time.Millisecond),
	}
	p.record(s.ID, store.Inspection{
		Filename:   name,
		DurationMS: res.DurationMS,
		Timestamp:  frame.Timestamp,
	})
	monitoring.Logf("pipeline: captured %s (%dx%d) in %.1fms", name, res.Width, res.Height, res.DurationMS)
	return res, nil
}

// Infer runs detection on a frame already stored under captureName and
// writes the annotated companion image next to it.
func (p *Pipeline) Infer(sessionID string, frame *camera.Frame, captureName string) (*InferenceResult, error) {
	if p.detector == nil {
		return nil, vision.ErrUnavailable
	}

	start := p.clock.Now()
	dets, err := p.detector.Detect(frame.Img)
	if err != nil {
		return nil, err
	}
	verdict := vision.Verdict(dets)

	annotated := vision.Annotate(frame.Img, dets)
	detName := catalog.DetectionName(captureName)
	var buf bytes.Buffer
	if err := png.Encode(&buf, annotated); err != nil {
		return nil, fmt.Errorf("failed to encode detection image: %w", err)
	}
	if err := p.catalog.Write(detName, buf.Bytes()); err != nil {
		return nil, fmt.Errorf("failed to store detection image: %w", err)
	}

	res := &InferenceResult{
		Filename:          captureName,
		DetectionFilename: detName,
		Detections:        dets,
		NumDetections:     len(dets),
		HasNG:             verdict.HasNG,
		DurationMS:        float64(p.clock.Since(start)) / float64(time.Millisecond),
	}
	p.record(sessionID, store.Inspection{
		Filename:          captureName,
		DetectionFilename: detName,
		NumDetections:     res.NumDetections,
		HasNG:             res.HasNG,
		MaxConfidence:     maxConfidence(dets),
		DurationMS:        res.DurationMS,
		Timestamp:         frame.Timestamp,
	})
	monitoring.Logf("pipeline: inference on %s: %d detections, ng=%v", captureName, res.NumDetections, res.HasNG)
	return res, nil
}

// CaptureAndInfer performs a capture followed by detection on the captured
// frame. A capture failure aborts; an inference failure still returns the
// capture result alongside the error.
func (p *Pipeline) CaptureAndInfer(s *camera.Session, timeout time.Duration) (*InspectionResult, error) {
	start := p.clock.Now()
	frame, err := s.TriggerCapture(timeout)
	if err != nil {
		return nil, err
	}

	name := catalog.CaptureName(frame.Timestamp)
	data, err := encodePNG(frame)
	if err != nil {
		return nil, err
	}
	if err := p.catalog.Write(name, data); err != nil {
		return nil, fmt.Errorf("failed to store capture: %w", err)
	}

	capRes := &CaptureResult{
		Filename:   name,
		Width:      frame.Width(),
		Height:     frame.Height(),
		Timestamp:  frame.Timestamp,
		DurationMS: float64(p.clock.Since(start)) / float64(time.Millisecond),
	}

	inf, err := p.Infer(s.ID, frame, name)
	if err != nil {
		// The capture is already on disk; report it with the failure.
		p.record(s.ID, store.Inspection{
			Filename:   name,
			DurationMS: capRes.DurationMS,
			Timestamp:  frame.Timestamp,
		})
		return &InspectionResult{Capture: capRes}, err
	}
	return &InspectionResult{Capture: capRes, Inference: inf}, nil
}

// InferStored runs detection on a capture already present in the catalog.
func (p *Pipeline) InferStored(sessionID, captureName string) (*InferenceResult, error) {
	if p.detector == nil {
		return nil, vision.ErrUnavailable
	}
	data, err := p.catalog.Read(captureName)
	if err != nil {
		return nil, fmt.Errorf("failed to read capture %s: %w", captureName, err)
	}
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode capture %s: %w", captureName, err)
	}
	frame := &camera.Frame{Img: toRGBA(img), Timestamp: p.clock.Now()}
	if ts, _, ok := catalog.ParseName(captureName); ok {
		frame.Timestamp = ts
	}
	return p.Infer(sessionID, frame, captureName)
}

// record appends to the inspection log when a database is configured.
// Logging failures never fail the inspection itself.
func (p *Pipeline) record(sessionID string, ins store.Inspection) {
	if p.db == nil {
		return
	}
	ins.SessionID = sessionID
	if err := p.db.RecordInspection(ins); err != nil {
		monitoring.Logf("pipeline: failed to record inspection: %v", err)
	}
}

func encodePNG(frame *camera.Frame) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, frame.Img); err != nil {
		return nil, fmt.Errorf("failed to encode capture: %w", err)
	}
	return buf.Bytes(), nil
}

func maxConfidence(dets []vision.Detection) float64 {
	max := 0.0
	for _, d := range dets {
		if d.Confidence > max {
			max = d.Confidence
		}
	}
	return max
}

// IsUnavailable reports whether err means no detector is configured.
func IsUnavailable(err error) bool {
	return errors.Is(err, vision.ErrUnavailable)
}

// toRGBA converts a decoded image to RGBA, avoiding a copy when it already
// is one.
func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok {
		return rgba
	}
	out := image.NewRGBA(img.Bounds())
	draw.Draw(out, out.Rect, img, img.Bounds().Min, draw.Src)
	return out
}
