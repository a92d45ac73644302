// Package vision implements defect detection on captured frames: letterbox
// preprocessing into the model's input tensor, decoding and suppression of
// the raw model output back into original-image coordinates, and rendering
// of annotated result images.
package vision

// Detection is one detected object in original-image pixel coordinates.
type Detection struct {
	X1         float64 `json:"x1"`
	Y1         float64 `json:"y1"`
	X2         float64 `json:"x2"`
	Y2         float64 `json:"y2"`
	Confidence float64 `json:"confidence"`
	ClassID    int     `json:"class_id"`
	ClassName  string  `json:"class"`
}

// Width returns the box width in pixels.
func (d Detection) Width() float64 { return d.X2 - d.X1 }

// Height returns the box height in pixels.
func (d Detection) Height() float64 { return d.Y2 - d.Y1 }

// Area returns the box area in square pixels.
func (d Detection) Area() float64 { return d.Width() * d.Height() }

// NGClassName is the defect class of the inspection model.
const NGClassName = "NG"

// Result is the outcome of running detection on one frame.
type Result struct {
	Detections []Detection `json:"detections"`
	HasNG      bool        `json:"has_ng"`
}

// Verdict summarises detections into a pass/fail result: any defect-class
// detection fails the part.
func Verdict(dets []Detection) Result {
	r := Result{Detections: dets}
	for _, d := range dets {
		if d.ClassName == NGClassName {
			r.HasNG = true
			break
		}
	}
	return r
}
