package vision

import (
	"fmt"
	"math"
	"sort"
)

const (
	// DefaultConfThreshold is the minimum confidence a detection must reach.
	DefaultConfThreshold = 0.5

	// DefaultNMSThreshold is the IoU above which overlapping boxes are
	// considered duplicates.
	DefaultNMSThreshold = 0.4

	// NumAnchors is the number of candidate boxes in the model output grid.
	NumAnchors = 8400
)

// Decode converts raw model output into detections in original-image pixel
// coordinates. The output is planar: channel c of anchor i lives at
// output[c*numAnchors+i], with channels cx, cy, w, h followed by one score
// per class. Candidates below confThreshold are dropped, box coordinates are
// mapped through the inverse letterbox transform, clamped to the image, and
// degenerate boxes are discarded.
func Decode(output []float32, numAnchors int, classes []string, t *Tensor, confThreshold float64) ([]Detection, error) {
	if numAnchors <= 0 {
		return nil, fmt.Errorf("invalid anchor count %d", numAnchors)
	}
	if len(output)%numAnchors != 0 {
		return nil, fmt.Errorf("output length %d not divisible by %d anchors", len(output), numAnchors)
	}
	numClasses := len(output)/numAnchors - 4
	if numClasses < 1 {
		return nil, fmt.Errorf("output has %d channels, need at least 5", len(output)/numAnchors)
	}
	if numClasses > len(classes) {
		return nil, fmt.Errorf("output has %d classes but only %d names configured", numClasses, len(classes))
	}

	var dets []Detection
	for i := 0; i < numAnchors; i++ {
		classID := 0
		score := output[4*numAnchors+i]
		for c := 1; c < numClasses; c++ {
			if s := output[(4+c)*numAnchors+i]; s > score {
				score = s
				classID = c
			}
		}
		if float64(score) < confThreshold {
			continue
		}

		cx := float64(output[0*numAnchors+i])
		cy := float64(output[1*numAnchors+i])
		w := float64(output[2*numAnchors+i])
		h := float64(output[3*numAnchors+i])

		// Model space → original image space: subtract the letterbox
		// offsets, then divide out the scale.
		x1 := (cx - w/2 - float64(t.PadX)) / t.Scale
		y1 := (cy - h/2 - float64(t.PadY)) / t.Scale
		x2 := (cx + w/2 - float64(t.PadX)) / t.Scale
		y2 := (cy + h/2 - float64(t.PadY)) / t.Scale

		x1 = clamp(x1, 0, float64(t.OrigW))
		y1 = clamp(y1, 0, float64(t.OrigH))
		x2 = clamp(x2, 0, float64(t.OrigW))
		y2 = clamp(y2, 0, float64(t.OrigH))

		if x2-x1 < 1 || y2-y1 < 1 {
			continue
		}

		dets = append(dets, Detection{
			X1:         x1,
			Y1:         y1,
			X2:         x2,
			Y2:         y2,
			Confidence: float64(score),
			ClassID:    classID,
			ClassName:  classes[classID],
		})
	}
	return dets, nil
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// IoU returns the intersection-over-union of two boxes.
func IoU(a, b Detection) float64 {
	ix1 := math.Max(a.X1, b.X1)
	iy1 := math.Max(a.Y1, b.Y1)
	ix2 := math.Min(a.X2, b.X2)
	iy2 := math.Min(a.Y2, b.Y2)

	iw := ix2 - ix1
	ih := iy2 - iy1
	if iw <= 0 || ih <= 0 {
		return 0
	}
	inter := iw * ih
	union := a.Area() + b.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Suppress applies greedy non-maximum suppression: detections are visited in
// descending confidence order and any later box overlapping a kept box above
// iouThreshold is dropped. The input is not modified; the result is sorted
// by descending confidence.
func Suppress(dets []Detection, iouThreshold float64) []Detection {
	if len(dets) == 0 {
		return nil
	}

	sorted := append([]Detection(nil), dets...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Confidence > sorted[j].Confidence
	})

	kept := make([]Detection, 0, len(sorted))
	for _, cand := range sorted {
		dup := false
		for _, k := range kept {
			if IoU(cand, k) > iouThreshold {
				dup = true
				break
			}
		}
		if !dup {
			kept = append(kept, cand)
		}
	}
	return kept
}
