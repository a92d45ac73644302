//go:build !gocv

package camera

import "errors"

// NewWebcamEnumerator is unavailable without the gocv build tag; builds
// without OpenCV fall back to the simulated camera.
func NewWebcamEnumerator() (Enumerator, error) {
	return nil, errors.New("webcam support not compiled in (build with -tags gocv)")
}
