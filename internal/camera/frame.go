package camera

import (
	"image"
	"time"
)

// Frame is a captured image tagged with its capture time. Frames are treated
// as immutable once constructed; anything that needs to draw on one works on
// a Clone.
type Frame struct {
	Img       *image.RGBA
	Timestamp time.Time
}

// Clone returns a deep copy of the frame. The pixel buffer is copied so the
// caller can mutate the result freely.
func (f *Frame) Clone() *Frame {
	if f == nil {
		return nil
	}
	img := image.NewRGBA(f.Img.Rect)
	copy(img.Pix, f.Img.Pix)
	img.Stride = f.Img.Stride
	return &Frame{Img: img, Timestamp: f.Timestamp}
}

// Width returns the frame width in pixels.
func (f *Frame) Width() int { return f.Img.Rect.Dx() }

// Height returns the frame height in pixels.
func (f *Frame) Height() int { return f.Img.Rect.Dy() }
