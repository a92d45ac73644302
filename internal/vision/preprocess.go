package vision

import (
	"image"
	"math"

	"github.com/nfnt/resize"
)

const (
	// InputSize is the side length of the model's square input.
	InputSize = 640

	// padValue is the letterbox fill, the conventional neutral gray.
	padValue = 114
)

// Tensor is a letterboxed frame in the model's input layout: normalized
// RGB planes in CHW order, plus the transform parameters needed to map
// model-space boxes back to original-image pixels.
type Tensor struct {
	// Data holds 3*Size*Size float32 values in [0,1], R plane first.
	Data []float32

	// Size is the square input side length.
	Size int

	// Scale is the uniform factor the original image was resized by.
	Scale float64

	// PadX and PadY are the left and top letterbox offsets in input pixels.
	PadX, PadY int

	// OrigW and OrigH are the original image dimensions.
	OrigW, OrigH int
}

// Preprocess letterboxes an image into the model input tensor: uniform
// scale to fit InputSize, centered gray padding, RGB normalization to [0,1]
// and CHW plane layout.
func Preprocess(img image.Image) *Tensor {
	return preprocessTo(img, InputSize)
}

func preprocessTo(img image.Image, size int) *Tensor {
	b := img.Bounds()
	origW, origH := b.Dx(), b.Dy()

	scale := math.Min(float64(size)/float64(origW), float64(size)/float64(origH))
	newW := int(math.Round(float64(origW) * scale))
	newH := int(math.Round(float64(origH) * scale))
	if newW < 1 {
		newW = 1
	}
	if newH < 1 {
		newH = 1
	}
	padX := (size - newW) / 2
	padY := (size - newH) / 2

	scaled := resize.Resize(uint(newW), uint(newH), img, resize.Bilinear)

	plane := size * size
	data := make([]float32, 3*plane)
	const pad = float32(padValue) / 255.0
	for i := range data {
		data[i] = pad
	}

	sb := scaled.Bounds()
	for y := 0; y < newH; y++ {
		for x := 0; x < newW; x++ {
			r, g, bb, _ := scaled.At(sb.Min.X+x, sb.Min.Y+y).RGBA()
			idx := (y+padY)*size + (x + padX)
			data[idx] = float32(r>>8) / 255.0
			data[plane+idx] = float32(g>>8) / 255.0
			data[2*plane+idx] = float32(bb>>8) / 255.0
		}
	}

	return &Tensor{
		Data:  data,
		Size:  size,
		Scale: scale,
		PadX:  padX,
		PadY:  padY,
		OrigW: origW,
		OrigH: origH,
	}
}
