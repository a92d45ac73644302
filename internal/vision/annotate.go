package vision

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const boxThickness = 2

var (
	ngColor   = color.RGBA{R: 220, G: 40, B: 40, A: 255}
	okColor   = color.RGBA{R: 40, G: 180, B: 60, A: 255}
	textColor = color.RGBA{R: 255, G: 255, B: 255, A: 255}
)

// Annotate renders detections onto a copy of the image: a box per detection
// (red for the defect class, green otherwise) with a "class: confidence"
// label. The input image is not modified.
func Annotate(img *image.RGBA, dets []Detection) *image.RGBA {
	out := image.NewRGBA(img.Rect)
	draw.Draw(out, out.Rect, img, img.Rect.Min, draw.Src)

	for _, d := range dets {
		c := okColor
		if d.ClassName == NGClassName {
			c = ngColor
		}
		box := image.Rect(int(d.X1), int(d.Y1), int(d.X2), int(d.Y2))
		drawBox(out, box, c)
		drawLabel(out, box, fmt.Sprintf("%s: %.2f", d.ClassName, d.Confidence), c)
	}
	return out
}

// drawBox strokes a rectangle outline of boxThickness pixels, clipped to the
// image.
func drawBox(img *image.RGBA, r image.Rectangle, c color.RGBA) {
	t := boxThickness
	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+t), // top
		image.Rect(r.Min.X, r.Max.Y-t, r.Max.X, r.Max.Y), // bottom
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+t, r.Max.Y), // left
		image.Rect(r.Max.X-t, r.Min.Y, r.Max.X, r.Max.Y), // right
	}
	for _, e := range edges {
		draw.Draw(img, e.Intersect(img.Rect), &image.Uniform{c}, image.Point{}, draw.Src)
	}
}

// drawLabel renders the label on a filled background just above the box, or
// inside its top edge when the box touches the image top.
func drawLabel(img *image.RGBA, box image.Rectangle, text string, bg color.RGBA) {
	face := basicfont.Face7x13
	w := font.MeasureString(face, text).Ceil() + 4
	h := face.Metrics().Height.Ceil() + 2

	y := box.Min.Y - h
	if y < img.Rect.Min.Y {
		y = box.Min.Y
	}
	label := image.Rect(box.Min.X, y, box.Min.X+w, y+h)
	draw.Draw(img, label.Intersect(img.Rect), &image.Uniform{bg}, image.Point{}, draw.Src)

	d := font.Drawer{
		Dst:  img,
		Src:  &image.Uniform{textColor},
		Face: face,
		Dot: fixed.Point26_6{
			X: fixed.I(label.Min.X + 2),
			Y: fixed.I(label.Min.Y + face.Metrics().Ascent.Ceil()),
		},
	}
	d.DrawString(text)
}
