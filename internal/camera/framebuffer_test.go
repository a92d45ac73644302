package camera

import (
	"image/color"
	"testing"
	"time"

	"github.com/linesight/inspectd/internal/testutil"
)

func frameAt(sec int, c color.RGBA) *Frame {
	return &Frame{
		Img:       testutil.SolidImage(4, 4, c),
		Timestamp: time.Date(2026, 8, 25, 10, 0, sec, 0, time.UTC),
	}
}

func TestFrameBufferCurrentEmpty(t *testing.T) {
	b := NewFrameBuffer(5)
	if _, ok := b.Current(); ok {
		t.Error("Current() on empty buffer returned a frame")
	}
	if b.Len() != 0 {
		t.Errorf("Len() = %d, want 0", b.Len())
	}
}

func TestFrameBufferEvictsOldest(t *testing.T) {
	b := NewFrameBuffer(3)
	for i := 0; i < 5; i++ {
		b.Push(frameAt(i, color.RGBA{byte(i), 0, 0, 255}))
	}

	if b.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", b.Len())
	}

	hist := b.History()
	// Frames 0 and 1 were evicted; 2, 3, 4 remain oldest-first.
	for i, f := range hist {
		want := time.Date(2026, 8, 25, 10, 0, i+2, 0, time.UTC)
		if !f.Timestamp.Equal(want) {
			t.Errorf("history[%d].Timestamp = %v, want %v", i, f.Timestamp, want)
		}
	}

	cur, ok := b.Current()
	if !ok {
		t.Fatal("Current() returned no frame")
	}
	if got := cur.Img.RGBAAt(0, 0).R; got != 4 {
		t.Errorf("current frame R = %d, want 4", got)
	}
}

func TestFrameBufferCopyOnRead(t *testing.T) {
	b := NewFrameBuffer(5)
	b.Push(frameAt(0, color.RGBA{10, 20, 30, 255}))

	first, _ := b.Current()
	first.Img.SetRGBA(0, 0, color.RGBA{255, 255, 255, 255})

	second, _ := b.Current()
	if got := second.Img.RGBAAt(0, 0); got != (color.RGBA{10, 20, 30, 255}) {
		t.Errorf("buffer contents mutated through a read: %v", got)
	}
}

func TestFrameBufferClear(t *testing.T) {
	b := NewFrameBuffer(2)
	b.Push(frameAt(0, color.RGBA{}))
	b.Push(frameAt(1, color.RGBA{}))
	b.Clear()

	if b.Len() != 0 {
		t.Errorf("Len() after Clear = %d, want 0", b.Len())
	}
	if _, ok := b.Current(); ok {
		t.Error("Current() after Clear returned a frame")
	}
	if got := len(b.History()); got != 0 {
		t.Errorf("History() after Clear has %d frames", got)
	}
}

func TestFrameBufferDefaultCapacity(t *testing.T) {
	b := NewFrameBuffer(0)
	for i := 0; i < 10; i++ {
		b.Push(frameAt(i, color.RGBA{}))
	}
	if b.Len() != DefaultBufferFrames {
		t.Errorf("Len() = %d, want %d", b.Len(), DefaultBufferFrames)
	}
}
