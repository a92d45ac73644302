package camera

import "sync"

// DefaultBufferFrames is how many recent frames a session retains.
const DefaultBufferFrames = 5

// FrameBuffer holds the most recent frame plus a short fixed-capacity history
// of prior frames. The streaming loop writes into it while HTTP handlers read
// from it, so all access goes through one mutex, and reads return clones so
// callers never hold a reference into the buffer's storage.
type FrameBuffer struct {
	mu       sync.Mutex
	current  *Frame
	frames   []*Frame
	capacity int
	head     int
	size     int
}

// NewFrameBuffer creates a frame buffer retaining up to capacity frames.
// A capacity below 1 falls back to DefaultBufferFrames.
func NewFrameBuffer(capacity int) *FrameBuffer {
	if capacity < 1 {
		capacity = DefaultBufferFrames
	}
	return &FrameBuffer{
		frames:   make([]*Frame, capacity),
		capacity: capacity,
	}
}

// Push records a new frame as the current frame and appends it to the
// history, evicting the oldest entry when full.
func (b *FrameBuffer) Push(f *Frame) {
	if f == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.current = f
	idx := (b.head + b.size) % b.capacity
	b.frames[idx] = f
	if b.size < b.capacity {
		b.size++
	} else {
		b.head = (b.head + 1) % b.capacity
	}
}

// Current returns a clone of the most recent frame, or false if no frame has
// been pushed yet.
func (b *FrameBuffer) Current() (*Frame, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current == nil {
		return nil, false
	}
	return b.current.Clone(), true
}

// History returns clones of the retained frames in oldest-to-newest order.
func (b *FrameBuffer) History() []*Frame {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]*Frame, 0, b.size)
	for i := 0; i < b.size; i++ {
		idx := (b.head + i) % b.capacity
		out = append(out, b.frames[idx].Clone())
	}
	return out
}

// Len returns the number of retained frames.
func (b *FrameBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Clear drops all retained frames.
func (b *FrameBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = nil
	for i := range b.frames {
		b.frames[i] = nil
	}
	b.head = 0
	b.size = 0
}
