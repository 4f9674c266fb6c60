package frame

// Ring is a fixed-capacity FIFO over the most recent frames.
// Push evicts the oldest frame once the ring is full. It is not safe for
// concurrent use; the capture controller owns it exclusively.
type Ring struct {
	frames []*Frame
	head   int // index of the oldest frame
	size   int
}

// NewRing creates a ring holding at most capacity frames (minimum 1)
func NewRing(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{frames: make([]*Frame, capacity)}
}

// Push appends f, dropping the oldest frame when the ring is full
func (r *Ring) Push(f *Frame) {
	if r.size == len(r.frames) {
		r.frames[r.head] = f
		r.head = (r.head + 1) % len(r.frames)
		return
	}
	r.frames[(r.head+r.size)%len(r.frames)] = f
	r.size++
}

// Snapshot returns the resident frames oldest-first without modifying the ring
func (r *Ring) Snapshot() []*Frame {
	out := make([]*Frame, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.frames[(r.head+i)%len(r.frames)]
	}
	return out
}

// Len returns the number of resident frames
func (r *Ring) Len() int { return r.size }

// Cap returns the ring capacity
func (r *Ring) Cap() int { return len(r.frames) }

// Reset drops all resident frames
func (r *Ring) Reset() {
	for i := range r.frames {
		r.frames[i] = nil
	}
	r.head = 0
	r.size = 0
}
