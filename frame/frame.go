package frame

import "fmt"

// Frame is a single monochrome image pulled from the camera.
// It is never modified after creation, so the ring buffer and any number of
// export packets may hold the same pointer at once.
type Frame struct {
	Pixels       []byte // Width*Height bytes, 8-bit single channel
	Width        int
	Height       int
	Seq          uint32 // monotonic per session
	AcqSeq       uint32 // acquisition counter, may skip when the device drops frames
	TimestampRaw uint64
	ExposureUs   uint32
}

// Size returns the expected pixel buffer length for the frame dimensions
func (f *Frame) Size() int {
	return f.Width * f.Height
}

// Validate checks that the pixel buffer matches the declared dimensions
func (f *Frame) Validate() error {
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("invalid frame dimensions %dx%d", f.Width, f.Height)
	}
	if len(f.Pixels) != f.Size() {
		return fmt.Errorf("frame %d has %d pixel bytes, want %d", f.Seq, len(f.Pixels), f.Size())
	}
	return nil
}
