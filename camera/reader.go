package camera

import (
	"bufio"
	"io"
	"time"

	"github.com/elhananby/ximea-camera/frame"
)

// frameReader splits a raw GRAY8 byte stream into frames and stamps them.
// Sequence numbers start at 1. The raw timestamp is nanoseconds since the
// first read.
//
// GStreamer pads each GRAY8 row to a multiple of 4 bytes; the padding is
// dropped so Pixels is always width*height.
type frameReader struct {
	r        *bufio.Reader
	width    int
	height   int
	stride   int
	exposure uint32
	seq      uint32
	start    time.Time
	now      func() time.Time
}

func newFrameReader(r io.Reader, width, height int, exposureUs uint32) *frameReader {
	return &frameReader{
		r:        bufio.NewReaderSize(r, rowStride(width)*height),
		width:    width,
		height:   height,
		stride:   rowStride(width),
		exposure: exposureUs,
		now:      time.Now,
	}
}

// Read blocks until a full frame is available
func (fr *frameReader) Read() (*frame.Frame, error) {
	pixels := make([]byte, fr.width*fr.height)
	if fr.stride == fr.width {
		if _, err := io.ReadFull(fr.r, pixels); err != nil {
			return nil, err
		}
	} else if err := fr.readPadded(pixels); err != nil {
		return nil, err
	}

	now := fr.now()
	if fr.start.IsZero() {
		fr.start = now
	}
	fr.seq++

	return &frame.Frame{
		Pixels:       pixels,
		Width:        fr.width,
		Height:       fr.height,
		Seq:          fr.seq,
		AcqSeq:       fr.seq,
		TimestampRaw: uint64(now.Sub(fr.start).Nanoseconds()),
		ExposureUs:   fr.exposure,
	}, nil
}

func (fr *frameReader) readPadded(pixels []byte) error {
	pad := fr.stride - fr.width
	for y := 0; y < fr.height; y++ {
		if _, err := io.ReadFull(fr.r, pixels[y*fr.width:(y+1)*fr.width]); err != nil {
			if y > 0 && err == io.EOF {
				return io.ErrUnexpectedEOF
			}
			return err
		}
		if _, err := fr.r.Discard(pad); err != nil {
			if err == io.EOF {
				return io.ErrUnexpectedEOF
			}
			return err
		}
	}
	return nil
}

// rowStride is the GStreamer row stride for an 8-bit single channel image
func rowStride(width int) int {
	return (width + 3) &^ 3
}
