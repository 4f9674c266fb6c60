package camera

import (
	"context"
	"sync"
	"time"

	"github.com/elhananby/ximea-camera/frame"
	"go.uber.org/zap"
)

// SyntheticSource generates frames at a fixed rate for bench runs without a
// camera. Each frame carries a moving gradient so clips are visibly animated.
type SyntheticSource struct {
	width    int
	height   int
	fps      int
	limit    int // 0 = endless
	exposure uint32
	logger   *zap.Logger

	mu        sync.Mutex
	seq       uint32
	startTime time.Time
	closed    bool
}

// NewSyntheticSource creates a synthetic source. fps <= 0 disables pacing.
func NewSyntheticSource(width, height, fps, limit int, exposureUs uint32, logger *zap.Logger) *SyntheticSource {
	logger.Info("Synthetic source ready",
		zap.Int("width", width),
		zap.Int("height", height),
		zap.Int("fps", fps),
		zap.Int("limit", limit))
	return &SyntheticSource{
		width:    width,
		height:   height,
		fps:      fps,
		limit:    limit,
		exposure: exposureUs,
		logger:   logger,
	}
}

// Next waits for the next frame slot and returns a generated frame. It
// returns ErrExhausted once the frame limit is reached.
func (s *SyntheticSource) Next(ctx context.Context) (*frame.Frame, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if s.limit > 0 && int(s.seq) >= s.limit {
		s.mu.Unlock()
		return nil, ErrExhausted
	}
	if s.startTime.IsZero() {
		s.startTime = time.Now()
	}
	seq := s.seq + 1
	var due time.Time
	if s.fps > 0 {
		due = s.startTime.Add(time.Duration(seq-1) * time.Second / time.Duration(s.fps))
	}
	s.mu.Unlock()

	if wait := time.Until(due); !due.IsZero() && wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	} else if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq = seq

	pixels := make([]byte, s.width*s.height)
	for y := 0; y < s.height; y++ {
		row := pixels[y*s.width : (y+1)*s.width]
		for x := range row {
			row[x] = byte(x + y + int(seq))
		}
	}

	return &frame.Frame{
		Pixels:       pixels,
		Width:        s.width,
		Height:       s.height,
		Seq:          seq,
		AcqSeq:       seq,
		TimestampRaw: uint64(time.Since(s.startTime).Nanoseconds()),
		ExposureUs:   s.exposure,
	}, nil
}

// Close stops the source
func (s *SyntheticSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.logger.Info("Synthetic source stopped", zap.Uint32("frames_emitted", s.seq))
	}
	return nil
}
