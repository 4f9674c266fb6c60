package camera

import (
	"context"
	"errors"
	"fmt"

	"github.com/elhananby/ximea-camera/config"
	"github.com/elhananby/ximea-camera/frame"
	"go.uber.org/zap"
)

var (
	// ErrClosed is returned by Next after Close
	ErrClosed = errors.New("camera source closed")
	// ErrExhausted is returned by a source with a frame limit once it is reached
	ErrExhausted = errors.New("frame limit reached")
)

// Source is a camera frame stream. Next blocks until the next frame is
// available, the source fails, or ctx is done.
type Source interface {
	Next(ctx context.Context) (*frame.Frame, error)
	Close() error
}

// Open creates and starts the source selected by cfg.Source
func Open(cfg config.CameraConfig, logger *zap.Logger) (Source, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("invalid camera dimensions %dx%d", cfg.Width, cfg.Height)
	}

	logger = logger.With(zap.String("source", cfg.Source))

	switch cfg.Source {
	case "synthetic":
		return NewSyntheticSource(cfg.Width, cfg.Height, cfg.FPS, cfg.FrameLimit, uint32(cfg.ExposureUs), logger), nil
	case "gstreamer", "":
		if cfg.Width*cfg.Height >= 1920*1080 {
			logger.Warn("Large sensor window, ring buffer memory grows with fps and t_before+t_after",
				zap.Int("width", cfg.Width),
				zap.Int("height", cfg.Height),
				zap.Int("fps", cfg.FPS))
		}
		src := NewGStreamerSource(cfg, logger.With(zap.String("device", cfg.Device)))
		if err := src.Start(); err != nil {
			return nil, fmt.Errorf("failed to start camera %s: %w", cfg.Device, err)
		}
		return src, nil
	default:
		return nil, fmt.Errorf("unknown camera source %q", cfg.Source)
	}
}
