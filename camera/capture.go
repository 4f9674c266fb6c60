package camera

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/elhananby/ximea-camera/config"
	"github.com/elhananby/ximea-camera/frame"
	"go.uber.org/zap"
)

// GStreamerSource reads fixed-size GRAY8 frames from a gst-launch pipeline
// writing raw video to stdout
type GStreamerSource struct {
	cfg    config.CameraConfig
	logger *zap.Logger

	gstCmd    *exec.Cmd
	gstStdout io.ReadCloser

	frames   chan *frame.Frame
	stop     chan struct{}
	loopDone chan struct{}

	mu        sync.Mutex
	isRunning bool
	closed    bool
	err       error // why the capture loop ended
}

// NewGStreamerSource creates a source. Start launches the pipeline.
func NewGStreamerSource(cfg config.CameraConfig, logger *zap.Logger) *GStreamerSource {
	if cfg.Pipeline == "" {
		cfg.Pipeline = "gst-launch-1.0"
	}
	return &GStreamerSource{
		cfg:      cfg,
		logger:   logger,
		frames:   make(chan *frame.Frame, 4),
		stop:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
}

// Start launches gst-launch and the capture loop
func (s *GStreamerSource) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning || s.closed {
		return fmt.Errorf("capture already started")
	}

	pipeline := s.Pipeline()
	args := append([]string{"-q"}, strings.Fields(pipeline)...)
	s.gstCmd = exec.Command(s.cfg.Pipeline, args...)

	stdout, err := s.gstCmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to get stdout pipe from GStreamer: %w", err)
	}
	s.gstStdout = stdout

	stderr, err := s.gstCmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to get stderr pipe from GStreamer: %w", err)
	}

	s.logger.Info("Starting GStreamer capture", zap.String("pipeline", pipeline))

	if err := s.gstCmd.Start(); err != nil {
		return fmt.Errorf("failed to start GStreamer: %w", err)
	}

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			s.logger.Warn("gstreamer_stderr", zap.String("line", scanner.Text()))
		}
	}()

	s.isRunning = true
	go s.captureLoop(newFrameReader(stdout, s.cfg.Width, s.cfg.Height, uint32(s.cfg.ExposureUs)))
	return nil
}

// Pipeline builds the gst-launch pipeline description
func (s *GStreamerSource) Pipeline() string {
	var pipeline strings.Builder

	switch s.cfg.Element {
	case "libcamerasrc":
		pipeline.WriteString(fmt.Sprintf(`libcamerasrc camera-name="%s"`, s.cfg.Device))
	case "aravissrc":
		// GenICam cameras take the sensor window and exposure directly
		name := s.cfg.Device
		if s.cfg.Serial != 0 {
			name = strconv.FormatUint(uint64(s.cfg.Serial), 10)
		}
		pipeline.WriteString(fmt.Sprintf("aravissrc camera-name=%s exposure=%d offset-x=%d offset-y=%d",
			name, s.cfg.ExposureUs, s.cfg.OffsetX, s.cfg.OffsetY))
	case "videotestsrc":
		pipeline.WriteString("videotestsrc is-live=true")
	default:
		pipeline.WriteString(fmt.Sprintf("v4l2src device=%s", s.cfg.Device))
	}

	pipeline.WriteString(" ! videoconvert")
	pipeline.WriteString(fmt.Sprintf(" ! video/x-raw,format=GRAY8,width=%d,height=%d,framerate=%d/1",
		s.cfg.Width, s.cfg.Height, s.cfg.FPS))
	pipeline.WriteString(" ! queue")
	pipeline.WriteString(" ! fdsink fd=1 sync=false")

	return pipeline.String()
}

// captureLoop reads frames until EOF, a read error, or Close. Frames are
// handed over with a blocking send; nothing is dropped here.
func (s *GStreamerSource) captureLoop(r *frameReader) {
	defer close(s.loopDone)
	defer close(s.frames)
	s.logger.Info("GStreamer capture loop started")

	for {
		f, err := r.Read()
		if err != nil {
			select {
			case <-s.stop:
				err = ErrClosed
			default:
				if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
					s.logger.Info("GStreamer stdout reached EOF, stopping capture loop")
					err = io.EOF
				} else {
					s.logger.Error("Error reading frame from GStreamer stdout", zap.Error(err))
				}
			}
			s.finish(err)
			return
		}

		select {
		case s.frames <- f:
		case <-s.stop:
			s.finish(ErrClosed)
			return
		}
	}
}

// finish records why capture ended and reaps the process. Reads are done
// by the time this runs.
func (s *GStreamerSource) finish(cause error) {
	s.mu.Lock()
	s.err = cause
	s.isRunning = false
	s.mu.Unlock()

	err := s.gstCmd.Wait()
	if err == nil {
		s.logger.Info("GStreamer process finished successfully")
		return
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		fields := []zap.Field{zap.Error(err), zap.Int("exit_code", exitErr.ExitCode())}
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			fields = append(fields, zap.String("signal", ws.Signal().String()))
		}
		if cause == ErrClosed {
			s.logger.Debug("GStreamer process exited during shutdown", fields...)
		} else {
			s.logger.Error("GStreamer process exited with an error", fields...)
		}
		return
	}
	s.logger.Error("Error waiting for GStreamer process", zap.Error(err))
}

// Next returns the next frame in capture order
func (s *GStreamerSource) Next(ctx context.Context) (*frame.Frame, error) {
	select {
	case f, ok := <-s.frames:
		if !ok {
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.err == nil {
				return nil, io.EOF
			}
			return nil, s.err
		}
		return f, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the pipeline: SIGINT first, then kill if it does not exit in time
func (s *GStreamerSource) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	started := s.gstCmd != nil
	s.mu.Unlock()

	close(s.stop)
	if !started {
		return nil
	}

	s.logger.Info("Stopping GStreamer capture")
	if s.gstCmd.Process != nil {
		_ = s.gstCmd.Process.Signal(syscall.SIGINT)
	}

	select {
	case <-s.loopDone:
	case <-time.After(5 * time.Second):
		s.logger.Warn("GStreamer process did not exit within timeout, attempting to kill")
		if err := s.gstCmd.Process.Kill(); err != nil {
			s.logger.Error("Failed to kill GStreamer process", zap.Error(err))
		}
		<-s.loopDone
	}

	s.logger.Info("GStreamer capture stopped")
	return nil
}

// Backlog returns the number of frames read from the pipeline but not yet
// taken by Next
func (s *GStreamerSource) Backlog() int {
	return len(s.frames)
}

// IsRunning returns whether capture is currently running
func (s *GStreamerSource) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isRunning
}
