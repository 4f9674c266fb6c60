package export

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Encoder turns a raw GRAY8 frame stream into a video file. One clip at a
// time: Start, any number of Write calls, then Finish. An Encoder may be
// reused for the next clip after Finish.
type Encoder interface {
	Start(width, height, fps int, path string) error
	Write(pixels []byte) error
	Finish() error
}

// FFmpegConfig configures the ffmpeg subprocess
type FFmpegConfig struct {
	Binary      string   // ffmpeg executable, looked up in PATH when not absolute
	Codec       string   // e.g. libx264, h264_nvenc
	Preset      string   // e.g. ultrafast, p7
	PixelFormat string   // output pixel format, e.g. yuv420p
	ExtraArgs   []string // inserted before the output path
}

// FFmpegEncoder pipes raw frames into an ffmpeg process on stdin
type FFmpegEncoder struct {
	cfg    FFmpegConfig
	binary string
	logger *zap.Logger

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr *tailBuffer
	path   string
}

// NewFFmpegEncoder resolves the ffmpeg binary and returns an encoder
func NewFFmpegEncoder(cfg FFmpegConfig, logger *zap.Logger) (*FFmpegEncoder, error) {
	if cfg.Binary == "" {
		cfg.Binary = "ffmpeg"
	}
	if cfg.Codec == "" {
		cfg.Codec = "libx264"
	}
	if cfg.Preset == "" {
		cfg.Preset = "ultrafast"
	}
	if cfg.PixelFormat == "" {
		cfg.PixelFormat = "yuv420p"
	}

	binary, err := findBinary(cfg.Binary)
	if err != nil {
		return nil, err
	}

	return &FFmpegEncoder{
		cfg:    cfg,
		binary: binary,
		logger: logger,
	}, nil
}

// findBinary locates a binary in PATH or common install locations
func findBinary(name string) (string, error) {
	if path, err := exec.LookPath(name); err == nil {
		return path, nil
	}
	if strings.ContainsRune(name, os.PathSeparator) {
		return "", fmt.Errorf("%s not found", name)
	}

	var paths []string
	switch runtime.GOOS {
	case "darwin":
		paths = []string{"/opt/homebrew/bin/" + name, "/usr/local/bin/" + name}
	case "linux":
		paths = []string{"/usr/bin/" + name, "/usr/local/bin/" + name}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("%s not found in PATH or common locations", name)
}

// Args builds the ffmpeg command line for one clip
func (e *FFmpegEncoder) Args(width, height, fps int, path string) []string {
	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-f", "rawvideo",
		"-pixel_format", "gray",
		"-video_size", fmt.Sprintf("%dx%d", width, height),
		"-framerate", strconv.Itoa(fps),
		"-i", "-",
		"-c:v", e.cfg.Codec,
		"-preset", e.cfg.Preset,
		"-pix_fmt", e.cfg.PixelFormat,
	}
	args = append(args, e.cfg.ExtraArgs...)
	return append(args, "-y", path)
}

// Start launches ffmpeg for a new clip
func (e *FFmpegEncoder) Start(width, height, fps int, path string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cmd != nil {
		return fmt.Errorf("encoder busy with %s", e.path)
	}
	if width <= 0 || height <= 0 || fps <= 0 {
		return fmt.Errorf("invalid encoder geometry %dx%d@%d", width, height, fps)
	}

	cmd := exec.Command(e.binary, e.Args(width, height, fps, path)...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("get stdin pipe: %w", err)
	}
	stderr := newTailBuffer(4096)
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", e.binary, err)
	}

	e.logger.Debug("Encoder started",
		zap.String("path", path),
		zap.Int("pid", cmd.Process.Pid),
		zap.String("resolution", fmt.Sprintf("%dx%d", width, height)),
		zap.Int("fps", fps))

	e.cmd = cmd
	e.stdin = stdin
	e.stderr = stderr
	e.path = path
	return nil
}

// Write sends one frame of pixel data to ffmpeg
func (e *FFmpegEncoder) Write(pixels []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cmd == nil {
		return errors.New("encoder not started")
	}
	if _, err := e.stdin.Write(pixels); err != nil {
		return fmt.Errorf("write frame to encoder: %w", err)
	}
	return nil
}

// Finish closes stdin and waits for ffmpeg. A non-zero exit is returned
// with the tail of ffmpeg's stderr.
func (e *FFmpegEncoder) Finish() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cmd == nil {
		return errors.New("encoder not started")
	}
	cmd, stdin, stderr, path := e.cmd, e.stdin, e.stderr, e.path
	e.cmd, e.stdin, e.stderr, e.path = nil, nil, nil, ""

	closeErr := stdin.Close()
	if err := cmd.Wait(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("encoder for %s failed: %w: %s", path, err, msg)
		}
		return fmt.Errorf("encoder for %s failed: %w", path, err)
	}
	if closeErr != nil && !errors.Is(closeErr, os.ErrClosed) {
		e.logger.Debug("Closing encoder stdin", zap.Error(closeErr))
	}
	return nil
}

// tailBuffer keeps the last n bytes written to it
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	n   int
}

func newTailBuffer(n int) *tailBuffer {
	return &tailBuffer{n: n}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if len(b.buf) > b.n {
		b.buf = b.buf[len(b.buf)-b.n:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
