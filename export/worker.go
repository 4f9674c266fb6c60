package export

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/elhananby/ximea-camera/fault"
	"github.com/elhananby/ximea-camera/recorder"
	"go.uber.org/zap"
)

// VideoFile is the encoded clip written inside each clip directory
const VideoFile = "video.mp4"

// WorkerConfig holds export worker settings
type WorkerConfig struct {
	SaveFolder string
	FPS        int // output framerate passed to the encoder
}

// WorkerStats is a snapshot of export counters
type WorkerStats struct {
	Exported      uint64 `json:"exported"`
	Failed        uint64 `json:"failed"`
	FramesWritten uint64 `json:"frames_written"`
	Pending       int    `json:"pending"`
	Dropped       uint64 `json:"dropped"`
	Busy          bool   `json:"busy"`
	LastClip      string `json:"last_clip,omitempty"`
	LastError     string `json:"last_error,omitempty"`
}

// Worker drains the export queue one packet at a time
type Worker struct {
	queue   *Queue
	encoder Encoder
	cfg     WorkerConfig
	logger  *zap.Logger
	done    chan struct{}

	exported atomic.Uint64
	failed   atomic.Uint64
	frames   atomic.Uint64
	busy     atomic.Bool
	lastClip atomic.Value // string
	lastErr  atomic.Value // string
}

// NewWorker creates an export worker
func NewWorker(queue *Queue, encoder Encoder, cfg WorkerConfig, logger *zap.Logger) (*Worker, error) {
	if queue == nil || encoder == nil {
		return nil, errors.New("export worker needs a queue and an encoder")
	}
	if cfg.SaveFolder == "" {
		return nil, errors.New("save folder is required")
	}
	if cfg.FPS <= 0 {
		return nil, fmt.Errorf("invalid output fps %d", cfg.FPS)
	}
	return &Worker{
		queue:   queue,
		encoder: encoder,
		cfg:     cfg,
		logger:  logger,
		done:    make(chan struct{}),
	}, nil
}

// Run processes packets until the sentinel is popped. Everything queued
// ahead of the sentinel is exported first. Clip failures are logged and
// never stop the loop.
func (w *Worker) Run() {
	defer close(w.done)
	w.logger.Info("Export worker started", zap.String("save_folder", w.cfg.SaveFolder))

	for {
		p, ok := w.queue.Pop()
		if !ok {
			w.logger.Error("Export queue closed without shutdown marker",
				zap.Error(fault.Errorf(fault.KindShutdown, "pop packet", errors.New("queue closed"))))
			return
		}
		if p.IsSentinel() {
			w.logger.Info("Export worker drained, stopping",
				zap.Uint64("exported", w.exported.Load()),
				zap.Uint64("failed", w.failed.Load()))
			return
		}

		w.busy.Store(true)
		start := time.Now()
		if err := w.Export(p); err != nil {
			w.failed.Add(1)
			w.lastErr.Store(err.Error())
			w.logger.Error("Clip export failed",
				zap.String("clip", p.Name),
				zap.Int("frames", len(p.Frames)),
				zap.Error(err))
		} else {
			w.exported.Add(1)
			w.frames.Add(uint64(len(p.Frames)))
			w.lastClip.Store(p.Name)
			w.logger.Info("Clip exported",
				zap.String("clip", p.Name),
				zap.Int("frames", len(p.Frames)),
				zap.Duration("took", time.Since(start)),
				zap.Int("pending", w.queue.Len()))
		}
		w.busy.Store(false)
	}
}

// Export writes metadata.csv and video.mp4 for one packet
func (w *Worker) Export(p recorder.Packet) error {
	if len(p.Frames) == 0 {
		return fault.Errorf(fault.KindExport, p.Name, errors.New("empty packet"))
	}

	// Geometry is checked up front so a bad packet leaves nothing on disk
	first := p.Frames[0]
	for _, f := range p.Frames {
		if err := f.Validate(); err != nil {
			return fault.Errorf(fault.KindExport, p.Name, err)
		}
		if f.Width != first.Width || f.Height != first.Height {
			return fault.Errorf(fault.KindExport, p.Name,
				fmt.Errorf("frame %d is %dx%d, clip is %dx%d", f.Seq, f.Width, f.Height, first.Width, first.Height))
		}
	}

	dir := filepath.Join(w.cfg.SaveFolder, p.Name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fault.Errorf(fault.KindExport, p.Name, fmt.Errorf("create clip directory: %w", err))
	}

	if err := writeMetadataFile(filepath.Join(dir, MetadataFile), p.Frames); err != nil {
		return fault.Errorf(fault.KindExport, p.Name, err)
	}

	if err := w.encoder.Start(first.Width, first.Height, w.cfg.FPS, filepath.Join(dir, VideoFile)); err != nil {
		return fault.Errorf(fault.KindExport, p.Name, err)
	}

	for _, f := range p.Frames {
		if err := w.encoder.Write(f.Pixels); err != nil {
			// Finish reaps the process and carries its stderr
			if ferr := w.encoder.Finish(); ferr != nil {
				err = ferr
			}
			return fault.Errorf(fault.KindExport, p.Name, err)
		}
	}

	if err := w.encoder.Finish(); err != nil {
		return fault.Errorf(fault.KindExport, p.Name, err)
	}
	return nil
}

// Done is closed when Run returns
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// Stats returns a snapshot of worker counters
func (w *Worker) Stats() WorkerStats {
	s := WorkerStats{
		Exported:      w.exported.Load(),
		Failed:        w.failed.Load(),
		FramesWritten: w.frames.Load(),
		Pending:       w.queue.Len(),
		Dropped:       w.queue.Dropped(),
		Busy:          w.busy.Load(),
	}
	if v, ok := w.lastClip.Load().(string); ok {
		s.LastClip = v
	}
	if v, ok := w.lastErr.Load().(string); ok {
		s.LastError = v
	}
	return s
}
