package export

import (
	"context"
	"os"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
)

// Watchdog samples the process resident set and warns when clips are piling
// up in memory faster than the worker can encode them
type Watchdog struct {
	queue    *Queue
	limit    uint64 // bytes, 0 disables warnings
	interval time.Duration
	logger   *zap.Logger
	sample   func(ctx context.Context) (uint64, error)

	rss      atomic.Uint64
	warnings atomic.Uint64
}

// NewWatchdog creates a memory watchdog for the current process
func NewWatchdog(queue *Queue, limitMB int, interval time.Duration, logger *zap.Logger) (*Watchdog, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if limitMB < 0 {
		limitMB = 0
	}
	return &Watchdog{
		queue:    queue,
		limit:    uint64(limitMB) * 1024 * 1024,
		interval: interval,
		logger:   logger,
		sample: func(ctx context.Context) (uint64, error) {
			mem, err := proc.MemoryInfoWithContext(ctx)
			if err != nil {
				return 0, err
			}
			return mem.RSS, nil
		},
	}, nil
}

// Run samples memory until ctx is cancelled
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Check(ctx)
		}
	}
}

// Check takes one sample and reports whether the limit was exceeded while
// exports were pending
func (w *Watchdog) Check(ctx context.Context) bool {
	rss, err := w.sample(ctx)
	if err != nil {
		w.logger.Debug("Failed to sample process memory", zap.Error(err))
		return false
	}
	w.rss.Store(rss)

	if w.limit == 0 || rss <= w.limit {
		return false
	}
	pending := w.queue.Len()
	if pending == 0 {
		return false
	}

	w.warnings.Add(1)
	w.logger.Warn("Memory above limit with exports pending",
		zap.Uint64("rss_mb", rss/1024/1024),
		zap.Uint64("limit_mb", w.limit/1024/1024),
		zap.Int("pending_clips", pending),
		zap.Int("pending_frames", w.queue.PendingFrames()))
	return true
}

// RSS returns the last sampled resident set size in bytes
func (w *Watchdog) RSS() uint64 {
	return w.rss.Load()
}

// Warnings returns how many times the limit was exceeded
func (w *Watchdog) Warnings() uint64 {
	return w.warnings.Load()
}
