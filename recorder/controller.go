package recorder

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/elhananby/ximea-camera/fault"
	"github.com/elhananby/ximea-camera/frame"
	"github.com/elhananby/ximea-camera/trigger"
	"go.uber.org/zap"
)

// FrameSource yields frames in acquisition order. Next blocks until a frame
// is ready, the source fails, or ctx is cancelled.
type FrameSource interface {
	Next(ctx context.Context) (*frame.Frame, error)
}

// Backlogger is implemented by sources that buffer frames ahead of the
// controller. Backlog returns how many are waiting.
type Backlogger interface {
	Backlog() int
}

// State of the capture state machine
type State int32

const (
	StateIdle State = iota
	StateRecording
)

func (s State) String() string {
	if s == StateRecording {
		return "recording"
	}
	return "idle"
}

// Options sizes the capture window
type Options struct {
	NBefore int // frames kept ahead of the trigger
	NAfter  int // frames recorded after the most recent trigger
	// BacklogLogInterval logs the pending trigger count every N frames; 0 disables it
	BacklogLogInterval int
}

// Stats is a snapshot of controller counters
type Stats struct {
	State          string `json:"state"`
	Counter        int    `json:"counter"`
	Buffered       int    `json:"buffered"`
	Capacity       int    `json:"capacity"`
	FramesIngested uint64 `json:"frames_ingested"`
	Triggers       uint64 `json:"triggers"`
	Extensions     uint64 `json:"extensions"`
	PacketsEmitted uint64 `json:"packets_emitted"`
	PacketsDropped uint64 `json:"packets_dropped"`
	Malformed      uint64 `json:"malformed"`
	LastSeq        uint32 `json:"last_seq"`
}

// Controller merges the frame stream with decoded trigger messages, keeps
// the ring buffer, and emits export packets when a window completes.
type Controller struct {
	source   FrameSource
	messages <-chan trigger.Message
	sink     Sink
	opts     Options
	logger   *zap.Logger

	// Owned by the Run goroutine
	ring    *frame.Ring
	state   State
	counter int
	active  trigger.Event

	// Mirrors for Stats readers on other goroutines
	stateView      atomic.Int32
	counterView    atomic.Int64
	bufferedView   atomic.Int64
	lastSeq        atomic.Uint32
	framesIngested atomic.Uint64
	triggers       atomic.Uint64
	extensions     atomic.Uint64
	packetsEmitted atomic.Uint64
	packetsDropped atomic.Uint64
	malformed      atomic.Uint64
}

// NewController creates a controller. messages may be nil when no trigger
// transport is configured.
func NewController(source FrameSource, messages <-chan trigger.Message, sink Sink, opts Options, logger *zap.Logger) (*Controller, error) {
	if opts.NBefore < 0 || opts.NAfter < 1 {
		return nil, fmt.Errorf("invalid window: n_before=%d n_after=%d", opts.NBefore, opts.NAfter)
	}
	if source == nil || sink == nil {
		return nil, errors.New("controller needs a frame source and a sink")
	}

	c := &Controller{
		source:   source,
		messages: messages,
		sink:     sink,
		opts:     opts,
		logger:   logger,
		ring:     frame.NewRing(opts.NBefore + opts.NAfter),
		counter:  opts.NAfter,
	}
	c.counterView.Store(int64(opts.NAfter))
	return c, nil
}

// Run ingests frames until a kill command, ctx cancellation, loss of the
// trigger listener, or an acquisition failure. A sentinel packet is pushed
// to the sink on every exit path. Only acquisition failures are returned.
func (c *Controller) Run(ctx context.Context) error {
	c.logger.Info("Capture controller started",
		zap.Int("n_before", c.opts.NBefore),
		zap.Int("n_after", c.opts.NAfter),
		zap.Int("capacity", c.ring.Cap()))
	defer c.sink.Push(Sentinel())

	var iter uint64
	for {
		f, err := c.source.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("Capture cancelled, stopping ingestion")
				return nil
			}
			return fault.Errorf(fault.KindAcquisition, "next frame", err)
		}

		iter++
		if c.opts.BacklogLogInterval > 0 && iter%uint64(c.opts.BacklogLogInterval) == 0 {
			fields := []zap.Field{
				zap.Uint64("frames", iter),
				zap.Int("pending_triggers", len(c.messages)),
			}
			if b, ok := c.source.(Backlogger); ok {
				fields = append(fields, zap.Int("frame_backlog", b.Backlog()))
			}
			c.logger.Debug("Inbound backlog", fields...)
		}

		msg, ok := c.poll()
		if !ok {
			c.logger.Error("Trigger listener stopped unexpectedly, shutting down",
				zap.Error(fault.Errorf(fault.KindShutdown, "poll trigger", errors.New("message channel closed"))))
			return nil
		}

		if c.Step(f, msg) {
			c.logger.Info("Kill command received, stopping ingestion",
				zap.String("state", c.state.String()),
				zap.Int("counter", c.counter))
			return nil
		}
	}
}

// poll takes at most one pending message without blocking. It returns
// ok=false only when the message channel was closed.
func (c *Controller) poll() (trigger.Message, bool) {
	if c.messages == nil {
		return trigger.Message{}, true
	}
	select {
	case msg, ok := <-c.messages:
		if !ok {
			return trigger.Message{}, false
		}
		return msg, true
	default:
		return trigger.Message{}, true
	}
}

// Step applies one frame and one message to the state machine and reports
// whether ingestion must stop. It must only be called from the goroutine
// that owns the controller.
func (c *Controller) Step(f *frame.Frame, msg trigger.Message) (stop bool) {
	c.ring.Push(f)
	c.framesIngested.Add(1)
	c.lastSeq.Store(f.Seq)
	c.bufferedView.Store(int64(c.ring.Len()))

	switch msg.Kind {
	case trigger.KindTrigger:
		c.triggers.Add(1)
		if c.state == StateRecording {
			c.extensions.Add(1)
			c.logger.Info("Trigger extended recording",
				zap.Uint32("obj_id", msg.Event.ObjID),
				zap.Uint64("frame", msg.Event.Frame),
				zap.Int("remaining_before_reset", c.counter))
		} else {
			c.logger.Info("Trigger started recording",
				zap.Uint32("obj_id", msg.Event.ObjID),
				zap.Uint64("frame", msg.Event.Frame),
				zap.Uint32("seq", f.Seq))
		}
		c.setState(StateRecording)
		c.setCounter(c.opts.NAfter)
		c.active = msg.Event
	case trigger.KindCommand:
		if msg.IsKill() {
			if c.state == StateRecording {
				c.logger.Warn("Discarding unfinished recording",
					zap.String("clip", c.active.ClipName()),
					zap.Int("counter", c.counter))
			}
			return true
		}
		c.logger.Debug("Ignoring unknown command", zap.String("command", msg.Text))
	case trigger.KindMalformed:
		c.malformed.Add(1)
	}

	if c.state != StateRecording {
		return false
	}

	c.setCounter(c.counter - 1)
	if c.counter > 0 {
		return false
	}

	packet := NewPacket(c.ring.Snapshot(), c.active)
	first, last := packet.Span()
	if c.sink.Push(packet) {
		c.packetsEmitted.Add(1)
		c.logger.Info("Capture window complete",
			zap.String("clip", packet.Name),
			zap.Int("frames", len(packet.Frames)),
			zap.Uint32("first_seq", first),
			zap.Uint32("last_seq", last))
	} else {
		c.packetsDropped.Add(1)
		c.logger.Warn("Export queue full, clip dropped",
			zap.String("clip", packet.Name),
			zap.Int("frames", len(packet.Frames)))
	}

	c.setState(StateIdle)
	c.setCounter(c.opts.NAfter)
	c.active = trigger.Event{}
	return false
}

func (c *Controller) setState(s State) {
	c.state = s
	c.stateView.Store(int32(s))
}

func (c *Controller) setCounter(n int) {
	c.counter = n
	c.counterView.Store(int64(n))
}

// Stats returns a snapshot of the controller counters. Safe for concurrent use.
func (c *Controller) Stats() Stats {
	return Stats{
		State:          State(c.stateView.Load()).String(),
		Counter:        int(c.counterView.Load()),
		Buffered:       int(c.bufferedView.Load()),
		Capacity:       c.ring.Cap(),
		FramesIngested: c.framesIngested.Load(),
		Triggers:       c.triggers.Load(),
		Extensions:     c.extensions.Load(),
		PacketsEmitted: c.packetsEmitted.Load(),
		PacketsDropped: c.packetsDropped.Load(),
		Malformed:      c.malformed.Load(),
		LastSeq:        c.lastSeq.Load(),
	}
}
