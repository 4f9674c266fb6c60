package trigger

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/elhananby/ximea-camera/fault"
	"go.uber.org/zap"
)

// ListenerStats holds trigger listener counters
type ListenerStats struct {
	Received        uint64 `json:"received"`
	Triggers        uint64 `json:"triggers"`
	Malformed       uint64 `json:"malformed"`
	Commands        uint64 `json:"commands"`
	TransportErrors uint64 `json:"transport_errors"`
	Pending         int    `json:"pending"`
}

// Listener polls a Transport on a fixed interval and forwards decoded
// messages to the capture controller.
type Listener struct {
	transport Transport
	interval  time.Duration
	out       chan Message
	logger    *zap.Logger

	received        atomic.Uint64
	triggers        atomic.Uint64
	malformed       atomic.Uint64
	commands        atomic.Uint64
	transportErrors atomic.Uint64
}

// NewListener creates a listener. queueSize bounds the number of decoded
// messages waiting for the controller; once full the listener stops
// polling until the controller catches up.
func NewListener(transport Transport, interval time.Duration, queueSize int, logger *zap.Logger) *Listener {
	if interval <= 0 {
		interval = time.Millisecond
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Listener{
		transport: transport,
		interval:  interval,
		out:       make(chan Message, queueSize),
		logger:    logger,
	}
}

// Messages returns the channel of decoded messages. It is closed when Run returns.
func (l *Listener) Messages() <-chan Message {
	return l.out
}

// Run polls until ctx is cancelled
func (l *Listener) Run(ctx context.Context) {
	defer close(l.out)
	l.logger.Info("Trigger listener started", zap.Duration("poll_interval", l.interval))

	timer := time.NewTimer(l.interval)
	defer timer.Stop()
	closedLogged := false

	for {
		if ctx.Err() != nil {
			l.logger.Info("Trigger listener stopped")
			return
		}

		raw, ok, err := l.transport.Poll()
		if err != nil {
			if errors.Is(err, ErrClosed) {
				if !closedLogged {
					l.logger.Warn("Trigger transport closed, listener idling")
					closedLogged = true
				}
			} else {
				l.transportErrors.Add(1)
				l.logger.Warn("Trigger transport poll failed",
					zap.Error(fault.Errorf(fault.KindTransport, "poll transport", err)))
			}
		}

		if ok {
			msg := l.decode(raw)
			if msg.Kind != KindEmpty {
				select {
				case l.out <- msg:
				case <-ctx.Done():
					l.logger.Info("Trigger listener stopped")
					return
				}
			}
			// Drain back-to-back messages without sleeping
			continue
		}

		timer.Reset(l.interval)
		select {
		case <-ctx.Done():
			l.logger.Info("Trigger listener stopped")
			return
		case <-timer.C:
		}
	}
}

func (l *Listener) decode(raw string) Message {
	l.received.Add(1)
	msg := Decode(raw)

	switch msg.Kind {
	case KindTrigger:
		l.triggers.Add(1)
		l.logger.Debug("Trigger received",
			zap.Uint32("obj_id", msg.Event.ObjID),
			zap.Uint64("frame", msg.Event.Frame))
	case KindMalformed:
		l.malformed.Add(1)
		l.logger.Warn("Malformed trigger payload",
			zap.String("raw", msg.Raw),
			zap.Error(msg.Err))
	case KindCommand:
		l.commands.Add(1)
		l.logger.Info("Command received", zap.String("command", msg.Text))
	}
	return msg
}

// Stats returns a snapshot of listener counters
func (l *Listener) Stats() ListenerStats {
	return ListenerStats{
		Received:        l.received.Load(),
		Triggers:        l.triggers.Load(),
		Malformed:       l.malformed.Load(),
		Commands:        l.commands.Load(),
		TransportErrors: l.transportErrors.Load(),
		Pending:         len(l.out),
	}
}
