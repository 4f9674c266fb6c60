package trigger

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"
	"go.uber.org/zap"
)

// ZMQConfig configures a ZeroMQ SUB transport
type ZMQConfig struct {
	Address    string
	Port       int
	Topic      string
	RetryDelay time.Duration
	BufferSize int
}

// ZMQTransport subscribes to a PUB socket. A background goroutine owns the
// blocking Recv and hands messages to Poll through a buffered channel.
type ZMQTransport struct {
	cfg      ZMQConfig
	endpoint string
	logger   *zap.Logger

	inbox chan string
	errs  chan error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewZMQTransport starts subscribing to tcp://Address:Port
func NewZMQTransport(cfg ZMQConfig, logger *zap.Logger) *ZMQTransport {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}

	t := &ZMQTransport{
		cfg:      cfg,
		endpoint: fmt.Sprintf("tcp://%s:%d", cfg.Address, cfg.Port),
		logger:   logger.With(zap.String("transport", "zmq")),
		inbox:    make(chan string, cfg.BufferSize),
		errs:     make(chan error, 1),
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())

	t.wg.Add(1)
	go t.receiveLoop()
	return t
}

// Endpoint returns the address the transport subscribes to
func (t *ZMQTransport) Endpoint() string {
	return t.endpoint
}

func (t *ZMQTransport) receiveLoop() {
	defer t.wg.Done()

	for t.ctx.Err() == nil {
		sub, err := t.connect()
		if err != nil {
			t.report(err)
			if !t.sleep(t.cfg.RetryDelay) {
				return
			}
			continue
		}

		t.logger.Info("Subscribed to trigger publisher",
			zap.String("endpoint", t.endpoint),
			zap.String("topic", t.cfg.Topic))

		for {
			msg, err := sub.Recv()
			if err != nil {
				if t.ctx.Err() == nil {
					t.report(fmt.Errorf("zmq receive: %w", err))
				}
				break
			}
			t.deliver(joinFrames(msg.Frames))
		}
		sub.Close()

		if !t.sleep(t.cfg.RetryDelay) {
			return
		}
	}
}

func (t *ZMQTransport) connect() (zmq4.Socket, error) {
	sub := zmq4.NewSub(t.ctx)
	if err := sub.Dial(t.endpoint); err != nil {
		sub.Close()
		return nil, fmt.Errorf("zmq dial %s: %w", t.endpoint, err)
	}
	if err := sub.SetOption(zmq4.OptionSubscribe, t.cfg.Topic); err != nil {
		sub.Close()
		return nil, fmt.Errorf("zmq subscribe %q: %w", t.cfg.Topic, err)
	}
	return sub, nil
}

func (t *ZMQTransport) deliver(raw string) {
	select {
	case t.inbox <- raw:
	case <-t.ctx.Done():
	}
}

// report keeps only the most recent unread error
func (t *ZMQTransport) report(err error) {
	select {
	case t.errs <- err:
	default:
		t.logger.Debug("Dropping zmq error, previous one unread", zap.Error(err))
	}
}

func (t *ZMQTransport) sleep(d time.Duration) bool {
	select {
	case <-t.ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// Poll implements Transport
func (t *ZMQTransport) Poll() (string, bool, error) {
	select {
	case raw := <-t.inbox:
		return raw, true, nil
	default:
	}
	select {
	case err := <-t.errs:
		return "", false, err
	default:
	}
	if t.ctx.Err() != nil {
		return "", false, ErrClosed
	}
	return "", false, nil
}

// Close implements Transport
func (t *ZMQTransport) Close() error {
	t.cancel()
	t.wg.Wait()
	return nil
}

// joinFrames rebuilds "<topic> <payload>" when the publisher sent the topic
// as its own frame
func joinFrames(frames [][]byte) string {
	parts := make([]string, 0, len(frames))
	for _, f := range frames {
		parts = append(parts, string(f))
	}
	return strings.Join(parts, " ")
}
