package trigger

import (
	"errors"
	"sync"
)

// ErrClosed is returned by Poll after the transport has been closed
var ErrClosed = errors.New("trigger transport closed")

// Transport delivers raw trigger text. Poll must not block: it returns
// ok=false when nothing is pending.
type Transport interface {
	Poll() (raw string, ok bool, err error)
	Close() error
}

// MemoryTransport is an in-process queue of raw messages. The HTTP control
// surface publishes into it, and tests use it as a scripted transport.
type MemoryTransport struct {
	mu     sync.Mutex
	queue  []string
	closed bool
}

// NewMemoryTransport creates an empty in-process transport
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{}
}

// Publish enqueues raw text for the next Poll
func (m *MemoryTransport) Publish(raw string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.queue = append(m.queue, raw)
	return nil
}

// Poll implements Transport
func (m *MemoryTransport) Poll() (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) == 0 {
		if m.closed {
			return "", false, ErrClosed
		}
		return "", false, nil
	}
	raw := m.queue[0]
	m.queue[0] = ""
	m.queue = m.queue[1:]
	return raw, true, nil
}

// Pending returns the number of queued messages
func (m *MemoryTransport) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Close implements Transport. Queued messages can still be polled.
func (m *MemoryTransport) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// multiTransport polls several transports in turn
type multiTransport struct {
	transports []Transport
	next       int
}

// Merge combines transports into one. Each Poll starts with the transport
// after the one that last produced a message so a busy source cannot starve
// the others.
func Merge(transports ...Transport) Transport {
	if len(transports) == 1 {
		return transports[0]
	}
	return &multiTransport{transports: transports}
}

func (m *multiTransport) Poll() (string, bool, error) {
	var errs []error
	n := len(m.transports)
	for i := 0; i < n; i++ {
		idx := (m.next + i) % n
		raw, ok, err := m.transports[idx].Poll()
		if err != nil {
			if !errors.Is(err, ErrClosed) {
				errs = append(errs, err)
			}
			continue
		}
		if ok {
			m.next = (idx + 1) % n
			return raw, true, nil
		}
	}
	return "", false, errors.Join(errs...)
}

func (m *multiTransport) Close() error {
	var errs []error
	for _, t := range m.transports {
		if err := t.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
