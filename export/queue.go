package export

import (
	"fmt"
	"sync"

	"github.com/elhananby/ximea-camera/recorder"
)

// OverflowPolicy decides what happens when a bounded queue is full
type OverflowPolicy string

const (
	// PolicyBlock makes the producer wait for the worker
	PolicyBlock OverflowPolicy = "block"
	// PolicyDropOldest discards the oldest pending clip
	PolicyDropOldest OverflowPolicy = "drop_oldest"
	// PolicyDropNewest discards the clip being pushed
	PolicyDropNewest OverflowPolicy = "drop_newest"
)

// ParseOverflowPolicy validates a policy name
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch p := OverflowPolicy(s); p {
	case PolicyBlock, PolicyDropOldest, PolicyDropNewest:
		return p, nil
	case "":
		return PolicyBlock, nil
	default:
		return "", fmt.Errorf("unknown overflow policy %q", s)
	}
}

// Queue carries packets from the capture controller to the export worker.
// maxPending=0 leaves it unbounded. The sentinel packet is never dropped or
// delayed by the limit.
type Queue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	items   []recorder.Packet
	max     int
	policy  OverflowPolicy
	closed  bool
	dropped uint64
	pushed  uint64
}

// NewQueue creates a queue
func NewQueue(maxPending int, policy OverflowPolicy) *Queue {
	if policy == "" {
		policy = PolicyBlock
	}
	q := &Queue{max: maxPending, policy: policy}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push implements recorder.Sink
func (q *Queue) Push(p recorder.Packet) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		q.dropped++
		return false
	}

	if !p.IsSentinel() && q.max > 0 {
		for len(q.items) >= q.max && !q.closed {
			switch q.policy {
			case PolicyDropNewest:
				q.dropped++
				return false
			case PolicyDropOldest:
				q.items[0] = recorder.Packet{}
				q.items = q.items[1:]
				q.dropped++
			default:
				q.cond.Wait()
			}
		}
		if q.closed {
			q.dropped++
			return false
		}
	}

	q.items = append(q.items, p)
	q.pushed++
	q.cond.Broadcast()
	return true
}

// Pop blocks until a packet is available. ok is false once the queue is
// closed and empty.
func (q *Queue) Pop() (p recorder.Packet, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return recorder.Packet{}, false
	}
	p = q.items[0]
	q.items[0] = recorder.Packet{}
	q.items = q.items[1:]
	q.cond.Broadcast()
	return p, true
}

// Close wakes blocked producers and consumers. Packets already queued can
// still be popped.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

// Len returns the number of pending packets
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// PendingFrames returns the number of frames held by pending packets
func (q *Queue) PendingFrames() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, p := range q.items {
		n += len(p.Frames)
	}
	return n
}

// Dropped returns the number of packets discarded by the overflow policy
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Pushed returns the number of packets accepted
func (q *Queue) Pushed() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pushed
}
