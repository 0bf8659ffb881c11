package transport

import (
	"sync"

	"github.com/coral-mesh/scopewire/internal/protocol"
)

// compactThreshold is how many consumed slots may accumulate at the front of
// the backing slice before it is compacted.
const compactThreshold = 1024

// packetQueue is the outbound FIFO shared by every producer and the single
// send worker. Producers never block; the consumer blocks in pop until a
// packet arrives or the stop channel closes.
type packetQueue struct {
	mu      sync.Mutex
	items   []*protocol.Packet
	head    int
	limit   int
	dropped uint64
	closed  bool

	// wake holds at most one pending wake-up for the consumer.
	wake chan struct{}
}

func newPacketQueue(limit int) *packetQueue {
	return &packetQueue{
		limit: limit,
		wake:  make(chan struct{}, 1),
	}
}

// push appends p. It returns false, counting a drop, when the queue is closed
// or full.
func (q *packetQueue) push(p *protocol.Packet) bool {
	q.mu.Lock()
	if q.closed || (q.limit > 0 && len(q.items)-q.head >= q.limit) {
		q.dropped++
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, p)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// pop removes the oldest packet, waiting for one if the queue is empty. It
// returns false once the queue is closed or stop is closed.
func (q *packetQueue) pop(stop <-chan struct{}) (*protocol.Packet, bool) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, false
		}
		if q.head < len(q.items) {
			p := q.items[q.head]
			q.items[q.head] = nil
			q.head++
			q.compactLocked()
			q.mu.Unlock()
			return p, true
		}
		q.mu.Unlock()

		select {
		case <-q.wake:
		case <-stop:
			return nil, false
		}
	}
}

func (q *packetQueue) compactLocked() {
	switch {
	case q.head == len(q.items):
		q.items = q.items[:0]
		q.head = 0
	case q.head >= compactThreshold && q.head*2 >= len(q.items):
		n := copy(q.items, q.items[q.head:])
		clear(q.items[n:])
		q.items = q.items[:n]
		q.head = 0
	}
}

// len returns the number of queued packets.
func (q *packetQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head
}

// droppedCount returns how many packets push refused.
func (q *packetQueue) droppedCount() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// close rejects further pushes, wakes the consumer and returns the number of
// packets discarded.
func (q *packetQueue) close() int {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return 0
	}
	q.closed = true
	discarded := len(q.items) - q.head
	q.items = nil
	q.head = 0
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return discarded
}
