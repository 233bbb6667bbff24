package receiver

import (
	"sync"

	"github.com/banshee-data/pose-receiver/internal/pose"
)

// DefaultQueueCapacity is the number of packets held between the receive
// loop and the tick goroutine.
const DefaultQueueCapacity = 5

// BoundedQueue is a fixed-capacity FIFO of packets that evicts its oldest
// entry when full. All methods are safe for concurrent use; the lock is
// held only for the duration of one insert or removal.
type BoundedQueue struct {
	mu   sync.Mutex
	buf  []pose.Packet
	head int
	size int
}

// NewBoundedQueue creates a queue holding at most capacity packets.
// Capacities below 1 are raised to 1.
func NewBoundedQueue(capacity int) *BoundedQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &BoundedQueue{buf: make([]pose.Packet, capacity)}
}

// Push appends p, first evicting the oldest entry if the queue is full.
// It reports whether an entry was evicted.
func (q *BoundedQueue) Push(p pose.Packet) (evicted bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size == len(q.buf) {
		q.buf[q.head] = pose.Packet{}
		q.head = (q.head + 1) % len(q.buf)
		q.size--
		evicted = true
	}
	q.buf[(q.head+q.size)%len(q.buf)] = p
	q.size++
	return evicted
}

// Pop removes and returns the oldest packet.
func (q *BoundedQueue) Pop() (pose.Packet, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size == 0 {
		return pose.Packet{}, false
	}
	p := q.buf[q.head]
	q.buf[q.head] = pose.Packet{}
	q.head = (q.head + 1) % len(q.buf)
	q.size--
	return p, true
}

// Len returns the number of queued packets.
func (q *BoundedQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Cap returns the queue capacity.
func (q *BoundedQueue) Cap() int {
	return len(q.buf)
}
