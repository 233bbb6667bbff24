// Package dispatch drains the receiver queue once per tick and publishes
// the resulting frames to in-process subscribers.
package dispatch

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/banshee-data/pose-receiver/internal/monitoring"
	"github.com/banshee-data/pose-receiver/internal/pose"
)

// PacketSource is the consumer side of the receiver queue.
type PacketSource interface {
	Dequeue() (pose.Packet, bool)
}

// FrameHandler receives each dispatched frame on the tick goroutine.
type FrameHandler func(pose.Frame)

type subscriber struct {
	id string
	fn FrameHandler
}

// Counters reports dispatcher activity since creation.
type Counters struct {
	Frames        int64
	ImageFailures int64
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogPackets enables per-packet debug logging from the start.
func WithLogPackets(enabled bool) Option {
	return func(d *Dispatcher) { d.logPackets.Store(enabled) }
}

// Dispatcher converts queued packets into frames. Tick must only be called
// from one goroutine; Subscribe and Unsubscribe are safe from any.
type Dispatcher struct {
	source PacketSource
	log    *logrus.Entry

	mu          sync.Mutex
	subscribers []subscriber
	last        pose.Frame
	hasLast     bool

	logPackets    atomic.Bool
	frames        atomic.Int64
	imageFailures atomic.Int64
}

// New creates a dispatcher reading from source.
func New(source PacketSource, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		source: source,
		log:    monitoring.WithComponent("dispatch"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Subscribe registers fn and returns an ID for Unsubscribe. Handlers are
// invoked in registration order.
func (d *Dispatcher) Subscribe(fn FrameHandler) string {
	id := uuid.NewString()
	d.mu.Lock()
	d.subscribers = append(d.subscribers, subscriber{id: id, fn: fn})
	d.mu.Unlock()
	return id
}

// Unsubscribe removes the handler registered under id. Unknown IDs are
// ignored.
func (d *Dispatcher) Unsubscribe(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, s := range d.subscribers {
		if s.id == id {
			d.subscribers = append(d.subscribers[:i:i], d.subscribers[i+1:]...)
			return
		}
	}
}

// SetLogPackets toggles the "Packet received" debug line.
func (d *Dispatcher) SetLogPackets(enabled bool) {
	d.logPackets.Store(enabled)
}

// Tick dequeues at most one packet and publishes it as a frame. It reports
// whether a frame was published.
func (d *Dispatcher) Tick() bool {
	p, ok := d.source.Dequeue()
	if !ok {
		return false
	}
	// The receiver never enqueues empty packets; this guards other sources.
	if p.IsEmpty() {
		return false
	}

	if d.logPackets.Load() {
		d.log.Infof("Packet received: %s", p)
	}

	frame, err := pose.NewFrame(p)
	if err != nil {
		d.imageFailures.Add(1)
		d.log.Warnf("Failed to decode frame image: %v", err)
	}

	d.mu.Lock()
	d.last = frame
	d.hasLast = true
	subs := make([]subscriber, len(d.subscribers))
	copy(subs, d.subscribers)
	d.mu.Unlock()

	d.frames.Add(1)
	for _, s := range subs {
		s.fn(frame)
	}
	return true
}

// LastFrame returns the most recently published frame.
func (d *Dispatcher) LastFrame() (pose.Frame, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last, d.hasLast
}

// Counters returns the dispatch counters.
func (d *Dispatcher) Counters() Counters {
	return Counters{
		Frames:        d.frames.Load(),
		ImageFailures: d.imageFailures.Load(),
	}
}
