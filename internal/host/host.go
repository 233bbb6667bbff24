// Package host runs the cooperative tick loop that owns every lifecycle
// transition: starting and stopping the companion process, draining the
// receiver queue and reporting stats. Other goroutines submit work to the
// loop with Do.
package host

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/banshee-data/pose-receiver/internal/dispatch"
	"github.com/banshee-data/pose-receiver/internal/monitoring"
	"github.com/banshee-data/pose-receiver/internal/receiver"
	"github.com/banshee-data/pose-receiver/internal/supervisor"
	"github.com/banshee-data/pose-receiver/internal/timeutil"
)

const (
	DefaultTickRate        = 60
	DefaultStatsInterval   = time.Minute
	DefaultFirstStatsDelay = 2 * time.Second
)

// ErrStopped is returned by Do once the loop has exited.
var ErrStopped = errors.New("host loop is not running")

// Process is the companion process lifecycle.
type Process interface {
	Start(ctx context.Context) error
	Stop()
}

// Receiver is the part of the packet receiver the host drives directly.
type Receiver interface {
	Stop()
	Stats() *receiver.PacketStats
	QueueLen() int
}

// Dispatcher publishes at most one frame per tick.
type Dispatcher interface {
	Tick() bool
	Counters() dispatch.Counters
}

// StatsSink receives each stats sample. It must not block.
type StatsSink interface {
	RecordStats(Sample)
}

// Config configures a Host. Zero values select the defaults.
type Config struct {
	TickRate        int
	StatsInterval   time.Duration
	FirstStatsDelay time.Duration
	Clock           timeutil.Clock
	History         *History
	Sinks           []StatsSink
}

// Host owns the tick loop.
type Host struct {
	proc    Process
	recv    Receiver
	disp    Dispatcher
	history *History
	sinks   []StatsSink
	clock   timeutil.Clock
	log     *logrus.Entry

	tick            time.Duration
	statsInterval   time.Duration
	firstStatsDelay time.Duration

	work    chan func()
	done    chan struct{}
	running chan struct{}

	lastFrames int64
}

// New creates a host. Run must be called to start the loop.
func New(proc Process, recv Receiver, disp Dispatcher, cfg Config) *Host {
	h := &Host{
		proc:            proc,
		recv:            recv,
		disp:            disp,
		history:         cfg.History,
		sinks:           cfg.Sinks,
		clock:           cfg.Clock,
		statsInterval:   cfg.StatsInterval,
		firstStatsDelay: cfg.FirstStatsDelay,
		log:             monitoring.WithComponent("host"),
		work:            make(chan func()),
		done:            make(chan struct{}),
		running:         make(chan struct{}),
	}
	rate := cfg.TickRate
	if rate <= 0 {
		rate = DefaultTickRate
	}
	h.tick = time.Second / time.Duration(rate)
	if h.clock == nil {
		h.clock = timeutil.RealClock{}
	}
	if h.history == nil {
		h.history = NewHistory(DefaultHistorySize)
	}
	if h.statsInterval <= 0 {
		h.statsInterval = DefaultStatsInterval
	}
	if h.firstStatsDelay <= 0 {
		h.firstStatsDelay = DefaultFirstStatsDelay
	}
	return h
}

// Wire subscribes the receiver to the supervisor's lifecycle signals and
// returns the subscription ID.
func Wire(sup *supervisor.Supervisor, recv *receiver.Receiver) string {
	return sup.Subscribe(recv)
}

// History returns the stats history ring.
func (h *Host) History() *History {
	return h.history
}

// Run starts the companion process and ticks until ctx is cancelled, then
// stops the process and the receiver. It always returns nil.
func (h *Host) Run(ctx context.Context) error {
	defer close(h.done)

	ticker := h.clock.NewTicker(h.tick)
	defer ticker.Stop()
	statsC := h.clock.After(h.firstStatsDelay)

	if err := h.proc.Start(ctx); err != nil {
		h.log.Warnf("Companion process not running: %v", err)
	}
	close(h.running)

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return nil
		case fn := <-h.work:
			fn()
		case <-ticker.C():
			h.disp.Tick()
		case <-statsC:
			h.reportStats()
			statsC = h.clock.After(h.statsInterval)
		}
	}
}

// Started is closed once Run has made its first start attempt.
func (h *Host) Started() <-chan struct{} {
	return h.running
}

func (h *Host) shutdown() {
	h.log.Info("Shutting down")
	h.proc.Stop()
	// Stop is a no-op when the process signal already stopped it.
	h.recv.Stop()
}

// Do runs fn on the loop goroutine and waits for it to finish.
func (h *Host) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	wrapped := func() {
		defer close(finished)
		fn()
	}
	select {
	case h.work <- wrapped:
	case <-h.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	<-finished
	return nil
}

// Restart stops the companion process and the receiver, then starts the
// process again, all on the loop goroutine.
func (h *Host) Restart(ctx context.Context) error {
	var startErr error
	err := h.Do(ctx, func() {
		h.log.Info("Restarting companion process")
		h.proc.Stop()
		h.recv.Stop()
		startErr = h.proc.Start(ctx)
	})
	if err != nil {
		return err
	}
	return startErr
}

func (h *Host) reportStats() {
	snap := h.recv.Stats().LogStats()
	counters := h.disp.Counters()

	s := Sample{
		At:               h.clock.Now(),
		Received:         snap.Packets,
		Dispatched:       counters.Frames - h.lastFrames,
		Filtered:         snap.Filtered,
		Malformed:        snap.Malformed,
		Evicted:          snap.Evicted,
		ReadErrors:       snap.ReadErrors,
		PacketsPerSec:    snap.PacketsPerSec(),
		IntervalMeanMs:   snap.IntervalMeanMs,
		IntervalStdDevMs: snap.IntervalStdDevMs,
		QueueDepth:       h.recv.QueueLen(),
	}
	h.lastFrames = counters.Frames

	if s.Dispatched > 0 {
		h.log.Infof("Dispatched %s frames (%d image decode failures total)",
			receiver.FormatWithCommas(s.Dispatched), counters.ImageFailures)
	}

	h.history.Add(s)
	for _, sink := range h.sinks {
		sink.RecordStats(s)
	}
}
