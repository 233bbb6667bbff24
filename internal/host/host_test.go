package host

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/pose-receiver/internal/dispatch"
	"github.com/banshee-data/pose-receiver/internal/receiver"
	"github.com/banshee-data/pose-receiver/internal/timeutil"
)

type fakeProcess struct {
	mu       sync.Mutex
	calls    []string
	startErr error
}

func (p *fakeProcess) Start(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, "start")
	return p.startErr
}

func (p *fakeProcess) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, "stop")
}

func (p *fakeProcess) get() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

type fakeReceiver struct {
	stats *receiver.PacketStats
	stops atomic.Int32
}

func (r *fakeReceiver) Stop()                        { r.stops.Add(1) }
func (r *fakeReceiver) Stats() *receiver.PacketStats { return r.stats }
func (r *fakeReceiver) QueueLen() int                { return 2 }

type fakeDispatcher struct {
	ticks  atomic.Int64
	frames atomic.Int64
}

func (d *fakeDispatcher) Tick() bool {
	d.ticks.Add(1)
	d.frames.Add(1)
	return true
}

func (d *fakeDispatcher) Counters() dispatch.Counters {
	return dispatch.Counters{Frames: d.frames.Load()}
}

type sinkFunc func(Sample)

func (f sinkFunc) RecordStats(s Sample) { f(s) }

type harness struct {
	host   *Host
	proc   *fakeProcess
	recv   *fakeReceiver
	disp   *fakeDispatcher
	clock  *timeutil.MockClock
	cancel context.CancelFunc
	result chan error
	once   sync.Once
}

func startHarness(t *testing.T, sinks ...StatsSink) *harness {
	t.Helper()
	h := &harness{
		proc:   &fakeProcess{},
		recv:   &fakeReceiver{stats: receiver.NewPacketStats()},
		disp:   &fakeDispatcher{},
		clock:  timeutil.NewMockClock(time.Unix(1000, 0)),
		result: make(chan error, 1),
	}
	h.host = New(h.proc, h.recv, h.disp, Config{Clock: h.clock, Sinks: sinks})

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.result <- h.host.Run(ctx) }()
	t.Cleanup(func() { h.stop(t) })

	<-h.host.Started()
	h.clock.BlockUntilTickers(1)
	h.clock.BlockUntilWaiters(1)
	return h
}

func (h *harness) stop(t *testing.T) {
	h.once.Do(func() {
		h.cancel()
		select {
		case err := <-h.result:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("Run did not return after cancel")
		}
	})
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestHost_StartsProcessAndTicks(t *testing.T) {
	h := startHarness(t)
	assert.Equal(t, []string{"start"}, h.proc.get())

	for i := 1; i <= 3; i++ {
		h.clock.Advance(time.Second / DefaultTickRate)
		want := int64(i)
		waitUntil(t, func() bool { return h.disp.ticks.Load() == want })
	}
}

func TestHost_ShutdownStopsProcessThenReceiver(t *testing.T) {
	h := startHarness(t)
	h.stop(t)

	assert.Equal(t, []string{"start", "stop"}, h.proc.get())
	assert.EqualValues(t, 1, h.recv.stops.Load())

	err := h.host.Do(context.Background(), func() {})
	assert.ErrorIs(t, err, ErrStopped)
}

func TestHost_StartFailureKeepsTicking(t *testing.T) {
	proc := &fakeProcess{startErr: errors.New("sender executable not found")}
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	disp := &fakeDispatcher{}
	host := New(proc, &fakeReceiver{stats: receiver.NewPacketStats()}, disp, Config{Clock: clock})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = host.Run(ctx)
		close(done)
	}()
	defer func() { cancel(); <-done }()

	clock.BlockUntilTickers(1)
	clock.Advance(time.Second)
	waitUntil(t, func() bool { return disp.ticks.Load() == 1 })
}

func TestHost_StatsScheduleAndSink(t *testing.T) {
	var mu sync.Mutex
	var got []Sample
	sink := sinkFunc(func(s Sample) {
		mu.Lock()
		got = append(got, s)
		mu.Unlock()
	})
	h := startHarness(t, sink)
	h.recv.stats.AddPacket(100, time.Now())
	h.recv.stats.AddEvicted()

	h.clock.Advance(DefaultFirstStatsDelay)
	waitUntil(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})

	// Next report comes a full interval later.
	h.clock.BlockUntilWaiters(1)
	h.clock.Advance(DefaultStatsInterval - time.Second)
	time.Sleep(10 * time.Millisecond)
	mu.Lock()
	assert.Len(t, got, 1)
	mu.Unlock()

	h.clock.Advance(time.Second)
	waitUntil(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	})

	mu.Lock()
	first := got[0]
	mu.Unlock()
	assert.EqualValues(t, 1, first.Received)
	assert.EqualValues(t, 1, first.Evicted)
	assert.EqualValues(t, 1, first.Dropped())
	assert.Equal(t, 2, first.QueueDepth)
	assert.Len(t, h.host.History().Samples(), 2)
}

func TestHost_DoRunsOnLoop(t *testing.T) {
	h := startHarness(t)

	ran := false
	require.NoError(t, h.host.Do(context.Background(), func() { ran = true }))
	assert.True(t, ran)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// A cancelled context may still win the race against the loop.
	err := h.host.Do(ctx, func() {})
	if err != nil {
		assert.ErrorIs(t, err, context.Canceled)
	}
}

func TestHost_Restart(t *testing.T) {
	h := startHarness(t)

	require.NoError(t, h.host.Restart(context.Background()))
	assert.Equal(t, []string{"start", "stop", "start"}, h.proc.get())
	assert.EqualValues(t, 1, h.recv.stops.Load())

	h.proc.mu.Lock()
	h.proc.startErr = errors.New("spawn failed")
	h.proc.mu.Unlock()
	assert.Error(t, h.host.Restart(context.Background()))
}

func TestHistory_Ring(t *testing.T) {
	hist := NewHistory(3)
	_, ok := hist.Latest()
	assert.False(t, ok)

	for i := 1; i <= 5; i++ {
		hist.Add(Sample{Received: int64(i)})
	}
	samples := hist.Samples()
	require.Len(t, samples, 3)
	for i, s := range samples {
		assert.EqualValues(t, i+3, s.Received)
	}
	latest, ok := hist.Latest()
	require.True(t, ok)
	assert.EqualValues(t, 5, latest.Received)
}

func TestHistory_Partial(t *testing.T) {
	hist := NewHistory(4)
	hist.Add(Sample{Received: 1})
	hist.Add(Sample{Received: 2})
	assert.Len(t, hist.Samples(), 2)
}
