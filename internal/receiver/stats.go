package receiver

import (
	"fmt"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/pose-receiver/internal/monitoring"
)

// jitterWindow is the number of recent arrival intervals kept for jitter.
const jitterWindow = 256

// StatsSnapshot is a copy of the receive counters over one interval.
type StatsSnapshot struct {
	Packets    int64
	Bytes      int64
	Filtered   int64
	Malformed  int64
	Evicted    int64
	Enqueued   int64
	ReadErrors int64
	Duration   time.Duration

	// Arrival interval statistics over the last jitterWindow datagrams.
	IntervalMeanMs   float64
	IntervalStdDevMs float64
}

// PacketsPerSec returns the datagram rate over the snapshot interval.
func (s StatsSnapshot) PacketsPerSec() float64 {
	if s.Duration <= 0 {
		return 0
	}
	return float64(s.Packets) / s.Duration.Seconds()
}

// PacketStats tracks receive statistics with thread-safe operations.
type PacketStats struct {
	mu          sync.Mutex
	cur         StatsSnapshot
	total       StatsSnapshot
	lastReset   time.Time
	lastArrival time.Time
	intervals   []float64
	next        int
}

// NewPacketStats creates a new PacketStats instance
func NewPacketStats() *PacketStats {
	return &PacketStats{
		lastReset: time.Now(),
		intervals: make([]float64, 0, jitterWindow),
	}
}

// AddPacket counts a received datagram of the given size.
func (ps *PacketStats) AddPacket(bytes int, at time.Time) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.cur.Packets++
	ps.cur.Bytes += int64(bytes)
	ps.total.Packets++
	ps.total.Bytes += int64(bytes)

	if !ps.lastArrival.IsZero() {
		ms := float64(at.Sub(ps.lastArrival)) / float64(time.Millisecond)
		if len(ps.intervals) < jitterWindow {
			ps.intervals = append(ps.intervals, ms)
		} else {
			ps.intervals[ps.next] = ms
			ps.next = (ps.next + 1) % jitterWindow
		}
	}
	ps.lastArrival = at
}

func (ps *PacketStats) AddFiltered()  { ps.add(func(s *StatsSnapshot) { s.Filtered++ }) }
func (ps *PacketStats) AddMalformed() { ps.add(func(s *StatsSnapshot) { s.Malformed++ }) }
func (ps *PacketStats) AddEvicted()   { ps.add(func(s *StatsSnapshot) { s.Evicted++ }) }
func (ps *PacketStats) AddEnqueued()  { ps.add(func(s *StatsSnapshot) { s.Enqueued++ }) }
func (ps *PacketStats) AddReadError() { ps.add(func(s *StatsSnapshot) { s.ReadErrors++ }) }

func (ps *PacketStats) add(f func(*StatsSnapshot)) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	f(&ps.cur)
	f(&ps.total)
}

// Totals returns the counters accumulated since creation.
func (ps *PacketStats) Totals() StatsSnapshot {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	s := ps.total
	s.IntervalMeanMs, s.IntervalStdDevMs = ps.jitterLocked()
	return s
}

// GetAndReset returns the counters for the current interval and starts a
// new one.
func (ps *PacketStats) GetAndReset() StatsSnapshot {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	now := time.Now()
	s := ps.cur
	s.Duration = now.Sub(ps.lastReset)
	s.IntervalMeanMs, s.IntervalStdDevMs = ps.jitterLocked()

	ps.cur = StatsSnapshot{}
	ps.lastReset = now
	return s
}

func (ps *PacketStats) jitterLocked() (mean, std float64) {
	if len(ps.intervals) < 2 {
		return 0, 0
	}
	return stat.MeanStdDev(ps.intervals, nil)
}

// LogStats logs the current interval and resets it.
func (ps *PacketStats) LogStats() StatsSnapshot {
	s := ps.GetAndReset()
	if s.Packets == 0 && s.ReadErrors == 0 {
		return s
	}

	msg := fmt.Sprintf("Pose stats (/sec): %.1f KB, %.1f packets, interval %.1f±%.1f ms",
		float64(s.Bytes)/s.Duration.Seconds()/1024, s.PacketsPerSec(), s.IntervalMeanMs, s.IntervalStdDevMs)
	if s.Filtered > 0 {
		msg += fmt.Sprintf(", %s filtered", FormatWithCommas(s.Filtered))
	}
	if s.Malformed > 0 {
		msg += fmt.Sprintf(", %s malformed", FormatWithCommas(s.Malformed))
	}
	if s.Evicted > 0 {
		msg += fmt.Sprintf(", %s evicted on overflow", FormatWithCommas(s.Evicted))
	}
	if s.ReadErrors > 0 {
		msg += fmt.Sprintf(", %d read errors", s.ReadErrors)
	}
	monitoring.WithComponent("receiver").Info(msg)
	return s
}

// FormatWithCommas formats a number with thousands separators
func FormatWithCommas(n int64) string {
	str := fmt.Sprintf("%d", n)
	if n < 0 {
		return "-" + FormatWithCommas(-n)
	}
	if len(str) <= 3 {
		return str
	}

	result := make([]byte, 0, len(str)+len(str)/3)
	for i := range len(str) {
		if i > 0 && (len(str)-i)%3 == 0 {
			result = append(result, ',')
		}
		result = append(result, str[i])
	}
	return string(result)
}
