package replay

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/pose-receiver/internal/timeutil"
)

type capturedUDP struct {
	at      time.Time
	dstPort uint16
	payload string
}

// writeCapture writes Ethernet/IPv4/UDP frames to a classic pcap file.
func writeCapture(t *testing.T, packets []capturedUDP) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pose.pcap")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w := pcapgo.NewWriter(f)
	require.NoError(t, w.WriteFileHeader(65536, layers.LinkTypeEthernet))

	for _, p := range packets {
		eth := &layers.Ethernet{
			SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
			DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
			EthernetType: layers.EthernetTypeIPv4,
		}
		ip := &layers.IPv4{
			Version:  4,
			IHL:      5,
			TTL:      64,
			Protocol: layers.IPProtocolUDP,
			SrcIP:    net.IPv4(127, 0, 0, 1),
			DstIP:    net.IPv4(127, 0, 0, 1),
		}
		udp := &layers.UDP{SrcPort: 40000, DstPort: layers.UDPPort(p.dstPort)}
		require.NoError(t, udp.SetNetworkLayerForChecksum(ip))

		buf := gopacket.NewSerializeBuffer()
		opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
		require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(p.payload)))

		data := buf.Bytes()
		ci := gopacket.CaptureInfo{Timestamp: p.at, CaptureLength: len(data), Length: len(data)}
		require.NoError(t, w.WritePacket(ci, data))
	}
	return path
}

type recordingSink struct {
	mu   sync.Mutex
	got  []string
	full bool
}

func (s *recordingSink) SendAsync(p []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.full {
		return false
	}
	s.got = append(s.got, string(p))
	return true
}

func (s *recordingSink) payloads() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.got...)
}

func TestReadCapture_FiltersByPort(t *testing.T) {
	t0 := time.Unix(1700000000, 0).UTC()
	path := writeCapture(t, []capturedUDP{
		{at: t0, dstPort: 5005, payload: `{"pts":[]}`},
		{at: t0.Add(33 * time.Millisecond), dstPort: 9999, payload: "other"},
		{at: t0.Add(66 * time.Millisecond), dstPort: 5005, payload: `{"pts":[{"x":1,"y":2,"z":3}]}`},
	})

	got, err := ReadCapture(path, 5005)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, `{"pts":[]}`, string(got[0].Payload))
	assert.Equal(t, `{"pts":[{"x":1,"y":2,"z":3}]}`, string(got[1].Payload))
	assert.True(t, got[0].At.Equal(t0), "got %v", got[0].At)
	assert.Equal(t, 66*time.Millisecond, got[1].At.Sub(got[0].At))

	all, err := ReadCapture(path, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestReadCapture_Errors(t *testing.T) {
	_, err := ReadCapture(filepath.Join(t.TempDir(), "missing.pcap"), 5005)
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.pcap")
	require.NoError(t, os.WriteFile(bad, []byte("not a capture file"), 0o644))
	_, err = ReadCapture(bad, 5005)
	assert.Error(t, err)
}

func TestReplay_Unpaced(t *testing.T) {
	t0 := time.Unix(0, 0)
	dgs := []Datagram{
		{At: t0, Payload: []byte("a")},
		{At: t0.Add(time.Hour), Payload: []byte("b")},
	}
	sink := &recordingSink{}
	n, err := Replay(context.Background(), dgs, sink, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	if diff := cmp.Diff([]string{"a", "b"}, sink.payloads()); diff != "" {
		t.Errorf("payloads mismatch (-want +got):\n%s", diff)
	}
}

func TestReplay_PacesByCaptureTime(t *testing.T) {
	t0 := time.Unix(0, 0)
	dgs := []Datagram{
		{At: t0, Payload: []byte("a")},
		{At: t0.Add(100 * time.Millisecond), Payload: []byte("b")},
		{At: t0.Add(300 * time.Millisecond), Payload: []byte("c")},
	}
	clock := timeutil.NewMockClock(t0)
	sink := &recordingSink{}

	done := make(chan int, 1)
	go func() {
		n, _ := Replay(context.Background(), dgs, sink, 2, clock)
		done <- n
	}()

	clock.BlockUntilWaiters(1)
	assert.Equal(t, []string{"a"}, sink.payloads())
	clock.Advance(50 * time.Millisecond)

	clock.BlockUntilWaiters(1)
	assert.Equal(t, []string{"a", "b"}, sink.payloads())
	clock.Advance(100 * time.Millisecond)

	select {
	case n := <-done:
		assert.Equal(t, 3, n)
	case <-time.After(2 * time.Second):
		t.Fatal("replay did not finish")
	}
}

func TestReplay_CountsRejected(t *testing.T) {
	dgs := []Datagram{{Payload: []byte("a")}, {Payload: []byte("b")}}
	n, err := Replay(context.Background(), dgs, &recordingSink{full: true}, 0, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReplay_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	n, err := Replay(ctx, []Datagram{{Payload: []byte("a")}}, &recordingSink{}, 1, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, n)
}

func TestIntervals(t *testing.T) {
	t0 := time.Unix(0, 0)
	dgs := []Datagram{{At: t0}, {At: t0.Add(33 * time.Millisecond)}, {At: t0.Add(50500 * time.Microsecond)}}
	assert.Equal(t, []float64{33, 17.5}, Intervals(dgs))
	assert.Nil(t, Intervals(dgs[:1]))
}

func TestPlotIntervals(t *testing.T) {
	t0 := time.Unix(0, 0)
	var dgs []Datagram
	for i := 0; i < 20; i++ {
		dgs = append(dgs, Datagram{At: t0.Add(time.Duration(i) * 33 * time.Millisecond)})
	}
	path := filepath.Join(t.TempDir(), "intervals.png")
	require.NoError(t, PlotIntervals(dgs, path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, len(data) > 8 && string(data[1:4]) == "PNG")

	assert.ErrorIs(t, PlotIntervals(dgs[:1], path), ErrTooFewDatagrams)
}
