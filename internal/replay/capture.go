// Package replay feeds pose datagrams to a receiver without the companion
// process, either from a packet capture or from a synthetic generator.
package replay

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/pose-receiver/internal/monitoring"
	"github.com/banshee-data/pose-receiver/internal/timeutil"
)

// Datagram is one captured UDP payload.
type Datagram struct {
	At      time.Time
	Payload []byte
}

// pcapng section header block type.
var ngMagic = []byte{0x0a, 0x0d, 0x0d, 0x0a}

type captureReader interface {
	gopacket.PacketDataSource
	LinkType() layers.LinkType
}

func openCapture(r io.Reader) (captureReader, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(4)
	if err != nil {
		return nil, fmt.Errorf("failed to read capture header: %w", err)
	}
	if bytes.Equal(magic, ngMagic) {
		return pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
	}
	return pcapgo.NewReader(br)
}

// ReadCapture returns the non-empty UDP payloads sent to port in the
// pcap or pcapng file at path, in capture order. Port 0 matches any port.
func ReadCapture(path string, port int) ([]Datagram, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture %s: %w", path, err)
	}
	defer f.Close()

	r, err := openCapture(f)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture %s: %w", path, err)
	}

	source := gopacket.NewPacketSource(r, r.LinkType())

	var (
		out     []Datagram
		skipped int
	)
	for {
		packet, err := source.NextPacket()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return out, fmt.Errorf("failed to read capture %s after %d datagrams: %w", path, len(out), err)
		}

		udpLayer := packet.Layer(layers.LayerTypeUDP)
		if udpLayer == nil {
			skipped++
			continue
		}
		udp, ok := udpLayer.(*layers.UDP)
		if !ok || len(udp.Payload) == 0 {
			skipped++
			continue
		}
		if port != 0 && int(udp.DstPort) != port {
			skipped++
			continue
		}
		out = append(out, Datagram{
			At:      packet.Metadata().Timestamp,
			Payload: append([]byte(nil), udp.Payload...),
		})
	}

	monitoring.WithComponent("replay").Infof("Read %d datagrams from %s (%d packets skipped)", len(out), path, skipped)
	return out, nil
}

// PacketSink accepts datagrams without blocking.
type PacketSink interface {
	SendAsync(payload []byte) bool
}

// Replay sends datagrams to sink, spacing them by their capture timestamps
// divided by speed. A speed of zero or less sends without pacing. Replay
// returns the number of datagrams the sink accepted.
func Replay(ctx context.Context, datagrams []Datagram, sink PacketSink, speed float64, clock timeutil.Clock) (int, error) {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	sent := 0
	for i, d := range datagrams {
		if i > 0 && speed > 0 {
			gap := d.At.Sub(datagrams[i-1].At)
			if gap > 0 {
				select {
				case <-ctx.Done():
					return sent, ctx.Err()
				case <-clock.After(time.Duration(float64(gap) / speed)):
				}
			}
		}
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		if sink.SendAsync(d.Payload) {
			sent++
		}
	}
	return sent, nil
}
