package pose

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	jsoniter "github.com/json-iterator/go"
)

var wireJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrInvalidUTF8 is returned when a datagram payload is not UTF-8 text.
var ErrInvalidUTF8 = errors.New("payload is not valid UTF-8")

// summaryLandmarks is how many landmarks String prints.
const summaryLandmarks = 5

// Packet is the decoded payload of one datagram:
//
//	{"pts": [{"x":..,"y":..,"z":..}, ...], "frame_b64": "..."}
type Packet struct {
	Points   []Landmark `json:"pts"`
	FrameB64 string     `json:"frame_b64,omitempty"`
}

// DecodePacket parses one datagram payload.
func DecodePacket(data []byte) (Packet, error) {
	var p Packet
	if !utf8.Valid(data) {
		return p, ErrInvalidUTF8
	}
	if err := wireJSON.Unmarshal(data, &p); err != nil {
		return Packet{}, fmt.Errorf("failed to decode packet: %w", err)
	}
	return p, nil
}

// EncodePacket renders p in wire format.
func EncodePacket(p Packet) ([]byte, error) {
	return wireJSON.Marshal(p)
}

// IsEmpty reports whether the packet carries neither landmarks nor an image.
func (p Packet) IsEmpty() bool {
	return len(p.Points) == 0 && p.FrameB64 == ""
}

// String summarises the first few landmarks for diagnostic logs.
func (p Packet) String() string {
	var sb strings.Builder
	sb.WriteString("Landmarks: ")
	if len(p.Points) == 0 {
		sb.WriteString("{ none }")
	} else {
		n := min(len(p.Points), summaryLandmarks)
		sb.WriteString("{")
		for i := 0; i < n; i++ {
			if i > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "%d: [%s]", i+1, p.Points[i])
		}
		if len(p.Points) > n {
			fmt.Fprintf(&sb, ", ... and %d more", len(p.Points)-n)
		}
		sb.WriteString("}")
	}
	if p.FrameB64 != "" {
		fmt.Fprintf(&sb, " image: %d b64 chars", len(p.FrameB64))
	}
	return sb.String()
}
