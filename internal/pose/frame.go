package pose

import (
	"encoding/base64"
	"fmt"
)

// Frame is one dispatched unit: a landmark set and an optional image.
// A Frame is never mutated after NewFrame returns.
type Frame struct {
	Landmarks []Landmark
	Image     []byte
}

// NewFrame converts a packet into a frame. Landmarks are copied in order.
// If the image payload is not valid base64 the frame is still returned,
// without an image, together with the decode error.
func NewFrame(p Packet) (Frame, error) {
	f := Frame{}
	if len(p.Points) > 0 {
		f.Landmarks = make([]Landmark, len(p.Points))
		copy(f.Landmarks, p.Points)
	}
	if p.FrameB64 == "" {
		return f, nil
	}
	img, err := base64.StdEncoding.DecodeString(p.FrameB64)
	if err != nil {
		return f, fmt.Errorf("failed to decode frame image: %w", err)
	}
	f.Image = img
	return f, nil
}

// HasImage reports whether the frame carries image bytes.
func (f Frame) HasImage() bool {
	return len(f.Image) > 0
}

// Landmark returns the keypoint of type t. The second result is false when
// the frame has no landmark for t.
func (f Frame) Landmark(t LandmarkType) (Landmark, bool) {
	if t < 0 || int(t) >= len(f.Landmarks) {
		return Landmark{}, false
	}
	return f.Landmarks[t], true
}

// Packet converts the frame back into wire form.
func (f Frame) Packet() Packet {
	p := Packet{Points: f.Landmarks}
	if len(f.Image) > 0 {
		p.FrameB64 = base64.StdEncoding.EncodeToString(f.Image)
	}
	return p
}
