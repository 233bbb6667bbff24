package replay

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"math/rand"
	"time"

	"github.com/banshee-data/pose-receiver/internal/monitoring"
	"github.com/banshee-data/pose-receiver/internal/pose"
	"github.com/banshee-data/pose-receiver/internal/timeutil"
)

// restPose is a standing figure in normalized image coordinates, indexed
// by pose.LandmarkType.
var restPose = [pose.NumLandmarks]pose.Landmark{
	{X: 0.50, Y: 0.15, Z: -0.30}, // nose
	{X: 0.48, Y: 0.13, Z: -0.28}, {X: 0.47, Y: 0.13, Z: -0.28}, {X: 0.46, Y: 0.13, Z: -0.28},
	{X: 0.52, Y: 0.13, Z: -0.28}, {X: 0.53, Y: 0.13, Z: -0.28}, {X: 0.54, Y: 0.13, Z: -0.28},
	{X: 0.44, Y: 0.14, Z: -0.15}, {X: 0.56, Y: 0.14, Z: -0.15}, // ears
	{X: 0.49, Y: 0.17, Z: -0.27}, {X: 0.51, Y: 0.17, Z: -0.27}, // mouth
	{X: 0.40, Y: 0.27, Z: -0.10}, {X: 0.60, Y: 0.27, Z: -0.10}, // shoulders
	{X: 0.36, Y: 0.40, Z: -0.08}, {X: 0.64, Y: 0.40, Z: -0.08}, // elbows
	{X: 0.35, Y: 0.52, Z: -0.12}, {X: 0.65, Y: 0.52, Z: -0.12}, // wrists
	{X: 0.34, Y: 0.55, Z: -0.13}, {X: 0.66, Y: 0.55, Z: -0.13}, // pinkies
	{X: 0.35, Y: 0.56, Z: -0.14}, {X: 0.65, Y: 0.56, Z: -0.14}, // indices
	{X: 0.36, Y: 0.54, Z: -0.13}, {X: 0.64, Y: 0.54, Z: -0.13}, // thumbs
	{X: 0.44, Y: 0.55, Z: 0.00}, {X: 0.56, Y: 0.55, Z: 0.00}, // hips
	{X: 0.44, Y: 0.72, Z: 0.02}, {X: 0.56, Y: 0.72, Z: 0.02}, // knees
	{X: 0.44, Y: 0.88, Z: 0.05}, {X: 0.56, Y: 0.88, Z: 0.05}, // ankles
	{X: 0.43, Y: 0.90, Z: 0.06}, {X: 0.57, Y: 0.90, Z: 0.06}, // heels
	{X: 0.45, Y: 0.92, Z: -0.02}, {X: 0.55, Y: 0.92, Z: -0.02}, // foot indices
}

// SyntheticConfig controls the generated stream.
type SyntheticConfig struct {
	// Rate is datagrams per second.
	Rate float64
	// WithImage attaches a PNG preview to every datagram.
	WithImage bool
	// ImageWidth and ImageHeight size the preview.
	ImageWidth, ImageHeight int
	// Jitter is the landmark noise amplitude in normalized units.
	Jitter float64
	Seed   int64
}

// DefaultSyntheticConfig matches the companion's default output.
func DefaultSyntheticConfig() SyntheticConfig {
	return SyntheticConfig{
		Rate:        30,
		WithImage:   true,
		ImageWidth:  64,
		ImageHeight: 48,
		Jitter:      0.002,
		Seed:        1,
	}
}

// Synthetic generates a swaying figure. It is not safe for concurrent use.
type Synthetic struct {
	cfg   SyntheticConfig
	rng   *rand.Rand
	frame int
}

// NewSynthetic creates a generator.
func NewSynthetic(cfg SyntheticConfig) *Synthetic {
	def := DefaultSyntheticConfig()
	if cfg.Rate <= 0 {
		cfg.Rate = def.Rate
	}
	if cfg.ImageWidth <= 0 || cfg.ImageHeight <= 0 {
		cfg.ImageWidth, cfg.ImageHeight = def.ImageWidth, def.ImageHeight
	}
	return &Synthetic{cfg: cfg, rng: rand.New(rand.NewSource(cfg.Seed))}
}

// Next returns the next packet.
func (s *Synthetic) Next() (pose.Packet, error) {
	phase := 2 * math.Pi * float64(s.frame) / s.cfg.Rate / 2 // one sway every 2s
	s.frame++

	sway := 0.03 * math.Sin(phase)
	wave := 0.05 * math.Sin(2*phase)

	pts := make([]pose.Landmark, pose.NumLandmarks)
	for i, base := range restPose {
		lm := base
		// Upper body sways more than the feet.
		lm.X += float32(sway * (1 - float64(base.Y)))
		if t := pose.LandmarkType(i); t == pose.RightWrist || t == pose.RightPinky || t == pose.RightIndex || t == pose.RightThumb {
			lm.Y -= float32(math.Abs(wave))
		}
		if s.cfg.Jitter > 0 {
			lm.X += float32(s.rng.NormFloat64() * s.cfg.Jitter)
			lm.Y += float32(s.rng.NormFloat64() * s.cfg.Jitter)
		}
		lm.X = clamp01(lm.X)
		lm.Y = clamp01(lm.Y)
		pts[i] = lm
	}

	p := pose.Packet{Points: pts}
	if s.cfg.WithImage {
		img, err := s.renderImage(pts)
		if err != nil {
			return pose.Packet{}, err
		}
		p.FrameB64 = base64.StdEncoding.EncodeToString(img)
	}
	return p, nil
}

// renderImage draws the landmarks as white dots on a dark gradient.
func (s *Synthetic) renderImage(pts []pose.Landmark) ([]byte, error) {
	w, h := s.cfg.ImageWidth, s.cfg.ImageHeight
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	shade := uint8(s.frame % 64)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: shade, G: uint8(y * 64 / h), B: 40, A: 255})
		}
	}
	for _, lm := range pts {
		img.Set(int(lm.X*float32(w-1)), int(lm.Y*float32(h-1)), color.White)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode preview image: %w", err)
	}
	return buf.Bytes(), nil
}

func clamp01(v float32) float32 {
	return float32(math.Min(1, math.Max(0, float64(v))))
}

// Run sends generated datagrams to sink at the configured rate until ctx is
// cancelled, or until count datagrams have been generated when count > 0.
func (s *Synthetic) Run(ctx context.Context, sink PacketSink, count int, clock timeutil.Clock) (int, error) {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	interval := time.Duration(float64(time.Second) / s.cfg.Rate)
	ticker := clock.NewTicker(interval)
	defer ticker.Stop()

	log := monitoring.WithComponent("synthetic")
	log.Infof("Generating %d landmarks at %.1f Hz (image=%t)", pose.NumLandmarks, s.cfg.Rate, s.cfg.WithImage)

	generated := 0
	for count <= 0 || generated < count {
		select {
		case <-ctx.Done():
			return generated, ctx.Err()
		case <-ticker.C():
		}
		p, err := s.Next()
		if err != nil {
			return generated, err
		}
		data, err := pose.EncodePacket(p)
		if err != nil {
			return generated, fmt.Errorf("failed to encode packet: %w", err)
		}
		sink.SendAsync(data)
		generated++
	}
	return generated, nil
}
