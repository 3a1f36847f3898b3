package pipeline

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/zsiec/flowbridge/internal/clock"
	"github.com/zsiec/flowbridge/internal/flow"
	"github.com/zsiec/flowbridge/internal/media"
)

// DefaultToneHz is the audio generator's default sine frequency.
const DefaultToneHz = 440

// GeneratorConfig describes the signal a Generator produces.
type GeneratorConfig struct {
	Kind flow.Kind
	Rate flow.Rate

	// FrameSize is the video frame payload size in bytes.
	FrameSize int

	// Layout is the interleaved audio format. Samples are little-endian
	// float32, so BytesPerSample must be 4.
	Layout media.AudioLayout
	// FramesPerBuffer is the number of sample-frames per audio buffer.
	// Zero means 10ms worth.
	FramesPerBuffer int
	// ToneHz is the sine frequency. Zero means DefaultToneHz.
	ToneHz float64
}

// Generator paces a test signal into a sink in real time. Video frames carry
// a moving ramp; audio buffers carry a continuous sine on every channel.
// Every buffer is stamped with the running time at which it is emitted.
type Generator struct {
	cfg     GeneratorConfig
	sink    Sink
	running clock.RunningClock
	log     *slog.Logger
	period  time.Duration

	frame uint64
	phase float64

	sent   atomic.Int64
	failed atomic.Int64
}

// NewGenerator validates cfg and returns a generator writing to sink.
func NewGenerator(cfg GeneratorConfig, sink Sink, running clock.RunningClock, log *slog.Logger) (*Generator, error) {
	if !cfg.Rate.Valid() {
		return nil, fmt.Errorf("generator: %w", flow.ErrInvalidRate)
	}
	units := uint64(1)
	switch cfg.Kind {
	case flow.KindVideo:
		if cfg.FrameSize <= 0 {
			return nil, fmt.Errorf("generator: frame size %d: %w", cfg.FrameSize, flow.ErrInvalidGeometry)
		}
	case flow.KindAudio:
		if cfg.Layout.Channels <= 0 || cfg.Layout.BytesPerSample != 4 {
			return nil, fmt.Errorf("generator: %d channels of %d-byte samples: %w",
				cfg.Layout.Channels, cfg.Layout.BytesPerSample, flow.ErrInvalidGeometry)
		}
		if cfg.FramesPerBuffer <= 0 {
			cfg.FramesPerBuffer = max(1, int(cfg.Rate.Num/cfg.Rate.Den/100))
		}
		if cfg.ToneHz <= 0 {
			cfg.ToneHz = DefaultToneHz
		}
		units = uint64(cfg.FramesPerBuffer)
	default:
		return nil, fmt.Errorf("generator: unknown kind %d", cfg.Kind)
	}
	if running == nil {
		running = clock.NewSystemClock()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Generator{
		cfg:     cfg,
		sink:    sink,
		running: running,
		log:     log.With("component", "generator", "session", sink.Name()),
		period:  time.Duration(units * uint64(time.Second) * uint64(cfg.Rate.Den) / uint64(cfg.Rate.Num)),
	}, nil
}

// Period returns the interval between buffers.
func (g *Generator) Period() time.Duration {
	return g.period
}

// Sent returns the number of buffers the sink accepted.
func (g *Generator) Sent() int64 {
	return g.sent.Load()
}

// Next builds the next buffer of the signal. It is not safe for concurrent
// use with Run.
func (g *Generator) Next() *media.Buffer {
	buf := &media.Buffer{
		PTS:      g.running.RunningTime(),
		Duration: g.period,
	}
	if g.cfg.Kind == flow.KindVideo {
		buf.Data = g.videoFrame()
	} else {
		buf.Data = g.audioFrames()
	}
	g.frame++
	return buf
}

func (g *Generator) videoFrame() []byte {
	data := make([]byte, g.cfg.FrameSize)
	shift := byte(g.frame)
	for i := range data {
		data[i] = byte(i) + shift
	}
	return data
}

func (g *Generator) audioFrames() []byte {
	channels := g.cfg.Layout.Channels
	data := make([]byte, g.cfg.FramesPerBuffer*g.cfg.Layout.FrameBytes())
	step := 2 * math.Pi * g.cfg.ToneHz * float64(g.cfg.Rate.Den) / float64(g.cfg.Rate.Num)
	off := 0
	for range g.cfg.FramesPerBuffer {
		bits := math.Float32bits(float32(0.5 * math.Sin(g.phase)))
		for range channels {
			binary.LittleEndian.PutUint32(data[off:], bits)
			off += 4
		}
		g.phase = math.Mod(g.phase+step, 2*math.Pi)
	}
	return data
}

// Run writes one buffer per period until ctx is done or the sink stops.
// Write errors other than a stopped session are logged and counted; the
// signal keeps flowing, as a live source would.
func (g *Generator) Run(ctx context.Context) error {
	ticker := time.NewTicker(g.period)
	defer ticker.Stop()

	g.log.Info("generator started", "kind", g.cfg.Kind, "rate", g.cfg.Rate, "period", g.period)
	for {
		select {
		case <-ctx.Done():
			g.log.Info("generator stopped", "sent", g.sent.Load(), "failed", g.failed.Load())
			return nil
		case <-ticker.C:
		}

		err := g.sink.Write(g.Next())
		switch {
		case err == nil:
			g.sent.Add(1)
		case errors.Is(err, flow.ErrSessionNotActive):
			g.log.Info("sink no longer active", "sent", g.sent.Load())
			return nil
		case errors.Is(err, flow.ErrInvalidRate), errors.Is(err, flow.ErrEngineUnavailable):
			return fmt.Errorf("generator %s: %w", g.sink.Name(), err)
		default:
			g.failed.Add(1)
			g.log.Debug("write failed", "error", err)
		}
	}
}
