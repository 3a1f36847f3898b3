package pipeline

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/zsiec/flowbridge/internal/clock"
	"github.com/zsiec/flowbridge/internal/flow"
	"github.com/zsiec/flowbridge/internal/media"
)

var errNotActive = &flow.OpError{Op: "read", Err: flow.ErrSessionNotActive}

func audioConfig() GeneratorConfig {
	return GeneratorConfig{
		Kind:   flow.KindAudio,
		Rate:   flow.RateAudio48,
		Layout: media.AudioLayout{Channels: 2, BytesPerSample: 4},
	}
}

func TestNewGeneratorValidation(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	tests := []struct {
		name string
		cfg  GeneratorConfig
		want error
	}{
		{"zero rate", GeneratorConfig{Kind: flow.KindVideo, FrameSize: 8}, flow.ErrInvalidRate},
		{"no frame size", GeneratorConfig{Kind: flow.KindVideo, Rate: flow.Rate25}, flow.ErrInvalidGeometry},
		{"16-bit audio", GeneratorConfig{Kind: flow.KindAudio, Rate: flow.RateAudio48,
			Layout: media.AudioLayout{Channels: 2, BytesPerSample: 2}}, flow.ErrInvalidGeometry},
	}
	for _, tt := range tests {
		if _, err := NewGenerator(tt.cfg, sink, nil, nil); !errors.Is(err, tt.want) {
			t.Errorf("%s: got %v, want %v", tt.name, err, tt.want)
		}
	}
}

func TestGeneratorPeriod(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  GeneratorConfig
		want time.Duration
	}{
		{"25fps", GeneratorConfig{Kind: flow.KindVideo, Rate: flow.Rate25, FrameSize: 4}, 40 * time.Millisecond},
		{"29.97fps", GeneratorConfig{Kind: flow.KindVideo, Rate: flow.Rate29_97, FrameSize: 4}, 33366666 * time.Nanosecond},
		{"48kHz default", audioConfig(), 10 * time.Millisecond},
	}
	for _, tt := range tests {
		g, err := NewGenerator(tt.cfg, &recordingSink{}, nil, nil)
		if err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		if got := g.Period(); got != tt.want {
			t.Errorf("%s: period = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestGeneratorVideoFrames(t *testing.T) {
	t.Parallel()

	rc := &clock.ManualClock{}
	g, err := NewGenerator(GeneratorConfig{Kind: flow.KindVideo, Rate: flow.Rate25, FrameSize: 6}, &recordingSink{}, rc, nil)
	if err != nil {
		t.Fatal(err)
	}

	rc.Set(time.Second)
	first := g.Next()
	rc.Advance(40 * time.Millisecond)
	second := g.Next()

	if first.PTS != time.Second || second.PTS != time.Second+40*time.Millisecond {
		t.Errorf("pts: got %v, %v", first.PTS, second.PTS)
	}
	if len(first.Data) != 6 || first.Data[0] != 0 || second.Data[0] != 1 || second.Data[5] != 6 {
		t.Errorf("pattern: got %v then %v", first.Data, second.Data)
	}
}

func TestGeneratorSineIsContinuous(t *testing.T) {
	t.Parallel()

	g, err := NewGenerator(audioConfig(), &recordingSink{}, &clock.ManualClock{}, nil)
	if err != nil {
		t.Fatal(err)
	}

	var samples []float32
	for range 3 {
		buf := g.Next()
		if len(buf.Data) != 480*8 {
			t.Fatalf("buffer size = %d, want %d", len(buf.Data), 480*8)
		}
		for off := 0; off < len(buf.Data); off += 8 {
			left := math.Float32frombits(binary.LittleEndian.Uint32(buf.Data[off:]))
			right := math.Float32frombits(binary.LittleEndian.Uint32(buf.Data[off+4:]))
			if left != right {
				t.Fatalf("channels differ at byte %d: %v != %v", off, left, right)
			}
			samples = append(samples, left)
		}
	}

	// 440Hz at 48kHz moves at most 0.5*2*pi*440/48000 per sample.
	maxStep := 0.5*2*math.Pi*440/48000 + 1e-6
	for i := 1; i < len(samples); i++ {
		if d := math.Abs(float64(samples[i] - samples[i-1])); d > maxStep {
			t.Fatalf("sample %d jumps by %v, max %v", i, d, maxStep)
		}
	}
}

func TestGeneratorRunPacesAndStops(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	g, err := NewGenerator(audioConfig(), sink, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	if err := g.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n := sink.count(); n == 0 || n > 11 {
		t.Errorf("sent %d buffers in 100ms at 10ms pacing", n)
	}
	if g.Sent() != int64(sink.count()) {
		t.Errorf("Sent() = %d, want %d", g.Sent(), sink.count())
	}
}

func TestGeneratorStopsWithSink(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{err: errNotActive}
	g, err := NewGenerator(audioConfig(), sink, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := g.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if ctx.Err() != nil {
		t.Error("Run should return as soon as the sink is stopped")
	}
}

func TestGeneratorEngineFailureIsFatal(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{err: flow.ErrEngineUnavailable}
	g, err := NewGenerator(audioConfig(), sink, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := g.Run(context.Background()); !errors.Is(err, flow.ErrEngineUnavailable) {
		t.Fatalf("got %v, want ErrEngineUnavailable", err)
	}
}
