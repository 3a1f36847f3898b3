package ring

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/zsiec/flowbridge/internal/clock"
	"github.com/zsiec/flowbridge/internal/flow"
	"github.com/zsiec/flowbridge/internal/memflow"
)

// engineTime is a settable engine clock for memflow domains.
type engineTime struct {
	ns atomic.Int64
}

func newEngineTime(ns int64) *engineTime {
	e := &engineTime{}
	e.ns.Store(ns)
	return e
}

func (e *engineTime) now() int64 { return e.ns.Load() }

func (e *engineTime) set(ns int64) { e.ns.Store(ns) }

func newDomain(e *engineTime) (*memflow.Domain, *clock.Translator) {
	d := memflow.NewDomain("ring-test", memflow.WithTimeSource(e.now))
	return d, clock.NewTranslator(d)
}

// fakeClock implements flow.Clock on the reference bijection.
type fakeClock struct {
	now int64
}

func (c *fakeClock) TimestampToIndex(ts int64, rate flow.Rate) (uint64, error) {
	return flow.TimestampToIndex(ts, rate)
}

func (c *fakeClock) IndexToTimestamp(index uint64, rate flow.Rate) (int64, error) {
	return flow.IndexToTimestamp(index, rate)
}

func (c *fakeClock) CurrentIndex(rate flow.Rate) (uint64, error) {
	return flow.TimestampToIndex(c.now, rate)
}

func (c *fakeClock) Time() (int64, error) {
	return c.now, nil
}

// splitWriter is a SamplesWriter whose windows split each channel after a
// fixed number of bytes, so placement across the two planes can be
// inspected.
type splitWriter struct {
	info       flow.Info
	firstBytes func(index uint64, count int) int

	mu      sync.Mutex
	windows []*splitWindow
}

type splitWindow struct {
	index     uint64
	count     int
	channels  []flow.Planes
	committed bool
}

func (w *splitWriter) Info() flow.Info { return w.info }
func (w *splitWriter) Release() error  { return nil }

func (w *splitWriter) OpenSamples(index uint64, count int) (flow.SamplesWindow, error) {
	total := count * w.info.BytesPerSample
	first := min(w.firstBytes(index, count), total)
	win := &splitWindow{index: index, count: count}
	for range w.info.Channels {
		win.channels = append(win.channels, flow.Planes{
			First:  make([]byte, first),
			Second: make([]byte, total-first),
		})
	}
	w.mu.Lock()
	w.windows = append(w.windows, win)
	w.mu.Unlock()
	return win, nil
}

func (w *splitWindow) Channel(ch int) (flow.Planes, error) {
	if ch >= len(w.channels) {
		return flow.Planes{}, flow.ErrChannelOutOfBounds
	}
	return w.channels[ch], nil
}

func (w *splitWindow) Commit() error {
	w.committed = true
	return nil
}

// ringSplit splits an access the way a ring of length frames would.
func ringSplit(length uint64, bps int) func(uint64, int) int {
	return func(index uint64, count int) int {
		room := int(length - index%length)
		return min(room, count) * bps
	}
}

// headReader is a SamplesReader with a scripted head. Reads of available
// ranges return zeroed planes; anything else times out.
type headReader struct {
	info flow.Info
	head atomic.Uint64
	// step is added to head on every HeadIndex call.
	step  uint64
	reads atomic.Int64
}

func (r *headReader) Info() flow.Info { return r.info }
func (r *headReader) Release() error  { return nil }

func (r *headReader) HeadIndex() (uint64, error) {
	return r.head.Add(r.step), nil
}

func (r *headReader) ReadSamples(_ context.Context, index uint64, count int, _ time.Duration) (flow.Samples, error) {
	r.reads.Add(1)
	if index+uint64(count) > r.head.Load() {
		return flow.Samples{}, flow.ErrTimeout
	}
	s := flow.Samples{Index: index, Count: count}
	for range r.info.Channels {
		s.Channels = append(s.Channels, flow.Planes{First: make([]byte, count*r.info.BytesPerSample)})
	}
	return s, nil
}

func catchUpInfo() flow.Info {
	return flow.Info{
		ID:             uuid.MustParse("6f1c1f0e-4a43-4c1b-9e34-2c1a2f7d8b10"),
		Kind:           flow.KindAudio,
		Rate:           flow.RateAudio48,
		Channels:       2,
		BytesPerSample: 4,
		BufferLength:   4096,
		BatchHint:      480,
	}
}
