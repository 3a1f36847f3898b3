package memflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/zsiec/flowbridge/internal/flow"
)

// continuousFlow keeps one planar ring of BufferLength samples per channel.
// Sample i of a channel lives at byte (i % BufferLength) * BytesPerSample.
type continuousFlow struct {
	meta flow.Info

	mu       sync.Mutex
	channels [][]byte
	head     uint64 // one past the newest committed sample-frame
	bc       broadcast
}

func newContinuous(info flow.Info) *continuousFlow {
	f := &continuousFlow{
		meta:     info,
		channels: make([][]byte, info.Channels),
		bc:       newBroadcast(),
	}
	for i := range f.channels {
		f.channels[i] = make([]byte, int(info.BufferLength)*info.BytesPerSample)
	}
	return f
}

func (f *continuousFlow) info() flow.Info {
	return f.meta
}

func (f *continuousFlow) headIndex() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head
}

// split returns the byte offset of index in a channel ring and how many
// bytes of a count-frame access land before and after the wrap.
func (f *continuousFlow) split(index uint64, count int) (start, first, second int) {
	length := f.meta.BufferLength
	bps := f.meta.BytesPerSample
	pos := index % length
	firstFrames := min(uint64(count), length-pos)
	return int(pos) * bps, int(firstFrames) * bps, (count - int(firstFrames)) * bps
}

func (f *continuousFlow) checkCount(op string, count int) error {
	if count <= 0 || uint64(count) > f.meta.BufferLength {
		return &flow.OpError{Op: op, FlowID: f.meta.ID,
			Err: fmt.Errorf("count %d for ring of %d: %w", count, f.meta.BufferLength, flow.ErrOutOfRange)}
	}
	return nil
}

// planes splits a contiguous per-channel buffer the way an access at index
// would be split by the ring.
func (f *continuousFlow) planes(buf []byte, index uint64, count int) flow.Planes {
	_, first, _ := f.split(index, count)
	return flow.Planes{First: buf[:first], Second: buf[first:]}
}

func (f *continuousFlow) commit(index uint64, count int, staged [][]byte) {
	start, first, second := f.split(index, count)

	f.mu.Lock()
	defer f.mu.Unlock()
	for ch, ring := range f.channels {
		copy(ring[start:start+first], staged[ch][:first])
		copy(ring[:second], staged[ch][first:first+second])
	}
	if end := index + uint64(count); end > f.head {
		f.head = end
	}
	f.bc.signal()
}

// read copies [index, index+count) of every channel into scratch once the
// producer's head covers it.
func (f *continuousFlow) read(ctx context.Context, index uint64, count int, timeout time.Duration, scratch [][]byte) (flow.Samples, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	start, first, second := f.split(index, count)
	end := index + uint64(count)

	for {
		f.mu.Lock()
		if f.head >= end {
			if index+f.meta.BufferLength < f.head {
				f.mu.Unlock()
				return flow.Samples{}, &flow.OpError{Op: "read samples", FlowID: f.meta.ID,
					Err: fmt.Errorf("index %d overwritten, head %d: %w", index, f.head, flow.ErrOutOfRange)}
			}
			out := flow.Samples{Index: index, Count: count, Channels: make([]flow.Planes, len(f.channels))}
			for ch, ring := range f.channels {
				buf := scratch[ch][:first+second]
				copy(buf[:first], ring[start:start+first])
				copy(buf[first:], ring[:second])
				out.Channels[ch] = flow.Planes{First: buf[:first], Second: buf[first:]}
			}
			f.mu.Unlock()
			return out, nil
		}
		ch := f.bc.ch
		f.mu.Unlock()

		if err := wait(ctx, ch, deadline); err != nil {
			return flow.Samples{}, err
		}
	}
}

type samplesWriter struct {
	handle
	ring *continuousFlow
}

func (w *samplesWriter) OpenSamples(index uint64, count int) (flow.SamplesWindow, error) {
	if err := w.check("open samples"); err != nil {
		return nil, err
	}
	if err := w.ring.checkCount("open samples", count); err != nil {
		return nil, err
	}
	staged := make([][]byte, w.flowInfo.Channels)
	for ch := range staged {
		staged[ch] = make([]byte, count*w.flowInfo.BytesPerSample)
	}
	return &samplesWindow{writer: w, index: index, count: count, staged: staged}, nil
}

// samplesWindow stages one access per channel and publishes on Commit. Its
// planes split where the ring would wrap.
type samplesWindow struct {
	writer *samplesWriter
	index  uint64
	count  int
	staged [][]byte
	done   bool
}

func (s *samplesWindow) Channel(ch int) (flow.Planes, error) {
	if ch < 0 || ch >= len(s.staged) {
		return flow.Planes{}, &flow.OpError{Op: "channel planes", FlowID: s.writer.flowInfo.ID,
			Err: fmt.Errorf("channel %d of %d: %w", ch, len(s.staged), flow.ErrChannelOutOfBounds)}
	}
	return s.writer.ring.planes(s.staged[ch], s.index, s.count), nil
}

func (s *samplesWindow) Commit() error {
	if err := s.writer.check("commit samples"); err != nil {
		return err
	}
	if s.done {
		return &flow.OpError{Op: "commit samples", FlowID: s.writer.flowInfo.ID, Err: flow.ErrHandleReleased}
	}
	s.done = true
	s.writer.ring.commit(s.index, s.count, s.staged)
	return nil
}

type samplesReader struct {
	handle
	ring    *continuousFlow
	scratch [][]byte
}

func (r *samplesReader) HeadIndex() (uint64, error) {
	if err := r.check("head index"); err != nil {
		return 0, err
	}
	return r.ring.headIndex(), nil
}

func (r *samplesReader) ReadSamples(ctx context.Context, index uint64, count int, timeout time.Duration) (flow.Samples, error) {
	if err := r.check("read samples"); err != nil {
		return flow.Samples{}, err
	}
	if err := r.ring.checkCount("read samples", count); err != nil {
		return flow.Samples{}, err
	}
	need := count * r.flowInfo.BytesPerSample
	if len(r.scratch) != r.flowInfo.Channels || cap(r.scratch[0]) < need {
		r.scratch = make([][]byte, r.flowInfo.Channels)
		for ch := range r.scratch {
			r.scratch[ch] = make([]byte, need)
		}
	}
	return r.ring.read(ctx, index, count, timeout, r.scratch)
}
