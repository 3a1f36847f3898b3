package memflow

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/zsiec/flowbridge/internal/flow"
)

type grainSlot struct {
	index     uint64
	payload   []byte
	valid     uint16
	flags     uint32
	committed bool
}

// discreteFlow is a ring of GrainCount grain slots; grain i lives in slot
// i % GrainCount.
type discreteFlow struct {
	meta flow.Info

	mu      sync.Mutex
	slots   []grainSlot
	head    uint64
	hasHead bool
	bc      broadcast
}

func newDiscrete(info flow.Info) *discreteFlow {
	f := &discreteFlow{
		meta:  info,
		slots: make([]grainSlot, info.GrainCount),
		bc:    newBroadcast(),
	}
	for i := range f.slots {
		f.slots[i].payload = make([]byte, info.GrainSize)
	}
	return f
}

func (f *discreteFlow) info() flow.Info {
	return f.meta
}

func (f *discreteFlow) slot(index uint64) *grainSlot {
	return &f.slots[index%uint64(len(f.slots))]
}

func (f *discreteFlow) headIndex() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head
}

// tooOld reports whether index already fell out of the ring. Caller holds mu.
func (f *discreteFlow) tooOld(index uint64) bool {
	return f.hasHead && index+uint64(len(f.slots)) <= f.head
}

func (f *discreteFlow) commit(index uint64, data []byte, valid uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tooOld(index) {
		return &flow.OpError{Op: "commit grain", FlowID: f.meta.ID,
			Err: fmt.Errorf("index %d behind head %d: %w", index, f.head, flow.ErrOutOfRange)}
	}
	s := f.slot(index)
	copy(s.payload, data)
	s.index = index
	s.valid = valid
	s.flags = 0
	s.committed = true
	if !f.hasHead || index > f.head {
		f.head = index
		f.hasHead = true
	}
	f.bc.signal()
	return nil
}

func (f *discreteFlow) setFlags(index uint64, flags uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.slot(index)
	if !s.committed || s.index != index {
		return &flow.OpError{Op: "set grain flags", FlowID: f.meta.ID, Err: flow.ErrOutOfRange}
	}
	s.flags |= flags
	f.bc.signal()
	return nil
}

// read waits for the complete grain at index. Grains flagged invalid are
// returned as soon as they are committed so the caller can reject them.
func (f *discreteFlow) read(ctx context.Context, index uint64, timeout time.Duration) (*flow.Grain, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		f.mu.Lock()
		s := f.slot(index)
		if s.committed && s.index == index &&
			(s.valid >= f.meta.TotalSlices || s.flags&flow.GrainFlagInvalid != 0) {
			g := &flow.Grain{
				Index:       index,
				Payload:     bytes.Clone(s.payload),
				ValidSlices: s.valid,
				TotalSlices: f.meta.TotalSlices,
				Flags:       s.flags,
			}
			f.mu.Unlock()
			return g, nil
		}
		if f.tooOld(index) || (s.committed && s.index > index) {
			f.mu.Unlock()
			return nil, &flow.OpError{Op: "read grain", FlowID: f.meta.ID,
				Err: fmt.Errorf("index %d overwritten: %w", index, flow.ErrOutOfRange)}
		}
		ch := f.bc.ch
		f.mu.Unlock()

		if err := wait(ctx, ch, deadline); err != nil {
			return nil, err
		}
	}
}

type grainWriter struct {
	handle
	ring *discreteFlow
}

func (w *grainWriter) OpenGrain(index uint64) (flow.GrainWindow, error) {
	if err := w.check("open grain"); err != nil {
		return nil, err
	}
	w.ring.mu.Lock()
	old := w.ring.tooOld(index)
	w.ring.mu.Unlock()
	if old {
		return nil, &flow.OpError{Op: "open grain", FlowID: w.flowInfo.ID,
			Err: fmt.Errorf("index %d: %w", index, flow.ErrOutOfRange)}
	}
	return &grainWindow{
		writer:  w,
		index:   index,
		payload: make([]byte, w.flowInfo.GrainSize),
	}, nil
}

// grainWindow stages the payload and publishes it to the ring on Commit.
type grainWindow struct {
	writer  *grainWriter
	index   uint64
	payload []byte
	done    bool
}

func (g *grainWindow) Payload() []byte {
	return g.payload
}

func (g *grainWindow) TotalSlices() uint16 {
	return g.writer.flowInfo.TotalSlices
}

func (g *grainWindow) Commit(validSlices uint16) error {
	if err := g.writer.check("commit grain"); err != nil {
		return err
	}
	if g.done {
		return &flow.OpError{Op: "commit grain", FlowID: g.writer.flowInfo.ID, Err: flow.ErrHandleReleased}
	}
	if validSlices > g.TotalSlices() {
		return &flow.OpError{Op: "commit grain", FlowID: g.writer.flowInfo.ID,
			Err: fmt.Errorf("%d of %d slices: %w", validSlices, g.TotalSlices(), flow.ErrInvalidGeometry)}
	}
	g.done = true
	return g.writer.ring.commit(g.index, g.payload, validSlices)
}

type grainReader struct {
	handle
	ring *discreteFlow
}

func (r *grainReader) ReadGrain(ctx context.Context, index uint64, timeout time.Duration) (*flow.Grain, error) {
	if err := r.check("read grain"); err != nil {
		return nil, err
	}
	return r.ring.read(ctx, index, timeout)
}

func (r *grainReader) HeadIndex() (uint64, error) {
	if err := r.check("head index"); err != nil {
		return 0, err
	}
	return r.ring.headIndex(), nil
}
