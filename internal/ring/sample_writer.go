package ring

import (
	"fmt"
	"log/slog"

	"github.com/zsiec/flowbridge/internal/clock"
	"github.com/zsiec/flowbridge/internal/flow"
)

// Chunk is one committed sub-chunk of a sample write.
type Chunk struct {
	Index  uint64
	Frames int
}

// SampleWrite reports the outcome of one SampleWriter.Write.
type SampleWrite struct {
	Start  uint64
	Frames int
	Chunks []Chunk
	// Anchored is set on the write that chose the starting index.
	Anchored bool
}

// SampleWriter de-interleaves pipeline audio into a continuous flow's planar
// ring. Each write is split into chunks of at most half the ring so a chunk
// never laps the ring before it commits.
type SampleWriter struct {
	log    *slog.Logger
	handle flow.SamplesWriter
	tr     *clock.Translator
	info   flow.Info

	next    uint64
	started bool
}

// NewSampleWriter binds a writer to handle.
func NewSampleWriter(handle flow.SamplesWriter, tr *clock.Translator, log *slog.Logger) (*SampleWriter, error) {
	if log == nil {
		log = slog.Default()
	}
	info := handle.Info()
	if info.Channels <= 0 || info.BytesPerSample <= 0 || info.BufferLength < 2 {
		return nil, fmt.Errorf("sample writer: channels=%d bytes/sample=%d ring=%d: %w",
			info.Channels, info.BytesPerSample, info.BufferLength, flow.ErrInvalidGeometry)
	}
	return &SampleWriter{
		log:    log,
		handle: handle,
		tr:     tr,
		info:   info,
	}, nil
}

// NextIndex returns the index the next write starts at, and whether it has
// been chosen yet.
func (w *SampleWriter) NextIndex() (uint64, bool) {
	return w.next, w.started
}

// MaxChunk returns the largest number of frames committed at once.
func (w *SampleWriter) MaxChunk() int {
	return int(w.info.BufferLength / 2)
}

// Write commits the interleaved sample-frames in data. Trailing bytes that do
// not form a whole frame are dropped.
func (w *SampleWriter) Write(data []byte) (SampleWrite, error) {
	var res SampleWrite

	if !w.started {
		current, err := w.tr.CurrentIndex(w.info.Rate)
		if err != nil {
			return res, err
		}
		w.next = current
		w.started = true
		res.Anchored = true
	}

	channels := w.info.Channels
	bps := w.info.BytesPerSample
	stride := channels * bps
	total := len(data) / stride
	if rem := len(data) % stride; rem != 0 {
		w.log.Debug("dropping partial sample-frame", "bytes", rem)
	}

	res.Start = w.next
	res.Frames = total

	maxChunk := w.MaxChunk()
	remaining := total
	srcFrame := 0
	for remaining > 0 {
		n := min(remaining, maxChunk)
		if err := w.writeChunk(w.next, data[srcFrame*stride:(srcFrame+n)*stride], n); err != nil {
			return res, err
		}
		res.Chunks = append(res.Chunks, Chunk{Index: w.next, Frames: n})
		w.log.Debug("committed sample chunk", "index", w.next, "frames", n)

		w.next += uint64(n)
		srcFrame += n
		remaining -= n
	}
	return res, nil
}

func (w *SampleWriter) writeChunk(index uint64, src []byte, frames int) error {
	win, err := w.handle.OpenSamples(index, frames)
	if err != nil {
		return &flow.OpError{Op: "open samples", FlowID: w.info.ID, Err: err}
	}
	for ch := 0; ch < w.info.Channels; ch++ {
		planes, err := win.Channel(ch)
		if err != nil {
			return &flow.OpError{Op: "channel planes", FlowID: w.info.ID, Err: err}
		}
		if placed := deinterleave(planes, src, ch, w.info.Channels, w.info.BytesPerSample, frames); placed != frames {
			return &flow.OpError{
				Op:     "write samples",
				FlowID: w.info.ID,
				Err:    fmt.Errorf("channel %d placed %d of %d frames: %w", ch, placed, frames, flow.ErrInvalidGeometry),
			}
		}
	}
	if err := win.Commit(); err != nil {
		return &flow.OpError{Op: "commit samples", FlowID: w.info.ID, Err: err}
	}
	return nil
}
