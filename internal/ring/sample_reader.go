package ring

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/zsiec/flowbridge/internal/clock"
	"github.com/zsiec/flowbridge/internal/flow"
	"github.com/zsiec/flowbridge/internal/media"
)

// SampleReader pulls fixed-size batches of sample-frames and re-interleaves
// them. It waits briefly for the producer when ahead of the ring head and
// jumps forward, resyncing the anchor, when the data it wants has been or is
// about to be overwritten.
type SampleReader struct {
	log     *slog.Logger
	handle  flow.SamplesReader
	tr      *clock.Translator
	anchor  *clock.Anchor
	running clock.RunningClock
	info    flow.Info
	opts    ReaderOptions

	batch   uint64
	index   uint64
	batches uint64
	started bool
	discont bool
}

// BatchSize returns min(preferred, ring/2, engine hint).
func BatchSize(info flow.Info, preferred uint32) uint64 {
	b := uint64(preferred)
	b = min(b, info.BufferLength/2)
	if info.BatchHint > 0 {
		b = min(b, uint64(info.BatchHint))
	}
	return b
}

// NewSampleReader binds a reader to handle. anchor is owned by the caller's
// session; its Index holds engine time.
func NewSampleReader(handle flow.SamplesReader, tr *clock.Translator, anchor *clock.Anchor,
	running clock.RunningClock, opts ReaderOptions, log *slog.Logger,
) (*SampleReader, error) {
	if log == nil {
		log = slog.Default()
	}
	opts = opts.withDefaults()
	info := handle.Info()
	batch := BatchSize(info, opts.BatchSize)
	if batch == 0 || info.Channels <= 0 || info.BytesPerSample <= 0 {
		return nil, fmt.Errorf("sample reader: batch=%d channels=%d bytes/sample=%d: %w",
			batch, info.Channels, info.BytesPerSample, flow.ErrInvalidGeometry)
	}
	return &SampleReader{
		log:     log,
		handle:  handle,
		tr:      tr,
		anchor:  anchor,
		running: running,
		info:    info,
		opts:    opts,
		batch:   batch,
	}, nil
}

// Batch returns the number of sample-frames read per cycle.
func (r *SampleReader) Batch() uint64 {
	return r.batch
}

// Index returns the next sample-frame index to be read.
func (r *SampleReader) Index() uint64 {
	return r.index
}

// Read runs one cycle.
func (r *SampleReader) Read(ctx context.Context) (ReadResult, error) {
	var res ReadResult

	running := r.running.RunningTime()
	head, err := r.head()
	if err != nil {
		return res, err
	}

	if !r.started {
		now, err := r.tr.EngineTime()
		if err != nil {
			return res, err
		}
		res.Anchored = r.anchor.Establish(uint64(now), running)
		r.index = satSub(head, r.batch)
		r.batches = 0
		r.started = true
	}

	start := time.Now()
	head, err = r.waitForProducer(ctx, head)
	res.Waited = time.Since(start)
	if err != nil {
		return res, err
	}

	if r.catchUp(head) {
		now, err := r.tr.EngineTime()
		if err != nil {
			return res, err
		}
		r.anchor.Resync(uint64(now), running)
		r.batches = 0
		r.discont = true
		res.CaughtUp = true
	}
	res.Index = r.index

	samples, err := r.handle.ReadSamples(ctx, r.index, int(r.batch), r.opts.SampleTimeout)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return res, ctxErr
		}
		r.log.Debug("sample read produced no data", "index", r.index, "batch", r.batch, "error", err)
		return res, nil
	}

	data := make([]byte, int(r.batch)*r.info.Channels*r.info.BytesPerSample)
	if err := interleave(data, samples, r.info.BytesPerSample); err != nil {
		return res, &flow.OpError{Op: "read samples", FlowID: r.info.ID, Err: err}
	}

	span, err := r.tr.Span(r.index, r.batch, r.info.Rate)
	if err != nil {
		return res, err
	}
	r.anchor.Advance(uint64(span))

	elapsed, err := r.tr.Elapsed(r.batches*r.batch, r.info.Rate)
	if err != nil {
		return res, err
	}
	pts, corrected := r.anchor.CorrectedPTS(elapsed, running)
	res.Corrected = corrected

	res.Buffer = &media.Buffer{
		PTS:      pts,
		Duration: span,
		Discont:  r.discont,
		Index:    r.index,
		Data:     data,
	}
	r.discont = false
	r.batches++
	r.index += r.batch
	return res, nil
}

func (r *SampleReader) head() (uint64, error) {
	head, err := r.handle.HeadIndex()
	if err != nil {
		return 0, &flow.OpError{Op: "head index", FlowID: r.info.ID, Err: fmt.Errorf("%w: %w", flow.ErrEngineUnavailable, err)}
	}
	return head, nil
}

// waitForProducer polls the head until a whole batch is available at the read
// index or the producer budget runs out. Running out is not an error; the
// read that follows carries its own timeout.
func (r *SampleReader) waitForProducer(ctx context.Context, head uint64) (uint64, error) {
	if r.index+r.batch <= head {
		return head, nil
	}
	budget := time.NewTimer(r.opts.ProducerBudget)
	defer budget.Stop()
	poll := time.NewTicker(r.opts.PollInterval)
	defer poll.Stop()

	for r.index+r.batch > head {
		select {
		case <-ctx.Done():
			return head, ctx.Err()
		case <-budget.C:
			r.log.Debug("producer did not catch up within budget",
				"index", r.index, "batch", r.batch, "head", head)
			return head, nil
		case <-poll.C:
			h, err := r.head()
			if err != nil {
				return head, err
			}
			head = h
		}
	}
	return head, nil
}

// catchUp moves the read index to two batches behind head when it has fallen
// out of the ring's retained window, and reports whether it did.
func (r *SampleReader) catchUp(head uint64) bool {
	oldest := satSub(head, satSub(r.info.BufferLength, r.batch))
	if r.index >= oldest {
		return false
	}
	target := satSub(head, 2*r.batch)
	r.log.Debug("reader fell out of ring window, catching up",
		"index", r.index, "oldest", oldest, "target", target, "head", head,
		"ring", r.info.BufferLength)
	r.index = target
	return true
}

func satSub(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}
