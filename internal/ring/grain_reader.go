package ring

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/zsiec/flowbridge/internal/clock"
	"github.com/zsiec/flowbridge/internal/flow"
	"github.com/zsiec/flowbridge/internal/media"
)

// GrainReader pulls one grain per cycle. The target index is the anchor index
// plus the number of frames emitted; timestamps follow the same count on the
// running-time side of the anchor.
type GrainReader struct {
	log     *slog.Logger
	handle  flow.GrainReader
	tr      *clock.Translator
	anchor  *clock.Anchor
	running clock.RunningClock
	info    flow.Info
	timeout time.Duration

	frames  uint64
	discont bool
}

// NewGrainReader binds a reader to handle. anchor is owned by the caller's
// session.
func NewGrainReader(handle flow.GrainReader, tr *clock.Translator, anchor *clock.Anchor,
	running clock.RunningClock, opts ReaderOptions, log *slog.Logger,
) *GrainReader {
	if log == nil {
		log = slog.Default()
	}
	opts = opts.withDefaults()
	return &GrainReader{
		log:     log,
		handle:  handle,
		tr:      tr,
		anchor:  anchor,
		running: running,
		info:    handle.Info(),
		timeout: opts.GrainTimeout,
	}
}

// Frames returns how many grains have been emitted.
func (r *GrainReader) Frames() uint64 {
	return r.frames
}

// Read runs one cycle. A grain that times out or fails to read yields an
// empty result; a grain flagged invalid yields flow.ErrInvalidContent.
func (r *GrainReader) Read(ctx context.Context) (ReadResult, error) {
	var res ReadResult

	running := r.running.RunningTime()
	current, err := r.tr.CurrentIndex(r.info.Rate)
	if err != nil {
		return res, err
	}
	res.Anchored = r.anchor.Establish(current, running)

	target := r.anchor.Index + r.frames
	if target < current {
		r.log.Debug("reader behind live index, skipping ahead",
			"target", target, "current", current, "lag", current-target)
		r.anchor.Index = current - r.frames
		target = current
		r.discont = true
		res.CaughtUp = true
	}
	res.Index = target

	elapsed, err := r.tr.Elapsed(r.frames, r.info.Rate)
	if err != nil {
		return res, err
	}
	next, err := r.tr.Elapsed(r.frames+1, r.info.Rate)
	if err != nil {
		return res, err
	}
	pts, corrected := r.anchor.CorrectedPTS(elapsed, running)
	res.Corrected = corrected

	start := time.Now()
	grain, err := r.handle.ReadGrain(ctx, target, r.timeout)
	res.Waited = time.Since(start)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return res, ctxErr
		}
		if !errors.Is(err, flow.ErrTimeout) {
			r.log.Debug("grain read failed", "index", target, "error", err)
		}
		return res, nil
	}
	if grain.Invalid() {
		return res, &flow.OpError{Op: "read grain", FlowID: r.info.ID, Err: flow.ErrInvalidContent}
	}

	res.Buffer = &media.Buffer{
		PTS:      pts,
		Duration: next - elapsed,
		Discont:  r.discont,
		Index:    target,
		Data:     grain.Payload,
	}
	r.discont = false
	r.frames++
	return res, nil
}
