package ring

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/zsiec/flowbridge/internal/clock"
	"github.com/zsiec/flowbridge/internal/flow"
	"github.com/zsiec/flowbridge/internal/media"
)

// GrainCommit reports where and how much of a buffer a GrainWriter committed.
type GrainCommit struct {
	Index  uint64
	Copied int
	Slices uint16
	// Clamped is set when the buffer's PTS mapped further ahead of the live
	// index than the ring can address.
	Clamped bool
	// Bumped is set when the mapped index did not advance past the previous
	// commit and was moved to the next free index.
	Bumped bool
	// Anchored is set on the commit that captured the writer's anchor.
	Anchored bool
	// Dropped is set when bumping would have moved the grain past the
	// writable window. Nothing was committed and Index is the rejected index.
	Dropped bool
}

// GrainWriter commits one pipeline buffer per grain. The commit index comes
// from the buffer PTS mapped into engine time through an offset captured once
// on the first write; buffers without PTS go to the live index.
type GrainWriter struct {
	log    *slog.Logger
	handle flow.GrainWriter
	tr     *clock.Translator
	anchor *clock.Anchor
	info   flow.Info

	last      uint64
	committed bool
}

// NewGrainWriter binds a writer to handle. anchor is owned by the caller's
// session; its Index holds engine time and Time holds running time.
func NewGrainWriter(handle flow.GrainWriter, tr *clock.Translator, anchor *clock.Anchor, log *slog.Logger) *GrainWriter {
	if log == nil {
		log = slog.Default()
	}
	return &GrainWriter{
		log:    log,
		handle: handle,
		tr:     tr,
		anchor: anchor,
		info:   handle.Info(),
	}
}

// LastIndex returns the most recently committed index and whether any commit
// happened yet.
func (w *GrainWriter) LastIndex() (uint64, bool) {
	return w.last, w.committed
}

// Write maps buf onto a grain index and commits it. running is the pipeline's
// running time at the call; it is only read when the anchor is captured.
func (w *GrainWriter) Write(buf *media.Buffer, running time.Duration) (GrainCommit, error) {
	var res GrainCommit

	if !w.anchor.IsSet() {
		now, err := w.tr.EngineTime()
		if err != nil {
			return res, err
		}
		res.Anchored = w.anchor.Establish(uint64(now), running)
	}

	current, err := w.tr.CurrentIndex(w.info.Rate)
	if err != nil {
		return res, err
	}
	index, clamped, err := w.targetIndex(buf, current)
	if err != nil {
		return res, err
	}
	res.Clamped = clamped

	if w.committed && index <= w.last {
		w.log.Debug("grain index did not advance, bumping",
			"mapped", index, "last", w.last)
		index = w.last + 1
		res.Bumped = true
	}
	res.Index = index
	if w.beyondWindow(index, current) {
		w.log.Debug("bumped grain index beyond writable window, dropping",
			"index", index, "current", current, "window", w.info.GrainCount)
		res.Dropped = true
		return res, nil
	}

	win, err := w.handle.OpenGrain(index)
	if err != nil {
		return res, &flow.OpError{Op: "open grain", FlowID: w.info.ID, Err: err}
	}
	payload := win.Payload()
	res.Copied = copy(payload, buf.Data)
	res.Slices = populatedSlices(res.Copied, len(payload), win.TotalSlices())

	if err := win.Commit(res.Slices); err != nil {
		return res, &flow.OpError{Op: "commit grain", FlowID: w.info.ID, Err: err}
	}
	w.last = index
	w.committed = true
	return res, nil
}

// targetIndex maps the buffer PTS into the index domain, clamped to the
// grain window ahead of the live index.
func (w *GrainWriter) targetIndex(buf *media.Buffer, current uint64) (uint64, bool, error) {
	if !buf.HasPTS() {
		return current, false, nil
	}

	enginePTS := int64(w.anchor.Index) + int64(buf.PTS-w.anchor.Time)
	index, err := w.tr.TimestampToIndex(enginePTS, w.info.Rate)
	if err != nil {
		return 0, false, fmt.Errorf("map pts %v: %w", buf.PTS, err)
	}

	if w.beyondWindow(index, current) {
		w.log.Debug("grain index beyond writable window, clamping",
			"mapped", index, "current", current, "window", w.info.GrainCount)
		return current + uint64(w.info.GrainCount) - 1, true, nil
	}
	return index, false, nil
}

// beyondWindow reports whether index is further ahead of the live index than
// the ring can address.
func (w *GrainWriter) beyondWindow(index, current uint64) bool {
	return index > current && index-current > uint64(w.info.GrainCount)
}

// populatedSlices returns how many whole slices copied bytes cover in a
// payload of windowLen bytes split into total slices. A partially filled
// slice does not count.
func populatedSlices(copied, windowLen int, total uint16) uint16 {
	if total == 0 || windowLen == 0 || copied <= 0 {
		return 0
	}
	if copied >= windowLen {
		return total
	}
	return uint16(uint64(copied) * uint64(total) / uint64(windowLen))
}
