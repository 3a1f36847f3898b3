package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/zsiec/flowbridge/internal/flow"
	"github.com/zsiec/flowbridge/internal/media"
)

// Consumer receives every buffer a Pump reads. A non-nil error stops the
// pump.
type Consumer func(buf *media.Buffer) error

// Pump drives a source session: one Read per cycle, handing data to the
// consumer. After ReopenAfterEmpty consecutive empty cycles the source is
// reopened, rebuilding a reader whose producer went away.
type Pump struct {
	src         Source
	consume     Consumer
	reopenAfter int
	log         *slog.Logger

	buffers atomic.Int64
	bytes   atomic.Int64
	empty   atomic.Int64
	discont atomic.Int64
	reopens atomic.Int64
	lastPTS atomic.Int64
}

// PumpStats is a point-in-time view of a pump.
type PumpStats struct {
	Session         string `json:"session"`
	Buffers         int64  `json:"buffers"`
	Bytes           int64  `json:"bytes"`
	EmptyCycles     int64  `json:"emptyCycles"`
	Discontinuities int64  `json:"discontinuities"`
	Reopens         int64  `json:"reopens"`
	LastPTSNs       int64  `json:"lastPtsNs"`
}

// NewPump creates a pump. A nil consume discards buffers; reopenAfter <= 0
// disables reopening.
func NewPump(src Source, consume Consumer, reopenAfter int, log *slog.Logger) *Pump {
	if consume == nil {
		consume = func(*media.Buffer) error { return nil }
	}
	if log == nil {
		log = slog.Default()
	}
	p := &Pump{
		src:         src,
		consume:     consume,
		reopenAfter: reopenAfter,
		log:         log.With("component", "pump", "session", src.Name()),
	}
	p.lastPTS.Store(int64(media.NoPTS))
	return p
}

// Stats returns the pump's counters.
func (p *Pump) Stats() PumpStats {
	return PumpStats{
		Session:         p.src.Name(),
		Buffers:         p.buffers.Load(),
		Bytes:           p.bytes.Load(),
		EmptyCycles:     p.empty.Load(),
		Discontinuities: p.discont.Load(),
		Reopens:         p.reopens.Load(),
		LastPTSNs:       p.lastPTS.Load(),
	}
}

// Run reads until ctx is done or the source is stopped. Any other read,
// reopen or consumer error ends the pump and is returned.
func (p *Pump) Run(ctx context.Context) error {
	p.log.Info("pump started", "reopen_after_empty", p.reopenAfter)
	defer func() {
		p.log.Info("pump stopped", "buffers", p.buffers.Load(), "empty", p.empty.Load(), "reopens", p.reopens.Load())
	}()

	consecutive := 0
	for ctx.Err() == nil {
		buf, err := p.src.Read(ctx)
		if err != nil {
			if p.finished(ctx, err) {
				return nil
			}
			return fmt.Errorf("pump %s: read: %w", p.src.Name(), err)
		}

		if buf == nil {
			p.empty.Add(1)
			consecutive++
			if p.reopenAfter > 0 && consecutive >= p.reopenAfter {
				consecutive = 0
				if err := p.reopen(ctx); err != nil {
					if p.finished(ctx, err) {
						return nil
					}
					return fmt.Errorf("pump %s: reopen: %w", p.src.Name(), err)
				}
			}
			continue
		}

		consecutive = 0
		p.buffers.Add(1)
		p.bytes.Add(int64(len(buf.Data)))
		p.lastPTS.Store(int64(buf.PTS))
		if buf.Discont {
			p.discont.Add(1)
		}
		if err := p.consume(buf); err != nil {
			return fmt.Errorf("pump %s: consume: %w", p.src.Name(), err)
		}
	}
	return nil
}

func (p *Pump) reopen(ctx context.Context) error {
	p.log.Warn("no data from flow, reopening", "empty_cycles", p.reopenAfter)
	start := time.Now()
	if err := p.src.Reopen(ctx); err != nil {
		return err
	}
	p.reopens.Add(1)
	p.log.Info("flow reopened", "took", time.Since(start))
	return nil
}

// finished reports whether err only means the pump should stop.
func (p *Pump) finished(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, flow.ErrSessionNotActive)
}
