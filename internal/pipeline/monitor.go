package pipeline

import (
	"log/slog"
	"sync"
	"time"

	"github.com/zsiec/flowbridge/internal/media"
)

// Monitor is a Consumer that checks the timing of what a source session
// delivers: timestamps must never go backwards, and every gap should be
// flagged discontinuous.
type Monitor struct {
	log *slog.Logger

	mu          sync.Mutex
	last        time.Duration
	lastEnd     time.Duration
	seen        bool
	regressions int64
	unflagged   int64
}

// NewMonitor returns a monitor logging anomalies to log.
func NewMonitor(log *slog.Logger) *Monitor {
	if log == nil {
		log = slog.Default()
	}
	return &Monitor{log: log.With("component", "monitor")}
}

// Consume implements Consumer.
func (m *Monitor) Consume(buf *media.Buffer) error {
	if !buf.HasPTS() {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seen {
		if buf.PTS < m.last {
			m.regressions++
			m.log.Warn("timestamp went backwards", "pts", buf.PTS, "previous", m.last)
		}
		// A late buffer is shifted forward by the reader, so only a jump
		// ahead of the expected end counts as a gap.
		if !buf.Discont && m.lastEnd > 0 && buf.PTS-m.lastEnd > buf.Duration {
			m.unflagged++
			m.log.Debug("gap without discontinuity", "pts", buf.PTS, "expected", m.lastEnd)
		}
	}
	m.seen = true
	m.last = buf.PTS
	m.lastEnd = buf.PTS + buf.Duration
	return nil
}

// Regressions returns how many buffers had a timestamp earlier than their
// predecessor.
func (m *Monitor) Regressions() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.regressions
}

// UnflaggedGaps returns how many forward jumps arrived without the
// discontinuity flag.
func (m *Monitor) UnflaggedGaps() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unflagged
}
