// Package media defines the buffer type exchanged between the host pipeline
// and flowbridge sessions, in both directions.
package media

import "time"

// NoPTS marks a buffer without a presentation timestamp.
const NoPTS time.Duration = -1

// Buffer is one unit of pipeline data: a whole video frame, or a run of
// interleaved audio sample-frames.
type Buffer struct {
	// PTS is the presentation timestamp in pipeline running time, or NoPTS.
	PTS      time.Duration
	Duration time.Duration
	// Discont marks the first buffer after a gap in the flow.
	Discont bool
	// Index is the flow index of the first unit carried, set by readers.
	Index uint64
	Data  []byte
}

// HasPTS reports whether the buffer carries a presentation timestamp.
func (b *Buffer) HasPTS() bool {
	return b.PTS >= 0
}

// AudioLayout describes interleaved sample data.
type AudioLayout struct {
	Channels       int
	BytesPerSample int
}

// FrameBytes returns the size of one interleaved sample-frame.
func (l AudioLayout) FrameBytes() int {
	return l.Channels * l.BytesPerSample
}

// Frames returns how many whole sample-frames data holds.
func (l AudioLayout) Frames(data []byte) int {
	fb := l.FrameBytes()
	if fb == 0 {
		return 0
	}
	return len(data) / fb
}
