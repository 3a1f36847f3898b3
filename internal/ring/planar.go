package ring

import (
	"fmt"

	"github.com/zsiec/flowbridge/internal/flow"
)

// deinterleave copies channel ch of frames interleaved sample-frames from src
// into dst. Sample i lands at byte offset i*bps of the plane sequence. A sample
// that does not fit in what remains of First goes to Second; it is never split
// across the two. It returns the number of samples placed.
func deinterleave(dst flow.Planes, src []byte, ch, channels, bps, frames int) int {
	stride := channels * bps
	firstAligned := len(dst.First) / bps * bps
	placed := 0
	for i := 0; i < frames; i++ {
		from := i*stride + ch*bps
		if from+bps > len(src) {
			break
		}
		sample := src[from : from+bps]
		off := i * bps
		if off+bps <= len(dst.First) {
			copy(dst.First[off:off+bps], sample)
			placed++
			continue
		}
		if p2 := off - firstAligned; p2+bps <= len(dst.Second) {
			copy(dst.Second[p2:p2+bps], sample)
			placed++
		}
	}
	return placed
}

// interleave writes the planar channels of s into dst as interleaved
// sample-frames. dst must hold s.Count*len(s.Channels)*bps bytes.
func interleave(dst []byte, s flow.Samples, bps int) error {
	channels := len(s.Channels)
	want := s.Count * channels * bps
	if len(dst) < want {
		return fmt.Errorf("interleave: buffer %d bytes, need %d: %w", len(dst), want, flow.ErrInvalidGeometry)
	}
	stride := channels * bps
	for ch, planes := range s.Channels {
		if planes.Len() < s.Count*bps {
			return fmt.Errorf("interleave: channel %d has %d bytes, need %d: %w",
				ch, planes.Len(), s.Count*bps, flow.ErrInvalidGeometry)
		}
		firstAligned := len(planes.First) / bps * bps
		for i := 0; i < s.Count; i++ {
			off := i * bps
			var sample []byte
			if off+bps <= len(planes.First) {
				sample = planes.First[off : off+bps]
			} else if p2 := off - firstAligned; p2+bps <= len(planes.Second) {
				sample = planes.Second[p2 : p2+bps]
			} else {
				return fmt.Errorf("interleave: channel %d sample %d outside planes: %w", ch, i, flow.ErrInvalidGeometry)
			}
			copy(dst[i*stride+ch*bps:], sample)
		}
	}
	return nil
}
