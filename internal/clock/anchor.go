package clock

import "time"

// Anchor pins a point of the flow's index domain to a point of pipeline
// running time. Index holds an engine-domain value (a flow index or engine
// time, depending on the binding). It is not safe for concurrent use; the
// owning session serializes access.
type Anchor struct {
	Index uint64
	Time  time.Duration

	set     bool
	resyncs int
}

// IsSet reports whether the anchor has been established.
func (a *Anchor) IsSet() bool {
	return a.set
}

// Resyncs returns how many times the anchor was recaptured after being
// established.
func (a *Anchor) Resyncs() int {
	return a.resyncs
}

// Establish captures the anchor if it is not set yet and reports whether it
// did. An established anchor is left untouched.
func (a *Anchor) Establish(index uint64, running time.Duration) bool {
	if a.set {
		return false
	}
	a.Index = index
	a.Time = running
	a.set = true
	return true
}

// Resync recaptures the anchor unconditionally.
func (a *Anchor) Resync(index uint64, running time.Duration) {
	a.Index = index
	a.Time = running
	a.set = true
	a.resyncs++
}

// Reset clears the anchor so the next Establish captures a fresh pair.
func (a *Anchor) Reset() {
	*a = Anchor{}
}

// Advance moves the index endpoint forward by n, saturating at the top of the
// range.
func (a *Anchor) Advance(n uint64) {
	if a.Index > ^uint64(0)-n {
		a.Index = ^uint64(0)
		return
	}
	a.Index += n
}

// PTS returns Time+elapsed without correction.
func (a *Anchor) PTS(elapsed time.Duration) time.Duration {
	return a.Time + elapsed
}

// CorrectedPTS returns Time+elapsed, but never earlier than running. When the
// computed value falls behind running, the anchor's time moves forward by the
// deficit so later units stay on the corrected timeline. The returned bool
// reports whether a correction happened.
func (a *Anchor) CorrectedPTS(elapsed, running time.Duration) (time.Duration, bool) {
	pts := a.Time + elapsed
	if pts >= running {
		return pts, false
	}
	a.Time += running - pts
	return running, true
}
