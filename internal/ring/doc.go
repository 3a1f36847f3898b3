// Package ring implements chunked, wraparound-aware I/O against flow rings.
//
// Writers are push-paced: the pipeline delivers buffers in real time and the
// writer maps each one onto the index grid. Readers are pull-paced: callers
// may ask faster than the producer commits, so readers reconstruct pacing
// from the flow's rate and the pipeline clock, waiting for the producer when
// ahead and jumping forward with a discontinuity when they fall out of the
// ring's retained window.
//
// Types in this package are not safe for concurrent use. The owning session
// serializes every call.
package ring
