// Package flow declares the contract between flowbridge and a flow engine:
// the rational rate type and its index/timestamp arithmetic, the handle
// interfaces for grain (discrete) and sample (continuous) rings, and the
// error taxonomy shared by every layer above it.
//
// The engine itself (ring allocation, cross-process locking, descriptor
// persistence) lives behind these interfaces; see
// [github.com/zsiec/flowbridge/internal/memflow] for the in-process
// implementation.
package flow
