// Package memflow is an in-process flow engine: a domain of discrete (grain)
// and continuous (sample) rings addressed by flow index, with the clock,
// handle and wait semantics flowbridge expects from a real engine. It does
// not share memory across processes.
package memflow

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/zsiec/flowbridge/internal/flow"
)

// TimeSource returns engine time in nanoseconds.
type TimeSource func() int64

// Option configures a Domain.
type Option func(*Domain)

// WithTimeSource replaces the wall-clock engine time, for tests.
func WithTimeSource(ts TimeSource) Option {
	return func(d *Domain) { d.now = ts }
}

// WithLogger sets the domain logger.
func WithLogger(log *slog.Logger) Option {
	return func(d *Domain) { d.log = log }
}

// Compile-time interface check.
var _ flow.Engine = (*Domain)(nil)

// Domain is a set of flows sharing one engine clock.
type Domain struct {
	name string
	log  *slog.Logger
	now  TimeSource

	mu     sync.RWMutex
	flows  map[uuid.UUID]ringFlow
	closed bool

	openHandles atomic.Int64
}

type ringFlow interface {
	info() flow.Info
}

// NewDomain creates an empty domain.
func NewDomain(name string, opts ...Option) *Domain {
	d := &Domain{
		name:  name,
		now:   func() int64 { return time.Now().UnixNano() },
		flows: make(map[uuid.UUID]ringFlow),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.log == nil {
		d.log = slog.Default()
	}
	d.log = d.log.With("component", "memflow", "domain", name)
	return d
}

// Name returns the domain name.
func (d *Domain) Name() string {
	return d.name
}

// CreateFlow validates info and allocates its ring. A nil ID is replaced by a
// random one. The stored Info is returned.
func (d *Domain) CreateFlow(info flow.Info) (flow.Info, error) {
	if err := validate(info); err != nil {
		return flow.Info{}, err
	}
	if info.ID == uuid.Nil {
		info.ID = uuid.New()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return flow.Info{}, &flow.OpError{Op: "create flow", FlowID: info.ID, Err: flow.ErrEngineUnavailable}
	}
	if _, ok := d.flows[info.ID]; ok {
		return flow.Info{}, &flow.OpError{Op: "create flow", FlowID: info.ID, Err: flow.ErrFlowExists}
	}
	switch info.Kind {
	case flow.KindVideo:
		d.flows[info.ID] = newDiscrete(info)
	case flow.KindAudio:
		d.flows[info.ID] = newContinuous(info)
	}
	d.log.Info("flow created", "flow", info.ID, "kind", info.Kind, "rate", info.Rate)
	return info, nil
}

// DeleteFlow removes a flow. Open handles keep working on the detached ring.
func (d *Domain) DeleteFlow(id uuid.UUID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.flows[id]; !ok {
		return &flow.OpError{Op: "delete flow", FlowID: id, Err: flow.ErrFlowNotFound}
	}
	delete(d.flows, id)
	d.log.Info("flow deleted", "flow", id)
	return nil
}

// Flows lists the domain's flows ordered by ID.
func (d *Domain) Flows() []flow.Info {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]flow.Info, 0, len(d.flows))
	for _, f := range d.flows {
		out = append(out, f.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out
}

// OpenHandles returns the number of handles not yet released.
func (d *Domain) OpenHandles() int64 {
	return d.openHandles.Load()
}

// Close disconnects the domain. Clock calls and opens fail with
// flow.ErrEngineUnavailable afterwards.
func (d *Domain) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
}

func (d *Domain) isClosed() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.closed
}

// TimestampToIndex implements flow.Clock.
func (d *Domain) TimestampToIndex(ts int64, rate flow.Rate) (uint64, error) {
	if d.isClosed() {
		return 0, flow.ErrEngineUnavailable
	}
	return flow.TimestampToIndex(ts, rate)
}

// IndexToTimestamp implements flow.Clock.
func (d *Domain) IndexToTimestamp(index uint64, rate flow.Rate) (int64, error) {
	if d.isClosed() {
		return 0, flow.ErrEngineUnavailable
	}
	return flow.IndexToTimestamp(index, rate)
}

// CurrentIndex implements flow.Clock.
func (d *Domain) CurrentIndex(rate flow.Rate) (uint64, error) {
	if d.isClosed() {
		return 0, flow.ErrEngineUnavailable
	}
	return flow.TimestampToIndex(d.now(), rate)
}

// Time implements flow.Clock.
func (d *Domain) Time() (int64, error) {
	if d.isClosed() {
		return 0, flow.ErrEngineUnavailable
	}
	return d.now(), nil
}

func (d *Domain) lookup(op string, id uuid.UUID, kind flow.Kind) (ringFlow, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return nil, &flow.OpError{Op: op, FlowID: id, Err: flow.ErrEngineUnavailable}
	}
	f, ok := d.flows[id]
	if !ok {
		return nil, &flow.OpError{Op: op, FlowID: id, Err: flow.ErrFlowNotFound}
	}
	if f.info().Kind != kind {
		return nil, &flow.OpError{Op: op, FlowID: id, Err: flow.ErrWrongKind}
	}
	return f, nil
}

// OpenGrainWriter implements flow.Engine.
func (d *Domain) OpenGrainWriter(id uuid.UUID) (flow.GrainWriter, error) {
	f, err := d.lookup("open grain writer", id, flow.KindVideo)
	if err != nil {
		return nil, err
	}
	return &grainWriter{handle: d.newHandle(f.info()), ring: f.(*discreteFlow)}, nil
}

// OpenGrainReader implements flow.Engine.
func (d *Domain) OpenGrainReader(id uuid.UUID) (flow.GrainReader, error) {
	f, err := d.lookup("open grain reader", id, flow.KindVideo)
	if err != nil {
		return nil, err
	}
	return &grainReader{handle: d.newHandle(f.info()), ring: f.(*discreteFlow)}, nil
}

// OpenSamplesWriter implements flow.Engine.
func (d *Domain) OpenSamplesWriter(id uuid.UUID) (flow.SamplesWriter, error) {
	f, err := d.lookup("open samples writer", id, flow.KindAudio)
	if err != nil {
		return nil, err
	}
	return &samplesWriter{handle: d.newHandle(f.info()), ring: f.(*continuousFlow)}, nil
}

// OpenSamplesReader implements flow.Engine.
func (d *Domain) OpenSamplesReader(id uuid.UUID) (flow.SamplesReader, error) {
	f, err := d.lookup("open samples reader", id, flow.KindAudio)
	if err != nil {
		return nil, err
	}
	return &samplesReader{handle: d.newHandle(f.info()), ring: f.(*continuousFlow)}, nil
}

// MarkInvalid flags the committed grain at index as invalid.
func (d *Domain) MarkInvalid(id uuid.UUID, index uint64) error {
	f, err := d.lookup("mark invalid", id, flow.KindVideo)
	if err != nil {
		return err
	}
	return f.(*discreteFlow).setFlags(index, flow.GrainFlagInvalid)
}

func (d *Domain) newHandle(info flow.Info) handle {
	d.openHandles.Add(1)
	return handle{domain: d, flowInfo: info, released: new(atomic.Bool)}
}

// handle carries release accounting shared by all handle kinds.
type handle struct {
	domain   *Domain
	flowInfo flow.Info
	released *atomic.Bool
}

func (h handle) Info() flow.Info {
	return h.flowInfo
}

func (h handle) Release() error {
	if !h.released.CompareAndSwap(false, true) {
		return &flow.OpError{Op: "release", FlowID: h.flowInfo.ID, Err: flow.ErrHandleReleased}
	}
	h.domain.openHandles.Add(-1)
	return nil
}

func (h handle) check(op string) error {
	if h.released.Load() {
		return &flow.OpError{Op: op, FlowID: h.flowInfo.ID, Err: flow.ErrHandleReleased}
	}
	if h.domain.isClosed() {
		return &flow.OpError{Op: op, FlowID: h.flowInfo.ID, Err: flow.ErrEngineUnavailable}
	}
	return nil
}

func validate(info flow.Info) error {
	bad := func(detail string) error {
		return &flow.OpError{Op: "create flow", FlowID: info.ID,
			Err: fmt.Errorf("%s: %w", detail, flow.ErrInvalidGeometry)}
	}
	if !info.Rate.Valid() {
		return &flow.OpError{Op: "create flow", FlowID: info.ID, Err: flow.ErrInvalidRate}
	}
	switch info.Kind {
	case flow.KindVideo:
		if info.GrainCount == 0 || info.GrainSize <= 0 {
			return bad(fmt.Sprintf("grain count %d size %d", info.GrainCount, info.GrainSize))
		}
		if info.TotalSlices == 0 || int(info.TotalSlices) > info.GrainSize {
			return bad(fmt.Sprintf("total slices %d for %d-byte grain", info.TotalSlices, info.GrainSize))
		}
	case flow.KindAudio:
		if info.Channels <= 0 || info.BytesPerSample <= 0 {
			return bad(fmt.Sprintf("channels %d bytes/sample %d", info.Channels, info.BytesPerSample))
		}
		if info.BufferLength < 2 {
			return bad(fmt.Sprintf("buffer length %d", info.BufferLength))
		}
	default:
		return bad(fmt.Sprintf("kind %d", info.Kind))
	}
	return nil
}
