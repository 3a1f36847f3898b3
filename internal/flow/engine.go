package flow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind distinguishes discrete (grain) flows from continuous (sample) flows.
type Kind int

const (
	KindVideo Kind = iota // discrete: one grain per index
	KindAudio             // continuous: one sample-frame per index
)

func (k Kind) String() string {
	switch k {
	case KindVideo:
		return "video"
	case KindAudio:
		return "audio"
	default:
		return "unknown"
	}
}

// ParseKind accepts "video" or "audio", and the aliases "discrete" and
// "continuous".
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "video", "discrete":
		return KindVideo, nil
	case "audio", "continuous":
		return KindAudio, nil
	}
	return 0, fmt.Errorf("flow: unknown kind %q", s)
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(text []byte) error {
	v, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// GrainFlagInvalid is set on grains whose payload the producer marked as
// unusable.
const GrainFlagInvalid uint32 = 0x00000001

// Info describes the geometry and rate of a flow. Discrete fields are zero for
// continuous flows and vice versa.
type Info struct {
	ID   uuid.UUID
	Kind Kind
	Rate Rate

	// Discrete flows.
	GrainCount  uint32 // ring slots, also the writer's addressable window
	GrainSize   int    // payload bytes per grain
	TotalSlices uint16 // sub-units per grain (e.g. lines)

	// Continuous flows.
	Channels       int
	BytesPerSample int
	BufferLength   uint64 // ring capacity in sample-frames
	BatchHint      uint32 // engine's maximum commit batch size hint
}

// SliceSize returns the payload bytes covered by one slice.
func (i Info) SliceSize() int {
	if i.TotalSlices == 0 {
		return i.GrainSize
	}
	return i.GrainSize / int(i.TotalSlices)
}

// Clock is the index/time bijection provided by the engine.
type Clock interface {
	TimestampToIndex(ts int64, rate Rate) (uint64, error)
	IndexToTimestamp(index uint64, rate Rate) (int64, error)
	// CurrentIndex is the producer's live position for rate.
	CurrentIndex(rate Rate) (uint64, error)
	// Time is the engine's monotonic time in nanoseconds. It is only ever
	// used as one endpoint of an anchor pair.
	Time() (int64, error)
}

// Engine opens handles onto existing flows. Open calls fail with an error
// wrapping ErrFlowNotFound while the flow does not exist yet.
type Engine interface {
	Clock
	OpenGrainWriter(id uuid.UUID) (GrainWriter, error)
	OpenGrainReader(id uuid.UUID) (GrainReader, error)
	OpenSamplesWriter(id uuid.UUID) (SamplesWriter, error)
	OpenSamplesReader(id uuid.UUID) (SamplesReader, error)
}

// Handle is the part every flow handle shares.
type Handle interface {
	Info() Info
	// Release returns the handle to the engine. Calling any method after
	// Release fails with ErrHandleReleased.
	Release() error
}

// GrainWindow is write access to a single grain slot.
type GrainWindow interface {
	Payload() []byte
	TotalSlices() uint16
	// Commit publishes the grain with validSlices slices populated.
	Commit(validSlices uint16) error
}

// GrainWriter writes whole grains.
type GrainWriter interface {
	Handle
	OpenGrain(index uint64) (GrainWindow, error)
}

// Grain is one complete grain returned by a reader. Payload is owned by the
// caller.
type Grain struct {
	Index       uint64
	Payload     []byte
	ValidSlices uint16
	TotalSlices uint16
	Flags       uint32
}

// Invalid reports whether the producer flagged the grain as invalid.
func (g *Grain) Invalid() bool {
	return g.Flags&GrainFlagInvalid != 0
}

// GrainReader reads whole grains.
type GrainReader interface {
	Handle
	// ReadGrain blocks until the grain at index is complete, timeout elapses
	// (ErrTimeout) or ctx is done.
	ReadGrain(ctx context.Context, index uint64, timeout time.Duration) (*Grain, error)
	HeadIndex() (uint64, error)
}

// Planes is one channel's view of a ring access. First runs from the
// access's start index; Second is the remainder after the ring wrapped and is
// empty when no wrap occurred.
type Planes struct {
	First  []byte
	Second []byte
}

// Len returns the combined byte length of both planes.
func (p Planes) Len() int {
	return len(p.First) + len(p.Second)
}

// SamplesWindow is write access to count sample-frames across all channels.
type SamplesWindow interface {
	Channel(ch int) (Planes, error)
	Commit() error
}

// SamplesWriter writes runs of sample-frames.
type SamplesWriter interface {
	Handle
	OpenSamples(index uint64, count int) (SamplesWindow, error)
}

// Samples is a read-only view of count sample-frames starting at Index, one
// Planes per channel. The planes alias ring memory and are only valid until
// the next call on the reader.
type Samples struct {
	Index    uint64
	Count    int
	Channels []Planes
}

// SamplesReader reads runs of sample-frames.
type SamplesReader interface {
	Handle
	HeadIndex() (uint64, error)
	// ReadSamples blocks until [index, index+count) is available, timeout
	// elapses (ErrTimeout) or ctx is done.
	ReadSamples(ctx context.Context, index uint64, count int, timeout time.Duration) (Samples, error)
}
