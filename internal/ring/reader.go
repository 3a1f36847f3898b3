package ring

import (
	"time"

	"github.com/zsiec/flowbridge/internal/media"
)

// Default wait budgets.
const (
	DefaultGrainTimeout    = 5 * time.Second
	DefaultSampleTimeout   = 2 * time.Second
	DefaultProducerBudget  = 100 * time.Millisecond
	DefaultPollInterval    = 2 * time.Millisecond
	DefaultSampleBatchSize = 48
)

// ReadResult is the outcome of one reader cycle. Buffer is nil when the cycle
// produced no data; that is not an error.
type ReadResult struct {
	Buffer *media.Buffer
	Index  uint64
	// Anchored is set on the cycle that established the anchor.
	Anchored bool
	// CaughtUp is set when the reader jumped forward this cycle.
	CaughtUp bool
	// Corrected is set when the anchor time was pushed forward to keep the
	// timestamp from falling behind running time.
	Corrected bool
	// Waited is how long the cycle spent waiting on the producer.
	Waited time.Duration
}

// ReaderOptions tunes the wait budgets of a reader. Zero fields take the
// defaults above.
type ReaderOptions struct {
	GrainTimeout   time.Duration
	SampleTimeout  time.Duration
	ProducerBudget time.Duration
	PollInterval   time.Duration
	BatchSize      uint32
}

func (o ReaderOptions) withDefaults() ReaderOptions {
	if o.GrainTimeout <= 0 {
		o.GrainTimeout = DefaultGrainTimeout
	}
	if o.SampleTimeout <= 0 {
		o.SampleTimeout = DefaultSampleTimeout
	}
	if o.ProducerBudget <= 0 {
		o.ProducerBudget = DefaultProducerBudget
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.BatchSize == 0 {
		o.BatchSize = DefaultSampleBatchSize
	}
	return o
}
