// Package clock reconciles the two time domains of a bridge session: the host
// pipeline's running time and the flow engine's index-and-rate grid.
package clock

import (
	"errors"
	"fmt"
	"time"

	"github.com/zsiec/flowbridge/internal/flow"
)

// Translator validates arguments for the engine's index/time bijection and
// classifies its failures. Every error it returns wraps either
// flow.ErrInvalidRate or flow.ErrEngineUnavailable.
type Translator struct {
	clock flow.Clock
}

// NewTranslator wraps an engine clock.
func NewTranslator(c flow.Clock) *Translator {
	return &Translator{clock: c}
}

func classify(op string, err error) error {
	if errors.Is(err, flow.ErrInvalidRate) || errors.Is(err, flow.ErrEngineUnavailable) {
		return &flow.OpError{Op: op, Err: err}
	}
	return &flow.OpError{Op: op, Err: fmt.Errorf("%w: %w", flow.ErrEngineUnavailable, err)}
}

func checkRate(op string, rate flow.Rate) error {
	if !rate.Valid() {
		return &flow.OpError{Op: op, Err: fmt.Errorf("rate %s: %w", rate, flow.ErrInvalidRate)}
	}
	return nil
}

// IndexToTimestamp returns the engine timestamp of index in nanoseconds.
func (t *Translator) IndexToTimestamp(index uint64, rate flow.Rate) (int64, error) {
	if err := checkRate("index to timestamp", rate); err != nil {
		return 0, err
	}
	ts, err := t.clock.IndexToTimestamp(index, rate)
	if err != nil {
		return 0, classify("index to timestamp", err)
	}
	return ts, nil
}

// TimestampToIndex returns the index nearest to the engine timestamp ts.
func (t *Translator) TimestampToIndex(ts int64, rate flow.Rate) (uint64, error) {
	if err := checkRate("timestamp to index", rate); err != nil {
		return 0, err
	}
	idx, err := t.clock.TimestampToIndex(ts, rate)
	if err != nil {
		return 0, classify("timestamp to index", err)
	}
	return idx, nil
}

// CurrentIndex returns the producer's live index for rate.
func (t *Translator) CurrentIndex(rate flow.Rate) (uint64, error) {
	if err := checkRate("current index", rate); err != nil {
		return 0, err
	}
	idx, err := t.clock.CurrentIndex(rate)
	if err != nil {
		return 0, classify("current index", err)
	}
	return idx, nil
}

// EngineTime returns the engine's opaque monotonic time.
func (t *Translator) EngineTime() (int64, error) {
	now, err := t.clock.Time()
	if err != nil {
		return 0, classify("engine time", err)
	}
	return now, nil
}

// Elapsed returns the duration of units index steps at rate. The engine grid
// starts at zero, so this is the timestamp of index units.
func (t *Translator) Elapsed(units uint64, rate flow.Rate) (time.Duration, error) {
	ns, err := t.IndexToTimestamp(units, rate)
	if err != nil {
		return 0, err
	}
	return time.Duration(ns), nil
}

// Span returns the duration between index and index+count. It differs from
// Elapsed(count) by at most a nanosecond of rounding.
func (t *Translator) Span(index, count uint64, rate flow.Rate) (time.Duration, error) {
	start, err := t.IndexToTimestamp(index, rate)
	if err != nil {
		return 0, err
	}
	end, err := t.IndexToTimestamp(index+count, rate)
	if err != nil {
		return 0, err
	}
	return time.Duration(end - start), nil
}
