package flow

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Sentinel errors. Use errors.Is to classify; every error returned by the
// engine interfaces and by the ring and session layers wraps one of these.
var (
	// ErrTimeout means the requested data was not produced within the wait
	// budget. It is recoverable and surfaces to callers as "no data".
	ErrTimeout = errors.New("flow: timed out waiting for data")
	// ErrInvalidContent means the engine returned a unit flagged invalid.
	ErrInvalidContent = errors.New("flow: invalid content")
	// ErrEngineUnavailable wraps any failing engine call.
	ErrEngineUnavailable = errors.New("flow: engine unavailable")
	// ErrFlowNotFound means the flow has not been created yet.
	ErrFlowNotFound = errors.New("flow: flow not found")
	// ErrSessionNotActive is returned by operations on a stopped session or
	// one with no bound handle.
	ErrSessionNotActive = errors.New("flow: session not active")
	// ErrInvalidState is returned when an operation does not match the
	// binding, e.g. reading from a sink.
	ErrInvalidState = errors.New("flow: invalid session state")
	// ErrWrongKind is returned when a grain handle is requested for a
	// continuous flow or vice versa.
	ErrWrongKind = errors.New("flow: wrong flow kind")
	// ErrInvalidRate marks a rate with a zero term.
	ErrInvalidRate = errors.New("flow: invalid rate")
	// ErrInvalidTimestamp marks a negative timestamp passed to the clock.
	ErrInvalidTimestamp = errors.New("flow: invalid timestamp")
	// ErrIndexOverflow means an index conversion does not fit in 64 bits.
	ErrIndexOverflow = errors.New("flow: index arithmetic overflow")
	// ErrOutOfRange means the index has already been overwritten in the
	// ring, or a sample count exceeds the ring length.
	ErrOutOfRange = errors.New("flow: index outside ring window")
	// ErrHandleReleased is returned by any call on a released handle or an
	// already committed window.
	ErrHandleReleased = errors.New("flow: handle released")
	// ErrInvalidGeometry rejects flows and buffers whose sizes do not fit
	// the flow description.
	ErrInvalidGeometry = errors.New("flow: invalid flow geometry")
	// ErrFlowExists is returned when creating a flow whose id is taken.
	ErrFlowExists = errors.New("flow: flow already exists")
	// ErrChannelOutOfBounds is returned for a channel the flow does not have.
	ErrChannelOutOfBounds = errors.New("flow: channel out of bounds")
)

// OpError records the operation and flow that failed.
type OpError struct {
	Op     string
	FlowID uuid.UUID
	Err    error
}

func (e *OpError) Error() string {
	if e.FlowID == uuid.Nil {
		return fmt.Sprintf("flow: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("flow: %s %s: %v", e.Op, e.FlowID, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether err must end the session. Timeouts are the only
// recoverable class.
func IsFatal(err error) bool {
	return err != nil && !errors.Is(err, ErrTimeout)
}

// ParseID parses a flow identifier.
func ParseID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("flow: invalid flow id %q: %w", s, err)
	}
	return id, nil
}
