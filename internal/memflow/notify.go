package memflow

import (
	"context"
	"time"

	"github.com/zsiec/flowbridge/internal/flow"
)

// broadcast wakes every waiter on each signal. Waiters grab the current
// channel under the ring lock and block on it after unlocking.
type broadcast struct {
	ch chan struct{}
}

func newBroadcast() broadcast {
	return broadcast{ch: make(chan struct{})}
}

// signal must be called with the ring lock held.
func (b *broadcast) signal() {
	close(b.ch)
	b.ch = make(chan struct{})
}

// wait blocks until ch fires, the deadline passes (flow.ErrTimeout) or ctx is
// done.
func wait(ctx context.Context, ch <-chan struct{}, deadline *time.Timer) error {
	select {
	case <-ch:
		return nil
	case <-deadline.C:
		return flow.ErrTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}
