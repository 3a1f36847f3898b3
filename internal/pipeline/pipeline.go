// Package pipeline drives flowbridge sessions the way a host media pipeline
// would: generators push paced test signals into sink sessions and pumps
// drain source sessions into a consumer, reopening stale bindings.
package pipeline

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/flowbridge/internal/media"
)

// Sink is the subset of session.Session a Generator writes to.
type Sink interface {
	Name() string
	Write(buf *media.Buffer) error
}

// Source is the subset of session.Session a Pump reads from.
type Source interface {
	Name() string
	Read(ctx context.Context) (*media.Buffer, error)
	Reopen(ctx context.Context) error
}

// Runner is a long-lived loop that returns when ctx is done.
type Runner interface {
	Run(ctx context.Context) error
}

// RunAll runs every runner in its own goroutine. The first error cancels
// the others; RunAll returns it once all runners have exited.
func RunAll(ctx context.Context, runners ...Runner) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, r := range runners {
		g.Go(func() error {
			return r.Run(ctx)
		})
	}
	return g.Wait()
}
