package parallel

import (
	"context"
	"errors"

	"github.com/djeer/cryptology-go/common/logger"
)

// Op is one member of a Run call.
type Op func(ctx context.Context) error

type options struct {
	raiseCanceled bool
	log           *logger.Logger
}

// Option configures Run.
type Option func(*options)

// RaiseCanceled makes Run report a cancellation of the caller's context as
// an error instead of returning nil.
func RaiseCanceled() Option {
	return func(o *options) { o.raiseCanceled = true }
}

// WithLogger sets the logger used for recovered panics.
func WithLogger(l *logger.Logger) Option {
	return func(o *options) { o.log = l }
}

// Run executes ops concurrently and waits for all of them to return.
//
// The first failing op cancels the others and its error is returned.
// Errors that are only a consequence of that cancellation are discarded.
// When ctx itself is cancelled, Run returns nil unless RaiseCanceled is set,
// in which case it returns ctx's error.
func Run(ctx context.Context, ops []Op, opts ...Option) error {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	g := NewGroup(ctx, o.log)
	for _, op := range ops {
		op := op
		g.Go(func(ctx context.Context) error {
			err := op(ctx)
			if err != nil && isCancellation(err) && ctx.Err() != nil {
				// cancelled by a sibling or by the caller; not an own failure
				return nil
			}
			return err
		})
	}
	err := g.Wait()

	if err != nil {
		return err
	}
	if ctx.Err() != nil && o.raiseCanceled {
		return ctx.Err()
	}
	return nil
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
