// Package parallel runs groups of cancellable operations with panic
// protection and first-error-wins semantics.
package parallel

import (
	"context"
	"fmt"
	"runtime/debug"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/djeer/cryptology-go/common/logger"
)

// PanicError is returned in place of a panic raised by a group member.
type PanicError struct {
	Value interface{}
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("parallel: recovered panic: %v", e.Value)
}

// Group is an errgroup.Group whose members cannot crash the process: a
// panic is recovered and becomes the member's error. The first error
// cancels the group context.
type Group struct {
	eg     *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc
	log    *logger.Logger
}

// NewGroup derives the group context from ctx.
func NewGroup(ctx context.Context, log *logger.Logger) *Group {
	if log == nil {
		log = logger.NewNop()
	}
	ctx, cancel := context.WithCancel(ctx)
	eg, gctx := errgroup.WithContext(ctx)
	return &Group{
		eg:     eg,
		ctx:    gctx,
		cancel: cancel,
		log:    log.Named("parallel"),
	}
}

// Go starts fn in a protected goroutine.
func (g *Group) Go(fn func(ctx context.Context) error) {
	g.eg.Go(func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				g.log.Error("panic recovered", zap.Any("panic", r))
				err = &PanicError{Value: r, Stack: debug.Stack()}
			}
		}()
		return fn(g.ctx)
	})
}

// Wait blocks until every member has returned and reports the first error.
func (g *Group) Wait() error {
	err := g.eg.Wait()
	g.cancel()
	return err
}

// Context returns the group context. It is cancelled on the first error.
func (g *Group) Context() context.Context {
	return g.ctx
}

// Cancel stops every member without recording an error.
func (g *Group) Cancel() {
	g.cancel()
}
