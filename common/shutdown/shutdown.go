// Package shutdown wires OS signals and bounded cleanup steps.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/djeer/cryptology-go/common/logger"

	"go.uber.org/zap"
)

// NotifyContext returns a context cancelled on SIGINT or SIGTERM.
func NotifyContext(parent context.Context, log *logger.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigCh)
		select {
		case sig := <-sigCh:
			log.Info("shutdown: signal received", zap.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// Graceful runs fn with its own timeout, detached from the cancelled
// application context, and logs the outcome.
func Graceful(name string, timeout time.Duration, fn func(ctx context.Context) error, log *logger.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	log.Info("shutdown: stopping", zap.String("component", name))
	if err := fn(ctx); err != nil {
		log.Error("shutdown: stop failed", zap.String("component", name), zap.Error(err))
		return err
	}
	log.Info("shutdown: stopped cleanly", zap.String("component", name))
	return nil
}
