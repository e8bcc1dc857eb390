package app

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/djeer/cryptology-go/common/backoff"
	"github.com/djeer/cryptology-go/common/logger"
	"github.com/djeer/cryptology-go/internal/bridge"
	"github.com/djeer/cryptology-go/internal/config"
	"github.com/djeer/cryptology-go/internal/cursor"
	"github.com/djeer/cryptology-go/internal/metrics"
	"github.com/djeer/cryptology-go/pkg/cryptology"
)

type nextBackOff interface {
	NextBackOff() time.Duration
	Reset()
}

// sessionLoop keeps one venue session alive, resuming every new session
// from the stored cursor.
type sessionLoop struct {
	cfg    config.CryptologyConfig
	store  cursor.Store
	bridge *bridge.Bridge
	log    *logger.Logger

	run   func(ctx context.Context, lastSeen int64, bo nextBackOff) error
	sleep func(ctx context.Context, d time.Duration) error

	ready atomic.Bool
}

func newSessionLoop(cfg config.CryptologyConfig, store cursor.Store, br *bridge.Bridge, log *logger.Logger) *sessionLoop {
	s := &sessionLoop{
		cfg:    cfg,
		store:  store,
		bridge: br,
		log:    log.Named("session-loop"),
		sleep:  backoff.Sleep,
	}
	s.run = s.session
	return s
}

// Ready reports whether an authenticated session is running.
func (s *sessionLoop) Ready() bool { return s.ready.Load() }

// Run reconnects until ctx is done or a session fails in a way a new
// connection cannot fix.
func (s *sessionLoop) Run(ctx context.Context) error {
	bo, err := backoff.New(s.cfg.Backoff)
	if err != nil {
		return err
	}

	for {
		lastSeen, err := s.store.Load(ctx)
		if err != nil {
			return fmt.Errorf("load cursor: %w", err)
		}
		metrics.LastSeenOrder.Set(float64(lastSeen))

		err = s.run(ctx, lastSeen, bo)
		s.ready.Store(false)
		metrics.SessionReady.Set(0)

		if ctx.Err() != nil {
			metrics.Sessions.WithLabelValues("canceled").Inc()
			return ctx.Err()
		}
		metrics.Sessions.WithLabelValues(endReason(err)).Inc()

		delay, retry := reconnectDelay(err, s.cfg, bo)
		if !retry {
			s.log.Error("venue session failed permanently", zap.Error(err))
			return fmt.Errorf("venue session: %w", err)
		}
		s.log.Warn("venue session ended, reconnecting",
			zap.Error(err),
			zap.Duration("delay", delay),
		)
		metrics.ReconnectDelay.Observe(delay.Seconds())
		backoff.ObserveRetry(delay)
		if err := s.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// session runs one venue session resumed from lastSeen.
func (s *sessionLoop) session(ctx context.Context, lastSeen int64, bo nextBackOff) error {
	s.bridge.Reset()
	return cryptology.Run(ctx, s.cfg.Session, s.bridge.Writer, s.bridge.Read,
		cryptology.WithRunLogger(s.log),
		cryptology.WithThrottling(s.bridge.Throttled),
		cryptology.WithOnMessage(s.bridge.Track),
		cryptology.WithLastSeenOrder(lastSeen),
		cryptology.WithOnReady(func(ctx context.Context, _ *cryptology.Client, res cryptology.AuthenticationResult) {
			s.ready.Store(true)
			metrics.SessionReady.Set(1)
			bo.Reset()
			s.log.WithContext(ctx).Info("venue session ready",
				zap.Int64("last_seen_order", lastSeen),
				zap.Int64("last_seen_sequence", res.LastSeenSequence),
				zap.Int("server_version", res.ServerVersion),
			)
		}),
	)
}

// reconnectDelay decides how long to wait before the next session. Bad
// credentials, an incompatible server and a bad address are final; a
// restarting venue or a rate limit get their configured pause; anything
// else, including Kafka and cursor failures, backs off exponentially.
func reconnectDelay(err error, cfg config.CryptologyConfig, bo nextBackOff) (time.Duration, bool) {
	var e *cryptology.Error
	if errors.As(err, &e) {
		switch e.Kind {
		case cryptology.KindInvalidKey, cryptology.KindIncompatibleVersion, cryptology.KindInvalidServerAddress:
			return 0, false
		case cryptology.KindServerRestart:
			return cfg.RestartDelay, true
		case cryptology.KindRateLimit:
			return cfg.RateLimitDelay, true
		}
	}
	d := bo.NextBackOff()
	if d < 0 {
		return 0, false
	}
	return d, true
}

func endReason(err error) string {
	var e *cryptology.Error
	switch {
	case err == nil:
		return "closed"
	case errors.As(err, &e):
		return e.Kind.String()
	default:
		return "internal"
	}
}
