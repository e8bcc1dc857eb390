// internal/app/app.go
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/djeer/cryptology-go/common"
	"github.com/djeer/cryptology-go/common/httpserver"
	consumer "github.com/djeer/cryptology-go/common/kafka/consumer"
	producer "github.com/djeer/cryptology-go/common/kafka/producer"
	"github.com/djeer/cryptology-go/common/logger"
	commonprom "github.com/djeer/cryptology-go/common/prometheus"
	commonredis "github.com/djeer/cryptology-go/common/redis"
	"github.com/djeer/cryptology-go/common/shutdown"
	"github.com/djeer/cryptology-go/common/telemetry"
	"github.com/djeer/cryptology-go/internal/bridge"
	"github.com/djeer/cryptology-go/internal/config"
	"github.com/djeer/cryptology-go/internal/cursor"
	"github.com/djeer/cryptology-go/internal/metrics"
	redisstore "github.com/djeer/cryptology-go/internal/storage/redis"
	"github.com/djeer/cryptology-go/pkg/cryptology"
)

const cleanupTimeout = 5 * time.Second

// Run wires the gateway and blocks until ctx is cancelled or the venue
// session fails permanently.
func Run(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	common.InitServiceName(cfg.ServiceName)
	metrics.Register(nil)
	cryptology.RegisterMetrics(commonprom.DefaultRegistry)

	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.Telemetry, log)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	defer func() { _ = shutdown.Graceful("telemetry", cleanupTimeout, shutdownTracer, log) }()

	prod, err := producer.New(ctx, cfg.Producer(), log)
	if err != nil {
		return fmt.Errorf("kafka producer init: %w", err)
	}
	defer closeQuietly("kafka-producer", prod.Close, log)

	cons, err := consumer.New(ctx, cfg.Consumer(), log)
	if err != nil {
		return fmt.Errorf("kafka consumer init: %w", err)
	}
	defer closeQuietly("kafka-consumer", cons.Close, log)

	store, closeStore, err := openCursorStore(ctx, cfg.Cursor, log)
	if err != nil {
		return fmt.Errorf("cursor store init: %w", err)
	}
	defer closeQuietly("cursor-store", closeStore, log)

	br := bridge.New(cons, prod, store, cfg.Kafka.InboundTopic, cfg.Kafka.OutboundTopic, log)
	loop := newSessionLoop(cfg.Cryptology, store, br, log)

	readiness := func(ctx context.Context) error {
		if !loop.Ready() {
			return errors.New("venue session not ready")
		}
		return prod.Ping(ctx)
	}
	httpSrv, err := httpserver.New(cfg.HTTP, readiness, log)
	if err != nil {
		return fmt.Errorf("httpserver init: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return httpSrv.Start(ctx) })
	g.Go(func() error { return loop.Run(ctx) })

	if err := g.Wait(); err != nil {
		if errors.Is(err, context.Canceled) {
			log.WithContext(ctx).Info("gateway stopped by context")
			return nil
		}
		return err
	}
	return nil
}

func openCursorStore(ctx context.Context, cfg config.CursorConfig, log *logger.Logger) (cursor.Store, func() error, error) {
	if cfg.Backend != "redis" {
		log.Info("cursor kept in memory, sessions resume from 0 after a restart")
		return cursor.NewMemory(), func() error { return nil }, nil
	}
	rdb, err := commonredis.Connect(ctx, cfg.Redis, log)
	if err != nil {
		return nil, nil, err
	}
	return redisstore.NewCursorStore(rdb, cfg.Key, log), rdb.Close, nil
}

func closeQuietly(name string, fn func() error, log *logger.Logger) {
	_ = shutdown.Graceful(name, cleanupTimeout, func(context.Context) error { return fn() }, log)
}
