// Package consumer implements kafka.Consumer on a sarama ConsumerGroup.
package consumer

import (
	"context"
	"errors"
	"fmt"

	"github.com/IBM/sarama"
	"github.com/dnwe/otelsarama"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/djeer/cryptology-go/common/backoff"
	commonkafka "github.com/djeer/cryptology-go/common/kafka"
	"github.com/djeer/cryptology-go/common/logger"
)

var serviceLabel = "unknown"

// SetServiceLabel sets the "service" label of the consumer metrics.
func SetServiceLabel(name string) { serviceLabel = name }

var consumerMetrics = struct {
	ConnectErrors *prometheus.CounterVec
	SessionErrors *prometheus.CounterVec
	Handled       *prometheus.CounterVec
	HandlerErrors *prometheus.CounterVec
}{
	ConnectErrors: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "common", Subsystem: "kafka_consumer", Name: "connect_errors_total",
			Help: "Failed attempts to join the consumer group",
		},
		[]string{"service"},
	),
	SessionErrors: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "common", Subsystem: "kafka_consumer", Name: "session_errors_total",
			Help: "Consumer group sessions that ended with an error",
		},
		[]string{"service"},
	),
	Handled: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "common", Subsystem: "kafka_consumer", Name: "handled_total",
			Help: "Records handled and marked",
		},
		[]string{"service", "topic"},
	),
	HandlerErrors: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "common", Subsystem: "kafka_consumer", Name: "handler_errors_total",
			Help: "Records the handler rejected",
		},
		[]string{"service", "topic"},
	),
}

var tracer = otel.Tracer("kafka-consumer")

type kafkaConsumerGroup struct {
	group      sarama.ConsumerGroup
	log        *logger.Logger
	backoffCfg backoff.Config
}

// New joins the consumer group, retrying with cfg.Backoff.
func New(ctx context.Context, cfg Config, log *logger.Logger) (commonkafka.Consumer, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log = log.Named("kafka-consumer")

	version, err := sarama.ParseKafkaVersion(cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("kafka consumer: invalid version %q: %w", cfg.Version, err)
	}
	sc := sarama.NewConfig()
	sc.Version = version
	sc.Consumer.Return.Errors = true
	if cfg.OffsetOldest {
		sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	}

	ctxConn, span := tracer.Start(ctx, "Connect",
		trace.WithAttributes(attribute.StringSlice("brokers", cfg.Brokers), attribute.String("group", cfg.GroupID)))
	defer span.End()

	var group sarama.ConsumerGroup
	connect := func(ctx context.Context) error {
		g, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, sc)
		if err != nil {
			consumerMetrics.ConnectErrors.WithLabelValues(serviceLabel).Inc()
			return err
		}
		group = g
		return nil
	}
	if err := backoff.Execute(ctxConn, cfg.Backoff, log, connect); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("kafka consumer: connect: %w", err)
	}

	log.Info("kafka consumer group joined",
		zap.Strings("brokers", cfg.Brokers),
		zap.String("group", cfg.GroupID),
	)
	return &kafkaConsumerGroup{group: group, log: log, backoffCfg: cfg.Backoff}, nil
}

// Consume runs group sessions until ctx is done. A failed session is
// followed by a back-off pause before the group rejoins.
func (kc *kafkaConsumerGroup) Consume(ctx context.Context, topics []string, handler commonkafka.Handler) error {
	h := otelsarama.WrapConsumerGroupHandler(&groupHandler{handler: handler, log: kc.log})

	bo, err := backoff.New(kc.backoffCfg)
	if err != nil {
		return err
	}
	for {
		err := kc.group.Consume(ctx, topics, h)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, sarama.ErrClosedConsumerGroup) {
			return err
		}
		if err == nil {
			// rebalance; rejoin immediately
			bo.Reset()
			continue
		}

		consumerMetrics.SessionErrors.WithLabelValues(serviceLabel).Inc()
		delay := bo.NextBackOff()
		if delay < 0 {
			return fmt.Errorf("kafka consumer: giving up after session errors: %w", err)
		}
		kc.log.Warn("consume session failed", zap.Error(err), zap.Duration("retry_in", delay))
		backoff.ObserveRetry(delay)
		if err := backoff.Sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func (kc *kafkaConsumerGroup) Close() error {
	return kc.group.Close()
}

type groupHandler struct {
	handler commonkafka.Handler
	log     *logger.Logger
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case <-sess.Context().Done():
			return nil
		case m, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if err := h.handleOne(sess, m); err != nil {
				// stop the claim so the record is redelivered after the rebalance
				return err
			}
		}
	}
}

func (h *groupHandler) handleOne(sess sarama.ConsumerGroupSession, m *sarama.ConsumerMessage) error {
	ctx := otel.GetTextMapPropagator().Extract(sess.Context(), otelsarama.NewConsumerMessageCarrier(m))
	ctx, span := tracer.Start(ctx, "HandleMessage",
		trace.WithAttributes(
			attribute.String("topic", m.Topic),
			attribute.Int64("offset", m.Offset),
		),
	)
	defer span.End()

	if err := h.handler(ctx, toMessage(m)); err != nil {
		consumerMetrics.HandlerErrors.WithLabelValues(serviceLabel, m.Topic).Inc()
		span.RecordError(err)
		h.log.WithContext(ctx).Error("handler error",
			zap.String("topic", m.Topic),
			zap.Int64("offset", m.Offset),
			zap.Error(err),
		)
		return err
	}
	sess.MarkMessage(m, "")
	consumerMetrics.Handled.WithLabelValues(serviceLabel, m.Topic).Inc()
	return nil
}

func toMessage(m *sarama.ConsumerMessage) *commonkafka.Message {
	headers := make(map[string][]byte, len(m.Headers))
	for _, hdr := range m.Headers {
		if hdr != nil && hdr.Key != nil {
			headers[string(hdr.Key)] = hdr.Value
		}
	}
	return &commonkafka.Message{
		Key:       m.Key,
		Value:     m.Value,
		Topic:     m.Topic,
		Partition: m.Partition,
		Offset:    m.Offset,
		Timestamp: m.Timestamp,
		Headers:   headers,
	}
}
