// Package producer implements kafka.Producer on a sarama SyncProducer.
package producer

import (
	"context"
	"fmt"
	"sync"
	"time"

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

// SetServiceLabel sets the "service" label of the producer metrics.
func SetServiceLabel(name string) { serviceLabel = name }

var producerMetrics = struct {
	ConnectErrors  *prometheus.CounterVec
	Published      *prometheus.CounterVec
	PublishErrors  *prometheus.CounterVec
	PublishLatency *prometheus.HistogramVec
	PingErrors     *prometheus.CounterVec
}{
	ConnectErrors: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "common", Subsystem: "kafka_producer", Name: "connect_errors_total",
			Help: "Failed attempts to create the sync producer",
		},
		[]string{"service"},
	),
	Published: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "common", Subsystem: "kafka_producer", Name: "published_total",
			Help: "Records acknowledged by the cluster",
		},
		[]string{"service", "topic"},
	),
	PublishErrors: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "common", Subsystem: "kafka_producer", Name: "publish_errors_total",
			Help: "Records that could not be published after retries",
		},
		[]string{"service", "topic"},
	),
	PublishLatency: promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "common", Subsystem: "kafka_producer", Name: "publish_latency_seconds",
			Help:    "Publish latency including retries",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service"},
	),
	PingErrors: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "common", Subsystem: "kafka_producer", Name: "ping_errors_total",
			Help: "Failed metadata refreshes",
		},
		[]string{"service"},
	),
}

var tracer = otel.Tracer("kafka-producer")

// metadataRefresher is the part of sarama.Client the producer needs.
type metadataRefresher interface {
	RefreshMetadata(topics ...string) error
	Close() error
}

type kafkaProducer struct {
	prod       sarama.SyncProducer
	client     metadataRefresher
	log        *logger.Logger
	backoffCfg backoff.Config

	closeOnce sync.Once
	closeErr  error
}

// New connects to the brokers, retrying with cfg.Backoff, and returns a
// traced synchronous producer.
func New(ctx context.Context, cfg Config, log *logger.Logger) (commonkafka.Producer, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log = log.Named("kafka-producer")

	sc, err := buildSaramaConfig(cfg)
	if err != nil {
		return nil, err
	}

	ctxConn, span := tracer.Start(ctx, "Connect",
		trace.WithAttributes(attribute.StringSlice("brokers", cfg.Brokers)))
	defer span.End()

	var (
		client   sarama.Client
		syncProd sarama.SyncProducer
	)
	connect := func(ctx context.Context) error {
		c, err := sarama.NewClient(cfg.Brokers, sc)
		if err != nil {
			producerMetrics.ConnectErrors.WithLabelValues(serviceLabel).Inc()
			return err
		}
		p, err := sarama.NewSyncProducerFromClient(c)
		if err != nil {
			_ = c.Close()
			producerMetrics.ConnectErrors.WithLabelValues(serviceLabel).Inc()
			return err
		}
		client, syncProd = c, p
		return nil
	}
	if err := backoff.Execute(ctxConn, cfg.Backoff, log, connect); err != nil {
		span.RecordError(err)
		log.Error("kafka producer connect failed", zap.Error(err))
		return nil, fmt.Errorf("kafka producer: connect: %w", err)
	}

	log.Info("kafka producer ready", zap.Strings("brokers", cfg.Brokers))
	return newFromSyncProducer(otelsarama.WrapSyncProducer(sc, syncProd), client, cfg.Backoff, log), nil
}

func newFromSyncProducer(p sarama.SyncProducer, client metadataRefresher, bcfg backoff.Config, log *logger.Logger) *kafkaProducer {
	return &kafkaProducer{prod: p, client: client, log: log, backoffCfg: bcfg}
}

// Publish sends rec and blocks until it is acknowledged or retries run out.
func (k *kafkaProducer) Publish(ctx context.Context, rec commonkafka.Record) error {
	ctxPub, span := tracer.Start(ctx, "Publish", trace.WithAttributes(attribute.String("topic", rec.Topic)))
	defer span.End()
	start := time.Now()

	msg := &sarama.ProducerMessage{
		Topic: rec.Topic,
		Value: sarama.ByteEncoder(rec.Value),
	}
	if rec.Key != nil {
		msg.Key = sarama.ByteEncoder(rec.Key)
	}
	for name, v := range rec.Headers {
		msg.Headers = append(msg.Headers, sarama.RecordHeader{Key: []byte(name), Value: v})
	}

	send := func(ctx context.Context) error {
		_, _, err := k.prod.SendMessage(msg)
		return err
	}
	err := backoff.Execute(ctxPub, k.backoffCfg, k.log, send)
	producerMetrics.PublishLatency.WithLabelValues(serviceLabel).Observe(time.Since(start).Seconds())

	if err != nil {
		producerMetrics.PublishErrors.WithLabelValues(serviceLabel, rec.Topic).Inc()
		span.RecordError(err)
		k.log.WithContext(ctx).Error("publish failed", zap.String("topic", rec.Topic), zap.Error(err))
		return err
	}
	producerMetrics.Published.WithLabelValues(serviceLabel, rec.Topic).Inc()
	return nil
}

func (k *kafkaProducer) Ping(ctx context.Context) error {
	_, span := tracer.Start(ctx, "Ping")
	defer span.End()
	if k.client == nil {
		return nil
	}
	if err := k.client.RefreshMetadata(); err != nil {
		producerMetrics.PingErrors.WithLabelValues(serviceLabel).Inc()
		span.RecordError(err)
		return err
	}
	return nil
}

// Close flushes the producer and closes the client. It is idempotent.
func (k *kafkaProducer) Close() error {
	k.closeOnce.Do(func() {
		if err := k.prod.Close(); err != nil {
			k.log.Error("producer close failed", zap.Error(err))
			k.closeErr = err
		}
		if k.client != nil {
			if err := k.client.Close(); err != nil && k.closeErr == nil {
				k.closeErr = err
			}
		}
		k.log.Info("kafka producer closed")
	})
	return k.closeErr
}
