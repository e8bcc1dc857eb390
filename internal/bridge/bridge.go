// Package bridge connects a venue session to Kafka: records from the
// outbound topic are sent to the venue, venue messages are published to
// the inbound topic.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	commonkafka "github.com/djeer/cryptology-go/common/kafka"
	"github.com/djeer/cryptology-go/common/logger"
	"github.com/djeer/cryptology-go/internal/cursor"
	"github.com/djeer/cryptology-go/internal/metrics"
	"github.com/djeer/cryptology-go/pkg/cryptology"
)

// Record headers set on everything published to the inbound topic.
const (
	HeaderContentType = "content-type"
	HeaderKind        = "kind"

	ContentType = "application/x-protobuf; messageType=google.protobuf.Struct"
	KindMessage = "message"
	KindState   = "state"
)

var tracer = otel.Tracer("gateway/bridge")

// Bridge implements the writer, read callback and throttling callback of
// a cryptology session.
type Bridge struct {
	consumer commonkafka.Consumer
	producer commonkafka.Producer
	cursor   cursor.Store

	inboundTopic  string
	outboundTopic string

	progress *progress
	lastSeen atomic.Int64
	log      *logger.Logger
}

// New builds a Bridge. inbound receives venue messages, outbound is read
// for payloads to send.
func New(
	consumer commonkafka.Consumer,
	producer commonkafka.Producer,
	store cursor.Store,
	inbound, outbound string,
	log *logger.Logger,
) *Bridge {
	return &Bridge{
		consumer:      consumer,
		producer:      producer,
		cursor:        store,
		inboundTopic:  inbound,
		outboundTopic: outbound,
		progress:      newProgress(),
		log:           log.Named("bridge"),
	}
}

// Writer publishes the handshake state snapshot, if any, then forwards
// every JSON object on the outbound topic until ctx is done or a send
// fails. Records that are not JSON objects are skipped and committed.
// A record whose send failed stays uncommitted and is redelivered to the
// next session.
func (b *Bridge) Writer(ctx context.Context, s cryptology.Sender, state map[string]json.RawMessage) error {
	if len(state) > 0 {
		if err := b.publishState(ctx, state); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu      sync.Mutex
		sendErr error
	)
	handler := func(ctx context.Context, m *commonkafka.Message) error {
		if !isJSONObject(m.Value) {
			metrics.Skipped.Inc()
			b.log.WithContext(ctx).Warn("outbound record is not a JSON object, skipped",
				zap.String("topic", m.Topic),
				zap.Int32("partition", m.Partition),
				zap.Int64("offset", m.Offset),
			)
			return nil
		}
		if err := s.Send(ctx, json.RawMessage(m.Value)); err != nil {
			mu.Lock()
			if sendErr == nil {
				sendErr = err
			}
			mu.Unlock()
			cancel()
			return err
		}
		metrics.Forwarded.Inc()
		return nil
	}

	err := b.consumer.Consume(ctx, []string{b.outboundTopic}, handler)
	mu.Lock()
	defer mu.Unlock()
	if sendErr != nil {
		return sendErr
	}
	return err
}

// Reset forgets the message ids of the previous session. Call it before
// every session.
func (b *Bridge) Reset() {
	b.progress.reset()
}

// Track registers a received message before its read callback runs, so a
// later message finishing first cannot move the cursor past it.
func (b *Bridge) Track(_ context.Context, msg cryptology.DataMessage) {
	if msg.MessageID > 0 {
		b.progress.begin(msg.MessageID)
	}
}

// Read publishes msg to the inbound topic, keyed by its message id. The
// cursor then advances to the highest id below which every tracked message
// of the session is published.
func (b *Bridge) Read(ctx context.Context, _ cryptology.Sender, msg cryptology.DataMessage) error {
	b.Track(ctx, msg)

	ctx, span := tracer.Start(ctx, "Bridge.Read",
		trace.WithAttributes(attribute.Int64("message_id", msg.MessageID)))
	defer span.End()

	value, err := EncodeMessage(msg)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("bridge: encode message %d: %w", msg.MessageID, err)
	}
	rec := commonkafka.Record{
		Topic: b.inboundTopic,
		Value: value,
		Headers: map[string][]byte{
			HeaderContentType: []byte(ContentType),
			HeaderKind:        []byte(KindMessage),
		},
	}
	if msg.MessageID != 0 {
		rec.Key = []byte(strconv.FormatInt(msg.MessageID, 10))
	}
	if err := b.producer.Publish(ctx, rec); err != nil {
		span.RecordError(err)
		return fmt.Errorf("bridge: publish message %d: %w", msg.MessageID, err)
	}
	metrics.Published.Inc()

	if msg.MessageID <= 0 {
		return nil
	}
	mark, moved := b.progress.complete(msg.MessageID)
	if !moved {
		return nil
	}
	if err := b.cursor.Save(ctx, mark); err != nil {
		return fmt.Errorf("bridge: save cursor: %w", err)
	}
	b.observeCursor(mark)
	return nil
}

// Throttled counts the signal and lets the client apply its own delay.
func (b *Bridge) Throttled(ctx context.Context, level int, seq int64) bool {
	metrics.Throttled.Inc()
	b.log.WithContext(ctx).Warn("venue throttling",
		zap.Int("overflow_level", level),
		zap.Int64("sequence_id", seq),
	)
	return false
}

func (b *Bridge) observeCursor(id int64) {
	for {
		cur := b.lastSeen.Load()
		if id <= cur {
			return
		}
		if b.lastSeen.CompareAndSwap(cur, id) {
			metrics.LastSeenOrder.Set(float64(id))
			return
		}
	}
}

func (b *Bridge) publishState(ctx context.Context, state map[string]json.RawMessage) error {
	ctx, span := tracer.Start(ctx, "Bridge.PublishState")
	defer span.End()

	value, err := EncodeState(state)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("bridge: encode state: %w", err)
	}
	err = b.producer.Publish(ctx, commonkafka.Record{
		Topic: b.inboundTopic,
		Key:   []byte(KindState),
		Value: value,
		Headers: map[string][]byte{
			HeaderContentType: []byte(ContentType),
			HeaderKind:        []byte(KindState),
		},
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("bridge: publish state: %w", err)
	}

	keys := make([]string, 0, len(state))
	for k := range state {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	b.log.WithContext(ctx).Info("state snapshot published", zap.Strings("keys", keys))
	return nil
}

// EncodeMessage renders msg as a protobuf Struct
// {timestamp: RFC 3339 string, message_id?: number, data: any}.
func EncodeMessage(msg cryptology.DataMessage) ([]byte, error) {
	var data interface{}
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &data); err != nil {
			return nil, err
		}
	}
	fields := map[string]interface{}{
		"timestamp": msg.Timestamp.UTC().Format(time.RFC3339Nano),
		"data":      data,
	}
	if msg.MessageID != 0 {
		fields["message_id"] = msg.MessageID
	}
	st, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}
	return proto.Marshal(st)
}

// EncodeState renders the handshake snapshot as a protobuf Struct keyed
// like the snapshot itself.
func EncodeState(state map[string]json.RawMessage) ([]byte, error) {
	fields := make(map[string]interface{}, len(state))
	for k, raw := range state {
		var v interface{}
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("state %q: %w", k, err)
		}
		fields[k] = v
	}
	st, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}
	return proto.Marshal(st)
}

func isJSONObject(b []byte) bool {
	b = bytes.TrimSpace(b)
	return len(b) > 0 && b[0] == '{' && json.Valid(b)
}
