package cryptology

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/djeer/cryptology-go/common/logger"
)

// State is the lifecycle stage of a Client.
type State int

const (
	StateConnecting State = iota
	StateAuthenticating
	StateReady
	StateClosing
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ThrottleFunc is consulted for every throttling signal. Returning true
// means the application handled it; otherwise the client delays its next
// send by level milliseconds.
type ThrottleFunc func(ctx context.Context, level int, sequenceID int64) bool

// ThrottleUnit is the delay per overflow level.
const ThrottleUnit = time.Millisecond

var tracer = otel.Tracer("cryptology-client")

// Client is one protocol session over a Transport.
type Client struct {
	t         Transport
	accessKey string
	secretKey string
	throttled ThrottleFunc
	log       *logger.Logger

	// test hooks
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time

	mu          sync.Mutex
	state       State
	seq         int64
	throttle    time.Duration
	inFlight    chan struct{} // closed when the latest send has left the wire
	lastFrameAt time.Time
	err         error

	recvMu sync.Mutex
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client logger.
func WithLogger(l *logger.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithThrottleCallback installs the throttling callback.
func WithThrottleCallback(fn ThrottleFunc) Option {
	return func(c *Client) { c.throttled = fn }
}

// NewClient wraps an open transport. Call Authenticate before anything else.
func NewClient(t Transport, accessKey, secretKey string, opts ...Option) *Client {
	done := make(chan struct{})
	close(done)
	c := &Client{
		t:         t,
		accessKey: accessKey,
		secretKey: secretKey,
		log:       logger.NewNop(),
		sleep:     sleepCtx,
		now:       time.Now,
		inFlight:  done,
	}
	for _, o := range opts {
		o(c)
	}
	c.log = c.log.Named("cryptology-client")
	return c
}

// Authenticate performs the handshake and seeds the sequence counter with
// the server's last seen sequence. A server older than MinServerVersion
// fails with KindIncompatibleVersion; the result is returned anyway.
func (c *Client) Authenticate(ctx context.Context, lastSeenOrder int64, getBalances, getOrderBooks bool) (AuthenticationResult, error) {
	ctx, span := tracer.Start(ctx, "Authenticate",
		trace.WithAttributes(attribute.Int64("last_seen_order", lastSeenOrder)))
	defer span.End()

	c.mu.Lock()
	if c.state != StateConnecting {
		st := c.state
		c.mu.Unlock()
		return AuthenticationResult{}, fmt.Errorf("cryptology: authenticate in state %s", st)
	}
	c.state = StateAuthenticating
	c.mu.Unlock()

	res, err := c.handshake(ctx, handshakeRequest{
		AccessKey:     c.accessKey,
		SecretKey:     c.secretKey,
		LastSeenOrder: lastSeenOrder,
		Version:       ProtocolVersion,
		GetBalances:   getBalances,
		GetOrderBooks: getOrderBooks,
	})
	if err == nil && res.ServerVersion < MinServerVersion {
		err = &Error{
			Kind:    KindIncompatibleVersion,
			Message: fmt.Sprintf("server version %d, need at least %d", res.ServerVersion, MinServerVersion),
		}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, c.fail(err)
	}

	c.mu.Lock()
	c.seq = res.LastSeenSequence
	c.lastFrameAt = c.now()
	c.state = StateReady
	c.mu.Unlock()

	c.log.WithContext(ctx).Info("authenticated",
		zap.Int("server_version", res.ServerVersion),
		zap.Int64("sequence_id", res.LastSeenSequence),
		zap.Int("state_keys", len(res.State)),
	)
	return res, nil
}

func (c *Client) handshake(ctx context.Context, req handshakeRequest) (AuthenticationResult, error) {
	b, err := encodeHandshake(req)
	if err != nil {
		return AuthenticationResult{}, fmt.Errorf("cryptology: encode handshake: %w", err)
	}
	started := c.now()
	if err := c.t.WriteMessage(ctx, b); err != nil {
		return AuthenticationResult{}, handshakeError(err, started, c.now())
	}
	frame, err := c.t.ReadFrame(ctx)
	if err != nil {
		return AuthenticationResult{}, handshakeError(err, started, c.now())
	}
	switch frame.Type {
	case FrameClose:
		return AuthenticationResult{}, FromCloseCode(frame.CloseCode)
	case FrameBinary:
		return AuthenticationResult{}, unsupportedMessage("binary handshake response")
	}
	if !hasResponseType(frame.Data) {
		return decodeHandshake(frame.Data)
	}

	ev, err := Decode(frame.Data)
	if err != nil {
		return AuthenticationResult{}, err
	}
	switch ev := ev.(type) {
	case ErrorSignal:
		c.log.WithContext(ctx).Error("error frame instead of handshake response",
			zap.String("error_type", ev.RawType),
			zap.String("message", ev.Message),
		)
		return AuthenticationResult{}, FromErrorSignal(ev, started, c.now())
	case DataMessage:
		return AuthenticationResult{}, unsupportedMessage("MESSAGE frame before handshake response")
	default:
		return AuthenticationResult{}, unsupportedMessage("THROTTLING frame before handshake response")
	}
}

// handshakeError types a failed handshake write or read. A handshake
// deadline means the venue never answered and counts as a heartbeat
// failure; a plain cancellation is returned as is.
func handshakeError(err error, started, now time.Time) error {
	var e *Error
	if !errors.As(err, &e) && errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindHeartbeat, Message: "no handshake response", LastSeen: started, Now: now, Err: err}
	}
	return asError(err)
}

// Send assigns the next sequence id to payload and writes the envelope.
//
// Sends are transmitted one at a time in call order; a call blocks until
// the previous one has left the wire and any pending throttle delay has
// elapsed. The sequence id is consumed even if the write then fails.
// Cancelling ctx while waiting leaves the client usable; cancelling it
// once the write has started fails the client with KindDisconnected.
// Payload must marshal to JSON; a json.RawMessage is sent verbatim.
func (c *Client) Send(ctx context.Context, payload interface{}) error {
	c.mu.Lock()
	if err := c.sendableLocked(); err != nil {
		c.mu.Unlock()
		c.log.WithContext(ctx).Warn("send on unusable connection", zap.Error(err))
		return err
	}
	c.mu.Unlock()

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("cryptology: encode payload: %w", err)
	}

	c.mu.Lock()
	if err := c.sendableLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	c.seq++
	seq := c.seq
	prev := c.inFlight
	done := make(chan struct{})
	c.inFlight = done
	c.mu.Unlock()

	ctx, span := tracer.Start(ctx, "Send", trace.WithAttributes(attribute.Int64("sequence_id", seq)))
	defer span.End()

	err = c.transmit(ctx, prev, done, seq, data)
	if err != nil {
		sendErrors.Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	sentMessages.Inc()
	return nil
}

// transmit waits for its turn, applies the throttle delay and writes.
// done is closed only once nothing of this send can still reach the wire.
func (c *Client) transmit(ctx context.Context, prev <-chan struct{}, done chan struct{}, seq int64, data []byte) error {
	select {
	case <-prev:
	case <-ctx.Done():
		// keep the chain intact: the next send still waits for prev
		go func() {
			<-prev
			close(done)
		}()
		return ctx.Err()
	}
	defer close(done)

	c.mu.Lock()
	delay := c.throttle
	c.throttle = 0
	c.mu.Unlock()
	if delay > 0 {
		c.log.WithContext(ctx).Warn("throttling send", zap.Duration("delay", delay), zap.Int64("sequence_id", seq))
		throttleDelay.Observe(delay.Seconds())
		if err := c.sleep(ctx, delay); err != nil {
			return err
		}
	}

	frame, err := EncodeEnvelope(seq, data)
	if err != nil {
		return fmt.Errorf("cryptology: encode envelope: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.log.WithContext(ctx).Debug("sending message", zap.Int64("sequence_id", seq), zap.ByteString("payload", data))
	if err := c.t.WriteMessage(ctx, frame); err != nil {
		if ctx.Err() != nil {
			// a write interrupted half way leaves the stream unusable
			return c.fail(&Error{
				Kind:    KindDisconnected,
				Code:    closeAbnormal,
				Message: fmt.Sprintf("send of sequence %d interrupted", seq),
				Err:     ctx.Err(),
			})
		}
		return c.fail(asError(err))
	}
	return nil
}

// SendSigned is the previous name of Send.
//
// Deprecated: use Send.
func (c *Client) SendSigned(ctx context.Context, payload interface{}) error {
	return c.Send(ctx, payload)
}

func (c *Client) sendableLocked() error {
	switch {
	case c.state == StateConnecting || c.state == StateAuthenticating:
		return ErrNotAuthenticated
	case c.state != StateReady || c.t.Closed():
		return &Error{Kind: KindConnectionClosed}
	}
	return nil
}

// Receive returns the next data message. Throttling signals are applied
// on the way; error frames, close frames and undecodable frames end the
// session and are returned as *Error. Once Receive has failed, every later
// call returns the same error.
func (c *Client) Receive(ctx context.Context) (DataMessage, error) {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return DataMessage{}, err
	}
	if c.state != StateReady {
		st := c.state
		c.mu.Unlock()
		if st < StateReady {
			return DataMessage{}, ErrNotAuthenticated
		}
		return DataMessage{}, &Error{Kind: KindConnectionClosed}
	}
	c.mu.Unlock()

	for {
		frame, err := c.t.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return DataMessage{}, c.fail(ctx.Err())
			}
			return DataMessage{}, c.fail(asError(err))
		}

		now := c.now()
		c.mu.Lock()
		lastSeen := c.lastFrameAt
		c.lastFrameAt = now
		c.mu.Unlock()

		switch frame.Type {
		case FrameClose:
			receivedFrames.WithLabelValues("close").Inc()
			return DataMessage{}, c.fail(FromCloseCode(frame.CloseCode))
		case FrameBinary:
			receivedFrames.WithLabelValues("binary").Inc()
			return DataMessage{}, c.fail(unsupportedMessage("binary frame of %d bytes", len(frame.Data)))
		}

		ev, err := Decode(frame.Data)
		if err != nil {
			receivedFrames.WithLabelValues("invalid").Inc()
			return DataMessage{}, c.fail(err)
		}

		switch ev := ev.(type) {
		case DataMessage:
			receivedFrames.WithLabelValues("message").Inc()
			c.log.WithContext(ctx).Debug("message received",
				zap.Time("timestamp", ev.Timestamp),
				zap.Int64("message_id", ev.MessageID),
			)
			return ev, nil

		case ThrottleSignal:
			receivedFrames.WithLabelValues("throttling").Inc()
			c.applyThrottle(ctx, ev)

		case ErrorSignal:
			receivedFrames.WithLabelValues("error").Inc()
			perr := FromErrorSignal(ev, lastSeen, now)
			c.log.WithContext(ctx).Error("error frame received",
				zap.String("error_type", ev.RawType),
				zap.String("message", ev.Message),
			)
			return DataMessage{}, c.fail(perr)
		}
	}
}

func (c *Client) applyThrottle(ctx context.Context, sig ThrottleSignal) {
	if c.throttled != nil && c.throttled(ctx, sig.Level, sig.SequenceID) {
		return
	}
	delay := time.Duration(sig.Level) * ThrottleUnit
	c.mu.Lock()
	c.throttle = delay
	c.mu.Unlock()
	c.log.WithContext(ctx).Warn("throttling requested",
		zap.Int("overflow_level", sig.Level),
		zap.Int64("sequence_id", sig.SequenceID),
		zap.Duration("delay", delay),
	)
}

// fail records the first terminal error and moves the client out of Ready.
func (c *Client) fail(err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		c.err = err
		var e *Error
		if errors.As(err, &e) {
			sessionErrors.WithLabelValues(e.Kind.String()).Inc()
		}
	}
	if c.state != StateClosed {
		c.state = StateFailed
	}
	return err
}

// Close closes the transport. It is safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.state == StateClosed || c.state == StateClosing {
		c.mu.Unlock()
		return nil
	}
	failed := c.state == StateFailed
	c.state = StateClosing
	c.mu.Unlock()

	err := c.t.Close()

	c.mu.Lock()
	if failed {
		c.state = StateFailed
	} else {
		c.state = StateClosed
	}
	c.mu.Unlock()
	return err
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SequenceID returns the last assigned sequence id.
func (c *Client) SequenceID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}

// ThrottleDelay returns the delay the next send will apply.
func (c *Client) ThrottleDelay() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.throttle
}

// Err returns the terminal error, if any.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
