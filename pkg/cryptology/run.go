package cryptology

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/djeer/cryptology-go/common/logger"
	"github.com/djeer/cryptology-go/common/parallel"
)

// Sender is the part of Client the application callbacks use.
type Sender interface {
	Send(ctx context.Context, payload interface{}) error
}

// WriterFunc is the application's write loop. It receives the state
// snapshot from the handshake. Returning nil ends writing but keeps the
// session reading; returning an error ends the session.
type WriterFunc func(ctx context.Context, s Sender, state map[string]json.RawMessage) error

// ReadCallback handles one data message. Callbacks run concurrently and
// start in arrival order; an error ends the session.
type ReadCallback func(ctx context.Context, s Sender, msg DataMessage) error

// DialFunc opens the transport for a session.
type DialFunc func(ctx context.Context, cfg Config) (Transport, error)

type runOptions struct {
	log           *logger.Logger
	throttled     ThrottleFunc
	lastSeenOrder int64
	dial          DialFunc
	onReady       func(ctx context.Context, c *Client, res AuthenticationResult)
	onMessage     func(ctx context.Context, msg DataMessage)
}

// RunOption configures Run.
type RunOption func(*runOptions)

// WithRunLogger sets the session logger.
func WithRunLogger(l *logger.Logger) RunOption {
	return func(o *runOptions) { o.log = l }
}

// WithThrottling installs the throttling callback of the session client.
func WithThrottling(fn ThrottleFunc) RunOption {
	return func(o *runOptions) { o.throttled = fn }
}

// WithLastSeenOrder resumes from the given order cursor.
func WithLastSeenOrder(id int64) RunOption {
	return func(o *runOptions) { o.lastSeenOrder = id }
}

// WithDialer replaces the WebSocket dialer.
func WithDialer(d DialFunc) RunOption {
	return func(o *runOptions) { o.dial = d }
}

// WithOnReady is called once the handshake succeeded, before the loops start.
func WithOnReady(fn func(ctx context.Context, c *Client, res AuthenticationResult)) RunOption {
	return func(o *runOptions) { o.onReady = fn }
}

// WithOnMessage is called from the receive loop for every data message,
// in arrival order and before its read callback is dispatched. It must not
// block.
func WithOnMessage(fn func(ctx context.Context, msg DataMessage)) RunOption {
	return func(o *runOptions) { o.onMessage = fn }
}

func dialWS(ctx context.Context, cfg Config) (Transport, error) {
	return Dial(ctx, cfg)
}

// Run connects, authenticates and drives one session: the receive loop,
// which dispatches each data message to read, and writer run side by side.
// The first failure of either, or of any read callback, cancels the rest
// and is returned once every goroutine has stopped. Cancelling ctx returns
// ctx's error. A venue that does not answer the handshake within
// HandshakeTimeout fails the session with KindHeartbeat. Run never
// reconnects.
func Run(ctx context.Context, cfg Config, writer WriterFunc, read ReadCallback, opts ...RunOption) error {
	o := runOptions{log: logger.NewNop(), dial: dialWS}
	for _, opt := range opts {
		opt(&o)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx = logger.ContextWithSessionID(ctx, uuid.NewString())
	log := o.log.Named("session")

	t, err := o.dial(ctx, cfg)
	if err != nil {
		return err
	}
	log.WithContext(ctx).Info("connected", zap.String("url", cfg.URL))

	client := NewClient(t, cfg.AccessKey, cfg.SecretKey, WithLogger(o.log), WithThrottleCallback(o.throttled))
	defer client.Close()

	authCtx, cancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
	res, err := client.Authenticate(authCtx, o.lastSeenOrder, cfg.GetBalances, cfg.GetOrderBooks)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	if o.onReady != nil {
		o.onReady(ctx, client, res)
	}

	reader := func(ctx context.Context) error {
		return receiveLoop(ctx, client, read, o.onMessage, log)
	}
	write := func(ctx context.Context) error {
		if writer == nil {
			return nil
		}
		return writer(ctx, client, res.State)
	}

	err = parallel.Run(ctx, []parallel.Op{reader, write}, parallel.RaiseCanceled(), parallel.WithLogger(log))
	if err != nil {
		log.WithContext(ctx).Info("session ended", zap.Error(err))
	}
	return err
}

// receiveLoop reads until the client fails and dispatches every data
// message to its own goroutine. Callbacks are awaited, or cancelled, before
// it returns.
func receiveLoop(
	ctx context.Context,
	c *Client,
	read ReadCallback,
	onMessage func(context.Context, DataMessage),
	log *logger.Logger,
) error {
	g := parallel.NewGroup(ctx, log)

	g.Go(func(ctx context.Context) error {
		started := make(chan struct{})
		close(started)
		for {
			msg, err := c.Receive(ctx)
			if err != nil {
				return err
			}
			if onMessage != nil {
				onMessage(ctx, msg)
			}
			if read == nil {
				continue
			}

			prev, next := started, make(chan struct{})
			started = next
			g.Go(func(ctx context.Context) error {
				select {
				case <-prev:
				case <-ctx.Done():
					close(next)
					return nil
				}
				close(next)
				return read(ctx, c, msg)
			})
		}
	})
	return g.Wait()
}
