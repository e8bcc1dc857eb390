package cryptology

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestAuthenticate_HandshakeFrame(t *testing.T) {
	tests := []struct {
		name          string
		balances      bool
		orderBooks    bool
		wantBalances  bool
		wantOrderBook bool
	}{
		{name: "no snapshots"},
		{name: "balances", balances: true, wantBalances: true},
		{name: "both", balances: true, orderBooks: true, wantBalances: true, wantOrderBook: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ft := newFakeTransport()
			ft.push(`{"last_seen_sequence":7,"version":6,"state":{"balances":{"BTC":"1"}}}`)
			c := NewClient(ft, "ak", "sk")

			res, err := c.Authenticate(context.Background(), 99, tt.balances, tt.orderBooks)
			if err != nil {
				t.Fatalf("Authenticate: %v", err)
			}
			if res.LastSeenSequence != 7 || res.ServerVersion != 6 {
				t.Fatalf("result = %+v", res)
			}
			if _, ok := res.State["balances"]; !ok {
				t.Fatalf("state = %v, want balances", res.State)
			}

			var hs map[string]interface{}
			if err := json.Unmarshal(ft.writes()[0], &hs); err != nil {
				t.Fatalf("handshake: %v", err)
			}
			if hs["access_key"] != "ak" || hs["secret_key"] != "sk" {
				t.Errorf("credentials = %v", hs)
			}
			if hs["last_seen_order"] != float64(99) || hs["version"] != float64(ProtocolVersion) {
				t.Errorf("handshake = %v", hs)
			}
			_, hasBalances := hs["get_balances"]
			_, hasBooks := hs["get_order_books"]
			if hasBalances != tt.wantBalances || hasBooks != tt.wantOrderBook {
				t.Errorf("snapshot flags = %v", hs)
			}
			if c.State() != StateReady || c.SequenceID() != 7 {
				t.Errorf("state %s seq %d", c.State(), c.SequenceID())
			}
		})
	}
}

func TestAuthenticate_Failures(t *testing.T) {
	tests := []struct {
		name  string
		frame func(*fakeTransport)
		want  error
	}{
		{"old server", func(f *fakeTransport) { f.push(`{"last_seen_sequence":1,"version":5}`) }, ErrIncompatibleVersion},
		{"invalid key close", func(f *fakeTransport) { f.pushClose(CloseInvalidKey) }, ErrInvalidKey},
		{"missing fields", func(f *fakeTransport) { f.push(`{"version":6}`) }, ErrUnsupportedMessage},
		{"garbage", func(f *fakeTransport) { f.push(`nope`) }, ErrUnsupportedMessage},
		{"heartbeat timeout frame", func(f *fakeTransport) { f.push(string(heartbeatFrame)) }, ErrHeartbeat},
		{"invalid payload error", func(f *fakeTransport) {
			f.push(`{"response_type":"ERROR","error_type":"INVALID_PAYLOAD","error_message":"bad field"}`)
		}, ErrInvalidPayload},
		{"message before handshake", func(f *fakeTransport) {
			f.push(`{"response_type":"MESSAGE","timestamp":1,"data":{}}`)
		}, ErrUnsupportedMessage},
		{"broadcast before handshake", func(f *fakeTransport) {
			f.push(`{"response_type":"BROADCAST","data":{}}`)
		}, ErrUnsupportedMessageType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ft := newFakeTransport()
			tt.frame(ft)
			c := NewClient(ft, "ak", "sk")
			_, err := c.Authenticate(context.Background(), 0, false, false)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if c.State() != StateFailed {
				t.Fatalf("state = %s, want failed", c.State())
			}
			if err := c.Send(context.Background(), map[string]int{"a": 1}); !errors.Is(err, ErrConnectionClosed) {
				t.Fatalf("Send after failed handshake = %v", err)
			}
		})
	}
}

func TestAuthenticate_ErrorFrameKeepsMessage(t *testing.T) {
	ft := newFakeTransport()
	ft.push(`{"response_type":"ERROR","error_type":"INVALID_PAYLOAD","error_message":"bad field"}`)
	c := NewClient(ft, "ak", "sk")
	_, err := c.Authenticate(context.Background(), 0, false, false)
	var e *Error
	if !errors.As(err, &e) || e.Kind != KindInvalidPayload || e.Message != "bad field" {
		t.Fatalf("err = %v, want invalid payload %q", err, "bad field")
	}
}

func TestAuthenticate_DeadlineIsHeartbeatFailure(t *testing.T) {
	ft := newFakeTransport()
	c := NewClient(ft, "ak", "sk")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Authenticate(ctx, 0, false, false)
	if !errors.Is(err, ErrHeartbeat) {
		t.Fatalf("err = %v, want heartbeat", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want the deadline kept as cause", err)
	}
	if c.State() != StateFailed {
		t.Fatalf("state = %s, want failed", c.State())
	}
}

func TestAuthenticate_CancelStaysUntyped(t *testing.T) {
	ft := newFakeTransport()
	c := NewClient(ft, "ak", "sk")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Authenticate(ctx, 0, false, false)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want canceled", err)
	}
	var e *Error
	if errors.As(err, &e) {
		t.Fatalf("cancellation became %v", e)
	}
}

func TestSend_SequenceFollowsHandshake(t *testing.T) {
	for _, start := range []int64{0, 41} {
		c, ft := authenticated(t, start)
		for i := 0; i < 3; i++ {
			if err := c.Send(context.Background(), map[string]int{"n": i}); err != nil {
				t.Fatalf("Send: %v", err)
			}
		}
		env := ft.envelopes(t)
		if len(env) != 3 {
			t.Fatalf("got %d envelopes", len(env))
		}
		for i, e := range env {
			if want := start + int64(i) + 1; e.SequenceID != want {
				t.Errorf("envelope %d: sequence_id = %d, want %d", i, e.SequenceID, want)
			}
			var data map[string]int
			if err := json.Unmarshal(e.Data, &data); err != nil || data["n"] != i {
				t.Errorf("envelope %d: data = %s", i, e.Data)
			}
		}
	}
}

func TestSend_OneInFlight(t *testing.T) {
	c, ft := authenticated(t, 0)

	entered := make(chan int64, 2)
	release := make(chan struct{})
	ft.beforeWrite = func(ctx context.Context, data []byte) error {
		var e Envelope
		_ = json.Unmarshal(data, &e)
		entered <- e.SequenceID
		if e.SequenceID == 1 {
			<-release
		}
		return nil
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := c.Send(context.Background(), "first"); err != nil {
			t.Errorf("first Send: %v", err)
		}
	}()
	if got := <-entered; got != 1 {
		t.Fatalf("first write seq = %d", got)
	}

	secondDone := make(chan error, 1)
	go func() { secondDone <- c.Send(context.Background(), "second") }()

	select {
	case seq := <-entered:
		t.Fatalf("second write (seq %d) started while the first was in flight", seq)
	case err := <-secondDone:
		t.Fatalf("second Send returned early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	if got := <-entered; got != 2 {
		t.Fatalf("second write seq = %d", got)
	}
	if err := <-secondDone; err != nil {
		t.Fatalf("second Send: %v", err)
	}
	wg.Wait()
}

func TestSend_CancelledWaiterKeepsOrder(t *testing.T) {
	c, ft := authenticated(t, 0)

	entered := make(chan int64, 3)
	release := make(chan struct{})
	ft.beforeWrite = func(ctx context.Context, data []byte) error {
		var e Envelope
		_ = json.Unmarshal(data, &e)
		entered <- e.SequenceID
		if e.SequenceID == 1 {
			<-release
		}
		return nil
	}

	go func() { _ = c.Send(context.Background(), "first") }()
	<-entered

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.Send(ctx, "cancelled"); !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled Send = %v", err)
	}

	thirdDone := make(chan error, 1)
	go func() { thirdDone <- c.Send(context.Background(), "third") }()
	select {
	case seq := <-entered:
		t.Fatalf("write of seq %d overtook the in-flight send", seq)
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	if got := <-entered; got != 3 {
		t.Fatalf("third send used seq %d, want 3 (2 is consumed)", got)
	}
	if err := <-thirdDone; err != nil {
		t.Fatalf("third Send: %v", err)
	}
}

func TestThrottle_DelayConsumedOnce(t *testing.T) {
	c, ft := authenticated(t, 0)
	var slept []time.Duration
	c.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	ft.push(`{"response_type":"THROTTLING","overflow_level":5,"sequence_id":2}`)
	ft.push(`{"response_type":"MESSAGE","timestamp":1,"data":{}}`)
	if _, err := c.Receive(context.Background()); err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if got := c.ThrottleDelay(); got != 5*time.Millisecond {
		t.Fatalf("throttle = %v, want 5ms", got)
	}

	if err := c.Send(context.Background(), "a"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if c.ThrottleDelay() != 0 {
		t.Fatalf("throttle not reset: %v", c.ThrottleDelay())
	}
	if err := c.Send(context.Background(), "b"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(slept) != 1 || slept[0] != 5*time.Millisecond {
		t.Fatalf("slept %v, want [5ms]", slept)
	}
}

func TestThrottle_RealDelay(t *testing.T) {
	c, ft := authenticated(t, 0)
	ft.push(`{"response_type":"THROTTLING","overflow_level":20,"sequence_id":1}`)
	ft.push(`{"response_type":"MESSAGE","timestamp":1,"data":{}}`)
	if _, err := c.Receive(context.Background()); err != nil {
		t.Fatalf("Receive: %v", err)
	}
	start := time.Now()
	if err := c.Send(context.Background(), "x"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if el := time.Since(start); el < 20*time.Millisecond {
		t.Fatalf("send took %v, want >= 20ms", el)
	}
}

func TestThrottle_Callback(t *testing.T) {
	tests := []struct {
		name    string
		handled bool
		want    time.Duration
	}{
		{"handled by application", true, 0},
		{"left to client", false, 7 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotLevel int
			var gotSeq int64
			cb := func(ctx context.Context, level int, seq int64) bool {
				gotLevel, gotSeq = level, seq
				return tt.handled
			}
			c, ft := authenticated(t, 0, WithThrottleCallback(cb))
			ft.push(`{"response_type":"THROTTLING","overflow_level":7,"sequence_id":3}`)
			ft.push(`{"response_type":"MESSAGE","timestamp":1,"data":{}}`)
			if _, err := c.Receive(context.Background()); err != nil {
				t.Fatalf("Receive: %v", err)
			}
			if gotLevel != 7 || gotSeq != 3 {
				t.Fatalf("callback got (%d, %d)", gotLevel, gotSeq)
			}
			if c.ThrottleDelay() != tt.want {
				t.Fatalf("throttle = %v, want %v", c.ThrottleDelay(), tt.want)
			}
		})
	}
}

func TestReceive_DataMessage(t *testing.T) {
	c, ft := authenticated(t, 0)
	ft.push(`{"response_type":"MESSAGE","timestamp":1600000000.25,"message_id":12,"data":{"@type":"OrderPlaced","price":"1.5"}}`)

	msg, err := c.Receive(context.Background())
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	want := time.Date(2020, 9, 13, 12, 26, 40, 250_000_000, time.UTC)
	if !msg.Timestamp.Equal(want) || msg.Timestamp.Location() != time.UTC {
		t.Errorf("timestamp = %v, want %v", msg.Timestamp, want)
	}
	if msg.MessageID != 12 {
		t.Errorf("message id = %d", msg.MessageID)
	}
	var body struct {
		Type  string `json:"@type"`
		Price string `json:"price"`
	}
	if err := msg.Decode(&body); err != nil || body.Type != "OrderPlaced" || body.Price != "1.5" {
		t.Errorf("payload = %s (%v)", msg.Payload, err)
	}
}

func TestReceive_TerminalErrors(t *testing.T) {
	tests := []struct {
		name string
		in   func(*fakeTransport)
		want error
	}{
		{"invalid payload", func(f *fakeTransport) {
			f.push(`{"response_type":"ERROR","error_type":"INVALID_PAYLOAD","error_message":"bad field"}`)
		}, ErrInvalidPayload},
		{"unknown error", func(f *fakeTransport) {
			f.push(`{"response_type":"ERROR","error_type":"UNKNOWN_ERROR","error_message":"boom"}`)
		}, ErrGeneric},
		{"duplicate order", func(f *fakeTransport) {
			f.push(`{"response_type":"ERROR","error_type":"DUPLICATE_CLIENT_ORDER_ID","error_message":""}`)
		}, ErrDuplicateClientOrderID},
		{"heartbeat beats error type", func(f *fakeTransport) {
			f.push(`{"response_type":"ERROR","error_type":"INVALID_PAYLOAD","error_message":"TimeoutError()"}`)
		}, ErrHeartbeat},
		{"heartbeat with unknown type", func(f *fakeTransport) {
			f.push(`{"response_type":"ERROR","error_type":"WHATEVER","error_message":"TimeoutError()"}`)
		}, ErrHeartbeat},
		{"unknown error type", func(f *fakeTransport) {
			f.push(`{"response_type":"ERROR","error_type":"WHATEVER","error_message":"x"}`)
		}, ErrUnsupportedMessage},
		{"rate limit close", func(f *fakeTransport) { f.pushClose(CloseRateLimit) }, ErrRateLimit},
		{"restart close", func(f *fakeTransport) { f.pushClose(CloseServerRestart) }, ErrServerRestart},
		{"other close", func(f *fakeTransport) { f.pushClose(1000) }, ErrDisconnected},
		{"broadcast", func(f *fakeTransport) { f.push(`{"response_type":"BROADCAST","data":{}}`) }, ErrUnsupportedMessageType},
		{"unknown tag", func(f *fakeTransport) { f.push(`{"response_type":"PING"}`) }, ErrUnsupportedMessageType},
		{"not json", func(f *fakeTransport) { f.push(`<html>`) }, ErrUnsupportedMessage},
		{"binary", func(f *fakeTransport) {
			f.frames <- readResult{frame: Frame{Type: FrameBinary, Data: []byte{1, 2}}}
		}, ErrUnsupportedMessage},
		{"transport error", func(f *fakeTransport) {
			f.frames <- readResult{err: errors.New("connection reset")}
		}, ErrDisconnected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, ft := authenticated(t, 0)
			tt.in(ft)

			_, err := c.Receive(context.Background())
			if !errors.Is(err, tt.want) {
				t.Fatalf("Receive = %v, want %v", err, tt.want)
			}
			if _, again := c.Receive(context.Background()); again != err {
				t.Fatalf("second Receive = %v, want the same terminal error", again)
			}
			if err := c.Send(context.Background(), "x"); !errors.Is(err, ErrConnectionClosed) {
				t.Fatalf("Send after failure = %v", err)
			}
		})
	}
}

func TestReceive_InvalidPayloadMessage(t *testing.T) {
	c, ft := authenticated(t, 0)
	ft.push(`{"response_type":"ERROR","error_type":"INVALID_PAYLOAD","error_message":"bad field"}`)
	_, err := c.Receive(context.Background())

	var perr *Error
	if !errors.As(err, &perr) {
		t.Fatalf("err = %T", err)
	}
	if perr.Kind != KindInvalidPayload || perr.Message != "bad field" {
		t.Fatalf("err = %+v", perr)
	}
}

func TestReceive_HeartbeatTimestamps(t *testing.T) {
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c, ft := authenticated(t, 0)
	c.now = func() time.Time { return clock }

	ft.push(`{"response_type":"MESSAGE","timestamp":1,"data":{}}`)
	if _, err := c.Receive(context.Background()); err != nil {
		t.Fatalf("Receive: %v", err)
	}
	lastFrame := clock

	clock = clock.Add(10 * time.Second)
	ft.push(`{"response_type":"ERROR","error_type":"UNKNOWN_ERROR","error_message":"TimeoutError()"}`)
	_, err := c.Receive(context.Background())

	var perr *Error
	if !errors.As(err, &perr) || perr.Kind != KindHeartbeat {
		t.Fatalf("err = %v", err)
	}
	if !perr.LastSeen.Equal(lastFrame) || !perr.Now.Equal(clock) {
		t.Fatalf("heartbeat (%v, %v), want (%v, %v)", perr.LastSeen, perr.Now, lastFrame, clock)
	}
}

func TestSend_Preconditions(t *testing.T) {
	ft := newFakeTransport()
	c := NewClient(ft, "ak", "sk")
	if err := c.Send(context.Background(), "x"); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("Send before auth = %v", err)
	}

	c, ft = authenticated(t, 5)
	_ = ft.Close()
	if err := c.Send(context.Background(), "x"); !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("Send on closed transport = %v", err)
	}
	if c.SequenceID() != 5 {
		t.Fatalf("sequence moved to %d on rejected send", c.SequenceID())
	}

	c, _ = authenticated(t, 5)
	if err := c.Send(context.Background(), func() {}); err == nil {
		t.Fatal("expected encode error")
	}
	if c.SequenceID() != 5 {
		t.Fatalf("sequence moved to %d on unencodable payload", c.SequenceID())
	}
}

func TestSend_WriteFailureConsumesSequence(t *testing.T) {
	c, ft := authenticated(t, 0)
	ft.beforeWrite = func(ctx context.Context, data []byte) error {
		return errors.New("broken pipe")
	}
	if err := c.Send(context.Background(), "x"); !errors.Is(err, ErrDisconnected) {
		t.Fatalf("Send = %v, want disconnected", err)
	}
	if c.SequenceID() != 1 {
		t.Fatalf("sequence = %d, want 1", c.SequenceID())
	}
	if c.State() != StateFailed {
		t.Fatalf("state = %s", c.State())
	}
}

func TestSend_CancelledMidWriteFailsClient(t *testing.T) {
	c, ft := authenticated(t, 0)

	ctx, cancel := context.WithCancel(context.Background())
	ft.beforeWrite = func(ctx context.Context, data []byte) error {
		cancel()
		<-ctx.Done()
		return ctx.Err()
	}
	err := c.Send(ctx, "x")
	if !errors.Is(err, ErrDisconnected) || !errors.Is(err, context.Canceled) {
		t.Fatalf("Send = %v, want disconnected caused by cancel", err)
	}
	if c.State() != StateFailed {
		t.Fatalf("state = %s, want failed", c.State())
	}

	ft.beforeWrite = nil
	if err := c.Send(context.Background(), "y"); !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("Send after interrupted write = %v, want connection closed", err)
	}
	if _, err := c.Receive(context.Background()); !errors.Is(err, ErrDisconnected) {
		t.Fatalf("Receive after interrupted write = %v", err)
	}
}

func TestSend_CancelledBeforeWriteKeepsClient(t *testing.T) {
	c, ft := authenticated(t, 0)
	c.sleep = func(ctx context.Context, d time.Duration) error { return context.Canceled }
	ft.push(`{"response_type":"THROTTLING","overflow_level":5,"sequence_id":1}`)
	ft.push(`{"response_type":"MESSAGE","timestamp":1,"data":{}}`)
	if _, err := c.Receive(context.Background()); err != nil {
		t.Fatalf("Receive: %v", err)
	}

	if err := c.Send(context.Background(), "x"); !errors.Is(err, context.Canceled) {
		t.Fatalf("Send = %v, want canceled", err)
	}
	if c.State() != StateReady {
		t.Fatalf("state = %s, want ready", c.State())
	}
	if err := c.Send(context.Background(), "y"); err != nil {
		t.Fatalf("Send after cancelled throttle wait: %v", err)
	}
	if env := ft.envelopes(t); len(env) != 1 || env[0].SequenceID != 2 {
		t.Fatalf("envelopes = %+v, want only seq 2", env)
	}
}

func TestSendSigned_Forwards(t *testing.T) {
	c, ft := authenticated(t, 3)
	if err := c.SendSigned(context.Background(), "x"); err != nil {
		t.Fatalf("SendSigned: %v", err)
	}
	if env := ft.envelopes(t); len(env) != 1 || env[0].SequenceID != 4 {
		t.Fatalf("envelopes = %+v", env)
	}
}

func TestClose_Idempotent(t *testing.T) {
	c, ft := authenticated(t, 0)
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if !ft.Closed() || c.State() != StateClosed {
		t.Fatalf("closed=%v state=%s", ft.Closed(), c.State())
	}
}
