package cryptology

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// heartbeatFrame is what WSTransport reports when the read deadline expires.
var heartbeatFrame = []byte(`{"response_type":"ERROR","error_type":"UNKNOWN_ERROR","error_message":"` + TimeoutMessage + `"}`)

// WSTransport is a Transport over a gorilla/websocket connection. It pings
// the server every HeartbeatInterval and treats ReadTimeout of silence as
// a failed heartbeat.
type WSTransport struct {
	conn         *websocket.Conn
	readTimeout  time.Duration
	writeTimeout time.Duration

	writeMu sync.Mutex
	closed  atomic.Bool
	once    sync.Once
	done    chan struct{}
}

// Dial opens the WebSocket connection described by cfg.
func Dial(ctx context.Context, cfg Config) (*WSTransport, error) {
	cfg.ApplyDefaults()
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, &Error{Kind: KindInvalidServerAddress, Message: cfg.URL, Err: err}
	}
	if (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return nil, &Error{Kind: KindInvalidServerAddress, Message: cfg.URL}
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: cfg.HandshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		e := &Error{Kind: KindDisconnected, Code: closeAbnormal, Message: "dial " + u.Host, Err: err}
		if resp != nil {
			e.Message += ": " + resp.Status
		}
		return nil, e
	}
	return NewWSTransport(conn, cfg), nil
}

// NewWSTransport wraps an established connection and starts its heartbeat.
func NewWSTransport(conn *websocket.Conn, cfg Config) *WSTransport {
	cfg.ApplyDefaults()
	t := &WSTransport{
		conn:         conn,
		readTimeout:  cfg.ReadTimeout,
		writeTimeout: cfg.WriteTimeout,
		done:         make(chan struct{}),
	}

	_ = conn.SetReadDeadline(time.Now().Add(t.readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(t.readTimeout))
	})
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(t.readTimeout))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(t.writeTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil
		}
		return err
	})

	go t.heartbeat(cfg.HeartbeatInterval)
	return t
}

func (t *WSTransport) heartbeat(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			if err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.writeTimeout)); err != nil {
				// the read deadline reports the dead peer
				return
			}
		}
	}
}

// WriteMessage sends one text frame.
func (t *WSTransport) WriteMessage(ctx context.Context, data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if t.closed.Load() {
		return &Error{Kind: KindConnectionClosed}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { _ = t.conn.SetWriteDeadline(time.Now()) })
	defer stop()

	_ = t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &Error{Kind: KindDisconnected, Code: closeAbnormal, Err: err}
	}
	return nil
}

// ReadFrame blocks for the next data or close frame.
func (t *WSTransport) ReadFrame(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	stop := context.AfterFunc(ctx, func() { _ = t.conn.SetReadDeadline(time.Now()) })
	defer stop()

	mt, data, err := t.conn.ReadMessage()
	if err != nil {
		if ctx.Err() != nil {
			return Frame{}, ctx.Err()
		}
		t.closed.Store(true)

		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			return Frame{Type: FrameClose, CloseCode: ce.Code, CloseText: ce.Text}, nil
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return Frame{Type: FrameText, Data: heartbeatFrame}, nil
		}
		return Frame{}, &Error{Kind: KindDisconnected, Code: closeAbnormal, Err: err}
	}
	_ = t.conn.SetReadDeadline(time.Now().Add(t.readTimeout))

	if mt == websocket.BinaryMessage {
		return Frame{Type: FrameBinary, Data: data}, nil
	}
	return Frame{Type: FrameText, Data: data}, nil
}

// Closed reports whether the connection has been closed by either side.
func (t *WSTransport) Closed() bool {
	return t.closed.Load()
}

// Close sends a normal close frame and releases the connection.
func (t *WSTransport) Close() error {
	var err error
	t.once.Do(func() {
		t.closed.Store(true)
		close(t.done)
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = t.conn.Close()
	})
	return err
}
