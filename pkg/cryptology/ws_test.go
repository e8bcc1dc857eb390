package cryptology

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// venue starts a WebSocket server running handle for every connection.
func venue(t *testing.T, handle func(conn *websocket.Conn)) string {
	t.Helper()
	upg := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upg.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		handle(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestDial_InvalidAddress(t *testing.T) {
	for _, addr := range []string{"http://example.com/ws", "ws://", "::not a url", "example.com:443"} {
		t.Run(addr, func(t *testing.T) {
			_, err := Dial(context.Background(), Config{URL: addr})
			if !errors.Is(err, ErrInvalidServerAddress) {
				t.Fatalf("Dial(%q) = %v, want invalid server address", addr, err)
			}
		})
	}
}

func TestDial_Refused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	_, err := Dial(context.Background(), Config{URL: url})
	if !errors.Is(err, ErrDisconnected) {
		t.Fatalf("Dial = %v, want disconnected", err)
	}
}

func TestWSTransport_RoundTrip(t *testing.T) {
	url := venue(t, func(conn *websocket.Conn) {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			t.Errorf("server read: %v", err)
			return
		}
		_ = conn.WriteMessage(mt, data)
		_ = conn.WriteMessage(websocket.BinaryMessage, []byte{0xff})
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(CloseRateLimit, "slow down"))
		_, _, _ = conn.ReadMessage()
	})

	tr, err := Dial(context.Background(), Config{URL: url})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer tr.Close()

	ctx := context.Background()
	if err := tr.WriteMessage(ctx, []byte(`{"hello":1}`)); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	f, err := tr.ReadFrame(ctx)
	if err != nil || f.Type != FrameText || string(f.Data) != `{"hello":1}` {
		t.Fatalf("echo frame = %+v, %v", f, err)
	}
	f, err = tr.ReadFrame(ctx)
	if err != nil || f.Type != FrameBinary {
		t.Fatalf("binary frame = %+v, %v", f, err)
	}
	f, err = tr.ReadFrame(ctx)
	if err != nil || f.Type != FrameClose || f.CloseCode != CloseRateLimit || f.CloseText != "slow down" {
		t.Fatalf("close frame = %+v, %v", f, err)
	}
	if !tr.Closed() {
		t.Fatal("transport not marked closed after close frame")
	}
	if err := tr.WriteMessage(ctx, []byte(`{}`)); !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("write after close = %v", err)
	}
}

func TestWSTransport_SilenceIsHeartbeatFailure(t *testing.T) {
	release := make(chan struct{})
	url := venue(t, func(conn *websocket.Conn) {
		// never read, so pings go unanswered
		<-release
	})
	defer close(release)

	tr, err := Dial(context.Background(), Config{
		URL:               url,
		ReadTimeout:       150 * time.Millisecond,
		HeartbeatInterval: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer tr.Close()

	f, err := tr.ReadFrame(context.Background())
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	ev, err := Decode(f.Data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	sig, ok := ev.(ErrorSignal)
	if !ok || sig.Message != TimeoutMessage {
		t.Fatalf("event = %#v, want heartbeat error signal", ev)
	}
}

func TestWSTransport_PongsKeepAlive(t *testing.T) {
	url := venue(t, func(conn *websocket.Conn) {
		// reading answers pings via the default ping handler
		go func() {
			time.Sleep(300 * time.Millisecond)
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`late`))
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	tr, err := Dial(context.Background(), Config{
		URL:               url,
		ReadTimeout:       150 * time.Millisecond,
		HeartbeatInterval: 30 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer tr.Close()

	f, err := tr.ReadFrame(context.Background())
	if err != nil || string(f.Data) != "late" {
		t.Fatalf("frame = %+v, %v; pongs should have kept the connection alive", f, err)
	}
}

func TestWSTransport_ReadHonoursContext(t *testing.T) {
	url := venue(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	tr, err := Dial(context.Background(), Config{URL: url})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := tr.ReadFrame(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("ReadFrame = %v, want deadline exceeded", err)
	}
}
