package cryptology

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
)

type readResult struct {
	frame Frame
	err   error
}

// fakeTransport is an in-memory Transport driven by the test.
type fakeTransport struct {
	mu      sync.Mutex
	written [][]byte
	closed  bool

	frames chan readResult
	// beforeWrite, when set, runs before a write is recorded.
	beforeWrite func(ctx context.Context, data []byte) error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{frames: make(chan readResult, 64)}
}

func (f *fakeTransport) WriteMessage(ctx context.Context, data []byte) error {
	if f.beforeWrite != nil {
		if err := f.beforeWrite(ctx, data); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return &Error{Kind: KindConnectionClosed}
	}
	f.written = append(f.written, append([]byte(nil), data...))
	return nil
}

func (f *fakeTransport) ReadFrame(ctx context.Context) (Frame, error) {
	select {
	case r := <-f.frames:
		if r.frame.Type == FrameClose {
			f.mu.Lock()
			f.closed = true
			f.mu.Unlock()
		}
		return r.frame, r.err
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

func (f *fakeTransport) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) push(text string) {
	f.frames <- readResult{frame: Frame{Type: FrameText, Data: []byte(text)}}
}

func (f *fakeTransport) pushClose(code int) {
	f.frames <- readResult{frame: Frame{Type: FrameClose, CloseCode: code}}
}

func (f *fakeTransport) writes() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.written...)
}

// envelopes decodes every written frame after the handshake.
func (f *fakeTransport) envelopes(t *testing.T) []Envelope {
	t.Helper()
	w := f.writes()
	if len(w) == 0 {
		return nil
	}
	out := make([]Envelope, 0, len(w)-1)
	for _, b := range w[1:] {
		var e Envelope
		if err := json.Unmarshal(b, &e); err != nil {
			t.Fatalf("written frame %s is not an envelope: %v", b, err)
		}
		out = append(out, e)
	}
	return out
}

// authenticated returns a ready client whose server reported lastSeen.
func authenticated(t *testing.T, lastSeen int64, opts ...Option) (*Client, *fakeTransport) {
	t.Helper()
	ft := newFakeTransport()
	ft.push(`{"last_seen_sequence":` + itoa(lastSeen) + `,"version":6}`)
	c := NewClient(ft, "ak", "sk", opts...)
	if _, err := c.Authenticate(context.Background(), 0, false, false); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	return c, ft
}

func itoa(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}
