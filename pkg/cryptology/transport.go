package cryptology

import "context"

// FrameType distinguishes what a transport read produced.
type FrameType int

const (
	FrameText FrameType = iota
	FrameBinary
	FrameClose
)

// Frame is one unit read from the transport.
type Frame struct {
	Type FrameType
	Data []byte
	// CloseCode and CloseText are set for FrameClose.
	CloseCode int
	CloseText string
}

// Transport is the narrow view of a WebSocket connection the client needs.
//
// Implementations handle their own liveness probing and report a failed
// probe as an ERROR text frame whose message is TimeoutMessage. Reads and
// writes must return promptly once ctx is done. WriteMessage is called by
// one goroutine at a time; ReadFrame likewise.
type Transport interface {
	WriteMessage(ctx context.Context, data []byte) error
	ReadFrame(ctx context.Context) (Frame, error)
	Closed() bool
	Close() error
}
