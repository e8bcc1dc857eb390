package cryptology

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind classifies protocol and connection failures.
type Kind int

const (
	KindUnknown Kind = iota

	// protocol errors: the session cannot continue as configured
	KindGeneric
	KindIncompatibleVersion
	KindInvalidSequence
	KindInvalidKey
	KindInvalidServerAddress
	KindUnsupportedMessage
	KindUnsupportedMessageType
	KindInvalidPayload
	KindDuplicateClientOrderID

	// connection errors: the session is lost but a reconnect may succeed
	KindConnectionClosed
	KindDisconnected
	KindConcurrentConnection
	KindServerRestart
	KindRateLimit
	KindHeartbeat
)

var kindNames = map[Kind]string{
	KindUnknown:                "unknown",
	KindGeneric:                "generic error",
	KindIncompatibleVersion:    "incompatible version",
	KindInvalidSequence:        "invalid sequence",
	KindInvalidKey:             "invalid key",
	KindInvalidServerAddress:   "invalid server address",
	KindUnsupportedMessage:     "unsupported message",
	KindUnsupportedMessageType: "unsupported message type",
	KindInvalidPayload:         "invalid payload",
	KindDuplicateClientOrderID: "duplicate client order id",
	KindConnectionClosed:       "connection closed",
	KindDisconnected:           "disconnected",
	KindConcurrentConnection:   "concurrent connection",
	KindServerRestart:          "server restart",
	KindRateLimit:              "rate limit",
	KindHeartbeat:              "heartbeat timeout",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// IsConnection reports whether k means the session was lost.
func (k Kind) IsConnection() bool {
	return k >= KindConnectionClosed && k <= KindHeartbeat
}

// IsProtocol reports whether k is a protocol violation reported by either side.
func (k Kind) IsProtocol() bool {
	return k >= KindGeneric && k <= KindDuplicateClientOrderID
}

// Error is the single error type the package returns for protocol and
// connection failures. Use errors.Is against the Err* sentinels to test
// the kind, or errors.As to read the details.
type Error struct {
	Kind Kind
	// Code is the WebSocket close code for close-derived errors.
	Code    int
	Message string
	// LastSeen and Now are set for KindHeartbeat.
	LastSeen time.Time
	Now      time.Time
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("cryptology: ")
	b.WriteString(e.Kind.String())
	switch {
	case e.Kind == KindDisconnected:
		fmt.Fprintf(&b, " with code %d", e.Code)
	case e.Kind == KindHeartbeat && !e.LastSeen.IsZero():
		fmt.Fprintf(&b, " (last frame %s ago)", e.Now.Sub(e.LastSeen).Round(time.Millisecond))
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error of the same kind. A target with a non-zero
// Code also has to match the code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Code == 0 || t.Code == e.Code)
}

// Temporary reports whether reconnecting may help.
func (e *Error) Temporary() bool { return e.Kind.IsConnection() }

var (
	ErrGeneric                = &Error{Kind: KindGeneric}
	ErrIncompatibleVersion    = &Error{Kind: KindIncompatibleVersion}
	ErrInvalidSequence        = &Error{Kind: KindInvalidSequence}
	ErrInvalidKey             = &Error{Kind: KindInvalidKey}
	ErrInvalidServerAddress   = &Error{Kind: KindInvalidServerAddress}
	ErrUnsupportedMessage     = &Error{Kind: KindUnsupportedMessage}
	ErrUnsupportedMessageType = &Error{Kind: KindUnsupportedMessageType}
	ErrInvalidPayload         = &Error{Kind: KindInvalidPayload}
	ErrDuplicateClientOrderID = &Error{Kind: KindDuplicateClientOrderID}
	ErrConnectionClosed       = &Error{Kind: KindConnectionClosed}
	ErrDisconnected           = &Error{Kind: KindDisconnected}
	ErrConcurrentConnection   = &Error{Kind: KindConcurrentConnection}
	ErrServerRestart          = &Error{Kind: KindServerRestart}
	ErrRateLimit              = &Error{Kind: KindRateLimit}
	ErrHeartbeat              = &Error{Kind: KindHeartbeat}
)

// ErrNotAuthenticated is returned by Send and Receive before a successful
// Authenticate.
var ErrNotAuthenticated = errors.New("cryptology: client is not authenticated")

// Venue close codes.
const (
	CloseServerRestart        = 1012
	CloseInvalidKey           = 3100
	CloseConcurrentConnection = 4000
	CloseInvalidSequence      = 4001
	CloseRateLimit            = 4009
	// closeAbnormal is reported when the connection drops without a close frame.
	closeAbnormal = 1006
)

var closeCodeKinds = map[int]Kind{
	CloseConcurrentConnection: KindConcurrentConnection,
	CloseInvalidSequence:      KindInvalidSequence,
	CloseRateLimit:            KindRateLimit,
	CloseServerRestart:        KindServerRestart,
	CloseInvalidKey:           KindInvalidKey,
}

// FromCloseCode translates a close frame into its typed error. Codes the
// venue does not define become KindDisconnected carrying the code.
func FromCloseCode(code int) *Error {
	if k, ok := closeCodeKinds[code]; ok {
		return &Error{Kind: k, Code: code}
	}
	return &Error{Kind: KindDisconnected, Code: code}
}

var serverErrorKinds = map[ServerErrorType]Kind{
	ErrorTypeUnknown:                KindGeneric,
	ErrorTypeDuplicateClientOrderID: KindDuplicateClientOrderID,
	ErrorTypeInvalidPayload:         KindInvalidPayload,
}

// TimeoutMessage is the error text the transport uses to report a failed
// liveness probe.
const TimeoutMessage = "TimeoutError()"

// FromErrorSignal translates an in-band ERROR frame. The heartbeat
// sentinel wins over the nominal error type.
func FromErrorSignal(sig ErrorSignal, lastSeen, now time.Time) *Error {
	if sig.Message == TimeoutMessage {
		return &Error{Kind: KindHeartbeat, LastSeen: lastSeen, Now: now}
	}
	k, ok := serverErrorKinds[sig.Type]
	if !ok {
		return &Error{Kind: KindUnsupportedMessage, Message: fmt.Sprintf("unknown error_type %q", sig.RawType)}
	}
	return &Error{Kind: k, Message: sig.Message}
}

func unsupportedMessage(format string, args ...interface{}) *Error {
	return &Error{Kind: KindUnsupportedMessage, Message: fmt.Sprintf(format, args...)}
}

// asError keeps typed errors and context errors as they are and wraps
// anything else from the transport as an abnormal disconnect.
func asError(err error) error {
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &Error{Kind: KindDisconnected, Code: closeAbnormal, Err: err}
}
