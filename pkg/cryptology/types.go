package cryptology

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ProtocolVersion is the version the client announces in the handshake.
const ProtocolVersion = 6

// MinServerVersion is the oldest server protocol the client accepts.
const MinServerVersion = 6

// ErrUnknownCode is wrapped by the enum lookups for codes and names
// outside their table.
var ErrUnknownCode = errors.New("cryptology: unknown code")

// codeTable is a bidirectional mapping between wire codes and names.
type codeTable[T ~int] struct {
	kind   string
	names  map[T]string
	byName map[string]T
}

func newCodeTable[T ~int](kind string, names map[T]string) codeTable[T] {
	byName := make(map[string]T, len(names))
	for code, name := range names {
		byName[name] = code
	}
	return codeTable[T]{kind: kind, names: names, byName: byName}
}

func (t codeTable[T]) byValue(code int) (T, error) {
	if _, ok := t.names[T(code)]; !ok {
		return 0, fmt.Errorf("%w: %s %d", ErrUnknownCode, t.kind, code)
	}
	return T(code), nil
}

func (t codeTable[T]) parse(name string) (T, error) {
	v, ok := t.byName[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s %q", ErrUnknownCode, t.kind, name)
	}
	return v, nil
}

func (t codeTable[T]) name(v T) string {
	if s, ok := t.names[v]; ok {
		return s
	}
	return fmt.Sprintf("%s(%d)", t.kind, int(v))
}

// decodeTag accepts either the name or the numeric code of a tag.
func (t codeTable[T]) decodeTag(raw json.RawMessage) (T, string, error) {
	var name string
	if err := json.Unmarshal(raw, &name); err == nil {
		v, err := t.parse(name)
		return v, name, err
	}
	var code int
	if err := json.Unmarshal(raw, &code); err != nil {
		return 0, string(raw), fmt.Errorf("%w: %s %s", ErrUnknownCode, t.kind, raw)
	}
	v, err := t.byValue(code)
	return v, string(raw), err
}

// ServerMessageType is the response_type of an inbound frame.
type ServerMessageType int

const (
	MessageTypeMessage    ServerMessageType = 1
	MessageTypeError      ServerMessageType = 2
	MessageTypeBroadcast  ServerMessageType = 3
	MessageTypeThrottling ServerMessageType = 4
)

var serverMessageTypes = newCodeTable("server message type", map[ServerMessageType]string{
	MessageTypeMessage:    "MESSAGE",
	MessageTypeError:      "ERROR",
	MessageTypeBroadcast:  "BROADCAST",
	MessageTypeThrottling: "THROTTLING",
})

func (t ServerMessageType) String() string { return serverMessageTypes.name(t) }

// ServerMessageTypeByValue looks up a type by its numeric code.
func ServerMessageTypeByValue(code int) (ServerMessageType, error) {
	return serverMessageTypes.byValue(code)
}

// ParseServerMessageType looks up a type by its wire name.
func ParseServerMessageType(name string) (ServerMessageType, error) {
	return serverMessageTypes.parse(name)
}

// ClientMessageType tags client-originated requests.
type ClientMessageType int

const (
	ClientInboxMessage ClientMessageType = 1
	ClientRPCRequest   ClientMessageType = 2
)

var clientMessageTypes = newCodeTable("client message type", map[ClientMessageType]string{
	ClientInboxMessage: "INBOX_MESSAGE",
	ClientRPCRequest:   "RPC_REQUEST",
})

func (t ClientMessageType) String() string { return clientMessageTypes.name(t) }

func (t ClientMessageType) MarshalText() ([]byte, error) {
	if _, ok := clientMessageTypes.names[t]; !ok {
		return nil, fmt.Errorf("%w: client message type %d", ErrUnknownCode, int(t))
	}
	return []byte(t.String()), nil
}

func (t *ClientMessageType) UnmarshalText(b []byte) error {
	v, err := clientMessageTypes.parse(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// ClientMessageTypeByValue looks up a type by its numeric code.
func ClientMessageTypeByValue(code int) (ClientMessageType, error) {
	return clientMessageTypes.byValue(code)
}

// ServerErrorType is the error_type of an ERROR frame.
type ServerErrorType int

const (
	ErrorTypeUnknown                ServerErrorType = -1
	ErrorTypeDuplicateClientOrderID ServerErrorType = 1
	ErrorTypeInvalidPayload         ServerErrorType = 2
)

var serverErrorTypes = newCodeTable("server error type", map[ServerErrorType]string{
	ErrorTypeUnknown:                "UNKNOWN_ERROR",
	ErrorTypeDuplicateClientOrderID: "DUPLICATE_CLIENT_ORDER_ID",
	ErrorTypeInvalidPayload:         "INVALID_PAYLOAD",
})

func (t ServerErrorType) String() string { return serverErrorTypes.name(t) }

// ServerErrorTypeByValue looks up an error type by its numeric code.
func ServerErrorTypeByValue(code int) (ServerErrorType, error) {
	return serverErrorTypes.byValue(code)
}

// ParseServerErrorType looks up an error type by its wire name.
func ParseServerErrorType(name string) (ServerErrorType, error) {
	return serverErrorTypes.parse(name)
}

// Envelope is the outbound wire unit.
type Envelope struct {
	SequenceID int64           `json:"sequence_id"`
	Data       json.RawMessage `json:"data"`
}

// InboundEvent is one decoded frame: DataMessage, ThrottleSignal or
// ErrorSignal.
type InboundEvent interface {
	inboundEvent()
}

// DataMessage is a business message from the venue.
type DataMessage struct {
	Timestamp time.Time
	// MessageID is the venue's message id, zero when the frame has none.
	MessageID int64
	Payload   json.RawMessage
}

// Decode unmarshals the payload into v.
func (m DataMessage) Decode(v interface{}) error {
	return json.Unmarshal(m.Payload, v)
}

// ThrottleSignal asks the client to slow down.
type ThrottleSignal struct {
	Level      int
	SequenceID int64
}

// ErrorSignal is an in-band error reported by the venue.
type ErrorSignal struct {
	Type ServerErrorType
	// RawType is the error_type as sent, kept for unknown types.
	RawType string
	Message string
}

func (DataMessage) inboundEvent()    {}
func (ThrottleSignal) inboundEvent() {}
func (ErrorSignal) inboundEvent()    {}

// AuthenticationResult is the server's handshake response.
type AuthenticationResult struct {
	LastSeenSequence int64
	ServerVersion    int
	// State holds the requested snapshots (balances, order books); nil
	// when none were requested.
	State map[string]json.RawMessage
}
