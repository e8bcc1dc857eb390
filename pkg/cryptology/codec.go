package cryptology

import (
	"bytes"
	"encoding/json"
	"math"
	"time"
)

type inboundFrame struct {
	ResponseType json.RawMessage `json:"response_type"`

	// MESSAGE
	Timestamp *float64        `json:"timestamp"`
	MessageID *int64          `json:"message_id"`
	Data      json.RawMessage `json:"data"`

	// THROTTLING
	OverflowLevel *int   `json:"overflow_level"`
	SequenceID    *int64 `json:"sequence_id"`

	// ERROR
	ErrorType    json.RawMessage `json:"error_type"`
	ErrorMessage *string         `json:"error_message"`
}

// Decode classifies one inbound text frame. Frames that are not JSON
// objects or lack the fields of their type fail with KindUnsupportedMessage;
// a response_type without a handler fails with KindUnsupportedMessageType.
func Decode(frame []byte) (InboundEvent, error) {
	var f inboundFrame
	if err := json.Unmarshal(frame, &f); err != nil {
		return nil, &Error{Kind: KindUnsupportedMessage, Message: truncate(frame), Err: err}
	}
	if len(f.ResponseType) == 0 {
		return nil, unsupportedMessage("missing response_type in %s", truncate(frame))
	}
	mt, raw, err := serverMessageTypes.decodeTag(f.ResponseType)
	if err != nil {
		return nil, &Error{Kind: KindUnsupportedMessageType, Message: raw}
	}

	switch mt {
	case MessageTypeMessage:
		if f.Timestamp == nil || isNull(f.Data) {
			return nil, unsupportedMessage("MESSAGE without timestamp or data")
		}
		msg := DataMessage{
			Timestamp: fromUnixSeconds(*f.Timestamp),
			Payload:   f.Data,
		}
		if f.MessageID != nil {
			msg.MessageID = *f.MessageID
		}
		return msg, nil

	case MessageTypeThrottling:
		if f.OverflowLevel == nil || f.SequenceID == nil {
			return nil, unsupportedMessage("THROTTLING without overflow_level or sequence_id")
		}
		return ThrottleSignal{Level: *f.OverflowLevel, SequenceID: *f.SequenceID}, nil

	case MessageTypeError:
		if len(f.ErrorType) == 0 || f.ErrorMessage == nil {
			return nil, unsupportedMessage("ERROR without error_type or error_message")
		}
		sig := ErrorSignal{Message: *f.ErrorMessage}
		// an unknown type is reported by FromErrorSignal, after the heartbeat check
		sig.Type, sig.RawType, _ = serverErrorTypes.decodeTag(f.ErrorType)
		return sig, nil
	}

	// BROADCAST has no client-side semantics
	return nil, &Error{Kind: KindUnsupportedMessageType, Message: mt.String()}
}

// EncodeEnvelope builds the outbound frame for an already encoded payload.
func EncodeEnvelope(seq int64, payload json.RawMessage) ([]byte, error) {
	return json.Marshal(Envelope{SequenceID: seq, Data: payload})
}

type handshakeRequest struct {
	AccessKey     string `json:"access_key"`
	SecretKey     string `json:"secret_key"`
	LastSeenOrder int64  `json:"last_seen_order"`
	Version       int    `json:"version"`
	GetBalances   bool   `json:"get_balances,omitempty"`
	GetOrderBooks bool   `json:"get_order_books,omitempty"`
}

type handshakeResponse struct {
	LastSeenSequence *int64                     `json:"last_seen_sequence"`
	Version          *int                       `json:"version"`
	State            map[string]json.RawMessage `json:"state"`
}

func encodeHandshake(r handshakeRequest) ([]byte, error) {
	return json.Marshal(r)
}

// hasResponseType reports whether frame is a tagged protocol frame rather
// than a handshake response.
func hasResponseType(frame []byte) bool {
	var f struct {
		ResponseType json.RawMessage `json:"response_type"`
	}
	return json.Unmarshal(frame, &f) == nil && len(f.ResponseType) > 0
}

func decodeHandshake(frame []byte) (AuthenticationResult, error) {
	var r handshakeResponse
	if err := json.Unmarshal(frame, &r); err != nil {
		return AuthenticationResult{}, &Error{Kind: KindUnsupportedMessage, Message: truncate(frame), Err: err}
	}
	if r.LastSeenSequence == nil || r.Version == nil {
		return AuthenticationResult{}, unsupportedMessage("handshake response without last_seen_sequence or version")
	}
	return AuthenticationResult{
		LastSeenSequence: *r.LastSeenSequence,
		ServerVersion:    *r.Version,
		State:            r.State,
	}, nil
}

// fromUnixSeconds converts fractional epoch seconds to UTC with
// microsecond precision.
func fromUnixSeconds(ts float64) time.Time {
	return time.UnixMicro(int64(math.Round(ts * 1e6))).UTC()
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func truncate(b []byte) string {
	const limit = 256
	if len(b) <= limit {
		return string(b)
	}
	return string(b[:limit]) + "..."
}
