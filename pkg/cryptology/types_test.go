package cryptology

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestServerMessageTypeTable(t *testing.T) {
	for code, name := range map[int]string{1: "MESSAGE", 2: "ERROR", 3: "BROADCAST", 4: "THROTTLING"} {
		byCode, err := ServerMessageTypeByValue(code)
		if err != nil {
			t.Fatalf("ByValue(%d): %v", code, err)
		}
		byName, err := ParseServerMessageType(name)
		if err != nil {
			t.Fatalf("Parse(%q): %v", name, err)
		}
		if byCode != byName || byCode.String() != name {
			t.Fatalf("%d/%s: got %v and %v", code, name, byCode, byName)
		}
	}
	if _, err := ServerMessageTypeByValue(0); !errors.Is(err, ErrUnknownCode) {
		t.Fatalf("ByValue(0) = %v", err)
	}
	if _, err := ParseServerMessageType("message"); !errors.Is(err, ErrUnknownCode) {
		t.Fatalf("Parse is case sensitive, got %v", err)
	}
}

func TestServerErrorTypeTable(t *testing.T) {
	tests := []struct {
		code int
		name string
	}{
		{-1, "UNKNOWN_ERROR"},
		{1, "DUPLICATE_CLIENT_ORDER_ID"},
		{2, "INVALID_PAYLOAD"},
	}
	for _, tt := range tests {
		v, err := ServerErrorTypeByValue(tt.code)
		if err != nil || v.String() != tt.name {
			t.Fatalf("ByValue(%d) = %v, %v", tt.code, v, err)
		}
		p, err := ParseServerErrorType(tt.name)
		if err != nil || int(p) != tt.code {
			t.Fatalf("Parse(%q) = %v, %v", tt.name, p, err)
		}
	}
	if _, err := ServerErrorTypeByValue(3); !errors.Is(err, ErrUnknownCode) {
		t.Fatalf("ByValue(3) = %v", err)
	}
}

func TestClientMessageTypeText(t *testing.T) {
	b, err := json.Marshal(struct {
		T ClientMessageType `json:"t"`
	}{ClientRPCRequest})
	if err != nil || string(b) != `{"t":"RPC_REQUEST"}` {
		t.Fatalf("marshal = %s, %v", b, err)
	}

	var v struct {
		T ClientMessageType `json:"t"`
	}
	if err := json.Unmarshal([]byte(`{"t":"INBOX_MESSAGE"}`), &v); err != nil || v.T != ClientInboxMessage {
		t.Fatalf("unmarshal = %v, %v", v.T, err)
	}
	if err := json.Unmarshal([]byte(`{"t":"OTHER"}`), &v); !errors.Is(err, ErrUnknownCode) {
		t.Fatalf("unmarshal unknown = %v", err)
	}
	if _, err := ClientMessageType(9).MarshalText(); err == nil {
		t.Fatal("expected error for unknown client message type")
	}
	if got, err := ClientMessageTypeByValue(2); err != nil || got != ClientRPCRequest {
		t.Fatalf("ByValue(2) = %v, %v", got, err)
	}
}
