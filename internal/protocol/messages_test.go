package protocol

import (
	"errors"
	"testing"
)

func TestParseClientMessageUtterance(t *testing.T) {
	raw := []byte(`{"type":"user_utterance","session_id":"s1","request_id":"r1","text":"hello","providers":["groq","echo"]}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}

	u, ok := msg.(UserUtterance)
	if !ok {
		t.Fatalf("message type = %T, want UserUtterance", msg)
	}
	if u.SessionID != "s1" || u.Text != "hello" || u.RequestID != "r1" || len(u.Providers) != 2 {
		t.Fatalf("unexpected utterance: %+v", u)
	}
}

func TestParseClientMessageRejectsUnknownType(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"wat"}`))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
}

func TestParseClientMessageControl(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"client_control","session_id":"s1","action":"ping"}`))
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	control, ok := msg.(ClientControl)
	if !ok || control.Action != ActionPing {
		t.Fatalf("unexpected client control: %#v", msg)
	}
}

func TestParseClientMessageRejectsInvalid(t *testing.T) {
	cases := []string{
		`{"type":"user_utterance","session_id":"s1","text":"   "}`,
		`{"type":"user_utterance","text":"hi"}`,
		`{"type":"client_control","session_id":"s1","action":"dance"}`,
		`not json`,
	}
	for _, raw := range cases {
		if _, err := ParseClientMessage([]byte(raw)); err == nil {
			t.Fatalf("ParseClientMessage(%s) expected error", raw)
		}
	}
}

func BenchmarkParseClientMessageUtterance(b *testing.B) {
	raw := []byte(`{"type":"user_utterance","session_id":"s1","text":"what did I say about the trip to Lisbon?"}`)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		msg, err := ParseClientMessage(raw)
		if err != nil {
			b.Fatalf("ParseClientMessage() error = %v", err)
		}
		if _, ok := msg.(UserUtterance); !ok {
			b.Fatalf("message type = %T, want UserUtterance", msg)
		}
	}
}
