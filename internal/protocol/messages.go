package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeUserUtterance  MessageType = "user_utterance"
	TypeClientControl  MessageType = "client_control"
	TypeAssistantReply MessageType = "assistant_reply"
	TypeMemoryWarning  MessageType = "memory_warning"
	TypeSystemEvent    MessageType = "system_event"
	TypeErrorEvent     MessageType = "error_event"
)

// Client control actions.
const (
	ActionPing = "ping"
	ActionEnd  = "end"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

type UserUtterance struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	RequestID string      `json:"request_id,omitempty"`
	Text      string      `json:"text"`
	// Providers optionally restricts and orders the providers tried.
	Providers []string `json:"providers,omitempty"`
}

type ClientControl struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Action    string      `json:"action"`
}

type AssistantReply struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	RequestID string      `json:"request_id,omitempty"`
	TurnID    string      `json:"turn_id"`
	Provider  string      `json:"provider"`
	Text      string      `json:"text"`
	Degraded  bool        `json:"degraded,omitempty"`
}

type MemoryWarning struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	TurnID    string      `json:"turn_id"`
	Stage     string      `json:"stage"`
	Detail    string      `json:"detail"`
}

type SystemEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Detail    string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	RequestID string      `json:"request_id,omitempty"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeUserUtterance:
		var msg UserUtterance
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || strings.TrimSpace(msg.Text) == "" {
			return nil, errors.New("invalid user_utterance")
		}
		return msg, nil
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || (msg.Action != ActionPing && msg.Action != ActionEnd) {
			return nil, errors.New("invalid client_control")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

// TypeOf reports the type of a parsed or outbound message.
func TypeOf(v any) (MessageType, bool) {
	switch m := v.(type) {
	case UserUtterance:
		return m.Type, true
	case ClientControl:
		return m.Type, true
	case AssistantReply:
		return m.Type, true
	case MemoryWarning:
		return m.Type, true
	case SystemEvent:
		return m.Type, true
	case ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
