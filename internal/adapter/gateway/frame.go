package gateway

import (
	"encoding/json"

	"agentgw/internal/domain"
)

// FrameType is the value of the "type" discriminator. Requests and responses
// carry no type; pushes and the handshake reply do.
type FrameType string

const (
	FrameTypeEvent FrameType = "event"
	FrameTypeAuth  FrameType = "auth"
)

// FrameKind classifies a decoded inbound frame.
type FrameKind int

const (
	KindUnknown FrameKind = iota
	KindPush
	KindResponse
	KindRequest
	KindAuth
)

// FrameID is an opaque correlation id. It is always written as a JSON string;
// numeric ids from older gateways are accepted and kept in their literal form.
type FrameID string

func (id *FrameID) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*id = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = FrameID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*id = FrameID(n.String())
	return nil
}

// Frame is the union of every envelope that travels over the socket. Only the
// fields of one shape are populated on any given frame.
type Frame struct {
	Type FrameType `json:"type,omitempty"`
	ID   FrameID   `json:"id,omitempty"`

	// request
	Method string         `json:"method,omitempty"`
	Params map[string]any `json:"params,omitempty"`

	// response
	Result json.RawMessage      `json:"result,omitempty"`
	Error  *domain.GatewayError `json:"error,omitempty"`

	// push
	Event   string         `json:"event,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`

	// auth
	Token string `json:"token,omitempty"`
	Nonce string `json:"nonce,omitempty"`
}

// Kind reports which envelope shape f holds.
func (f *Frame) Kind() FrameKind {
	switch {
	case f.Type == FrameTypeEvent:
		if f.Event == "" {
			return KindUnknown
		}
		return KindPush
	case f.Type == FrameTypeAuth:
		return KindAuth
	case f.ID != "" && f.Method != "":
		return KindRequest
	case f.ID != "" && f.Type == "":
		return KindResponse
	default:
		return KindUnknown
	}
}

// RequestFrame is the outbound request envelope. Params is always written,
// even when empty.
type RequestFrame struct {
	ID     string         `json:"id"`
	Method string         `json:"method"`
	Params map[string]any `json:"params"`
}

// ResponseFrame is written by the simulated gateway.
type ResponseFrame struct {
	ID     string               `json:"id"`
	Result json.RawMessage      `json:"result,omitempty"`
	Error  *domain.GatewayError `json:"error,omitempty"`
}

// PushFrame is a server-initiated event.
type PushFrame struct {
	Type    FrameType      `json:"type"`
	Event   string         `json:"event"`
	Payload map[string]any `json:"payload"`
}

// AuthFrame answers connect.challenge. Token is written even when empty so
// the gateway can tell an anonymous client from a malformed reply.
type AuthFrame struct {
	Type  FrameType `json:"type"`
	Token string    `json:"token"`
	Nonce string    `json:"nonce"`
}

// NewPush builds a push frame for ev.
func NewPush(ev domain.Event) PushFrame {
	payload := ev.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	return PushFrame{Type: FrameTypeEvent, Event: ev.Name, Payload: payload}
}
