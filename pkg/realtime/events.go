package realtime

import (
	"encoding/json"
	"fmt"
)

// Event names shared between client and server. The vocabulary is symmetric:
// the same names appear on the wire in both directions.
const (
	EventUserConnect = "user:connect"
	EventUserOnline  = "user:online"
	EventUserOffline = "user:offline"

	EventMessageSend     = "message:send"
	EventMessageSent     = "message:sent"
	EventMessageReceived = "message:received"
	EventMessageRead     = "message:read"
	EventMessageTyping   = "message:typing"
	EventMessageReaction = "message:reaction"

	EventCallIncoming     = "call:incoming"
	EventCallOffer        = "call:offer"
	EventCallAnswer       = "call:answer"
	EventCallWebRTCAnswer = "call:webrtc-answer"
	EventCallReject       = "call:reject"
	EventCallEnd          = "call:end"
	EventCallICECandidate = "call:ice-candidate"

	EventChatHistory = "chat:history"

	EventStatusCreate = "status:create"

	EventError = "error"
)

// Envelope is the wire frame for every event in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals data into an Envelope for the given event name.
func NewEnvelope(event string, data any) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal %s data: %w", event, err)
	}
	return Envelope{Event: event, Data: raw}, nil
}

// Encode serializes the envelope for transport.
func (e Envelope) Encode() ([]byte, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s envelope: %w", e.Event, err)
	}
	return payload, nil
}
