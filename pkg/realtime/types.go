// Package realtime contains the public domain models, interfaces, and event
// vocabulary for the realtime service. It defines the contract for interacting
// with the presence and message-routing core.
package realtime

import (
	"encoding/json"
	"time"
)

// TransportKind identifies which delivery backend owns a connection.
type TransportKind string

const (
	// TransportDirect is a websocket held open by the current process.
	TransportDirect TransportKind = "direct"
	// TransportRelay is a stateless push call addressed by connection id,
	// used when the socket is held by another process.
	TransportRelay TransportKind = "relay"
)

// Connection represents one live client attachment to the routing layer.
// A connection belongs to exactly one user; a user may own many connections.
type Connection struct {
	ID            string            `json:"id"`
	UserID        string            `json:"userId"`
	TransportKind TransportKind     `json:"transportKind"`
	ConnectedAt   time.Time         `json:"connectedAt"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// DeliveryFailure records a single connection that could not be reached.
type DeliveryFailure struct {
	ConnectionID string `json:"connectionId"`
	Reason       string `json:"reason"`
}

// DeliveryReport aggregates per-connection outcomes of one delivery.
// One connection's failure never aborts delivery to the others, so a report
// may contain both delivered and failed entries.
type DeliveryReport struct {
	Delivered []string          `json:"delivered"`
	Failed    []DeliveryFailure `json:"failed"`
}

// Merge folds another report into this one.
func (r *DeliveryReport) Merge(other DeliveryReport) {
	r.Delivered = append(r.Delivered, other.Delivered...)
	r.Failed = append(r.Failed, other.Failed...)
}

// SignalKind classifies a call-signaling payload.
type SignalKind string

const (
	SignalIncoming     SignalKind = "incoming"
	SignalOffer        SignalKind = "offer"
	SignalAnswer       SignalKind = "answer"
	SignalICECandidate SignalKind = "ice-candidate"
	SignalReject       SignalKind = "reject"
	SignalEnd          SignalKind = "end"
)

// SignalingEnvelope is a transient call-signaling message. Its lifetime is the
// single relay operation; it is never stored.
type SignalingEnvelope struct {
	Kind       SignalKind      `json:"kind"`
	CallID     string          `json:"callId"`
	FromUserID string          `json:"fromUserId"`
	ToUserID   string          `json:"toUserId"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// Identity is a verified user identity resolved from a credential.
type Identity struct {
	UserID string `json:"userId"`
}

// ChatMessage is the author-supplied content of a message:send event.
type ChatMessage struct {
	ChatID           string `json:"chatId"`
	SenderID         string `json:"senderId"`
	Content          string `json:"content"`
	Type             string `json:"type"`
	MediaURL         string `json:"mediaUrl,omitempty"`
	ReplyToMessageID string `json:"replyToMessageId,omitempty"`
}

// StoredMessage is a chat message as persisted by the chat store, echoed back
// to the author (message:sent) and fanned out to peers (message:received).
type StoredMessage struct {
	ID               string    `json:"id"`
	ChatID           string    `json:"chatId"`
	SenderID         string    `json:"senderId"`
	Content          string    `json:"content"`
	Type             string    `json:"type"`
	MediaURL         string    `json:"mediaUrl,omitempty"`
	ReplyToMessageID string    `json:"replyToMessageId,omitempty"`
	SentAt           time.Time `json:"sentAt"`
}
