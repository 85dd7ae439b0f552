package realtime

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound reports a registry miss. Callers treat it as a zero-recipient
// delivery, never as control flow for anything else.
var ErrNotFound = errors.New("connection not found")

// ErrConnectionGone reports a delivery failure that indicates the remote
// endpoint no longer exists. The router prunes the registry entry before
// surfacing the failure.
var ErrConnectionGone = errors.New("connection gone")

// ErrInvalidToken reports a bad, missing, or expired credential at handshake.
// It is fatal to that connection only.
var ErrInvalidToken = errors.New("invalid token")

// ErrNotParticipant reports an author who is not a member of the chat they
// tried to fan out to. Rejected before any delivery takes place.
var ErrNotParticipant = errors.New("author is not a chat participant")

// ErrChatNotFound reports a fan-out addressed to an unknown chat.
var ErrChatNotFound = errors.New("chat not found")

// ConnectionRegistry is the shared, TTL-backed mapping from connection id to
// owning user and from user to their live connection set. All writes are
// observable immediately to any process sharing the backing store.
type ConnectionRegistry interface {
	// Register stores the connection record with a fixed TTL and adds its id
	// to the owner's connection set.
	Register(ctx context.Context, conn Connection) error

	// Get returns the connection record, or ErrNotFound.
	Get(ctx context.Context, connectionID string) (Connection, error)

	// ListForUser returns the user's live connection ids. Ids whose backing
	// record has expired are removed from the set as a side effect.
	ListForUser(ctx context.Context, userID string) ([]string, error)

	// Remove deletes the record and removes the id from its owner's set.
	// Removing a non-existent id is a no-op, not an error.
	Remove(ctx context.Context, connectionID string) error

	// Refresh extends the record's TTL while the connection is alive.
	Refresh(ctx context.Context, connectionID string) error
}

// Target addresses a delivery: either a user (all their connections) or one
// specific connection.
type Target struct {
	UserID       string
	ConnectionID string
}

// UserTarget addresses every live connection of a user.
func UserTarget(userID string) Target { return Target{UserID: userID} }

// ConnectionTarget addresses a single connection.
func ConnectionTarget(connectionID string) Target { return Target{ConnectionID: connectionID} }

// Deliverer is the uniform delivery contract presented by the transport
// router. Implementations select Direct vs Relay per connection and prune
// dead registry entries on "gone" failures.
type Deliverer interface {
	Deliver(ctx context.Context, target Target, payload []byte) DeliveryReport
}

// Authenticator turns a credential into a verified identity.
type Authenticator interface {
	Verify(ctx context.Context, credential string) (Identity, error)
}

// ChatStore is the boundary to the storage collaborator. The routing core
// treats participant sets as read-only input fetched per fan-out.
type ChatStore interface {
	// GetChatParticipants returns the user ids allowed to receive events for
	// the chat, or ErrChatNotFound.
	GetChatParticipants(ctx context.Context, chatID string) ([]string, error)

	// PersistMessage stores an authored message and returns the stored form.
	// Returns ErrNotParticipant when the sender is not a chat member.
	PersistMessage(ctx context.Context, msg ChatMessage) (StoredMessage, error)

	// RecentMessages returns the newest messages of a chat, oldest first,
	// for a client catching up after a reconnect.
	RecentMessages(ctx context.Context, chatID string, limit int) ([]StoredMessage, error)
}

// LastSeenStore records the moment a user's connection set became empty.
type LastSeenStore interface {
	SetLastSeen(ctx context.Context, userID string, at time.Time) error
	// GetLastSeen returns ErrNotFound for users never seen offline.
	GetLastSeen(ctx context.Context, userID string) (time.Time, error)
}

// EventBroadcaster publishes an event for best-effort delivery to every
// instance's local connections, excluding those owned by the origin user.
// Used for presence changes and status broadcasts, which must cross process
// boundaries.
type EventBroadcaster interface {
	Broadcast(ctx context.Context, originUserID string, env Envelope) error
}
