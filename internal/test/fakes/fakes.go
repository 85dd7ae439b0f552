// Package fakes provides in-memory test doubles (fakes) and test-specific
// adapters for the service's dependencies. These are used in the cmd/local
// entrypoint and in integration tests.
package fakes

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/felixzhu97/whatschat-sub000/pkg/realtime"
)

// --- Connection Registry ---

// Registry is an in-memory realtime.ConnectionRegistry and
// realtime.LastSeenStore.
type Registry struct {
	mu       sync.Mutex
	conns    map[string]realtime.Connection
	byUser   map[string]map[string]struct{}
	lastSeen map[string]time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		conns:    make(map[string]realtime.Connection),
		byUser:   make(map[string]map[string]struct{}),
		lastSeen: make(map[string]time.Time),
	}
}

func (r *Registry) Register(_ context.Context, conn realtime.Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[conn.ID] = conn
	set, ok := r.byUser[conn.UserID]
	if !ok {
		set = make(map[string]struct{})
		r.byUser[conn.UserID] = set
	}
	set[conn.ID] = struct{}{}
	return nil
}

func (r *Registry) Get(_ context.Context, connectionID string) (realtime.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[connectionID]
	if !ok {
		return realtime.Connection{}, realtime.ErrNotFound
	}
	return conn, nil
}

func (r *Registry) ListForUser(_ context.Context, userID string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.byUser[userID]))
	for id := range r.byUser[userID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *Registry) Remove(_ context.Context, connectionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[connectionID]
	if !ok {
		return nil
	}
	delete(r.conns, connectionID)
	delete(r.byUser[conn.UserID], connectionID)
	return nil
}

func (r *Registry) Refresh(_ context.Context, connectionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[connectionID]; !ok {
		return realtime.ErrNotFound
	}
	return nil
}

func (r *Registry) SetLastSeen(_ context.Context, userID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastSeen[userID] = at
	return nil
}

func (r *Registry) GetLastSeen(_ context.Context, userID string) (time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	at, ok := r.lastSeen[userID]
	if !ok {
		return time.Time{}, realtime.ErrNotFound
	}
	return at, nil
}

// --- Deliverer ---

// Delivery records one Deliver call observed by the fake.
type Delivery struct {
	Target  realtime.Target
	Payload []byte
}

// Deliverer is an in-memory realtime.Deliverer. By default every resolved
// connection succeeds; individual connection ids can be failed via FailWith,
// which also mimics the router's prune-on-failure behavior.
type Deliverer struct {
	mu         sync.Mutex
	registry   realtime.ConnectionRegistry
	deliveries []Delivery
	failures   map[string]string // connectionID -> reason
}

// NewDeliverer creates a fake router resolving user targets through registry.
func NewDeliverer(registry realtime.ConnectionRegistry) *Deliverer {
	return &Deliverer{
		registry: registry,
		failures: make(map[string]string),
	}
}

// FailWith makes delivery to connectionID fail with the given reason.
func (d *Deliverer) FailWith(connectionID, reason string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures[connectionID] = reason
}

func (d *Deliverer) Deliver(ctx context.Context, target realtime.Target, payload []byte) realtime.DeliveryReport {
	d.mu.Lock()
	d.deliveries = append(d.deliveries, Delivery{Target: target, Payload: payload})
	d.mu.Unlock()

	var ids []string
	if target.ConnectionID != "" {
		ids = []string{target.ConnectionID}
	} else if d.registry != nil {
		ids, _ = d.registry.ListForUser(ctx, target.UserID)
	}

	var report realtime.DeliveryReport
	for _, id := range ids {
		d.mu.Lock()
		reason, failed := d.failures[id]
		d.mu.Unlock()
		if failed {
			report.Failed = append(report.Failed, realtime.DeliveryFailure{ConnectionID: id, Reason: reason})
			if d.registry != nil {
				_ = d.registry.Remove(ctx, id)
			}
			continue
		}
		report.Delivered = append(report.Delivered, id)
	}
	return report
}

// Deliveries returns a copy of all observed Deliver calls.
func (d *Deliverer) Deliveries() []Delivery {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Delivery, len(d.deliveries))
	copy(out, d.deliveries)
	return out
}

// --- Chat Store ---

// ChatStore is an in-memory realtime.ChatStore.
type ChatStore struct {
	mu           sync.Mutex
	participants map[string][]string
	messages     []realtime.StoredMessage
}

func NewChatStore() *ChatStore {
	return &ChatStore{participants: make(map[string][]string)}
}

// SetParticipants seeds the membership of a chat.
func (s *ChatStore) SetParticipants(chatID string, userIDs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.participants[chatID] = userIDs
}

func (s *ChatStore) GetChatParticipants(_ context.Context, chatID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	members, ok := s.participants[chatID]
	if !ok {
		return nil, realtime.ErrChatNotFound
	}
	out := make([]string, len(members))
	copy(out, members)
	return out, nil
}

func (s *ChatStore) PersistMessage(_ context.Context, msg realtime.ChatMessage) (realtime.StoredMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	members, ok := s.participants[msg.ChatID]
	if !ok {
		return realtime.StoredMessage{}, realtime.ErrChatNotFound
	}
	isMember := false
	for _, m := range members {
		if m == msg.SenderID {
			isMember = true
			break
		}
	}
	if !isMember {
		return realtime.StoredMessage{}, realtime.ErrNotParticipant
	}

	stored := realtime.StoredMessage{
		ID:               uuid.NewString(),
		ChatID:           msg.ChatID,
		SenderID:         msg.SenderID,
		Content:          msg.Content,
		Type:             msg.Type,
		MediaURL:         msg.MediaURL,
		ReplyToMessageID: msg.ReplyToMessageID,
		SentAt:           time.Now().UTC(),
	}
	s.messages = append(s.messages, stored)
	return stored, nil
}

func (s *ChatStore) RecentMessages(_ context.Context, chatID string, limit int) ([]realtime.StoredMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.participants[chatID]; !ok {
		return nil, realtime.ErrChatNotFound
	}
	if limit <= 0 {
		limit = 50
	}
	var out []realtime.StoredMessage
	for _, m := range s.messages {
		if m.ChatID == chatID {
			out = append(out, m)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// Messages returns a copy of all persisted messages.
func (s *ChatStore) Messages() []realtime.StoredMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]realtime.StoredMessage, len(s.messages))
	copy(out, s.messages)
	return out
}

// --- Broadcaster ---

// Broadcast records one Broadcast call observed by the fake.
type Broadcast struct {
	Origin   string
	Envelope realtime.Envelope
}

// Broadcaster is an in-memory realtime.EventBroadcaster.
type Broadcaster struct {
	mu     sync.Mutex
	events []Broadcast
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{}
}

func (b *Broadcaster) Broadcast(_ context.Context, originUserID string, env realtime.Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, Broadcast{Origin: originUserID, Envelope: env})
	return nil
}

// Events returns a copy of all observed broadcasts.
func (b *Broadcaster) Events() []Broadcast {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Broadcast, len(b.events))
	copy(out, b.events)
	return out
}

// --- Authenticator ---

// Authenticator is an in-memory realtime.Authenticator mapping credentials to
// identities.
type Authenticator struct {
	mu     sync.Mutex
	tokens map[string]realtime.Identity
}

func NewAuthenticator() *Authenticator {
	return &Authenticator{tokens: make(map[string]realtime.Identity)}
}

// Allow registers a credential resolving to the given user.
func (a *Authenticator) Allow(credential, userID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tokens[credential] = realtime.Identity{UserID: userID}
}

func (a *Authenticator) Verify(_ context.Context, credential string) (realtime.Identity, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	identity, ok := a.tokens[credential]
	if !ok {
		return realtime.Identity{}, realtime.ErrInvalidToken
	}
	return identity, nil
}
