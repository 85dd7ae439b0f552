// Package session holds the per-connection state machine and the inbound
// event dispatch. A session gates every operation on its connection: nothing
// is processed before the handshake credential has been verified.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/felixzhu97/whatschat-sub000/internal/fanout"
	"github.com/felixzhu97/whatschat-sub000/pkg/realtime"
)

// State is the lifecycle phase of one connection.
type State int32

const (
	StateUnauthenticated State = iota
	StateAuthenticating
	StateAuthenticated
	StateClosed
)

// PresenceTracker is the subset of the presence tracker a session needs.
type PresenceTracker interface {
	MarkOnline(ctx context.Context, userID string) (bool, error)
	MarkOffline(ctx context.Context, userID string) (bool, error)
}

// FanoutEngine delivers an authored event to a chat's other participants.
type FanoutEngine interface {
	Fanout(ctx context.Context, chatID, authorID string, event []byte, ack *fanout.Ack) (realtime.DeliveryReport, error)
}

// CallRelay delivers signaling envelopes between call parties.
type CallRelay interface {
	Relay(ctx context.Context, event string, env realtime.SignalingEnvelope) (realtime.DeliveryReport, error)
	End(ctx context.Context, event string, env realtime.SignalingEnvelope, participants []string) (realtime.DeliveryReport, error)
}

// Deps holds every collaborator a session can reach. One instance is shared
// by all sessions.
type Deps struct {
	Auth      realtime.Authenticator
	Registry  realtime.ConnectionRegistry
	Router    realtime.Deliverer
	Presence  PresenceTracker
	Fanout    FanoutEngine
	Calls     CallRelay
	Chats     realtime.ChatStore
	Broadcast realtime.EventBroadcaster
}

func (d *Deps) validate() error {
	switch {
	case d.Auth == nil:
		return errors.New("auth cannot be nil")
	case d.Registry == nil:
		return errors.New("registry cannot be nil")
	case d.Router == nil:
		return errors.New("router cannot be nil")
	case d.Presence == nil:
		return errors.New("presence cannot be nil")
	case d.Fanout == nil:
		return errors.New("fanout cannot be nil")
	case d.Calls == nil:
		return errors.New("call relay cannot be nil")
	case d.Chats == nil:
		return errors.New("chat store cannot be nil")
	case d.Broadcast == nil:
		return errors.New("broadcaster cannot be nil")
	}
	return nil
}

// Session is the state machine for one live connection:
// Unauthenticated -> Authenticating -> Authenticated -> Closed.
type Session struct {
	id       string
	metadata map[string]string
	deps     *Deps
	logger   zerolog.Logger

	state    atomic.Int32
	identity realtime.Identity
}

// New creates a session in the Unauthenticated state.
func New(connectionID string, metadata map[string]string, deps *Deps, logger zerolog.Logger) (*Session, error) {
	if connectionID == "" {
		return nil, errors.New("connection id cannot be empty")
	}
	if deps == nil {
		return nil, errors.New("deps cannot be nil")
	}
	if err := deps.validate(); err != nil {
		return nil, err
	}
	return &Session{
		id:       connectionID,
		metadata: metadata,
		deps:     deps,
		logger:   logger.With().Str("connection", connectionID).Logger(),
	}, nil
}

// ConnectionID returns the session's connection id.
func (s *Session) ConnectionID() string { return s.id }

// State returns the session's current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Identity returns the verified identity. Only meaningful once Authenticated.
func (s *Session) Identity() realtime.Identity { return s.identity }

// Authenticate verifies the handshake credential and, on success, registers
// the connection and flips presence. Authentication is attempted exactly once
// per connection; a missing or invalid credential transitions directly to
// Closed and the transport-level connection must be dropped by the caller.
func (s *Session) Authenticate(ctx context.Context, credential string) error {
	if !s.state.CompareAndSwap(int32(StateUnauthenticated), int32(StateAuthenticating)) {
		return fmt.Errorf("authentication already attempted in state %d", s.State())
	}

	if credential == "" {
		s.state.Store(int32(StateClosed))
		return fmt.Errorf("missing handshake credential: %w", realtime.ErrInvalidToken)
	}

	identity, err := s.deps.Auth.Verify(ctx, credential)
	if err != nil {
		s.state.Store(int32(StateClosed))
		s.logger.Warn().Err(err).Msg("Handshake credential rejected.")
		return fmt.Errorf("credential verification failed: %w", realtime.ErrInvalidToken)
	}
	s.identity = identity

	// The 0->1 check must happen before the registry add, otherwise every
	// connection would look like the first.
	first, err := s.deps.Presence.MarkOnline(ctx, identity.UserID)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Presence check failed, assuming not first connection.")
	}

	if err := s.deps.Registry.Register(ctx, realtime.Connection{
		ID:            s.id,
		UserID:        identity.UserID,
		TransportKind: realtime.TransportDirect,
		ConnectedAt:   time.Now().UTC(),
		Metadata:      s.metadata,
	}); err != nil {
		s.state.Store(int32(StateClosed))
		return fmt.Errorf("failed to register connection: %w", err)
	}

	s.state.Store(int32(StateAuthenticated))
	s.logger.Info().Str("user", identity.UserID).Msg("Session authenticated.")

	// Both notifications are best-effort: a failed broadcast never fails the
	// handshake.
	s.sendSelf(ctx, realtime.EventUserConnect, userPayload{UserID: identity.UserID})
	if first {
		s.broadcast(ctx, realtime.EventUserOnline, userPayload{UserID: identity.UserID})
	}
	return nil
}

// Close transitions to Closed, removes the connection from the registry, and
// if this was the user's last connection, stamps last-seen and broadcasts
// offline. Safe to call more than once.
func (s *Session) Close(ctx context.Context) {
	prev := State(s.state.Swap(int32(StateClosed)))
	if prev == StateClosed {
		return
	}

	if err := s.deps.Registry.Remove(ctx, s.id); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to remove connection from registry.")
	}

	if prev != StateAuthenticated {
		return
	}

	offline, err := s.deps.Presence.MarkOffline(ctx, s.identity.UserID)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Presence check on close failed.")
		return
	}
	if offline {
		s.broadcast(ctx, realtime.EventUserOffline, userPayload{UserID: s.identity.UserID})
	}
	s.logger.Info().Str("user", s.identity.UserID).Msg("Session closed.")
}

type userPayload struct {
	UserID string `json:"userId"`
}

// sendSelf delivers an event to this session's own connection only.
func (s *Session) sendSelf(ctx context.Context, event string, data any) {
	env, err := realtime.NewEnvelope(event, data)
	if err != nil {
		s.logger.Warn().Err(err).Str("event", event).Msg("Failed to build envelope.")
		return
	}
	payload, err := env.Encode()
	if err != nil {
		s.logger.Warn().Err(err).Str("event", event).Msg("Failed to encode envelope.")
		return
	}
	report := s.deps.Router.Deliver(ctx, realtime.ConnectionTarget(s.id), payload)
	if len(report.Failed) > 0 {
		s.logger.Warn().Str("event", event).Msg("Failed to deliver event to own connection.")
	}
}

// broadcast publishes an event for delivery to every other user's local
// connections on all instances. Best-effort.
func (s *Session) broadcast(ctx context.Context, event string, data any) {
	env, err := realtime.NewEnvelope(event, data)
	if err != nil {
		s.logger.Warn().Err(err).Str("event", event).Msg("Failed to build broadcast envelope.")
		return
	}
	if err := s.deps.Broadcast.Broadcast(ctx, s.identity.UserID, env); err != nil {
		s.logger.Warn().Err(err).Str("event", event).Msg("Broadcast failed.")
	}
}
