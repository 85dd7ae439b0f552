// Package presence derives a user's online/offline state from their live
// connection count. Nothing is stored except last-seen: a user is online iff
// their connection set is non-empty.
package presence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/felixzhu97/whatschat-sub000/pkg/realtime"
)

// Tracker flips presence on connect/disconnect and stamps last-seen on the
// transition to zero connections.
type Tracker struct {
	registry realtime.ConnectionRegistry
	lastSeen realtime.LastSeenStore
	logger   zerolog.Logger
	now      func() time.Time
}

// NewTracker wires up a presence tracker.
func NewTracker(registry realtime.ConnectionRegistry, lastSeen realtime.LastSeenStore, logger zerolog.Logger) (*Tracker, error) {
	if registry == nil {
		return nil, errors.New("registry cannot be nil")
	}
	if lastSeen == nil {
		return nil, errors.New("last-seen store cannot be nil")
	}
	return &Tracker{
		registry: registry,
		lastSeen: lastSeen,
		logger:   logger.With().Str("component", "PresenceTracker").Logger(),
		now:      time.Now,
	}, nil
}

// MarkOnline reports whether the connection about to be registered is a
// genuine offline-to-online transition. It must be called before the registry
// add; a user with one existing device does not come "online" again when a
// second tab opens.
func (t *Tracker) MarkOnline(ctx context.Context, userID string) (bool, error) {
	ids, err := t.registry.ListForUser(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("failed to list connections for %s: %w", userID, err)
	}
	first := len(ids) == 0
	if first {
		t.logger.Debug().Str("user", userID).Msg("User transitioning online.")
	}
	return first, nil
}

// MarkOffline reports whether the user's connection set has become empty
// after a removal, and stamps last-seen exactly when it has. A user with two
// devices does not appear offline merely because one tab closed.
func (t *Tracker) MarkOffline(ctx context.Context, userID string) (bool, error) {
	ids, err := t.registry.ListForUser(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("failed to list connections for %s: %w", userID, err)
	}
	if len(ids) > 0 {
		return false, nil
	}

	if err := t.lastSeen.SetLastSeen(ctx, userID, t.now().UTC()); err != nil {
		t.logger.Warn().Err(err).Str("user", userID).Msg("Failed to stamp last seen.")
	}
	t.logger.Debug().Str("user", userID).Msg("User transitioned offline.")
	return true, nil
}

// IsOnline reports whether the user has at least one live connection.
func (t *Tracker) IsOnline(ctx context.Context, userID string) (bool, error) {
	ids, err := t.registry.ListForUser(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("failed to list connections for %s: %w", userID, err)
	}
	return len(ids) > 0, nil
}

// LastSeen returns the stamp written on the user's most recent transition to
// zero connections, or realtime.ErrNotFound.
func (t *Tracker) LastSeen(ctx context.Context, userID string) (time.Time, error) {
	return t.lastSeen.GetLastSeen(ctx, userID)
}
