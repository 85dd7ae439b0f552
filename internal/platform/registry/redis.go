// Package registry contains the Redis-backed connection registry. It is the
// only shared mutable state in the service: every process instance reads and
// writes the same keys, which is what lets the relay transport address
// connections held by other processes.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/felixzhu97/whatschat-sub000/pkg/realtime"
)

// DefaultConnectionTTL bounds how long a registry entry survives without a
// refresh. Sessions refresh on every heartbeat, so expiry only fires for
// connections whose owning process died without cleaning up.
const DefaultConnectionTTL = 24 * time.Hour

// redisClient defines the subset of go-redis we need. Keeping it narrow lets
// tests substitute an in-memory implementation.
type redisClient interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	SAdd(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	SRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	SMembers(ctx context.Context, key string) *redis.StringSliceCmd
}

// RedisRegistry implements realtime.ConnectionRegistry and
// realtime.LastSeenStore on Redis. It uses two key families per the storage
// convention:
//  1. `connection:{connectionId}`: the TTL'd connection record (JSON).
//  2. `user-connections:{userId}`: the set of the user's connection ids.
//
// The set carries no TTL of its own; ids whose record has expired are removed
// lazily by ListForUser.
type RedisRegistry struct {
	client redisClient
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisRegistry is the constructor for the RedisRegistry.
func NewRedisRegistry(client redisClient, ttl time.Duration, logger *slog.Logger) (*RedisRegistry, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	if ttl <= 0 {
		ttl = DefaultConnectionTTL
	}
	return &RedisRegistry{
		client: client,
		ttl:    ttl,
		logger: logger.With("component", "redis_registry"),
	}, nil
}

// Register stores the connection record with the registry TTL and adds the id
// to the owner's connection set. Both writes are single-key atomic; no
// cross-key transaction is needed because nothing reads the pair atomically.
func (r *RedisRegistry) Register(ctx context.Context, conn realtime.Connection) error {
	log := r.logger.With("connection", conn.ID, "user", conn.UserID)

	payload, err := json.Marshal(conn)
	if err != nil {
		return fmt.Errorf("failed to marshal connection record: %w", err)
	}

	if err := r.client.Set(ctx, connectionKey(conn.ID), payload, r.ttl).Err(); err != nil {
		log.Error("Failed to store connection record", "err", err)
		return fmt.Errorf("failed to store connection record: %w", err)
	}
	if err := r.client.SAdd(ctx, userConnectionsKey(conn.UserID), conn.ID).Err(); err != nil {
		log.Error("Failed to add connection to user set", "err", err)
		return fmt.Errorf("failed to add connection to user set: %w", err)
	}

	log.Debug("Connection registered")
	return nil
}

// Get returns the connection record, or realtime.ErrNotFound.
func (r *RedisRegistry) Get(ctx context.Context, connectionID string) (realtime.Connection, error) {
	payload, err := r.client.Get(ctx, connectionKey(connectionID)).Result()
	if err == redis.Nil {
		return realtime.Connection{}, realtime.ErrNotFound
	}
	if err != nil {
		return realtime.Connection{}, fmt.Errorf("failed to read connection record: %w", err)
	}

	var conn realtime.Connection
	if err := json.Unmarshal([]byte(payload), &conn); err != nil {
		return realtime.Connection{}, fmt.Errorf("failed to unmarshal connection record: %w", err)
	}
	return conn, nil
}

// ListForUser returns the user's live connection ids. For each member of the
// set it verifies the underlying record still exists; ids whose record is
// missing are removed from the set as a side effect (lazy self-heal, the
// counterpart of TTL expiry on the record key).
func (r *RedisRegistry) ListForUser(ctx context.Context, userID string) ([]string, error) {
	log := r.logger.With("user", userID)
	setKey := userConnectionsKey(userID)

	members, err := r.client.SMembers(ctx, setKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read user connection set: %w", err)
	}

	live := make([]string, 0, len(members))
	for _, id := range members {
		exists, err := r.client.Exists(ctx, connectionKey(id)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to check connection record: %w", err)
		}
		if exists == 0 {
			log.Debug("Pruning expired connection from user set", "connection", id)
			if err := r.client.SRem(ctx, setKey, id).Err(); err != nil {
				log.Warn("Failed to prune expired connection from user set", "connection", id, "err", err)
			}
			continue
		}
		live = append(live, id)
	}

	return live, nil
}

// Remove deletes the record and removes the id from its owner's set. It is
// idempotent: removing a non-existent id is a no-op.
func (r *RedisRegistry) Remove(ctx context.Context, connectionID string) error {
	log := r.logger.With("connection", connectionID)

	conn, err := r.Get(ctx, connectionID)
	if err == realtime.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}

	if err := r.client.Del(ctx, connectionKey(connectionID)).Err(); err != nil {
		log.Error("Failed to delete connection record", "err", err)
		return fmt.Errorf("failed to delete connection record: %w", err)
	}
	if err := r.client.SRem(ctx, userConnectionsKey(conn.UserID), connectionID).Err(); err != nil {
		log.Error("Failed to remove connection from user set", "err", err)
		return fmt.Errorf("failed to remove connection from user set: %w", err)
	}

	log.Debug("Connection removed", "user", conn.UserID)
	return nil
}

// Refresh extends the record's TTL. Returns realtime.ErrNotFound when the
// record has already expired; the owning session treats that as a dead
// connection.
func (r *RedisRegistry) Refresh(ctx context.Context, connectionID string) error {
	ok, err := r.client.Expire(ctx, connectionKey(connectionID), r.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to refresh connection TTL: %w", err)
	}
	if !ok {
		return realtime.ErrNotFound
	}
	return nil
}

// SetLastSeen stamps the moment the user's connection set became empty.
// Last-seen has no TTL; it is the one piece of presence that outlives the
// connections themselves.
func (r *RedisRegistry) SetLastSeen(ctx context.Context, userID string, at time.Time) error {
	if err := r.client.Set(ctx, lastSeenKey(userID), at.UTC().Format(time.RFC3339Nano), 0).Err(); err != nil {
		return fmt.Errorf("failed to store last seen: %w", err)
	}
	return nil
}

// GetLastSeen returns the user's last-seen stamp, or realtime.ErrNotFound.
func (r *RedisRegistry) GetLastSeen(ctx context.Context, userID string) (time.Time, error) {
	payload, err := r.client.Get(ctx, lastSeenKey(userID)).Result()
	if err == redis.Nil {
		return time.Time{}, realtime.ErrNotFound
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read last seen: %w", err)
	}

	at, err := time.Parse(time.RFC3339Nano, payload)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse last seen: %w", err)
	}
	return at, nil
}

// --- Private Helpers ---

// key formatting helpers
func connectionKey(id string) string          { return fmt.Sprintf("connection:%s", id) }
func userConnectionsKey(userID string) string { return fmt.Sprintf("user-connections:%s", userID) }
func lastSeenKey(userID string) string        { return fmt.Sprintf("last-seen:%s", userID) }
