// Package session mirrors user presence into Redis. The in-memory state
// coordinator stays authoritative; the mirror exists so operators and
// sibling services can inspect who is connected without talking to the
// coordinator.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/oceanchat/session-server/internal/protocol"
	"github.com/oceanchat/session-server/internal/score"
)

const (
	// SessionPrefix is the Redis key prefix for all session hashes.
	SessionPrefix = "session:"

	// SessionTTL is the time-to-live for session keys in Redis. Sessions
	// are short-lived; the TTL covers the pairing timeout with room to
	// spare and reaps entries the server failed to delete.
	SessionTTL = 1 * time.Hour

	// Status values mirrored into Redis, lowercase by store convention.
	StatusWaiting   = "waiting"
	StatusIdle      = "idle"
	StatusConnected = "connected"
)

// Session is a user's mirrored presence record.
type Session struct {
	ID         string `redis:"id"`
	Status     string `redis:"status"` // waiting | idle | connected
	PairID     string `redis:"pair_id"`
	Server     string `redis:"server"` // which server instance owns the socket
	Scores     string `redis:"scores"` // comma-separated, as received on connect
	CreatedAt  int64  `redis:"created_at"`
	LastActive int64  `redis:"last_active"`
}

// Store manages presence state in Redis.
type Store struct {
	client     *redis.Client
	serverName string
}

// NewStore creates a presence store connected to Redis.
func NewStore(redisAddr string, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	// Verify connection.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return &Store{client: client, serverName: serverName}, nil
}

// Create stores a new presence record with waiting status and the TTL.
func (s *Store) Create(ctx context.Context, id string, scores score.Scores) error {
	key := SessionPrefix + id
	now := time.Now().Unix()

	record := map[string]interface{}{
		"id":          id,
		"status":      StatusWaiting,
		"pair_id":     "",
		"server":      s.serverName,
		"scores":      scores.String(),
		"created_at":  now,
		"last_active": now,
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, record)
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Get retrieves a presence record. Returns nil if not found.
func (s *Store) Get(ctx context.Context, id string) (*Session, error) {
	key := SessionPrefix + id
	var record Session
	err := s.client.HGetAll(ctx, key).Scan(&record)
	if err != nil {
		return nil, err
	}
	if record.ID == "" {
		return nil, nil // not found
	}
	return &record, nil
}

// UpdateStatus mirrors a status transition and refreshes the TTL.
func (s *Store) UpdateStatus(ctx context.Context, id string, status protocol.UserStatus) error {
	key := SessionPrefix + id
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "status", mirrorStatus(status), "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// SetPairID records the active pair and marks the session connected.
func (s *Store) SetPairID(ctx context.Context, id string, pairID string) error {
	key := SessionPrefix + id
	return s.client.HSet(ctx, key, "pair_id", pairID, "status", StatusConnected, "last_active", time.Now().Unix()).Err()
}

// ClearPairID removes the active pair reference and resets status to idle.
func (s *Store) ClearPairID(ctx context.Context, id string) error {
	key := SessionPrefix + id
	return s.client.HSet(ctx, key, "pair_id", "", "status", StatusIdle, "last_active", time.Now().Unix()).Err()
}

// Delete removes a presence record.
func (s *Store) Delete(ctx context.Context, id string) error {
	key := SessionPrefix + id
	return s.client.Del(ctx, key).Err()
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}

// mirrorStatus maps the wire status onto the store's lowercase values.
// Disconnected has no mirrored form; callers delete the record instead.
func mirrorStatus(status protocol.UserStatus) string {
	switch status {
	case protocol.StatusWaiting:
		return StatusWaiting
	case protocol.StatusIdle:
		return StatusIdle
	case protocol.StatusConnected:
		return StatusConnected
	default:
		return string(status)
	}
}
