// Package session keeps a Redis record of every live WebSocket session: which
// server holds it and which user it announced as. The record is for
// operators and other services; presence decisions are made in-process.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// SessionPrefix is the Redis key prefix for all session hashes.
	SessionPrefix = "session:"

	// UserSessionsPrefix is the key prefix of the per-user set of session ids.
	UserSessionsPrefix = "user_sessions:"

	// SessionTTL is the time-to-live for session keys in Redis.
	SessionTTL = 1 * time.Hour

	// Status constants for the session lifecycle.
	StatusConnected = "connected"
	StatusAnnounced = "announced"
)

// Session represents a connection's record stored in Redis.
type Session struct {
	ID         string `redis:"id"`
	Status     string `redis:"status"`      // connected | announced
	UserID     string `redis:"user_id"`     // empty until announce
	Server     string `redis:"server"`      // which WS server instance
	CreatedAt  int64  `redis:"created_at"`  // unix timestamp
	LastActive int64  `redis:"last_active"` // unix timestamp
}

// Store manages session records in Redis.
type Store struct {
	client     *redis.Client
	serverName string // identifier for this WS server instance
}

// NewStore creates a new session store connected to Redis.
func NewStore(redisAddr string, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return NewStoreWithClient(client, serverName), nil
}

// NewStoreWithClient wraps an existing Redis client.
func NewStoreWithClient(client *redis.Client, serverName string) *Store {
	return &Store{client: client, serverName: serverName}
}

// Create stores a new session in Redis with connected status and 1h TTL.
func (s *Store) Create(ctx context.Context, sessionID string) error {
	key := SessionPrefix + sessionID
	now := time.Now().Unix()

	session := map[string]interface{}{
		"id":          sessionID,
		"status":      StatusConnected,
		"user_id":     "",
		"server":      s.serverName,
		"created_at":  now,
		"last_active": now,
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, session)
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Get retrieves a session from Redis. Returns nil if not found.
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	key := SessionPrefix + sessionID
	var session Session
	err := s.client.HGetAll(ctx, key).Scan(&session)
	if err != nil {
		return nil, err
	}
	if session.ID == "" {
		return nil, nil // not found
	}
	return &session, nil
}

// SetUser records the user the session announced as, indexes the session
// under that user, and refreshes both TTLs.
func (s *Store) SetUser(ctx context.Context, sessionID, userID string) error {
	key := SessionPrefix + sessionID
	userKey := UserSessionsPrefix + userID

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, "user_id", userID, "status", StatusAnnounced, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, SessionTTL)
	pipe.SAdd(ctx, userKey, sessionID)
	pipe.Expire(ctx, userKey, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// SessionsOfUser returns the ids of the user's recorded sessions across all
// servers.
func (s *Store) SessionsOfUser(ctx context.Context, userID string) ([]string, error) {
	return s.client.SMembers(ctx, UserSessionsPrefix+userID).Result()
}

// Touch updates last_active and refreshes the TTL.
func (s *Store) Touch(ctx context.Context, sessionID string) error {
	key := SessionPrefix + sessionID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Delete removes a session from Redis along with its entry in the user index.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	key := SessionPrefix + sessionID

	userID, err := s.client.HGet(ctx, key, "user_id").Result()
	if err != nil && err != redis.Nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	if userID != "" {
		pipe.SRem(ctx, UserSessionsPrefix+userID, sessionID)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
