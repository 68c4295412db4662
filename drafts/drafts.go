// Package drafts persists in-progress composition per conversation across
// view restarts.
package drafts

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"chatsync/crypto"
	"chatsync/models"
)

// DefaultTTL bounds how long an untouched draft survives.
const DefaultTTL = 30 * 24 * time.Hour

// ErrNotFound is returned when a conversation has no saved draft.
var ErrNotFound = fmt.Errorf("draft: %w", models.ErrNotFound)

// RedisStore keeps drafts in Redis, sealed when a Sealer is configured.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	sealer *crypto.Sealer
}

// NewRedisStore connects to redisURL and verifies the connection.
func NewRedisStore(redisURL string, sealer *crypto.Sealer) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client, sealer), nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client.
func NewRedisStoreWithClient(client *redis.Client, sealer *crypto.Sealer) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: "draft:",
		ttl:    DefaultTTL,
		sealer: sealer,
	}
}

func (s *RedisStore) key(conversationID string) string {
	return s.prefix + conversationID
}

// Get returns the saved draft or ErrNotFound.
func (s *RedisStore) Get(ctx context.Context, conversationID string) (models.Draft, error) {
	value, err := s.client.Get(ctx, s.key(conversationID)).Result()
	if err == redis.Nil {
		return models.Draft{}, ErrNotFound
	}
	if err != nil {
		return models.Draft{}, fmt.Errorf("load draft: %w", err)
	}

	raw := []byte(value)
	if s.sealer != nil {
		raw, err = s.sealer.Open(value, []byte(conversationID))
		if err != nil {
			return models.Draft{}, fmt.Errorf("open draft: %w", err)
		}
	}

	var draft models.Draft
	if err := json.Unmarshal(raw, &draft); err != nil {
		return models.Draft{}, fmt.Errorf("unmarshal draft: %w", err)
	}
	return draft, nil
}

// Set stores draft, refreshing its TTL.
func (s *RedisStore) Set(ctx context.Context, conversationID string, draft models.Draft) error {
	raw, err := json.Marshal(draft)
	if err != nil {
		return fmt.Errorf("marshal draft: %w", err)
	}

	value := string(raw)
	if s.sealer != nil {
		value, err = s.sealer.Seal(raw, []byte(conversationID))
		if err != nil {
			return fmt.Errorf("seal draft: %w", err)
		}
	}

	if err := s.client.Set(ctx, s.key(conversationID), value, s.ttl).Err(); err != nil {
		return fmt.Errorf("save draft: %w", err)
	}
	return nil
}

// Clear deletes the draft. Clearing a missing draft is not an error.
func (s *RedisStore) Clear(ctx context.Context, conversationID string) error {
	if err := s.client.Del(ctx, s.key(conversationID)).Err(); err != nil {
		return fmt.Errorf("clear draft: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Memory is an in-process draft store.
type Memory struct {
	mu     sync.Mutex
	drafts map[string]models.Draft
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{drafts: make(map[string]models.Draft)}
}

func (m *Memory) Get(_ context.Context, conversationID string) (models.Draft, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	draft, ok := m.drafts[conversationID]
	if !ok {
		return models.Draft{}, ErrNotFound
	}
	return draft, nil
}

func (m *Memory) Set(_ context.Context, conversationID string, draft models.Draft) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drafts[conversationID] = draft
	return nil
}

func (m *Memory) Clear(_ context.Context, conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.drafts, conversationID)
	return nil
}
