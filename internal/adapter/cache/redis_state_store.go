package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/smallbiznis/bookstore-auth/internal/domain/oauth"
	"github.com/smallbiznis/bookstore-auth/internal/repository"
)

// RedisStateStore implements OAuthStateStore backed by Redis.
type RedisStateStore struct {
	client redis.UniversalClient
}

var _ repository.OAuthStateStore = (*RedisStateStore)(nil)

// NewRedisStateStore constructs a Redis-backed state store.
func NewRedisStateStore(client redis.UniversalClient) *RedisStateStore {
	return &RedisStateStore{client: client}
}

// SaveState stores the encoded OAuth state payload with TTL.
func (s *RedisStateStore) SaveState(ctx context.Context, key string, data oauth.OAuthState, ttl time.Duration) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	if err := s.client.Set(ctx, key, payload, ttl).Err(); err != nil {
		return fmt.Errorf("persist state: %w", err)
	}
	return nil
}

// ConsumeState atomically reads and deletes the state with GETDEL.
func (s *RedisStateStore) ConsumeState(ctx context.Context, key string) (*oauth.OAuthState, error) {
	return decodeState(s.client.GetDel(ctx, key).Bytes())
}

func decodeState(payload []byte, err error) (*oauth.OAuthState, error) {
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("load state: %w", err)
	}
	var state oauth.OAuthState
	if err := json.Unmarshal(payload, &state); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	return &state, nil
}
