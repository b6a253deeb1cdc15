package cursor

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/linkflow/snapmigrate/internal/snapshot"
)

const redisKeyPrefix = "snapmigrate:cursor:"

// RedisStore persists page cursors in Redis so resume works across
// processes. Cursors have no TTL; a successful run clears its key.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Load(ctx context.Context, runKey string) (snapshot.EntityID, bool, error) {
	val, err := s.client.Get(ctx, redisKeyPrefix+runKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("load cursor %q: %w", runKey, err)
	}
	return snapshot.EntityID(val), true, nil
}

func (s *RedisStore) Save(ctx context.Context, runKey string, id snapshot.EntityID) error {
	if err := s.client.Set(ctx, redisKeyPrefix+runKey, string(id), 0).Err(); err != nil {
		return fmt.Errorf("save cursor %q: %w", runKey, err)
	}
	return nil
}

func (s *RedisStore) Clear(ctx context.Context, runKey string) error {
	if err := s.client.Del(ctx, redisKeyPrefix+runKey).Err(); err != nil {
		return fmt.Errorf("clear cursor %q: %w", runKey, err)
	}
	return nil
}
