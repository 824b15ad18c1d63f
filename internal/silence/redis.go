package silence

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps the snapshot in a Redis set so that several gateway
// replicas share one silence state.
type RedisStore struct {
	rdb *redis.Client
	key string
}

// NewRedisStore connects to addr. Nothing is sent until the first call.
func NewRedisStore(addr, password string, db int, key string) *RedisStore {
	return &RedisStore{
		rdb: redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}),
		key: key,
	}
}

func (s *RedisStore) Load(ctx context.Context) ([]string, error) {
	ids, err := s.rdb.SMembers(ctx, s.key).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis smembers %s: %w", s.key, err)
	}
	return ids, nil
}

// Save swaps the whole set inside MULTI/EXEC so readers never see a
// half-written snapshot.
func (s *RedisStore) Save(ctx context.Context, ids []string) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.key)
		if len(ids) > 0 {
			members := make([]any, len(ids))
			for i, id := range ids {
				members[i] = id
			}
			pipe.SAdd(ctx, s.key, members...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis save %s: %w", s.key, err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
