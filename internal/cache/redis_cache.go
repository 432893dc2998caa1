package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/unclebandit/shotqueue/internal/model"
)

// RedisStore shares cached credentials between server and worker processes.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb, prefix: "cred:"}
}

func (s *RedisStore) key(botSlug string) string { return s.prefix + botSlug }

func (s *RedisStore) Load(ctx context.Context, botSlug string) (model.Credential, bool, error) {
	raw, err := s.rdb.Get(ctx, s.key(botSlug)).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.Credential{}, false, nil
	}
	if err != nil {
		return model.Credential{}, false, err
	}

	var cred model.Credential
	if err := json.Unmarshal(raw, &cred); err != nil {
		return model.Credential{}, false, fmt.Errorf("decode credential %s: %w", botSlug, err)
	}
	return cred, true, nil
}

func (s *RedisStore) Save(ctx context.Context, botSlug string, cred model.Credential, ttl time.Duration) error {
	b, err := json.Marshal(cred)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, s.key(botSlug), b, ttl).Err()
}

func (s *RedisStore) Delete(ctx context.Context, botSlug string) error {
	return s.rdb.Del(ctx, s.key(botSlug)).Err()
}
