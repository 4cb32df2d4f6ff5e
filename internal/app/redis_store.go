package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var compareAndDeleteScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisKeyValueStore implements KeyValueStore on Redis so that locks and markers
// are shared by every process of the deployment.
type RedisKeyValueStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisKeyValueStore(client redis.UniversalClient, prefix string) *RedisKeyValueStore {
	trimmedPrefix := strings.TrimSpace(prefix)
	if trimmedPrefix == "" {
		trimmedPrefix = "bankcore"
	}
	trimmedPrefix = strings.TrimSuffix(trimmedPrefix, ":")

	return &RedisKeyValueStore{
		client: client,
		prefix: trimmedPrefix,
	}
}

func (r *RedisKeyValueStore) key(k string) string {
	return fmt.Sprintf("%s:%s", r.prefix, k)
}

func (r *RedisKeyValueStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if ttl > 0 && ttl < time.Millisecond {
		ttl = time.Millisecond
	}
	ok, err := r.client.SetNX(ctx, r.key(key), value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %s: %w", key, err)
	}
	return ok, nil
}

func (r *RedisKeyValueStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, r.key(key)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists %s: %w", key, err)
	}
	return n > 0, nil
}

func (r *RedisKeyValueStore) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

func (r *RedisKeyValueStore) DeleteIfValue(ctx context.Context, key, value string) (bool, error) {
	rawResult, err := compareAndDeleteScript.Run(ctx, r.client, []string{r.key(key)}, value).Result()
	if err != nil {
		return false, fmt.Errorf("redis compare-and-delete %s: %w", key, err)
	}
	deleted, ok := rawResult.(int64)
	if !ok {
		return false, fmt.Errorf("unexpected redis compare-and-delete response type: %T", rawResult)
	}
	return deleted == 1, nil
}
