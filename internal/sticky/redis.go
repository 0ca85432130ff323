package sticky

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// keyPrefix namespaces sticky keys in the shared Redis keyspace.
const keyPrefix = "codexlb:sticky:"

// Redis is the durable, multi-process sticky-session backend. A sticky
// mapping is a single string key with an expiry, giving UPSERT-with-TTL
// semantics in one round trip (SET key val EX ttl). Reverse lookups for
// DeleteByAccount/CountByAccount are served by a per-account SET index
// maintained alongside the primary key.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis wraps an existing *redis.Client. ttl defaults to DefaultTTL
// when zero.
func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{client: client, ttl: ttl}
}

func indexKey(accountID string) string { return keyPrefix + "by-account:" + accountID }

func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := r.client.Get(ctx, keyPrefix+key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("sticky redis get: %w", err)
	}
	return val, true, nil
}

func (r *Redis) Upsert(ctx context.Context, key, accountID string) error {
	if old, ok, _ := r.Get(ctx, key); ok && old != accountID {
		r.client.SRem(ctx, indexKey(old), key)
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, keyPrefix+key, accountID, r.ttl)
	pipe.SAdd(ctx, indexKey(accountID), key)
	pipe.Expire(ctx, indexKey(accountID), r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("sticky redis upsert: %w", err)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	if acctID, ok, _ := r.Get(ctx, key); ok {
		r.client.SRem(ctx, indexKey(acctID), key)
	}
	if err := r.client.Del(ctx, keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("sticky redis delete: %w", err)
	}
	return nil
}

func (r *Redis) DeleteByAccount(ctx context.Context, accountID string) error {
	keys, err := r.client.SMembers(ctx, indexKey(accountID)).Result()
	if err != nil {
		return fmt.Errorf("sticky redis list account keys: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	pipe := r.client.Pipeline()
	for _, k := range keys {
		pipe.Del(ctx, keyPrefix+k)
	}
	pipe.Del(ctx, indexKey(accountID))
	_, err = pipe.Exec(ctx)
	return err
}

// CountByAccount scans the per-account index sets. It is O(accounts) and
// intended for the snapshot builder's periodic refresh, not the hot path.
func (r *Redis) CountByAccount(ctx context.Context) (map[string]int, error) {
	var (
		cursor  uint64
		counts  = make(map[string]int)
		pattern = indexKey("*")
	)
	for {
		var keys []string
		var err error
		keys, cursor, err = r.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("sticky redis scan: %w", err)
		}
		for _, k := range keys {
			accountID := k[len(keyPrefix+"by-account:"):]
			n, err := r.client.SCard(ctx, k).Result()
			if err != nil {
				continue
			}
			if n > 0 {
				counts[accountID] = int(n)
			}
		}
		if cursor == 0 {
			break
		}
	}
	return counts, nil
}
