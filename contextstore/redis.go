package contextstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "hivemind:context"

// RedisBackend mirrors the conversation log into a Redis list with a TTL,
// refreshed on every append. Entries carry their sequence number, so the
// list order matches the in-memory log.
type RedisBackend struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// NewRedisBackend connects to Redis at url (redis://...) and verifies the
// connection with a ping.
func NewRedisBackend(ctx context.Context, url string, ttl time.Duration) (*RedisBackend, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisBackend{
		client: client,
		key:    defaultKeyPrefix + ":entries",
		ttl:    ttl,
	}, nil
}

// Append pushes the entry onto the list and refreshes the key TTL.
func (b *RedisBackend) Append(ctx context.Context, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	pipe := b.client.TxPipeline()
	pipe.RPush(ctx, b.key, data)
	pipe.Expire(ctx, b.key, b.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("rpush entry %d: %w", e.Seq, err)
	}
	return nil
}

// Trim removes mirrored entries with Seq < minSeq, matching a sweep of the
// in-memory log. The list is seq-ordered, so popping from the head suffices.
func (b *RedisBackend) Trim(ctx context.Context, minSeq uint64) error {
	for {
		raw, err := b.client.LIndex(ctx, b.key, 0).Result()
		if err == redis.Nil {
			return nil
		}
		if err != nil {
			return fmt.Errorf("lindex: %w", err)
		}
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			// Corrupt head entry: drop it rather than wedge the trim.
			if err := b.client.LPop(ctx, b.key).Err(); err != nil && err != redis.Nil {
				return fmt.Errorf("lpop corrupt entry: %w", err)
			}
			continue
		}
		if e.Seq >= minSeq {
			return nil
		}
		if err := b.client.LPop(ctx, b.key).Err(); err != nil && err != redis.Nil {
			return fmt.Errorf("lpop: %w", err)
		}
	}
}

// Load returns all mirrored entries, oldest first. Used at startup to warm
// the in-memory log after a restart.
func (b *RedisBackend) Load(ctx context.Context) ([]Entry, error) {
	raws, err := b.client.LRange(ctx, b.key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("lrange: %w", err)
	}
	entries := make([]Entry, 0, len(raws))
	for _, raw := range raws {
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			continue // skip corrupt entries, keep the rest
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (b *RedisBackend) Close() error {
	return b.client.Close()
}
