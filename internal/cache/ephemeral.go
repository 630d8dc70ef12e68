package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bull/citation-insight/internal/storage"
)

const (
	// DefaultTTL is how long an embedding stays in the ephemeral layer.
	DefaultTTL = time.Hour

	keyPrefix = "embedding:"
)

// Ephemeral is the fast, lossy cache in front of the durable store.
// Errors are advisory: the resolver logs them and treats them as misses.
type Ephemeral interface {
	Get(ctx context.Context, fingerprint string) (*storage.EmbeddingRecord, bool, error)
	Set(ctx context.Context, rec *storage.EmbeddingRecord) error
	Ping(ctx context.Context) error
}

// NewRedisClient connects to Redis. url may be a redis:// URL or a plain host:port.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	var rdb *redis.Client
	if strings.HasPrefix(url, "redis://") || strings.HasPrefix(url, "rediss://") {
		opt, err := redis.ParseURL(url)
		if err != nil {
			return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
		}
		rdb = redis.NewClient(opt)
	} else {
		rdb = redis.NewClient(&redis.Options{Addr: url})
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return rdb, nil
}

// RedisLayer stores JSON-encoded records under "embedding:<fingerprint>" with a TTL.
type RedisLayer struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisLayer creates the Redis ephemeral layer. A non-positive ttl selects DefaultTTL.
func NewRedisLayer(client *redis.Client, ttl time.Duration) *RedisLayer {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisLayer{client: client, ttl: ttl}
}

func (l *RedisLayer) Get(ctx context.Context, fingerprint string) (*storage.EmbeddingRecord, bool, error) {
	data, err := l.client.Get(ctx, keyPrefix+fingerprint).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}

	var rec storage.EmbeddingRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, false, fmt.Errorf("decoding cached embedding: %w", err)
	}
	if rec.Fingerprint != fingerprint || len(rec.Vector) == 0 {
		return nil, false, nil
	}
	return &rec, true, nil
}

func (l *RedisLayer) Set(ctx context.Context, rec *storage.EmbeddingRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding embedding: %w", err)
	}
	if err := l.client.Set(ctx, keyPrefix+rec.Fingerprint, data, l.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (l *RedisLayer) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// NoopLayer disables the ephemeral layer.
type NoopLayer struct{}

func (NoopLayer) Get(context.Context, string) (*storage.EmbeddingRecord, bool, error) {
	return nil, false, nil
}

func (NoopLayer) Set(context.Context, *storage.EmbeddingRecord) error { return nil }

func (NoopLayer) Ping(context.Context) error { return nil }
