package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Dzaakk/quotagate/internal/window"
)

// incrementScript increments the counter and stamps its expiry only when this
// call created it, so later increments never extend a window.
var incrementScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
	redis.call("PEXPIREAT", KEYS[1], ARGV[1])
end
return n
`)

type Config struct {
	Addr     string
	Password string
	DB       int
}

// Connect opens a client and verifies it with PING.
func Connect(ctx context.Context, cfg Config) (*redis.Client, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,

		// deadlines from ctx also bound socket reads and writes
		ContextTimeoutEnabled: true,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// RedisStore keeps window counters in Redis, relying on key expiry for reclamation.
type RedisStore struct {
	client redis.UniversalClient
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func (r *RedisStore) IncrementAndGet(ctx context.Context, key window.Key, expiresAt time.Time) (int64, error) {
	n, err := incrementScript.Run(ctx, r.client, []string{key.String()}, expiresAt.UnixMilli()).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis increment error: %w", err)
	}
	return n, nil
}

func (r *RedisStore) Get(ctx context.Context, key window.Key) (int64, error) {
	val, err := r.client.Get(ctx, key.String()).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis get error: %w", err)
	}

	counter, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse counter error: %w", err)
	}
	return counter, nil
}

// PurgeExpired is a no-op: Redis reclaims expired counters itself.
func (r *RedisStore) PurgeExpired(context.Context, time.Time) (int64, error) {
	return 0, nil
}

// DeleteForKey removes every counter belonging to apiKey.
func (r *RedisStore) DeleteForKey(ctx context.Context, apiKey string) error {
	// fixed-length ids keep the match from reaching into longer keys
	patterns := []window.Key{
		{APIKey: escapeGlob(apiKey), Kind: window.Minute, WindowID: "????????-????"},
		{APIKey: escapeGlob(apiKey), Kind: window.Day, WindowID: "????????"},
	}

	var batch []string
	for _, p := range patterns {
		iter := r.client.Scan(ctx, 0, p.String(), 100).Iterator()
		for iter.Next(ctx) {
			batch = append(batch, iter.Val())
		}
		if err := iter.Err(); err != nil {
			return fmt.Errorf("redis scan error: %w", err)
		}
	}
	if len(batch) == 0 {
		return nil
	}
	if err := r.client.Del(ctx, batch...).Err(); err != nil {
		return fmt.Errorf("redis delete error: %w", err)
	}
	return nil
}

// escapeGlob quotes the characters SCAN MATCH treats as pattern syntax.
func escapeGlob(s string) string {
	var b strings.Builder
	for _, c := range s {
		switch c {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(c)
	}
	return b.String()
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
