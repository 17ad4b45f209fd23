package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisPointer tracks the current token per (session, date) in Redis. The
// key expires with the token it points at.
type RedisPointer struct {
	client *redis.Client
}

// NewRedisPointer creates a pointer backed by the given client.
func NewRedisPointer(client *redis.Client) *RedisPointer {
	return &RedisPointer{client: client}
}

func key(sessionID string, date time.Time) string {
	return fmt.Sprintf("rollcall:token:current:%s:%s", sessionID, date.Format("2006-01-02"))
}

// Set records value as the current token.
func (p *RedisPointer) Set(ctx context.Context, sessionID string, date time.Time, value string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return p.client.Set(ctx, key(sessionID, date), value, ttl).Err()
}

// Clear drops the pointer.
func (p *RedisPointer) Clear(ctx context.Context, sessionID string, date time.Time) error {
	return p.client.Del(ctx, key(sessionID, date)).Err()
}

// Get returns the current token value, or empty when none is tracked.
func (p *RedisPointer) Get(ctx context.Context, sessionID string, date time.Time) (string, error) {
	v, err := p.client.Get(ctx, key(sessionID, date)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return v, err
}
