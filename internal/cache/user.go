// Package cache keeps sanitized user records in redis so that the
// authenticated read paths don't hit the database on every request
package cache

import (
	"bitwise74/channel-api/internal/model"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const userKeyPrefix = "user:"

// UserCache is a cache-aside store for PublicUser values. A nil *UserCache is
// valid and behaves like a cache that never hits.
type UserCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewUserCache(rdb *redis.Client, ttl time.Duration) *UserCache {
	return &UserCache{rdb: rdb, ttl: ttl}
}

// NewClient connects to redis and pings it once.
func NewClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis, %w", err)
	}

	return client, nil
}

// Get returns the cached user or (nil, nil) on a miss.
func (c *UserCache) Get(ctx context.Context, userID string) (*model.PublicUser, error) {
	if c == nil {
		return nil, nil
	}

	data, err := c.rdb.Get(ctx, userKeyPrefix+userID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to read cached user, %w", err)
	}

	var user model.PublicUser
	if err := json.Unmarshal(data, &user); err != nil {
		return nil, fmt.Errorf("failed to decode cached user, %w", err)
	}

	return &user, nil
}

// Set overwrites the cached copy. Only writers that just read the row after
// changing it should use it, readers go through Fill.
func (c *UserCache) Set(ctx context.Context, user *model.PublicUser) error {
	if c == nil || user == nil {
		return nil
	}

	data, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("failed to encode user, %w", err)
	}

	if err := c.rdb.Set(ctx, userKeyPrefix+user.ID, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache user, %w", err)
	}

	return nil
}

// Fill caches user only if no copy is stored yet. A reader that loaded the row
// before a concurrent update can't replace the copy the update wrote.
func (c *UserCache) Fill(ctx context.Context, user *model.PublicUser) (bool, error) {
	if c == nil || user == nil {
		return false, nil
	}

	data, err := json.Marshal(user)
	if err != nil {
		return false, fmt.Errorf("failed to encode user, %w", err)
	}

	ok, err := c.rdb.SetNX(ctx, userKeyPrefix+user.ID, data, c.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to cache user, %w", err)
	}

	return ok, nil
}

func (c *UserCache) Delete(ctx context.Context, userID string) error {
	if c == nil {
		return nil
	}

	if err := c.rdb.Del(ctx, userKeyPrefix+userID).Err(); err != nil {
		return fmt.Errorf("failed to evict cached user, %w", err)
	}

	return nil
}
