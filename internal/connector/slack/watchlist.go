package slack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Watchlist remembers which threads are worth fetching replies for. It is a
// bounded cache, not a comprehensive reply index: entries expire after a TTL
// so the keyspace stays proportional to recent activity.
type Watchlist interface {
	Touch(ctx context.Context, userID int64, channelID, threadTS string, seenAt time.Time) error
	Contains(ctx context.Context, userID int64, threadTS string) (bool, error)
}

type watchEntry struct {
	ChannelID  string    `json:"channel"`
	LastSeenTS string    `json:"last_seen_ts"`
	TouchedAt  time.Time `json:"touched_at"`
}

// RedisWatchlist stores entries under TTL'd keys; eviction is Redis key
// expiry, no sweeper needed.
type RedisWatchlist struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisWatchlist(redisURL string, ttl time.Duration) (*RedisWatchlist, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisWatchlistWithClient(client, ttl), nil
}

func NewRedisWatchlistWithClient(client *redis.Client, ttl time.Duration) *RedisWatchlist {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &RedisWatchlist{client: client, ttl: ttl}
}

func (w *RedisWatchlist) Close() error {
	return w.client.Close()
}

func (w *RedisWatchlist) key(userID int64, threadTS string) string {
	return fmt.Sprintf("watchlist:%d:%s", userID, threadTS)
}

func (w *RedisWatchlist) Touch(ctx context.Context, userID int64, channelID, threadTS string, seenAt time.Time) error {
	data, err := json.Marshal(watchEntry{ChannelID: channelID, LastSeenTS: threadTS, TouchedAt: seenAt})
	if err != nil {
		return fmt.Errorf("marshal watchlist entry: %w", err)
	}
	if err := w.client.Set(ctx, w.key(userID, threadTS), data, w.ttl).Err(); err != nil {
		return fmt.Errorf("touch watchlist entry: %w", err)
	}
	return nil
}

func (w *RedisWatchlist) Contains(ctx context.Context, userID int64, threadTS string) (bool, error) {
	err := w.client.Get(ctx, w.key(userID, threadTS)).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check watchlist entry: %w", err)
	}
	return true, nil
}
