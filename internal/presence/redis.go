package presence

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "assistantd:daemon:"

func Key(instance string) string {
	return keyPrefix + strings.TrimSpace(instance)
}

type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(redisURL string) (*RedisStore, error) {
	url := strings.TrimSpace(redisURL)
	if url == "" {
		return nil, errors.New("redis url is required")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return &RedisStore{client: client}, nil
}

func (s *RedisStore) Upsert(ctx context.Context, info Info, ttl time.Duration) error {
	if s == nil || s.client == nil {
		return nil
	}
	if strings.TrimSpace(info.Instance) == "" {
		return errors.New("instance is required")
	}
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, Key(info.Instance), data, ttl).Err()
}

func (s *RedisStore) Delete(ctx context.Context, instance string) error {
	if s == nil || s.client == nil || strings.TrimSpace(instance) == "" {
		return nil
	}
	return s.client.Del(ctx, Key(instance)).Err()
}

// List returns every live announcement, oldest daemon first.
func (s *RedisStore) List(ctx context.Context) ([]Info, error) {
	if s == nil || s.client == nil {
		return nil, nil
	}
	var keys []string
	iter := s.client.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Info, 0, len(vals))
	for _, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var info Info
		if err := json.Unmarshal([]byte(raw), &info); err != nil {
			continue
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
