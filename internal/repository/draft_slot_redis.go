package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisDraftSlots Redis 草稿槽位，过期交给 Redis TTL
type RedisDraftSlots struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisClient 创建并检查 Redis 连接
func NewRedisClient(addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

// NewRedisDraftSlots 创建 Redis 草稿槽位，ttl<=0 表示不过期
func NewRedisDraftSlots(client *redis.Client, ttl time.Duration) *RedisDraftSlots {
	if ttl < 0 {
		ttl = 0
	}
	return &RedisDraftSlots{client: client, ttl: ttl}
}

func (s *RedisDraftSlots) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *RedisDraftSlots) Set(ctx context.Context, key, value string) error {
	return s.client.Set(ctx, key, value, s.ttl).Err()
}

func (s *RedisDraftSlots) Remove(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}
