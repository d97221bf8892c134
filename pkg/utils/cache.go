package utils

import (
	"context"
	"sync"
	"time"
)

// MemoryStore 进程内键值存储，带过期时间
// 使用 sync.Map 保证并发安全
type MemoryStore struct {
	items sync.Map
	ttl   time.Duration
}

// cacheItem 内部结构，包含值和过期时间
type cacheItem struct {
	value      string
	expiration int64
}

// NewMemoryStore 创建内存存储，ttl<=0 表示永不过期
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{ttl: ttl}
}

// Set 写入
func (m *MemoryStore) Set(_ context.Context, key, value string) error {
	var exp int64
	if m.ttl > 0 {
		exp = time.Now().Add(m.ttl).UnixNano()
	}
	m.items.Store(key, cacheItem{value: value, expiration: exp})
	return nil
}

// Get 读取并验证是否过期
func (m *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	val, ok := m.items.Load(key)
	if !ok {
		return "", false, nil
	}

	item := val.(cacheItem)
	if item.expiration > 0 && time.Now().UnixNano() > item.expiration {
		m.items.Delete(key) // 懒删除
		return "", false, nil
	}
	return item.value, true, nil
}

// Remove 删除
func (m *MemoryStore) Remove(_ context.Context, key string) error {
	m.items.Delete(key)
	return nil
}

