package cache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"org-feedback/internal/domain"
)

// MemoryCache — кэш в памяти процесса с общим временем жизни записей.
type MemoryCache struct {
	lru *expirable.LRU[string, []byte]
}

var _ domain.Cache = (*MemoryCache)(nil)

// NewMemory создаёт кэш на size ключей.
func NewMemory(size int, ttl time.Duration) *MemoryCache {
	return &MemoryCache{lru: expirable.NewLRU[string, []byte](size, nil, ttl)}
}

// Set сохраняет значение. Индивидуальный ttl не поддерживается.
func (c *MemoryCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.lru.Add(key, append([]byte(nil), value...))
	return nil
}

// Get возвращает значение или domain.ErrCacheMiss.
func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, error) {
	val, ok := c.lru.Get(key)
	if !ok {
		return nil, domain.ErrCacheMiss
	}
	return val, nil
}
