// Package storage Link Directory 與 Resolution Cache 的實現
//
//   - Memory / MemoryCache：server.in_memory 開發模式、單元測試
//   - Postgres：持久化（pgxpool）
//   - RedisCache：共享快取（go-redis）
package storage

import (
	"context"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/koopa0/url-shortener/internal/shortener"
)

// Memory 內存 Directory
//
// 返回的都是副本，ClickCount 只能透過 IncrementClickCount 修改。
type Memory struct {
	mu     sync.RWMutex
	byCode map[string]*shortener.Link
	byID   map[uint64]*shortener.Link
	nextID uint64
}

// NewMemory 創建內存存儲
func NewMemory() *Memory {
	return &Memory{
		byCode: make(map[string]*shortener.Link),
		byID:   make(map[uint64]*shortener.Link),
	}
}

// Insert 寫入短碼已確定的記錄；ID 為 0 時自動分配
func (m *Memory) Insert(_ context.Context, link *shortener.Link) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byCode[link.ShortCode]; exists {
		return shortener.ErrAliasConflict
	}
	if link.ID == 0 {
		m.nextID++
		link.ID = m.nextID
	}

	m.store(link)
	return nil
}

// InsertDerived 分配自增 ID 並以 derive(id) 作為短碼
//
// 衍生短碼若已被自定義短碼佔用，跳過該 ID。
func (m *Memory) InsertDerived(_ context.Context, link *shortener.Link, derive func(id uint64) string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for {
		m.nextID++
		code := derive(m.nextID)
		if _, exists := m.byCode[code]; exists {
			continue
		}

		link.ID = m.nextID
		link.ShortCode = code
		m.store(link)
		return nil
	}
}

func (m *Memory) store(link *shortener.Link) {
	stored := *link
	m.byCode[stored.ShortCode] = &stored
	m.byID[stored.ID] = &stored
}

// FindByCode 不存在返回 ErrNotFound
func (m *Memory) FindByCode(_ context.Context, code string) (*shortener.Link, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	link, ok := m.byCode[code]
	if !ok {
		return nil, shortener.ErrNotFound
	}
	cp := *link
	return &cp, nil
}

// ExistsByCode 短碼是否已被使用
func (m *Memory) ExistsByCode(_ context.Context, code string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.byCode[code]
	return ok, nil
}

// IncrementClickCount 點擊數加一
func (m *Memory) IncrementClickCount(_ context.Context, id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	link, ok := m.byID[id]
	if !ok {
		return shortener.ErrNotFound
	}
	link.ClickCount++
	return nil
}

// Len 記錄數
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byCode)
}

// MemoryCache 帶 TTL 的內存快取（go-cache）
//
// 過期項在 Get 時即視為未命中，並由背景 janitor 定期清除。
type MemoryCache struct {
	items *cache.Cache
}

// NewMemoryCache 創建內存快取：預設 TTL 24h，每分鐘清理一次過期項
func NewMemoryCache() *MemoryCache {
	return NewMemoryCacheWithCleanup(24*time.Hour, time.Minute)
}

// NewMemoryCacheWithCleanup 指定預設 TTL 與清理間隔
func NewMemoryCacheWithCleanup(defaultTTL, cleanupInterval time.Duration) *MemoryCache {
	return &MemoryCache{items: cache.New(defaultTTL, cleanupInterval)}
}

// Get 未命中或已過期返回 ErrCacheMiss
func (c *MemoryCache) Get(_ context.Context, code string) (string, error) {
	v, ok := c.items.Get(code)
	if !ok {
		return "", shortener.ErrCacheMiss
	}
	return v.(string), nil
}

// Set 寫入快取；ttl <= 0 使用預設 TTL
func (c *MemoryCache) Set(_ context.Context, code, url string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = cache.DefaultExpiration
	}
	c.items.Set(code, url, ttl)
	return nil
}

// Delete 移除快取項
func (c *MemoryCache) Delete(_ context.Context, code string) error {
	c.items.Delete(code)
	return nil
}

// Len 快取項數量（包含尚未被清理的過期項）
func (c *MemoryCache) Len() int {
	return c.items.ItemCount()
}

var (
	_ shortener.Directory = (*Memory)(nil)
	_ shortener.Directory = (*Postgres)(nil)
	_ shortener.Cache     = (*MemoryCache)(nil)
	_ shortener.Cache     = (*RedisCache)(nil)
)
