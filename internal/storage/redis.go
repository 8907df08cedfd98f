package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/koopa0/url-shortener/internal/shortener"
)

// cacheKeyPrefix 快取鍵：url:{short_code} → 原始 URL
const cacheKeyPrefix = "url:"

// RedisCache Redis 快取
//
// 只存原始 URL 字串，不存整筆記錄：
// 重定向熱路徑只需要 URL，統計查詢一律走資料庫。
type RedisCache struct {
	client redis.UniversalClient
}

// NewRedisCache 創建 Redis 快取
func NewRedisCache(client redis.UniversalClient) *RedisCache {
	return &RedisCache{client: client}
}

// Get 未命中返回 ErrCacheMiss
func (r *RedisCache) Get(ctx context.Context, code string) (string, error) {
	url, err := r.client.Get(ctx, cacheKeyPrefix+code).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", shortener.ErrCacheMiss
		}
		return "", fmt.Errorf("redis get: %w", err)
	}
	return url, nil
}

// Set 寫入快取
func (r *RedisCache) Set(ctx context.Context, code, url string, ttl time.Duration) error {
	if err := r.client.Set(ctx, cacheKeyPrefix+code, url, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Delete 移除快取項
func (r *RedisCache) Delete(ctx context.Context, code string) error {
	if err := r.client.Del(ctx, cacheKeyPrefix+code).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
