package shortener

import (
	"context"
	"time"
)

// Directory 短網址的持久化存儲
//
// 實現：
//   - storage.Postgres：生產環境
//   - storage.Memory：開發與測試
type Directory interface {
	// Insert 寫入 ShortCode 已確定的記錄。
	// link.ID 為 0 時由存儲生成並回填；短碼衝突返回 ErrAliasConflict。
	Insert(ctx context.Context, link *Link) error

	// InsertDerived 兩階段寫入：先取得存儲生成的 ID，再以 derive(id) 作為短碼，
	// 在同一個事務內完成，結果回填到 link。
	InsertDerived(ctx context.Context, link *Link, derive func(id uint64) string) error

	// FindByCode 不存在返回 ErrNotFound
	FindByCode(ctx context.Context, code string) (*Link, error)

	// ExistsByCode 短碼是否已被使用
	ExistsByCode(ctx context.Context, code string) (bool, error)

	// IncrementClickCount 原子地把 click_count 加一；ID 不存在返回 ErrNotFound
	IncrementClickCount(ctx context.Context, id uint64) error
}

// Cache 短碼 → 原始 URL 的揮發性快取
type Cache interface {
	// Get 未命中返回 ErrCacheMiss
	Get(ctx context.Context, code string) (string, error)
	Set(ctx context.Context, code, url string, ttl time.Duration) error
}

// ClickPublisher 點擊事件的非阻塞投遞
type ClickPublisher interface {
	Publish(event ClickEvent) error
}

// IDAllocator 預先分配 ID（snowflake 策略）
type IDAllocator interface {
	NextID() (uint64, error)
}
