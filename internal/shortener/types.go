// Package shortener 實現短網址的核心流程：創建、解析（Cache-Aside）、統計
package shortener

import (
	"errors"
	"time"

	apperrors "github.com/koopa0/url-shortener/pkg/errors"
)

// Link 短網址記錄（持久化在 Directory）
//
// 不變量：
//   - ShortCode 全局唯一
//   - CreatedAt 創建後不再改變
//   - ClickCount 只會增加，而且只由點擊聚合器以原子遞增修改
type Link struct {
	ID          uint64     `json:"id"`
	OriginalURL string     `json:"original_url"`
	ShortCode   string     `json:"short_code"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   *time.Time `json:"expiry_date,omitempty"`
	ClickCount  uint64     `json:"click_count"`
}

// IsExpired 以 now 判斷是否過期
func (l *Link) IsExpired(now time.Time) bool {
	return l.ExpiresAt != nil && now.After(*l.ExpiresAt)
}

// CreateRequest 創建短網址的輸入
type CreateRequest struct {
	OriginalURL string
	CustomAlias string     // 可選，空字串表示自動生成
	ExpiresAt   *time.Time // 可選
}

// ClickMeta 重定向請求附帶的點擊資訊
type ClickMeta struct {
	ClientIP  string
	UserAgent string
	Referer   string
}

// ClickEvent 一次點擊（每次成功重定向產生一個）
type ClickEvent struct {
	ID        uint64    `json:"id"`
	ShortCode string    `json:"short_code"`
	Timestamp time.Time `json:"timestamp"`
	ClientIP  string    `json:"client_ip,omitempty"`
	UserAgent string    `json:"user_agent,omitempty"`
	Referer   string    `json:"referer,omitempty"`
}

// 錯誤定義
//
// HTTP 狀態碼映射（見 pkg/errors.HTTPStatus）：
//   - ErrValidation    → 400
//   - ErrNotFound      → 404
//   - ErrAliasConflict → 409
//   - ErrExpired       → 410（與 404 區分「從未存在」和「已失效」）
var (
	// ErrValidation 輸入不合法
	ErrValidation = apperrors.New(apperrors.CodeInvalidInput, "validation failed")

	// ErrNotFound 短碼不存在
	ErrNotFound = apperrors.New(apperrors.CodeNotFound, "short code not found")

	// ErrExpired 短碼存在但已過期
	ErrExpired = apperrors.New(apperrors.CodeExpired, "short url has expired")

	// ErrAliasConflict 自定義短碼已被使用
	ErrAliasConflict = apperrors.New(apperrors.CodeAlreadyExists, "custom alias already exists")

	// ErrCacheMiss 快取未命中（Cache 實現返回，不會傳到 Service 之外）
	ErrCacheMiss = errors.New("cache miss")
)

// validationError 帶具體原因的 ErrValidation
func validationError(reason string) error {
	return ErrValidation.WithDetails(reason)
}
