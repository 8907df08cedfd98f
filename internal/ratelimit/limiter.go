// Package ratelimit 基於 Redis 的固定視窗限流
//
// 每個 (客戶端, 端點) 一個計數鍵 rate_limit:{client}:{endpoint}，
// 視窗內第一次請求設定過期時間，過期後計數自然歸零。
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// keyPrefix 限流計數鍵前綴
const keyPrefix = "rate_limit:"

// fixedWindowScript 固定視窗計數
//
// KEYS[1]: 計數鍵
// ARGV[1]: 視窗內上限
// ARGV[2]: 視窗長度（毫秒）
//
// 返回 {allowed, count}：
//   - 已達上限：不遞增，返回 {0, 當前計數}
//   - 否則 INCR；計數為 1（視窗第一次請求）時設定過期
//
// 讀取與遞增在同一個腳本內完成，併發請求不會同時通過最後一個名額。
var fixedWindowScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current >= tonumber(ARGV[1]) then
    return {0, current}
end

local count = redis.call('INCR', KEYS[1])
if count == 1 then
    redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return {1, count}
`)

// Rule 單一端點的限流規則
type Rule struct {
	Limit  int
	Window time.Duration
}

// Result 一次限流判斷的結果
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	// Degraded 為 true 表示計數存儲不可用，請求被放行（fail-open）
	Degraded bool
}

// FixedWindow 固定視窗限流器
//
// Redis 不可用時一律放行：限流是保護措施，不應讓重定向因此失敗。
type FixedWindow struct {
	client redis.UniversalClient
	logger *slog.Logger
}

// NewFixedWindow 創建限流器
func NewFixedWindow(client redis.UniversalClient, logger *slog.Logger) *FixedWindow {
	return &FixedWindow{client: client, logger: logger}
}

// Allow 以 key 計數，視窗內超過 limit 次返回 false
func (f *FixedWindow) Allow(ctx context.Context, key string, limit int, window time.Duration) bool {
	allowed, _, err := f.run(ctx, keyPrefix+key, limit, window)
	if err != nil {
		f.logger.WarnContext(ctx, "rate limiter unavailable, allowing request", "key", key, "error", err)
		return true
	}
	return allowed
}

// Check 以 client + endpoint 組成鍵判斷，並返回剩餘配額
func (f *FixedWindow) Check(ctx context.Context, client, endpoint string, rule Rule) Result {
	key := client + ":" + endpoint

	allowed, count, err := f.run(ctx, keyPrefix+key, rule.Limit, rule.Window)
	if err != nil {
		f.logger.WarnContext(ctx, "rate limiter unavailable, allowing request", "key", key, "error", err)
		return Result{Allowed: true, Limit: rule.Limit, Remaining: rule.Limit, Degraded: true}
	}

	return Result{
		Allowed:   allowed,
		Limit:     rule.Limit,
		Remaining: max(0, rule.Limit-count),
	}
}

// Remaining 只讀取當前計數（不遞增），結果僅供參考
func (f *FixedWindow) Remaining(ctx context.Context, key string, limit int) int {
	count, err := f.client.Get(ctx, keyPrefix+key).Int()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			f.logger.WarnContext(ctx, "rate limiter unavailable", "key", key, "error", err)
		}
		return limit
	}
	return max(0, limit-count)
}

// Reset 清除 key 的計數
func (f *FixedWindow) Reset(ctx context.Context, key string) error {
	if err := f.client.Del(ctx, keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("reset rate limit: %w", err)
	}
	return nil
}

func (f *FixedWindow) run(ctx context.Context, key string, limit int, window time.Duration) (bool, int, error) {
	if limit <= 0 {
		return false, 0, nil
	}

	res, err := fixedWindowScript.Run(ctx, f.client, []string{key}, limit, window.Milliseconds()).Int64Slice()
	if err != nil {
		return false, 0, err
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("unexpected script result: %v", res)
	}
	return res[0] == 1, int(res[1]), nil
}
