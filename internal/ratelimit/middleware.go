package ratelimit

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/koopa0/url-shortener/internal/metrics"
	apperrors "github.com/koopa0/url-shortener/pkg/errors"
)

// Checker 限流判斷（*FixedWindow 實現）
type Checker interface {
	Check(ctx context.Context, client, endpoint string, rule Rule) Result
}

// errRateLimited 429 回應內容
var errRateLimited = apperrors.New(apperrors.CodeRateLimited, "rate limit exceeded")

// Middleware HTTP 限流中介軟體
//
// 鍵：客戶端 IP + 請求路徑。timeout 限制單次 Redis 調用，
// 逾時與其他錯誤一樣放行。
func Middleware(checker Checker, rule Rule, timeout time.Duration, m *metrics.Registry, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			client := ClientIP(r)
			res := checker.Check(ctx, client, r.URL.Path, rule)
			cancel()

			if !res.Degraded {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
			}

			if !res.Allowed {
				m.Inc(metrics.RateLimitExceeded)
				logger.InfoContext(r.Context(), "rate limit exceeded",
					"client_ip", client,
					"path", r.URL.Path,
					"limit", rule.Limit,
				)

				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", strconv.Itoa(int(max(time.Second, rule.Window).Seconds())))
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(errRateLimited)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP 取得客戶端 IP
//
// 順序：X-Forwarded-For 的第一個地址 → X-Real-IP → RemoteAddr。
// 轉發標頭可被偽造，只適合部署在可信的反向代理之後。
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}

	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
