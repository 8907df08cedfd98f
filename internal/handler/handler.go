// Package handler 短網址服務的 HTTP 介面
//
// 路由（Go 1.22+ 方法與路徑參數）：
//
//	POST /api/v1/urls                    創建短網址（201）
//	GET  /{shortCode}                    重定向（302）
//	GET  /api/v1/urls/{shortCode}/stats  統計
//	GET  /api/v1/health                  健康檢查
//	GET  /api/v1/metrics                 進程內指標
//
// 單段路徑全部留給短碼，運維端點放在多段路徑下，任何別名都不會被遮蔽。
//
// 錯誤統一返回 {"code","message","details"}，狀態碼由 pkg/errors.HTTPStatus 決定。
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/koopa0/url-shortener/internal/metrics"
	"github.com/koopa0/url-shortener/internal/ratelimit"
	"github.com/koopa0/url-shortener/internal/shortener"
	apperrors "github.com/koopa0/url-shortener/pkg/errors"
)

// maxBodyBytes 創建請求的 body 上限
const maxBodyBytes = 1 << 20

// expiryLayouts expiry_date 接受的格式；不帶時區的一律視為 UTC
var expiryLayouts = []string{time.RFC3339, "2006-01-02T15:04:05"}

var (
	errInvalidBody = apperrors.New(apperrors.CodeInvalidInput, "invalid request body")
	errInternal    = apperrors.New(apperrors.CodeInternal, "internal server error")
)

// HealthCheck 依賴的健康檢查，返回錯誤表示不可用
type HealthCheck func(ctx context.Context) error

// RateLimits 各端點的限流規則；Checker 為 nil 時不限流
type RateLimits struct {
	Checker  ratelimit.Checker
	Timeout  time.Duration
	Create   ratelimit.Rule
	Redirect ratelimit.Rule
	Stats    ratelimit.Rule
}

// Options Handler 配置
type Options struct {
	// BaseURL 組成 short_url 的前綴（如 https://sho.rt）；為空時使用請求的 Host
	BaseURL      string
	RateLimits   RateLimits
	HealthChecks map[string]HealthCheck
}

// Handler HTTP 處理器
type Handler struct {
	svc     *shortener.Service
	opts    Options
	logger  *slog.Logger
	metrics *metrics.Registry
}

// New 創建 Handler
func New(svc *shortener.Service, opts Options, logger *slog.Logger, m *metrics.Registry) *Handler {
	if opts.RateLimits.Timeout <= 0 {
		opts.RateLimits.Timeout = 100 * time.Millisecond
	}
	return &Handler{
		svc:     svc,
		opts:    opts,
		logger:  logger,
		metrics: m,
	}
}

// Routes 設置路由
//
// 中間件鏈（外 → 內）：tracing → recovery → request ID → 請求日誌 → 限流 → 業務處理
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("POST /api/v1/urls", h.limited(h.opts.RateLimits.Create, h.create))
	mux.Handle("GET /{shortCode}", h.limited(h.opts.RateLimits.Redirect, h.redirect))
	mux.Handle("GET /api/v1/urls/{shortCode}/stats", h.limited(h.opts.RateLimits.Stats, h.stats))

	mux.HandleFunc("GET /api/v1/health", h.health)
	mux.HandleFunc("GET /api/v1/metrics", h.metricsSnapshot)

	var handler http.Handler = mux
	handler = h.logRequest(handler)
	handler = h.requestID(handler)
	handler = h.recovery(handler)

	return otelhttp.NewHandler(handler, "url-shortener")
}

func (h *Handler) limited(rule ratelimit.Rule, next http.HandlerFunc) http.Handler {
	rl := h.opts.RateLimits
	if rl.Checker == nil || rule.Limit <= 0 {
		return next
	}
	return ratelimit.Middleware(rl.Checker, rule, rl.Timeout, h.metrics, h.logger)(next)
}

// createRequest POST /api/v1/urls
type createRequest struct {
	OriginalURL string  `json:"original_url"`
	CustomAlias string  `json:"custom_alias,omitempty"`
	ExpiryDate  *string `json:"expiry_date,omitempty"`
}

// urlResponse 創建與統計共用的回應
type urlResponse struct {
	ID          uint64     `json:"id"`
	OriginalURL string     `json:"original_url"`
	ShortURL    string     `json:"short_url"`
	ShortCode   string     `json:"short_code"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiryDate  *time.Time `json:"expiry_date,omitempty"`
	ClickCount  uint64     `json:"click_count"`
}

// create 創建短網址
func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeJSON(w, errInvalidBody.WithDetails("request body too large"), http.StatusRequestEntityTooLarge)
			return
		}
		h.writeError(w, r, errInvalidBody.WithDetails(err.Error()))
		return
	}

	expiresAt, err := parseExpiry(req.ExpiryDate)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	link, err := h.svc.Create(r.Context(), shortener.CreateRequest{
		OriginalURL: strings.TrimSpace(req.OriginalURL),
		CustomAlias: strings.TrimSpace(req.CustomAlias),
		ExpiresAt:   expiresAt,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, h.toResponse(r, link), http.StatusCreated)
}

// redirect 302 到原始 URL
//
// 用 302 而不是 301：301 會被瀏覽器快取，之後的點擊不再經過服務。
func (h *Handler) redirect(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("shortCode")

	url, err := h.svc.Resolve(r.Context(), code, shortener.ClickMeta{
		ClientIP:  ratelimit.ClientIP(r),
		UserAgent: r.UserAgent(),
		Referer:   r.Referer(),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	http.Redirect(w, r, url, http.StatusFound)
}

// stats 統計資訊
func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	link, err := h.svc.Stats(r.Context(), r.PathValue("shortCode"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, h.toResponse(r, link), http.StatusOK)
}

// health 所有依賴可用返回 200，否則 503
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(h.opts.HealthChecks))
	for name, check := range h.opts.HealthChecks {
		if err := check(ctx); err != nil {
			h.logger.WarnContext(ctx, "health check failed", "dependency", name, "error", err)
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	resp := map[string]any{"status": "ok", "checks": checks}
	if status != http.StatusOK {
		resp["status"] = "unavailable"
	}
	h.writeJSON(w, resp, status)
}

func (h *Handler) metricsSnapshot(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, h.metrics.Snapshot(), http.StatusOK)
}

// === 工具函數 ===

// parseExpiry 解析 expiry_date
func parseExpiry(raw *string) (*time.Time, error) {
	if raw == nil || strings.TrimSpace(*raw) == "" {
		return nil, nil
	}

	for _, layout := range expiryLayouts {
		if t, err := time.Parse(layout, strings.TrimSpace(*raw)); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, shortener.ErrValidation.WithDetails("invalid expiry_date format (use RFC3339)")
}

func (h *Handler) toResponse(r *http.Request, link *shortener.Link) urlResponse {
	return urlResponse{
		ID:          link.ID,
		OriginalURL: link.OriginalURL,
		ShortURL:    h.shortURL(r, link.ShortCode),
		ShortCode:   link.ShortCode,
		CreatedAt:   link.CreatedAt,
		ExpiryDate:  link.ExpiresAt,
		ClickCount:  link.ClickCount,
	}
}

// shortURL 組成完整短網址
//
// 未配置 BaseURL 時依請求推斷：X-Forwarded-Proto 優先（反向代理），其次看 TLS。
func (h *Handler) shortURL(r *http.Request, code string) string {
	if h.opts.BaseURL != "" {
		return strings.TrimRight(h.opts.BaseURL, "/") + "/" + code
	}

	scheme := r.Header.Get("X-Forwarded-Proto")
	if scheme == "" {
		scheme = "http"
		if r.TLS != nil {
			scheme = "https"
		}
	}
	return scheme + "://" + r.Host + "/" + code
}

// writeJSON 寫入 JSON 回應
func (h *Handler) writeJSON(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("encode json failed", "error", err)
	}
}

// writeError 依錯誤碼寫入錯誤回應；內部錯誤不回傳細節
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)

	appErr, ok := apperrors.As(err)
	if !ok || status == http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
		appErr = errInternal
	}

	h.writeJSON(w, appErr, status)
}
