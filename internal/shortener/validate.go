package shortener

import (
	"net"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// MaxURLLength 原始 URL 長度上限
const MaxURLLength = 2048

// aliasPattern 自定義短碼：3-10 個英數字元
var aliasPattern = regexp.MustCompile(`^[a-zA-Z0-9]{3,10}$`)

// privateRanges 禁止作為跳轉目標的網段（SSRF 防護）
var privateRanges = mustParseCIDRs(
	"0.0.0.0/8",
	"10.0.0.0/8",
	"100.64.0.0/10",
	"127.0.0.0/8",
	"169.254.0.0/16", // 雲服務元數據
	"172.16.0.0/12",
	"192.168.0.0/16",
	"::1/128",
	"fc00::/7",
	"fe80::/10",
)

// Validator 創建請求的安全與格式檢查
type Validator struct {
	blocked      []string // 小寫域名，子域名一併封鎖
	allowPrivate bool
}

// NewValidator 創建檢查器
//
// blockedDomains 中的域名及其子域名都會被拒絕；allowPrivate 為 true 時允許內網地址。
func NewValidator(blockedDomains []string, allowPrivate bool) *Validator {
	blocked := make([]string, 0, len(blockedDomains))
	for _, d := range blockedDomains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d != "" {
			blocked = append(blocked, d)
		}
	}
	return &Validator{blocked: blocked, allowPrivate: allowPrivate}
}

// Validate 檢查創建請求，失敗返回 ErrValidation（Details 為原因）
func (v *Validator) Validate(req CreateRequest, now time.Time) error {
	if err := v.ValidateURL(req.OriginalURL); err != nil {
		return err
	}
	if req.CustomAlias != "" && !validAlias(req.CustomAlias) {
		return validationError("custom alias must be 3-10 alphanumeric characters")
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(now) {
		return validationError("expiry date must be in the future")
	}
	return nil
}

// ValidateURL 檢查原始 URL
//
// 規則：
//   - 非空、長度 ≤ 2048
//   - scheme 僅限 http / https，且必須有 host
//   - 拒絕 localhost、*.local、回環與私有地址
//   - 拒絕封鎖名單中的域名
//   - 拒絕可疑模式：javascript:、data:、內嵌的二次跳轉
func (v *Validator) ValidateURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return validationError("url cannot be empty")
	}
	if len(raw) > MaxURLLength {
		return validationError("url is too long (max 2048 characters)")
	}
	if hasSuspiciousPattern(raw) {
		return validationError("url contains suspicious patterns")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return validationError("invalid url format")
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return validationError("only http and https urls are allowed")
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return validationError("url is missing a host")
	}
	if !v.allowPrivate && isLocalOrPrivate(host) {
		return validationError("local and private addresses are not allowed")
	}
	if v.isBlocked(host) {
		return validationError("this domain is not allowed")
	}
	return nil
}

func (v *Validator) isBlocked(host string) bool {
	for _, d := range v.blocked {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// hasSuspiciousPattern 開放跳轉與腳本協議
func hasSuspiciousPattern(raw string) bool {
	lower := strings.ToLower(raw)
	if strings.HasPrefix(lower, "data:") || strings.Contains(lower, "javascript:") {
		return true
	}
	// 目標本身又是一個跳轉，如 https://x.com/redirect?to=http://evil
	return strings.Contains(lower, "redirect") && strings.Count(lower, "http") > 1
}

func isLocalOrPrivate(host string) bool {
	if host == "localhost" || strings.HasSuffix(host, ".localhost") || strings.HasSuffix(host, ".local") {
		return true
	}

	ip := net.ParseIP(host)
	if ip == nil {
		// 域名不做 DNS 解析
		return false
	}
	for _, n := range privateRanges {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(err)
		}
		nets = append(nets, n)
	}
	return nets
}

// validAlias 自定義短碼格式檢查
func validAlias(alias string) bool {
	return aliasPattern.MatchString(alias)
}
