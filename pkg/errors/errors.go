// Package errors 提供應用程式錯誤處理
//
// AppError 以 Code 區分錯誤類別，errors.Is 比對 Code 而非指標，
// 所以 New(CodeNotFound, "...") 建立的任意錯誤都能和預定義錯誤比對。
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// 錯誤碼
const (
	// CodeNotFound 資源不存在
	CodeNotFound = "NOT_FOUND"
	// CodeAlreadyExists 資源已存在
	CodeAlreadyExists = "ALREADY_EXISTS"
	// CodeExpired 資源曾經存在但已過期
	CodeExpired = "EXPIRED"
	// CodeInvalidInput 無效輸入
	CodeInvalidInput = "INVALID_INPUT"
	// CodeRateLimited 超過請求頻率
	CodeRateLimited = "TOO_MANY_REQUESTS"
	// CodeInternal 內部錯誤
	CodeInternal = "INTERNAL_ERROR"
	// CodeUnavailable 依賴服務不可用
	CodeUnavailable = "SERVICE_UNAVAILABLE"
)

// AppError 應用程式錯誤
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Err     error  `json:"-"`
}

// Error 實現 error 介面
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 實現 errors.Unwrap
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is 同 Code 即視為相同錯誤
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New 創建新的應用程式錯誤
func New(code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap 包裝底層錯誤
func Wrap(err error, code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WithDetails 返回帶詳細資訊的副本（不修改預定義錯誤）
func (e *AppError) WithDetails(details string) *AppError {
	cp := *e
	cp.Details = details
	return &cp
}

// As 取出錯誤鏈中的 AppError
func As(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// CodeOf 取得錯誤碼，非 AppError 一律視為內部錯誤
func CodeOf(err error) string {
	if appErr, ok := As(err); ok {
		return appErr.Code
	}
	return CodeInternal
}

// HTTPStatus 錯誤碼對應的 HTTP 狀態碼
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeInvalidInput:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeAlreadyExists:
		return http.StatusConflict
	case CodeExpired:
		return http.StatusGone
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// IsNotFound 檢查是否為不存在錯誤
func IsNotFound(err error) bool {
	return CodeOf(err) == CodeNotFound
}

// IsAlreadyExists 檢查是否為已存在錯誤
func IsAlreadyExists(err error) bool {
	return CodeOf(err) == CodeAlreadyExists
}

// IsInvalidInput 檢查是否為輸入錯誤
func IsInvalidInput(err error) bool {
	return CodeOf(err) == CodeInvalidInput
}
