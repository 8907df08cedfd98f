package testutils

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/koopa0/url-shortener/internal/shortener"
)

// ErrInjected 替身注入的錯誤
var ErrInjected = errors.New("injected failure")

// MockCache 實作 shortener.Cache，可注入錯誤並統計調用
type MockCache struct {
	mu      sync.Mutex
	entries map[string]string
	ttls    map[string]time.Duration

	GetCalls atomic.Int32
	SetCalls atomic.Int32

	// 錯誤注入（非 nil 時每次調用都返回）
	GetErr error
	SetErr error
}

// NewMockCache 創建 MockCache
func NewMockCache() *MockCache {
	return &MockCache{
		entries: make(map[string]string),
		ttls:    make(map[string]time.Duration),
	}
}

// Get 實作 shortener.Cache
func (m *MockCache) Get(_ context.Context, code string) (string, error) {
	m.GetCalls.Add(1)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.GetErr != nil {
		return "", m.GetErr
	}
	url, ok := m.entries[code]
	if !ok {
		return "", shortener.ErrCacheMiss
	}
	return url, nil
}

// Set 實作 shortener.Cache
func (m *MockCache) Set(_ context.Context, code, url string, ttl time.Duration) error {
	m.SetCalls.Add(1)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SetErr != nil {
		return m.SetErr
	}
	m.entries[code] = url
	m.ttls[code] = ttl
	return nil
}

// Lookup 直接讀取快取內容（不計入調用）
func (m *MockCache) Lookup(code string) (string, time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	url, ok := m.entries[code]
	return url, m.ttls[code], ok
}

// Put 直接寫入快取內容（不計入調用）
func (m *MockCache) Put(code, url string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[code] = url
}

// MockPublisher 實作 shortener.ClickPublisher，記錄收到的事件
type MockPublisher struct {
	mu     sync.Mutex
	events []shortener.ClickEvent

	// Err 非 nil 時拒絕事件
	Err error
}

// Publish 實作 shortener.ClickPublisher
func (m *MockPublisher) Publish(event shortener.ClickEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Err != nil {
		return m.Err
	}
	m.events = append(m.events, event)
	return nil
}

// Events 已接收事件的副本
func (m *MockPublisher) Events() []shortener.ClickEvent {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]shortener.ClickEvent(nil), m.events...)
}

// MockDirectory 包裝任一 Directory，可讓讀取或遞增失敗
type MockDirectory struct {
	shortener.Directory

	FindCalls atomic.Int32

	mu           sync.Mutex
	findErr      error
	incrementErr error
	incrementN   int // incrementErr 剩餘生效次數；<0 表示一直生效
}

// NewMockDirectory 包裝 dir
func NewMockDirectory(dir shortener.Directory) *MockDirectory {
	return &MockDirectory{Directory: dir}
}

// FailFind 之後的 FindByCode 都返回 err（nil 取消）
func (m *MockDirectory) FailFind(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.findErr = err
}

// FailIncrement 之後 n 次 IncrementClickCount 返回 err；n < 0 表示一直失敗
func (m *MockDirectory) FailIncrement(err error, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.incrementErr = err
	m.incrementN = n
}

// FindByCode 實作 shortener.Directory
func (m *MockDirectory) FindByCode(ctx context.Context, code string) (*shortener.Link, error) {
	m.FindCalls.Add(1)

	m.mu.Lock()
	err := m.findErr
	m.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return m.Directory.FindByCode(ctx, code)
}

// IncrementClickCount 實作 shortener.Directory
func (m *MockDirectory) IncrementClickCount(ctx context.Context, id uint64) error {
	m.mu.Lock()
	if m.incrementErr != nil && m.incrementN != 0 {
		err := m.incrementErr
		if m.incrementN > 0 {
			m.incrementN--
		}
		m.mu.Unlock()
		return err
	}
	m.mu.Unlock()

	return m.Directory.IncrementClickCount(ctx, id)
}
