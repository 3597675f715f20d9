package storage

import (
	"context"
	"errors"
)

// 持久化键名，与浏览器端 storage.local 的键保持一致，便于弹窗直接读取
const (
	KeyAPIKey          = "apiKey"
	KeyCurrentEmail    = "currentEmail"
	KeyCachedEmails    = "cachedEmails"
	KeyCachedDomains   = "cachedDomains"
	KeyPlan            = "plan"
	KeySelectedDomain  = "selectedDomain"
	KeyEnableDetection = "enableDetection"
	KeyEnableAutofill  = "enableAutofill"
	KeyAutoRefresh     = "autoRefreshEnabled"
	KeyTheme           = "theme"
)

// AllKeys 返回所有持久化键
func AllKeys() []string {
	return []string{
		KeyAPIKey,
		KeyCurrentEmail,
		KeyCachedEmails,
		KeyCachedDomains,
		KeyPlan,
		KeySelectedDomain,
		KeyEnableDetection,
		KeyEnableAutofill,
		KeyAutoRefresh,
		KeyTheme,
	}
}

var (
	// ErrClosed 存储已关闭
	ErrClosed = errors.New("storage closed")
	// ErrUnknownBackend 未知的存储类型
	ErrUnknownBackend = errors.New("unknown storage backend")
)

// KV 定义底层键值存储。
//
// 值为 JSON 编码后的字节；Get 对不存在的键不返回条目。
// 所有写入都是整值覆盖，不提供事务。
type KV interface {
	Get(ctx context.Context, keys ...string) (map[string][]byte, error)
	Set(ctx context.Context, values map[string][]byte) error
	Remove(ctx context.Context, keys ...string) error
	Close() error
	Health() error
}

// Watcher 由能够感知外部进程修改的后端实现（文件、Redis 发布订阅）。
//
// Watch 阻塞直到 ctx 结束，每次检测到外部修改时回调发生变化的键。
type Watcher interface {
	Watch(ctx context.Context, onChange func(keys []string)) error
}
