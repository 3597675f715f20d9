package memory

import (
	"context"
	"sync"

	"cybertemp/agent/internal/storage"
)

// Store 使用内存保存键值数据，进程退出后丢失，主要用于开发与测试。
type Store struct {
	mu     sync.RWMutex
	data   map[string][]byte
	closed bool
}

// NewStore 创建一个内存存储实例。
func NewStore() *Store {
	return &Store{
		data: make(map[string][]byte),
	}
}

// Get 读取若干键，不存在的键不出现在结果中
func (s *Store) Get(_ context.Context, keys ...string) (map[string][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, storage.ErrClosed
	}

	result := make(map[string][]byte, len(keys))
	for _, key := range keys {
		if value, ok := s.data[key]; ok {
			result[key] = clone(value)
		}
	}
	return result, nil
}

// Set 覆盖写入
func (s *Store) Set(_ context.Context, values map[string][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrClosed
	}

	for key, value := range values {
		s.data[key] = clone(value)
	}
	return nil
}

// Remove 删除若干键，不存在的键忽略
func (s *Store) Remove(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrClosed
	}

	for _, key := range keys {
		delete(s.data, key)
	}
	return nil
}

// Len 返回当前键数量
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Health 健康检查
func (s *Store) Health() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return storage.ErrClosed
	}
	return nil
}

// Close 关闭存储
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
