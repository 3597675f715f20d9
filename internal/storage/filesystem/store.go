package filesystem

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"cybertemp/agent/internal/storage"
)

// debounceDelay 合并短时间内的多次文件事件
const debounceDelay = 100 * time.Millisecond

// Store 文件系统存储实现，所有键保存在同一个 JSON 文件中
type Store struct {
	basePath string
	filePath string
	logger   *zap.Logger

	mu     sync.RWMutex
	data   map[string]json.RawMessage
	closed bool
}

// NewStore 创建文件系统存储实例
func NewStore(basePath string, logger *zap.Logger) (*Store, error) {
	if basePath == "" {
		basePath = DefaultDir()
	}
	if err := ValidatePath(basePath); err != nil {
		return nil, fmt.Errorf("invalid base path: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	normalizedPath := NormalizePath(basePath)
	if err := os.MkdirAll(normalizedPath, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	s := &Store{
		basePath: normalizedPath,
		filePath: filepath.Join(normalizedPath, StateFileName),
		logger:   logger,
		data:     make(map[string]json.RawMessage),
	}

	data, err := s.load()
	if err != nil {
		return nil, err
	}
	s.data = data

	return s, nil
}

// Path 返回状态文件路径
func (s *Store) Path() string {
	return s.filePath
}

// load 从磁盘读取状态文件，文件不存在时返回空集合。
// 文件是缩进格式，读入的值统一压缩，与内存中的形式一致。
func (s *Store) load() (map[string]json.RawMessage, error) {
	content, err := os.ReadFile(s.filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return make(map[string]json.RawMessage), nil
		}
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}

	data := make(map[string]json.RawMessage)
	if len(bytes.TrimSpace(content)) == 0 {
		return data, nil
	}
	if err := json.Unmarshal(content, &data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state file: %w", err)
	}
	for key, value := range data {
		compacted, err := compact(value)
		if err != nil {
			return nil, fmt.Errorf("invalid value of %s in state file: %w", key, err)
		}
		data[key] = compacted
	}
	return data, nil
}

// compact 去掉 JSON 值中的空白
func compact(value []byte) (json.RawMessage, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, value); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// flush 先写临时文件再重命名，保证读方看到完整内容。调用方需持有写锁。
func (s *Store) flush() error {
	content, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	tmp, err := os.CreateTemp(s.basePath, ".state-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.filePath); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}

// Get 读取若干键
func (s *Store) Get(_ context.Context, keys ...string) (map[string][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, storage.ErrClosed
	}

	result := make(map[string][]byte, len(keys))
	for _, key := range keys {
		if value, ok := s.data[key]; ok {
			result[key] = append([]byte(nil), value...)
		}
	}
	return result, nil
}

// Set 覆盖写入并落盘
func (s *Store) Set(_ context.Context, values map[string][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrClosed
	}

	compacted := make(map[string]json.RawMessage, len(values))
	for key, value := range values {
		c, err := compact(value)
		if err != nil {
			return fmt.Errorf("value of %s is not valid JSON: %w", key, err)
		}
		compacted[key] = c
	}
	for key, value := range compacted {
		s.data[key] = value
	}
	return s.flush()
}

// Remove 删除若干键并落盘
func (s *Store) Remove(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrClosed
	}

	changed := false
	for _, key := range keys {
		if _, ok := s.data[key]; ok {
			delete(s.data, key)
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return s.flush()
}

// Watch 监听状态文件的外部修改（例如另一个代理进程共享同一目录）
func (s *Store) Watch(ctx context.Context, onChange func(keys []string)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	// 监听目录而非文件本身，原子替换会改变文件 inode
	if err := watcher.Add(s.basePath); err != nil {
		return fmt.Errorf("failed to watch %s: %w", s.basePath, err)
	}

	ticker := time.NewTicker(debounceDelay)
	defer ticker.Stop()

	var pending time.Time
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != s.filePath {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				pending = time.Now()
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("state file watcher error", zap.Error(err))

		case <-ticker.C:
			if pending.IsZero() || time.Since(pending) < debounceDelay {
				continue
			}
			pending = time.Time{}
			if keys := s.reload(); len(keys) > 0 {
				onChange(keys)
			}
		}
	}
}

// reload 重新读取文件，返回与内存内容不一致的键。
//
// 读取、比较与替换都持有写锁，期间的 Set 不会被旧文件内容覆盖。
// 内存与文件中的值都是压缩形式，本进程自己的写入比较结果相同，不产生回声。
func (s *Store) reload() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	data, err := s.load()
	if err != nil {
		s.logger.Warn("failed to reload state file", zap.String("path", s.filePath), zap.Error(err))
		return nil
	}

	var changed []string
	for key, value := range data {
		if old, ok := s.data[key]; !ok || !bytes.Equal(old, value) {
			changed = append(changed, key)
		}
	}
	for key := range s.data {
		if _, ok := data[key]; !ok {
			changed = append(changed, key)
		}
	}
	s.data = data

	sort.Strings(changed)
	return changed
}

// Health 健康检查
func (s *Store) Health() error {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return storage.ErrClosed
	}

	info, err := os.Stat(s.basePath)
	if err != nil {
		return fmt.Errorf("data directory unavailable: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("data path is not a directory: %s", s.basePath)
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
