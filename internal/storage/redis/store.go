package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"cybertemp/agent/internal/cache"
	"cybertemp/agent/internal/storage"
)

const (
	// localCacheTTL 本地缓存有效期；其他实例的修改通过发布订阅即时失效
	localCacheTTL  = 30 * time.Second
	localCacheSize = 64
	changesChannel = "changes"
)

// changeEvent 通过发布订阅广播的变更事件
type changeEvent struct {
	Origin string   `json:"origin"`
	Keys   []string `json:"keys"`
}

// Store 基于 Redis 的键值存储，带本地 L1 缓存
type Store struct {
	rdb    *goredis.Client
	prefix string
	origin string
	l1     *cache.LocalCache
	logger *zap.Logger

	mu     sync.RWMutex
	closed bool
}

// NewStore 使用已连接的客户端创建存储
func NewStore(rdb *goredis.Client, prefix string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		rdb:    rdb,
		prefix: prefix,
		origin: uuid.NewString(),
		l1:     cache.NewLocalCache(localCacheSize, localCacheTTL),
		logger: logger,
	}
}

func (s *Store) key(k string) string {
	return s.prefix + k
}

func (s *Store) channel() string {
	return s.prefix + changesChannel
}

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return storage.ErrClosed
	}
	return nil
}

// Get 先查本地缓存，未命中的键通过一次 MGET 读取
func (s *Store) Get(ctx context.Context, keys ...string) (map[string][]byte, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	result := make(map[string][]byte, len(keys))
	var missing []string
	for _, k := range keys {
		if v, ok := s.l1.Get(k); ok {
			result[k] = append([]byte(nil), v...)
			continue
		}
		missing = append(missing, k)
	}
	if len(missing) == 0 {
		return result, nil
	}

	redisKeys := make([]string, len(missing))
	for i, k := range missing {
		redisKeys[i] = s.key(k)
	}

	values, err := s.rdb.MGet(ctx, redisKeys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget: %w", err)
	}

	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			// nil 表示键不存在
			continue
		}
		raw := []byte(str)
		result[missing[i]] = raw
		s.l1.Set(missing[i], raw, 0)
	}
	return result, nil
}

// Set 在一个事务管道中写入所有键并广播变更
func (s *Store) Set(ctx context.Context, values map[string][]byte) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if len(values) == 0 {
		return nil
	}

	keys := make([]string, 0, len(values))
	_, err := s.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		for k, v := range values {
			pipe.Set(ctx, s.key(k), v, 0)
			keys = append(keys, k)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis set: %w", err)
	}

	for k, v := range values {
		s.l1.Set(k, v, 0)
	}
	s.publish(ctx, keys)
	return nil
}

// Remove 删除若干键并广播变更
func (s *Store) Remove(ctx context.Context, keys ...string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}

	redisKeys := make([]string, len(keys))
	for i, k := range keys {
		redisKeys[i] = s.key(k)
	}
	if err := s.rdb.Del(ctx, redisKeys...).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}

	s.l1.Delete(keys...)
	s.publish(ctx, keys)
	return nil
}

// publish 广播变更，失败只记录日志，不影响写入结果
func (s *Store) publish(ctx context.Context, keys []string) {
	payload, err := json.Marshal(changeEvent{Origin: s.origin, Keys: keys})
	if err != nil {
		return
	}
	if err := s.rdb.Publish(ctx, s.channel(), payload).Err(); err != nil {
		s.logger.Warn("failed to publish state change", zap.Error(err))
	}
}

// Watch 订阅其他实例的变更，失效对应的本地缓存后回调
func (s *Store) Watch(ctx context.Context, onChange func(keys []string)) error {
	sub := s.rdb.Subscribe(ctx, s.channel())
	defer sub.Close()

	// 等待订阅确认
	if _, err := sub.Receive(ctx); err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil
		}
		return fmt.Errorf("redis subscribe: %w", err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var event changeEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				s.logger.Warn("invalid state change event", zap.Error(err))
				continue
			}
			if event.Origin == s.origin || len(event.Keys) == 0 {
				continue
			}
			s.l1.Delete(event.Keys...)
			onChange(event.Keys)
		}
	}
}

// Health 健康检查
func (s *Store) Health() error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return s.rdb.Ping(ctx).Err()
}

// Close 关闭存储及底层连接
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.l1.Stop()
	return s.rdb.Close()
}
