package service

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"

	"cybertemp/agent/internal/domain"
	"cybertemp/agent/internal/notify"
	"cybertemp/agent/internal/remote"
	"cybertemp/agent/internal/storage"
	"cybertemp/agent/internal/storage/memory"
)

// MockRemote 模拟远程服务
type MockRemote struct {
	mock.Mock
}

func (m *MockRemote) GetMail(ctx context.Context, email, apiKey string) ([]domain.Message, error) {
	args := m.Called(ctx, email, apiKey)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.Message), args.Error(1)
}

func (m *MockRemote) GetDomains(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *MockRemote) GetUser(ctx context.Context, apiKey string) (*remote.UserInfo, error) {
	args := m.Called(ctx, apiKey)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*remote.UserInfo), args.Error(1)
}

// recordingNotifier 记录发出的通知
type recordingNotifier struct {
	mu   sync.Mutex
	sent []*notify.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n *notify.Notification) {
	r.mu.Lock()
	r.sent = append(r.sent, n)
	r.mu.Unlock()
}

func (r *recordingNotifier) all() []*notify.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*notify.Notification(nil), r.sent...)
}

// recordingTabs 记录发送到活动标签页的验证码
type recordingTabs struct {
	mu     sync.Mutex
	codes  []string
	absent bool
}

func (r *recordingTabs) SendFillCode(code string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.absent {
		return false
	}
	r.codes = append(r.codes, code)
	return true
}

// recordingEvents 记录广播的邮件列表
type recordingEvents struct {
	batches [][]domain.Message
}

func (r *recordingEvents) PublishEmails(msgs []domain.Message) {
	r.batches = append(r.batches, msgs)
}

// countingKV 统计写入次数
type countingKV struct {
	storage.KV
	mu   sync.Mutex
	sets int
}

func (c *countingKV) Set(ctx context.Context, values map[string][]byte) error {
	c.mu.Lock()
	c.sets++
	c.mu.Unlock()
	return c.KV.Set(ctx, values)
}

func (c *countingKV) writes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sets
}

func newCountingState() (*storage.State, *countingKV) {
	kv := &countingKV{KV: memory.NewStore()}
	return storage.NewState(kv), kv
}
