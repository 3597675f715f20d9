package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"cybertemp/agent/internal/domain"
)

// Change 描述一次键值变更，语义对应浏览器端 storage.onChanged
type Change struct {
	Key      string          `json:"key"`
	NewValue json.RawMessage `json:"newValue,omitempty"`
	Removed  bool            `json:"removed,omitempty"`
}

// Observer 变更观察者。回调在写入方的协程中同步执行，不得阻塞。
type Observer func(changes []Change)

// State 是邮件代理唯一的共享状态所有者。
//
// 所有组件都只能通过 State 的读写方法访问持久化状态，
// 自身不保留长期副本（轮询去重游标除外）。
type State struct {
	kv KV

	mu        sync.RWMutex
	observers map[int]Observer
	nextID    int
}

// NewState 基于底层键值存储创建状态对象
func NewState(kv KV) *State {
	return &State{
		kv:        kv,
		observers: make(map[int]Observer),
	}
}

// KV 返回底层存储
func (s *State) KV() KV {
	return s.kv
}

// Subscribe 注册变更观察者，返回取消函数
func (s *State) Subscribe(fn Observer) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.observers[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.observers, id)
		s.mu.Unlock()
	}
}

// Watch 监听其他进程对同一存储的修改并转发给观察者。
// 后端不支持监听时直接等待 ctx 结束。
func (s *State) Watch(ctx context.Context) error {
	watcher, ok := s.kv.(Watcher)
	if !ok {
		<-ctx.Done()
		return nil
	}

	return watcher.Watch(ctx, func(keys []string) {
		values, err := s.kv.Get(ctx, keys...)
		if err != nil {
			return
		}
		changes := make([]Change, 0, len(keys))
		for _, key := range keys {
			raw, exists := values[key]
			changes = append(changes, Change{Key: key, NewValue: raw, Removed: !exists})
		}
		s.notify(changes)
	})
}

func (s *State) notify(changes []Change) {
	if len(changes) == 0 {
		return
	}

	s.mu.RLock()
	observers := make([]Observer, 0, len(s.observers))
	for _, fn := range s.observers {
		observers = append(observers, fn)
	}
	s.mu.RUnlock()

	for _, fn := range observers {
		fn(changes)
	}
}

// write 整值写入若干键并移除若干键，完成后通知观察者
func (s *State) write(ctx context.Context, values map[string]any, removes ...string) error {
	changes := make([]Change, 0, len(values)+len(removes))

	if len(values) > 0 {
		encoded := make(map[string][]byte, len(values))
		for key, value := range values {
			raw, err := json.Marshal(value)
			if err != nil {
				return fmt.Errorf("encode %s: %w", key, err)
			}
			encoded[key] = raw
			changes = append(changes, Change{Key: key, NewValue: raw})
		}
		if err := s.kv.Set(ctx, encoded); err != nil {
			return fmt.Errorf("persist %d keys: %w", len(encoded), err)
		}
	}

	if len(removes) > 0 {
		if err := s.kv.Remove(ctx, removes...); err != nil {
			return fmt.Errorf("remove keys: %w", err)
		}
		for _, key := range removes {
			changes = append(changes, Change{Key: key, Removed: true})
		}
	}

	sort.Slice(changes, func(i, j int) bool { return changes[i].Key < changes[j].Key })
	s.notify(changes)
	return nil
}

// read 读取单个键；键不存在或为 JSON null 时返回 false
func (s *State) read(ctx context.Context, key string, dst any) (bool, error) {
	values, err := s.kv.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("load %s: %w", key, err)
	}
	return decode(values, key, dst)
}

func decode(values map[string][]byte, key string, dst any) (bool, error) {
	raw, ok := values[key]
	if !ok || len(raw) == 0 || string(raw) == "null" {
		return false, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// ========== 凭证 ==========

// Credential 返回 API Key。
//
// ok 为 false 表示尚未设置（仍在加载）；ok 为 true 且值为空字符串表示已知的登出状态。
func (s *State) Credential(ctx context.Context) (string, bool, error) {
	var key string
	ok, err := s.read(ctx, KeyAPIKey, &key)
	return key, ok, err
}

// SetCredential 保存 API Key，空字符串表示登出
func (s *State) SetCredential(ctx context.Context, key string) error {
	return s.write(ctx, map[string]any{KeyAPIKey: key})
}

// ========== 身份 ==========

// Identity 返回当前临时邮箱地址
func (s *State) Identity(ctx context.Context) (string, bool, error) {
	var email string
	ok, err := s.read(ctx, KeyCurrentEmail, &email)
	if ok && email == "" {
		ok = false
	}
	return email, ok, err
}

// ReplaceIdentity 设置新的身份并清空邮件缓存
func (s *State) ReplaceIdentity(ctx context.Context, email string) error {
	return s.write(ctx, map[string]any{
		KeyCurrentEmail: email,
		KeyCachedEmails: []domain.Message{},
	})
}

// ClearIdentity 终止当前身份并清空邮件缓存
func (s *State) ClearIdentity(ctx context.Context) error {
	return s.write(ctx, map[string]any{
		KeyCurrentEmail: nil,
		KeyCachedEmails: []domain.Message{},
	})
}

// ========== 邮件缓存 ==========

// Messages 返回缓存的邮件列表（最新在前）
func (s *State) Messages(ctx context.Context) ([]domain.Message, error) {
	var msgs []domain.Message
	if _, err := s.read(ctx, KeyCachedEmails, &msgs); err != nil {
		return nil, err
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	return msgs, nil
}

// SetMessages 整体替换邮件缓存
func (s *State) SetMessages(ctx context.Context, msgs []domain.Message) error {
	if msgs == nil {
		msgs = []domain.Message{}
	}
	return s.write(ctx, map[string]any{KeyCachedEmails: msgs})
}

// ========== 域名 ==========

// Domains 返回缓存的可用域名列表
func (s *State) Domains(ctx context.Context) ([]string, error) {
	var domains []string
	if _, err := s.read(ctx, KeyCachedDomains, &domains); err != nil {
		return nil, err
	}
	return domains, nil
}

// SetDomains 覆盖可用域名列表
func (s *State) SetDomains(ctx context.Context, domains []string) error {
	return s.write(ctx, map[string]any{KeyCachedDomains: domains})
}

// SelectedDomain 返回用户在弹窗中选中的域名
func (s *State) SelectedDomain(ctx context.Context) (string, error) {
	var d string
	_, err := s.read(ctx, KeySelectedDomain, &d)
	return d, err
}

// SetSelectedDomain 保存选中的域名
func (s *State) SetSelectedDomain(ctx context.Context, d string) error {
	return s.write(ctx, map[string]any{KeySelectedDomain: d})
}

// ========== 套餐 ==========

// Plan 返回套餐信息，未设置时返回默认值
func (s *State) Plan(ctx context.Context) (domain.Plan, error) {
	plan := domain.DefaultPlan()
	if _, err := s.read(ctx, KeyPlan, &plan); err != nil {
		return domain.DefaultPlan(), err
	}
	return plan, nil
}

// SetPlan 保存套餐信息
func (s *State) SetPlan(ctx context.Context, plan domain.Plan) error {
	return s.write(ctx, map[string]any{KeyPlan: plan})
}

// ========== 偏好 ==========

// Preferences 读取偏好设置，未设置的项使用各自的默认值
func (s *State) Preferences(ctx context.Context) (domain.Preferences, error) {
	prefs := domain.DefaultPreferences()
	values, err := s.kv.Get(ctx, KeyEnableDetection, KeyEnableAutofill, KeyAutoRefresh, KeyTheme)
	if err != nil {
		return prefs, fmt.Errorf("load preferences: %w", err)
	}

	if _, err := decode(values, KeyEnableDetection, &prefs.EnableDetection); err != nil {
		return prefs, err
	}
	if _, err := decode(values, KeyEnableAutofill, &prefs.EnableAutofill); err != nil {
		return prefs, err
	}
	if _, err := decode(values, KeyAutoRefresh, &prefs.AutoRefresh); err != nil {
		return prefs, err
	}
	if _, err := decode(values, KeyTheme, &prefs.Theme); err != nil {
		return prefs, err
	}
	return prefs, nil
}

// UpdatePreferences 只写入补丁中给出的偏好项
func (s *State) UpdatePreferences(ctx context.Context, patch domain.PreferencesPatch) error {
	values := make(map[string]any, 4)
	if patch.EnableDetection != nil {
		values[KeyEnableDetection] = *patch.EnableDetection
	}
	if patch.EnableAutofill != nil {
		values[KeyEnableAutofill] = *patch.EnableAutofill
	}
	if patch.AutoRefresh != nil {
		values[KeyAutoRefresh] = *patch.AutoRefresh
	}
	if patch.Theme != nil {
		values[KeyTheme] = *patch.Theme
	}
	if len(values) == 0 {
		return nil
	}
	return s.write(ctx, values)
}

// ========== 会话 ==========

// Logout 登出：凭证置空，清除身份、邮件缓存与套餐
func (s *State) Logout(ctx context.Context) error {
	return s.write(ctx, map[string]any{
		KeyAPIKey:       "",
		KeyCurrentEmail: nil,
		KeyCachedEmails: []domain.Message{},
	}, KeyPlan)
}

// Snapshot 弹窗初始化时需要的完整状态
type Snapshot struct {
	Email          string             `json:"email,omitempty"`
	Authenticated  bool               `json:"authenticated"`
	Emails         []domain.Message   `json:"emails"`
	Domains        []string           `json:"domains"`
	SelectedDomain string             `json:"selectedDomain,omitempty"`
	Plan           domain.Plan        `json:"plan"`
	Preferences    domain.Preferences `json:"preferences"`
}

// Snapshot 读取当前完整状态
func (s *State) Snapshot(ctx context.Context) (*Snapshot, error) {
	values, err := s.kv.Get(ctx, AllKeys()...)
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	snap := &Snapshot{
		Emails:      []domain.Message{},
		Domains:     []string{},
		Plan:        domain.DefaultPlan(),
		Preferences: domain.DefaultPreferences(),
	}

	var key string
	if _, err := decode(values, KeyAPIKey, &key); err != nil {
		return nil, err
	}
	snap.Authenticated = key != ""

	targets := []struct {
		key string
		dst any
	}{
		{KeyCurrentEmail, &snap.Email},
		{KeyCachedEmails, &snap.Emails},
		{KeyCachedDomains, &snap.Domains},
		{KeySelectedDomain, &snap.SelectedDomain},
		{KeyPlan, &snap.Plan},
		{KeyEnableDetection, &snap.Preferences.EnableDetection},
		{KeyEnableAutofill, &snap.Preferences.EnableAutofill},
		{KeyAutoRefresh, &snap.Preferences.AutoRefresh},
		{KeyTheme, &snap.Preferences.Theme},
	}
	for _, t := range targets {
		if _, err := decode(values, t.key, t.dst); err != nil {
			return nil, err
		}
	}

	return snap, nil
}
