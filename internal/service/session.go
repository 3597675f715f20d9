package service

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"cybertemp/agent/internal/domain"
	"cybertemp/agent/internal/storage"
)

// SessionService 凭证、身份与偏好的直接读写操作
type SessionService struct {
	state  *storage.State
	guard  IdentityGuard
	logger *zap.Logger
}

// SessionOption 会话服务选项
type SessionOption func(*SessionService)

// WithSessionGuard 清除身份时与轮询结果写入互斥
func WithSessionGuard(g IdentityGuard) SessionOption {
	return func(s *SessionService) { s.guard = g }
}

// NewSessionService 创建会话服务
func NewSessionService(state *storage.State, logger *zap.Logger, opts ...SessionOption) *SessionService {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &SessionService{state: state, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SaveAPIKey 保存凭证，空值返回 ErrNoCredential
func (s *SessionService) SaveAPIKey(ctx context.Context, apiKey string) error {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return ErrNoCredential
	}
	if err := s.state.SetCredential(ctx, apiKey); err != nil {
		return fmt.Errorf("save api key: %w", err)
	}
	s.logger.Info("api key saved")
	return nil
}

// Logout 清除凭证、身份、邮件缓存与套餐
func (s *SessionService) Logout(ctx context.Context) error {
	if err := switchIdentity(s.guard, func() error { return s.state.Logout(ctx) }); err != nil {
		return err
	}
	s.logger.Info("logged out")
	return nil
}

// CurrentEmail 返回当前身份，没有身份时返回空字符串
func (s *SessionService) CurrentEmail(ctx context.Context) (string, error) {
	email, _, err := s.state.Identity(ctx)
	return email, err
}

// TerminateSession 结束当前身份并清空邮件缓存
func (s *SessionService) TerminateSession(ctx context.Context) error {
	return switchIdentity(s.guard, func() error { return s.state.ClearIdentity(ctx) })
}

// ClearInbox 清空邮件缓存
func (s *SessionService) ClearInbox(ctx context.Context) error {
	return s.state.SetMessages(ctx, nil)
}

// DeleteEmail 从缓存中移除一封邮件，邮件不存在时不写入
func (s *SessionService) DeleteEmail(ctx context.Context, id domain.MessageID) error {
	msgs, err := s.state.Messages(ctx)
	if err != nil {
		return err
	}

	kept := make([]domain.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.ID != id {
			kept = append(kept, m)
		}
	}
	if len(kept) == len(msgs) {
		return nil
	}
	return s.state.SetMessages(ctx, kept)
}

// SetPreferences 保存补丁中给出的偏好项
func (s *SessionService) SetPreferences(ctx context.Context, patch domain.PreferencesPatch) error {
	if patch.Theme != nil && *patch.Theme != domain.ThemeDark && *patch.Theme != domain.ThemeLight {
		return fmt.Errorf("%w: %q", ErrInvalidTheme, *patch.Theme)
	}
	return s.state.UpdatePreferences(ctx, patch)
}

// SelectDomain 保存弹窗中选中的域名
func (s *SessionService) SelectDomain(ctx context.Context, d string) error {
	d = strings.ToLower(strings.TrimSpace(d))
	if err := domain.ValidateDomain(d); err != nil {
		return fmt.Errorf("invalid domain %q: %w", d, err)
	}
	return s.state.SetSelectedDomain(ctx, d)
}

// Snapshot 返回完整状态
func (s *SessionService) Snapshot(ctx context.Context) (*storage.Snapshot, error) {
	return s.state.Snapshot(ctx)
}

// Preferences 返回偏好设置
func (s *SessionService) Preferences(ctx context.Context) (domain.Preferences, error) {
	return s.state.Preferences(ctx)
}
