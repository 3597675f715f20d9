package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"cybertemp/agent/internal/domain"
	"cybertemp/agent/internal/storage"
)

// RefreshService 刷新域名缓存与账户套餐
type RefreshService struct {
	state   *storage.State
	domains DomainSource
	users   UserSource
	logger  *zap.Logger
}

// NewRefreshService 创建刷新服务
func NewRefreshService(state *storage.State, domains DomainSource, users UserSource, logger *zap.Logger) *RefreshService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RefreshService{state: state, domains: domains, users: users, logger: logger}
}

// RefreshDomains 拉取域名列表，只有非空结果才覆盖缓存
func (s *RefreshService) RefreshDomains(ctx context.Context) error {
	list, err := s.domains.GetDomains(ctx)
	if err != nil {
		s.logger.Warn("domain cache update failed", zap.Error(err))
		return err
	}
	if len(list) == 0 {
		return nil
	}
	if err := s.state.SetDomains(ctx, list); err != nil {
		return fmt.Errorf("persist domains: %w", err)
	}
	s.logger.Debug("domain cache updated", zap.Int("count", len(list)))
	return nil
}

// RefreshPlan 拉取账户套餐。没有凭证时静默跳过，响应中没有套餐信息时保持原值。
func (s *RefreshService) RefreshPlan(ctx context.Context) error {
	apiKey, _, err := s.state.Credential(ctx)
	if err != nil {
		return err
	}
	if apiKey == "" {
		return nil
	}

	info, err := s.users.GetUser(ctx, apiKey)
	if err != nil {
		s.logger.Warn("failed to fetch user stats", zap.Error(err))
		return err
	}
	if info == nil || info.Plan == nil {
		return nil
	}

	plan := domain.Plan{
		Type:     domain.ParsePlanType(info.Plan.Type),
		IsActive: info.Plan.Status == "active",
	}
	if err := s.state.SetPlan(ctx, plan); err != nil {
		return fmt.Errorf("persist plan: %w", err)
	}
	s.logger.Info("user plan updated", zap.String("type", string(plan.Type)), zap.Bool("active", plan.IsActive))
	return nil
}
