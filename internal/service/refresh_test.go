package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"cybertemp/agent/internal/domain"
	"cybertemp/agent/internal/remote"
)

func planInfo(planType, status string) *remote.UserInfo {
	info := &remote.UserInfo{}
	info.Plan = &struct {
		Type   string `json:"type"`
		Status string `json:"status"`
	}{Type: planType, Status: status}
	return info
}

func TestRefreshService_RefreshDomains(t *testing.T) {
	ctx := context.Background()

	t.Run("成功时覆盖缓存", func(t *testing.T) {
		state, _ := newCountingState()
		r := new(MockRemote)
		r.On("GetDomains", mock.Anything).Return([]string{"a.com", "b.com"}, nil)

		svc := NewRefreshService(state, r, r, zap.NewNop())
		require.NoError(t, svc.RefreshDomains(ctx))

		got, err := state.Domains(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"a.com", "b.com"}, got)
	})

	t.Run("空列表不覆盖缓存", func(t *testing.T) {
		state, _ := newCountingState()
		require.NoError(t, state.SetDomains(ctx, []string{"keep.com"}))
		r := new(MockRemote)
		r.On("GetDomains", mock.Anything).Return([]string{}, nil)

		svc := NewRefreshService(state, r, r, zap.NewNop())
		require.NoError(t, svc.RefreshDomains(ctx))

		got, err := state.Domains(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"keep.com"}, got)
	})

	t.Run("失败时保留缓存", func(t *testing.T) {
		state, _ := newCountingState()
		require.NoError(t, state.SetDomains(ctx, []string{"keep.com"}))
		r := new(MockRemote)
		r.On("GetDomains", mock.Anything).Return(nil, errors.New("timeout"))

		svc := NewRefreshService(state, r, r, zap.NewNop())
		require.Error(t, svc.RefreshDomains(ctx))

		got, err := state.Domains(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"keep.com"}, got)
	})
}

func TestRefreshService_RefreshPlan(t *testing.T) {
	ctx := context.Background()

	t.Run("没有凭证时不请求", func(t *testing.T) {
		state, _ := newCountingState()
		r := new(MockRemote)
		svc := NewRefreshService(state, r, r, zap.NewNop())

		require.NoError(t, svc.RefreshPlan(ctx))
		r.AssertNotCalled(t, "GetUser", mock.Anything, mock.Anything)
	})

	t.Run("active 状态映射为激活", func(t *testing.T) {
		state, _ := newCountingState()
		require.NoError(t, state.SetCredential(ctx, "k1"))
		r := new(MockRemote)
		r.On("GetUser", mock.Anything, "k1").Return(planInfo("ELITE", "active"), nil)

		svc := NewRefreshService(state, r, r, zap.NewNop())
		require.NoError(t, svc.RefreshPlan(ctx))

		plan, err := state.Plan(ctx)
		require.NoError(t, err)
		assert.Equal(t, domain.Plan{Type: domain.PlanElite, IsActive: true}, plan)
	})

	t.Run("非 active 状态", func(t *testing.T) {
		state, _ := newCountingState()
		require.NoError(t, state.SetCredential(ctx, "k1"))
		r := new(MockRemote)
		r.On("GetUser", mock.Anything, "k1").Return(planInfo("core", "past_due"), nil)

		svc := NewRefreshService(state, r, r, zap.NewNop())
		require.NoError(t, svc.RefreshPlan(ctx))

		plan, err := state.Plan(ctx)
		require.NoError(t, err)
		assert.Equal(t, domain.Plan{Type: domain.PlanCore, IsActive: false}, plan)
	})

	t.Run("响应没有套餐时保持原值", func(t *testing.T) {
		state, _ := newCountingState()
		require.NoError(t, state.SetCredential(ctx, "k1"))
		require.NoError(t, state.SetPlan(ctx, domain.Plan{Type: domain.PlanCore, IsActive: true}))
		r := new(MockRemote)
		r.On("GetUser", mock.Anything, "k1").Return(&remote.UserInfo{}, nil)

		svc := NewRefreshService(state, r, r, zap.NewNop())
		require.NoError(t, svc.RefreshPlan(ctx))

		plan, err := state.Plan(ctx)
		require.NoError(t, err)
		assert.Equal(t, domain.PlanCore, plan.Type)
	})
}
