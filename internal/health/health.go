package health

import (
	"context"
	"net/http"
	"time"

	"github.com/heptiolabs/healthcheck"
	"go.uber.org/zap"

	"cybertemp/agent/internal/storage"
)

// Pinger 远程服务可达性检查
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthChecker 健康检查器
//
// 存储不可用视为存活检查失败；远程服务不可达只影响就绪检查。
type HealthChecker struct {
	health healthcheck.Handler
	store  storage.KV
	remote Pinger
	logger *zap.Logger
}

// NewHealthChecker 创建健康检查器，remote 为 nil 时不注册就绪检查
func NewHealthChecker(store storage.KV, remote Pinger, logger *zap.Logger) *HealthChecker {
	if logger == nil {
		logger = zap.NewNop()
	}
	hc := &HealthChecker{
		health: healthcheck.NewHandler(),
		store:  store,
		remote: remote,
		logger: logger,
	}

	hc.addChecks()

	return hc
}

// addChecks 添加健康检查
func (hc *HealthChecker) addChecks() {
	hc.health.AddLivenessCheck("storage", func() error {
		return hc.store.Health()
	})

	if hc.remote != nil {
		hc.health.AddReadinessCheck("remote", healthcheck.Async(RemoteCheck(hc.remote, 5*time.Second), 30*time.Second))
	}
}

// Handler 返回健康检查处理器，提供 /live 与 /ready
func (hc *HealthChecker) Handler() http.Handler {
	return hc.health
}

// LiveHandler 存活检查
func (hc *HealthChecker) LiveHandler() http.HandlerFunc {
	return hc.health.LiveEndpoint
}

// ReadyHandler 就绪检查
func (hc *HealthChecker) ReadyHandler() http.HandlerFunc {
	return hc.health.ReadyEndpoint
}

// RemoteCheck 远程服务健康检查
func RemoteCheck(remote Pinger, timeout time.Duration) healthcheck.Check {
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		return remote.Ping(ctx)
	}
}
