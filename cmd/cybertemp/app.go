package main

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"cybertemp/agent/internal/config"
	"cybertemp/agent/internal/logger"
	"cybertemp/agent/internal/monitoring"
	"cybertemp/agent/internal/notify"
	"cybertemp/agent/internal/remote"
	"cybertemp/agent/internal/service"
	"cybertemp/agent/internal/storage"
	"cybertemp/agent/internal/storage/backend"
)

// app 持有一次进程生命周期内的全部组件
type app struct {
	cfg     *config.Config
	log     *zap.Logger
	kv      storage.KV
	state   *storage.State
	remote  *remote.Client
	metrics *monitoring.Metrics
	center  *notify.Center

	dispatcher *service.Dispatcher
	poller     *service.Poller
	identity   *service.IdentityService
	refresh    *service.RefreshService
	session    *service.SessionService
}

// newApp 加载配置，打开存储并创建远程客户端与通知中心
func newApp() (*app, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if verbose {
		cfg.Log.Level = "debug"
	}

	// 设置 Gin 模式（基于开发环境标志）
	if cfg.Log.Development {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	log, err := logger.NewLogger(logger.FromConfig(cfg.Log))
	if err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}

	kv, err := backend.Open(cfg, log)
	if err != nil {
		_ = log.Sync()
		return nil, fmt.Errorf("open %s storage: %w", cfg.Storage.Type, err)
	}
	state := storage.NewState(kv)

	metrics := monitoring.NewMetrics(nil)

	client := remote.NewClient(cfg.Remote,
		remote.WithRecorder(metrics),
		remote.WithLogger(log.Named("remote")),
	)

	center := notify.NewCenter(log.Named("notify"), notify.NewLogReceiver(log.Named("notify")))
	center.SetCounter(metrics)
	if cfg.Notify.WebhookURL != "" {
		center.AddReceiver(notify.NewWebhookReceiver(cfg.Notify.WebhookURL, &http.Client{Timeout: cfg.Remote.Timeout}))
		log.Info("notification webhook enabled", zap.String("url", cfg.Notify.WebhookURL))
	}

	a := &app{
		cfg:     cfg,
		log:     log,
		kv:      kv,
		state:   state,
		remote:  client,
		metrics: metrics,
		center:  center,
	}
	a.wireServices(nil, nil)
	return a, nil
}

// wireServices 组装业务组件。
//
// tabs 为 nil 时自动填充指令被丢弃（命令行模式下没有标签页）。
func (a *app) wireServices(tabs service.TabMessenger, events service.EventPublisher) {
	a.dispatcher = service.NewDispatcher(a.state, tabs, a.center, a.log.Named("dispatcher"))

	opts := []service.PollerOption{
		service.WithPollNotifier(a.center),
		service.WithPollRecorder(a.metrics),
	}
	if events != nil {
		opts = append(opts, service.WithEvents(events))
	}
	a.poller = service.NewPoller(a.state, a.remote, a.dispatcher, a.log.Named("poller"), opts...)

	a.identity = service.NewIdentityService(a.state, a.remote, a.poller, a.cfg.Remote.FallbackDomain, a.log.Named("identity"))
	a.refresh = service.NewRefreshService(a.state, a.remote, a.remote, a.log.Named("refresh"))
	a.session = service.NewSessionService(a.state, a.log.Named("session"), service.WithSessionGuard(a.poller))
}

// Close 关闭存储并刷新日志
func (a *app) Close() {
	if err := a.kv.Close(); err != nil {
		a.log.Warn("failed to close storage", zap.Error(err))
	}
	_ = a.log.Sync()
}
