package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"cybertemp/agent/internal/auth"
	"cybertemp/agent/internal/command"
	"cybertemp/agent/internal/health"
	"cybertemp/agent/internal/pool"
	"cybertemp/agent/internal/scheduler"
	httptransport "cybertemp/agent/internal/transport/http"
	"cybertemp/agent/internal/websocket"
)

// 域名与套餐的刷新间隔；启动时各执行一次
const refreshInterval = time.Hour

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the agent: poll scheduler, command API and WebSocket hub",
	Long: `Serve starts the long-running agent.

The popup and content scripts talk to it over POST /v1/command and the
GET /v1/ws WebSocket. Health checks are served on /health/live and
/health/ready, Prometheus metrics on /metrics.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()
	log := a.log

	log.Info("starting cybertemp agent",
		zap.String("version", version),
		zap.String("storage", a.cfg.Storage.Type),
		zap.String("remote", a.cfg.Remote.BaseURL),
		zap.Duration("poll_interval", a.cfg.Poll.Interval),
	)

	// WebSocket Hub 同时充当标签页通道、事件推送与通知接收者
	hub := websocket.NewHub(a.cfg.CORS.AllowedOrigins, nil, log.Named("websocket"))
	hub.SetGauge(a.metrics)

	var tokens *auth.Manager
	if a.cfg.Auth.Enabled {
		if tokens, err = newTokenManager(a.cfg); err != nil {
			return err
		}
		hub.SetValidator(tokens)
		log.Info("client token required, issue one with `cybertemp token`",
			zap.String("secret_file", secretPath(a.cfg)))
	} else {
		log.Warn("client token check disabled, any allowed origin can read codes")
	}
	if a.cfg.CORS.AllowsAll() {
		log.Warn("all origins allowed, set cors.allowed_origins to the extension origins")
	}
	a.wireServices(hub, hub)
	a.center.AddReceiver(hub)
	unsubscribe := a.state.Subscribe(hub.OnStorageChange)
	defer unsubscribe()

	workers := pool.NewWorkerPool(a.cfg.Pool.Workers, a.cfg.Pool.Queue, log.Named("pool"))

	router := command.NewRouter(command.Deps{
		Identity:  a.identity,
		Poller:    a.poller,
		Refresher: a.refresh,
		Session:   a.session,
		Pool:      workers,
		Recorder:  a.metrics,
		Logger:    log.Named("command"),
	})
	hub.SetRouter(router)

	healthChecker := health.NewHealthChecker(a.kv, a.remote, log.Named("health"))

	deps := httptransport.RouterDependencies{
		Config:   a.cfg,
		Commands: router,
		Hub:      hub,
		Health:   healthChecker,
		Metrics:  a.metrics,
		Logger:   log.Named("http"),
	}
	if tokens != nil {
		deps.Tokens = tokens
	}
	engine := httptransport.NewRouter(deps)

	httpServer := &http.Server{
		Addr:              a.cfg.Server.Addr(),
		Handler:           engine,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	sched := scheduler.New(log.Named("scheduler"))
	jobs := []scheduler.Job{
		{
			Name:       "poll_mail",
			Spec:       scheduler.Every(a.cfg.Poll.Interval),
			Timeout:    a.cfg.Remote.Timeout,
			RunOnStart: true,
			Run:        a.poller.Poll,
		},
		{
			Name:       "refresh_domains",
			Spec:       scheduler.Every(refreshInterval),
			Timeout:    a.cfg.Remote.Timeout,
			RunOnStart: true,
			Run:        a.refresh.RefreshDomains,
		},
		{
			Name:       "refresh_plan",
			Spec:       scheduler.Every(refreshInterval),
			Timeout:    a.cfg.Remote.Timeout,
			RunOnStart: true,
			Run:        a.refresh.RefreshPlan,
		},
	}
	for _, job := range jobs {
		if err := sched.Add(job); err != nil {
			return err
		}
	}

	group, groupCtx := errgroup.WithContext(cmd.Context())

	workers.Start(groupCtx)

	// HTTP 服务器 goroutine
	group.Go(func() error {
		log.Info("starting HTTP server", zap.String("address", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server error", zap.Error(err))
			return err
		}
		return nil
	})

	// WebSocket Hub goroutine
	group.Go(func() error {
		log.Info("starting WebSocket hub")
		hub.Run(groupCtx)
		return nil
	})

	// 定时任务 goroutine
	group.Go(func() error {
		return sched.Run(groupCtx)
	})

	// 其他进程对存储的修改同样推送给客户端
	group.Go(func() error {
		if err := a.state.Watch(groupCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn("storage watch stopped", zap.Error(err))
		}
		return nil
	})

	// 优雅关闭 goroutine
	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutdown signal received, gracefully shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}
		workers.Stop()

		log.Info("servers stopped")
		return nil
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	log.Info("agent exited cleanly")
	return nil
}
