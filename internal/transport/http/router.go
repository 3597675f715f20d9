// Package httptransport 暴露代理的本地 HTTP 接口：命令入口、WebSocket、健康检查与指标。
package httptransport

import (
	"context"
	"net/http"
	"time"

	gincors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"cybertemp/agent/internal/command"
	"cybertemp/agent/internal/config"
	"cybertemp/agent/internal/health"
	"cybertemp/agent/internal/middleware"
	"cybertemp/agent/internal/monitoring"
	"cybertemp/agent/internal/websocket"
)

// Commands 命令路由
type Commands interface {
	Dispatch(ctx context.Context, req command.Request) (any, bool)
	Kinds() []command.Kind
}

// RouterDependencies 路由器依赖项，Hub、Health、Metrics 为 nil 时不注册对应路由。
// Tokens 为 nil 时命令接口不校验令牌。
type RouterDependencies struct {
	Config   *config.Config
	Commands Commands
	Hub      *websocket.Hub
	Health   *health.HealthChecker
	Metrics  *monitoring.Metrics
	Tokens   middleware.TokenValidator
	Logger   *zap.Logger
}

// Handler 聚合命令相关的 HTTP 处理逻辑
type Handler struct {
	commands Commands
	logger   *zap.Logger
}

// NewRouter 创建并返回 Gin 路由实例。
func NewRouter(deps RouterDependencies) *gin.Engine {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()

	if deps.Metrics != nil {
		mm := middleware.NewMonitoringMiddleware(deps.Metrics, logger)
		router.Use(mm.PanicRecovery())
		router.Use(mm.HTTPMetrics())
	} else {
		router.Use(middleware.RecoveryHandler(logger))
	}
	router.Use(middleware.RequestLogger(logger))
	router.Use(middleware.SecurityHeaders())

	// CORS 配置
	corsConfig := gincors.Config{
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length", "X-Max-Body-Size"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
		// 弹窗与内容脚本的来源是 chrome-extension:// 或 moz-extension://
		AllowBrowserExtensions: true,
		AllowWebSockets:        true,
	}
	if deps.Config.CORS.AllowsAll() {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOriginFunc = deps.Config.CORS.AllowsOrigin
	}
	router.Use(gincors.New(corsConfig))

	router.NoRoute(func(c *gin.Context) {
		NotFound(c, MsgRouteNotFound)
	})

	if deps.Health != nil {
		router.GET("/health/live", gin.WrapF(deps.Health.LiveHandler()))
		router.GET("/health/ready", gin.WrapF(deps.Health.ReadyHandler()))
	}
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.HTTPHandler()))
	}

	handler := &Handler{commands: deps.Commands, logger: logger}

	v1 := router.Group("/v1")
	{
		// WebSocket 在 Hub 内校验令牌，允许连接后再发送 AUTH
		if deps.Hub != nil {
			v1.GET("/ws", websocket.HandleWebSocket(deps.Hub))
		}

		commands := v1.Group("")
		if deps.Tokens != nil {
			commands.Use(middleware.RequireToken(deps.Tokens, logger))
		}
		commands.POST("/command",
			middleware.BodySizeLimit(middleware.DefaultBodyLimit),
			middleware.ValidateContentType("application/json"),
			handler.dispatchCommand,
		)
		commands.GET("/commands", handler.listCommands)
	}

	return router
}

// dispatchCommand 执行一条命令并原样返回命令响应体。
//
// 未知命令没有响应体，返回 204。
func (h *Handler) dispatchCommand(c *gin.Context) {
	var req command.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		status, msg := bindErrorMessage(err)
		Error(c, status, msg)
		return
	}
	if req.Type == "" {
		BadRequest(c, MsgCommandTypeRequired)
		return
	}
	c.Set(middleware.ContextCommandKind, string(req.Type))

	resp, ok := h.commands.Dispatch(c.Request.Context(), req)
	if !ok {
		h.logger.Debug("unknown command", zap.String("type", string(req.Type)))
		c.Status(http.StatusNoContent)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// listCommands 返回支持的命令类型
func (h *Handler) listCommands(c *gin.Context) {
	Success(c, h.commands.Kinds())
}
