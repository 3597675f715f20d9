// Package websocket 提供弹窗与内容脚本的长连接：向活动标签页投递 fill_code，
// 向所有客户端广播邮件、存储变更与通知事件，并承载命令请求。
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"cybertemp/agent/internal/auth"
	"cybertemp/agent/internal/command"
	"cybertemp/agent/internal/config"
	"cybertemp/agent/internal/domain"
	"cybertemp/agent/internal/notify"
	"cybertemp/agent/internal/storage"
)

// upgraderFactory 创建带有 Origin 验证的 WebSocket 升级器
//
// 浏览器总会带上 Origin；没有 Origin 的连接来自本机的非浏览器客户端，仍需令牌。
func upgraderFactory(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			requestOrigin := r.Header.Get("Origin")
			if requestOrigin == "" {
				return true
			}
			return config.MatchOrigin(allowedOrigins, requestOrigin)
		},
	}
}

// MessageType 定义WebSocket消息类型
type MessageType string

const (
	// 客户端发往代理
	MessageTypeAuth         MessageType = "AUTH"
	MessageTypeHello        MessageType = "HELLO"
	MessageTypeTabActivated MessageType = "TAB_ACTIVATED"
	MessageTypePing         MessageType = "PING"

	// 代理发往客户端
	MessageTypeFillCode       MessageType = "fill_code"
	MessageTypeEmailsUpdated  MessageType = "EMAILS_UPDATED"
	MessageTypeStorageChanged MessageType = "STORAGE_CHANGED"
	MessageTypeNotification   MessageType = "NOTIFICATION"
	MessageTypeResponse       MessageType = "RESPONSE"
	MessageTypePong           MessageType = "PONG"
	MessageTypeAuthOK         MessageType = "AUTH_OK"
	MessageTypeError          MessageType = "ERROR"
)

// 客户端角色
const (
	RoleContent = "content"
	RolePopup   = "popup"
)

// Message 代理发往客户端的消息
type Message struct {
	Type         MessageType          `json:"type"`
	ID           string               `json:"id,omitempty"`
	Code         string               `json:"code,omitempty"`
	Emails       []domain.Message     `json:"emails,omitempty"`
	Changes      []storage.Change     `json:"changes,omitempty"`
	Notification *notify.Notification `json:"notification,omitempty"`
	Response     any                  `json:"response,omitempty"`
	Error        string               `json:"error,omitempty"`
	Timestamp    time.Time            `json:"timestamp"`
}

// inbound 客户端消息头
type inbound struct {
	ID    string      `json:"id"`
	Type  MessageType `json:"type"`
	Role  string      `json:"role"`
	TabID int         `json:"tabId"`
	Token string      `json:"token"`
}

// 错误提示
const (
	errInvalidMessage = "invalid message"
	errUnauthorized   = "unauthorized"
)

// Dispatcher 命令分发，由 command.Router 实现
type Dispatcher interface {
	DispatchAsync(ctx context.Context, req command.Request, reply func(any))
}

// TokenValidator 校验客户端令牌，由 auth.Manager 实现
type TokenValidator interface {
	Validate(token string) (*auth.Claims, error)
}

// ClientGauge 记录连接数，由监控模块实现
type ClientGauge interface {
	SetWebSocketClients(n int)
}

// Hub 管理所有WebSocket连接
//
// 内容脚本通过 HELLO 上报所在标签页，TAB_ACTIVATED 切换活动标签页。
// 设置了令牌校验时，连接需在升级请求中或以 AUTH 消息提交令牌，
// 之前只能收发 PING/PONG，也不会收到任何推送。
// 所有发送都不阻塞：客户端缓冲区已满时直接丢弃该消息。
type Hub struct {
	clients        map[string]*Client // clientID -> Client
	tabs           map[int]*Client    // tabID -> 内容脚本
	activeTab      int
	register       chan *Client
	unregister     chan *Client
	mu             sync.RWMutex
	log            *zap.Logger
	allowedOrigins []string
	router         Dispatcher
	validator      TokenValidator
	gauge          ClientGauge
	done           chan struct{}

	ctxMu sync.RWMutex
	ctx   context.Context
}

// NewHub 创建WebSocket Hub
//
// 参数:
//   - allowedOrigins: 允许的 Origin 列表，为空时只允许浏览器扩展
//   - router: 处理客户端命令，为 nil 时忽略命令
func NewHub(allowedOrigins []string, router Dispatcher, logger *zap.Logger) *Hub {
	if len(allowedOrigins) == 0 {
		allowedOrigins = config.DefaultAllowedOrigins
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Hub{
		clients:        make(map[string]*Client),
		tabs:           make(map[int]*Client),
		register:       make(chan *Client),
		unregister:     make(chan *Client),
		log:            logger,
		allowedOrigins: allowedOrigins,
		router:         router,
		done:           make(chan struct{}),
	}
}

// SetRouter 设置命令处理器，需在 Run 之前调用。
// 命令路由依赖以 Hub 作为标签页通道的分发器，因此只能在 Hub 创建之后注入。
func (h *Hub) SetRouter(router Dispatcher) {
	h.router = router
}

// SetValidator 要求连接提交令牌，需在 Run 之前调用
func (h *Hub) SetValidator(v TokenValidator) {
	h.validator = v
}

// SetGauge 设置连接数指标
func (h *Hub) SetGauge(g ClientGauge) {
	h.gauge = g
}

// Run 启动Hub，ctx 结束时关闭所有连接
func (h *Hub) Run(ctx context.Context) {
	h.ctxMu.Lock()
	h.ctx = ctx
	h.ctxMu.Unlock()
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.log.Info("websocket hub stopped")
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.ID] = client
			n := len(h.clients)
			h.mu.Unlock()
			h.updateGauge(n)
			h.log.Debug("client registered", zap.String("id", client.ID))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.ID]; ok {
				if client.tabID != 0 && h.tabs[client.tabID] == client {
					delete(h.tabs, client.tabID)
				}
				delete(h.clients, client.ID)
				client.closed = true
				close(client.send)
				h.log.Debug("client unregistered", zap.String("id", client.ID))
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.updateGauge(n)
		}
	}
}

func (h *Hub) context() context.Context {
	h.ctxMu.RLock()
	defer h.ctxMu.RUnlock()
	if h.ctx == nil {
		return context.Background()
	}
	return h.ctx
}

func (h *Hub) updateGauge(n int) {
	if h.gauge != nil {
		h.gauge.SetWebSocketClients(n)
	}
}

// ClientCount 返回当前连接数
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ActiveTab 返回活动标签页 ID，0 表示未知
func (h *Hub) ActiveTab() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.activeTab
}

// SetActiveTab 切换活动标签页
func (h *Hub) SetActiveTab(tabID int) {
	h.mu.Lock()
	h.activeTab = tabID
	h.mu.Unlock()
}

// bindTab 记录内容脚本所在的标签页，尚无活动标签页时将其设为活动标签页
func (h *Hub) bindTab(c *Client, tabID int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.tabID != 0 && h.tabs[c.tabID] == c {
		delete(h.tabs, c.tabID)
	}
	c.tabID = tabID
	h.tabs[tabID] = c
	if h.activeTab == 0 {
		h.activeTab = tabID
	}
}

// registerClient 登记新连接，Hub 已停止时返回 false
func (h *Hub) registerClient(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

// unregisterClient 注销连接，Hub 已停止时所有连接都已关闭
func (h *Hub) unregisterClient(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// authenticate 校验令牌并标记连接
func (h *Hub) authenticate(c *Client, token string) error {
	if h.validator == nil {
		h.markAuthenticated(c, "")
		return nil
	}
	claims, err := h.validator.Validate(token)
	if err != nil {
		return err
	}
	h.markAuthenticated(c, claims.Client)
	return nil
}

func (h *Hub) markAuthenticated(c *Client, name string) {
	h.mu.Lock()
	c.authenticated = true
	c.name = name
	h.mu.Unlock()
}

// isAuthenticated 连接是否已通过令牌校验
func (h *Hub) isAuthenticated(c *Client) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return c.authenticated
}

// SendFillCode 向活动标签页的内容脚本发送验证码。
//
// 活动标签页没有已认证的内容脚本或其缓冲区已满时返回 false，不重试。
func (h *Hub) SendFillCode(code string) bool {
	data, err := json.Marshal(&Message{Type: MessageTypeFillCode, Code: code, Timestamp: time.Now()})
	if err != nil {
		h.log.Error("failed to marshal message", zap.Error(err))
		return false
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	client := h.tabs[h.activeTab]
	if client == nil || !client.authenticated {
		return false
	}
	return h.sendLocked(client, data)
}

// PublishEmails 广播邮件列表更新
func (h *Hub) PublishEmails(msgs []domain.Message) {
	h.broadcast(&Message{Type: MessageTypeEmailsUpdated, Emails: msgs, Timestamp: time.Now()})
}

// OnStorageChange 广播存储变更，用作 storage.Observer
func (h *Hub) OnStorageChange(changes []storage.Change) {
	h.broadcast(&Message{Type: MessageTypeStorageChanged, Changes: changes, Timestamp: time.Now()})
}

// Send 实现 notify.Receiver，向所有客户端广播通知
func (h *Hub) Send(_ context.Context, n *notify.Notification) error {
	h.broadcast(&Message{Type: MessageTypeNotification, Notification: n, Timestamp: time.Now()})
	return nil
}

// broadcast 向所有已认证客户端广播消息
func (h *Hub) broadcast(msg *Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error("failed to marshal message", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, client := range h.clients {
		if client.authenticated {
			h.sendLocked(client, data)
		}
	}
}

// send 向单个客户端发送，不要求已认证
func (h *Hub) send(c *Client, msg *Message) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error("failed to marshal message", zap.Error(err))
		return false
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sendLocked(c, data)
}

// sendLocked 非阻塞写入发送缓冲区，调用方需持有 h.mu。
// send 通道只在持有写锁时关闭，closed 为 true 后不再写入。
func (h *Hub) sendLocked(c *Client, data []byte) bool {
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		h.log.Warn("client channel blocked, skipping", zap.String("clientID", c.ID))
		return false
	}
}

// closeAllClients 关闭所有客户端连接
func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, client := range h.clients {
		client.closed = true
		close(client.send)
	}
	h.clients = make(map[string]*Client)
	h.tabs = make(map[int]*Client)
	h.updateGauge(0)
}

// HandleWebSocket 处理WebSocket连接
//
// 升级请求携带的令牌无效时直接返回 401；未携带令牌的连接需随后发送 AUTH。
func HandleWebSocket(hub *Hub) gin.HandlerFunc {
	upgrader := upgraderFactory(hub.allowedOrigins)

	return func(c *gin.Context) {
		var claims *auth.Claims
		token := auth.TokenFromRequest(c.Request)
		if hub.validator != nil && token != "" {
			var err error
			if claims, err = hub.validator.Validate(token); err != nil {
				hub.log.Warn("rejected websocket token",
					zap.Error(err),
					zap.String("origin", c.Request.Header.Get("Origin")),
					zap.String("remote_addr", c.ClientIP()))
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"code": http.StatusUnauthorized,
					"msg":  "invalid or expired token",
				})
				return
			}
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			hub.log.Warn("failed to upgrade connection",
				zap.Error(err),
				zap.String("origin", c.Request.Header.Get("Origin")),
				zap.String("remote_addr", c.ClientIP()))
			return
		}

		client := &Client{
			ID:            uuid.NewString(),
			conn:          conn,
			hub:           hub,
			send:          make(chan []byte, 256),
			log:           hub.log,
			authenticated: hub.validator == nil || claims != nil,
		}
		if claims != nil {
			client.name = claims.Client
		}

		if !hub.registerClient(client) {
			conn.Close()
			return
		}

		go client.writePump()
		go client.readPump()
	}
}
