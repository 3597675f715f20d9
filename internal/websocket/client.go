package websocket

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"cybertemp/agent/internal/command"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// Client 代表一个WebSocket客户端连接
//
// tabID、authenticated、closed 由 hub.mu 保护。
type Client struct {
	ID    string
	Role  string
	conn  *websocket.Conn
	send  chan []byte
	hub   *Hub
	tabID int
	log   *zap.Logger

	name          string // 令牌中的客户端名称
	authenticated bool
	closed        bool
}

// readPump 处理客户端消息
func (c *Client) readPump() {
	defer func() {
		c.hub.unregisterClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn("websocket error", zap.Error(err))
			}
			break
		}

		c.handleMessage(data)
	}
}

// writePump 发送消息给客户端
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage 处理接收到的消息，其余类型都按命令请求转交路由
func (c *Client) handleMessage(data []byte) {
	var head inbound
	if err := json.Unmarshal(data, &head); err != nil {
		c.sendError(head.ID, errInvalidMessage)
		return
	}

	switch head.Type {
	case MessageTypePing:
		c.sendMessage(&Message{Type: MessageTypePong, ID: head.ID, Timestamp: time.Now()})
		return

	case MessageTypeAuth:
		if err := c.hub.authenticate(c, head.Token); err != nil {
			c.log.Warn("websocket auth failed", zap.String("clientID", c.ID), zap.Error(err))
			c.sendError(head.ID, errUnauthorized)
			return
		}
		c.sendMessage(&Message{Type: MessageTypeAuthOK, ID: head.ID, Timestamp: time.Now()})
		return
	}

	// 未认证的连接不能登记标签页，也不能执行命令
	if !c.hub.isAuthenticated(c) {
		c.sendError(head.ID, errUnauthorized)
		return
	}

	switch head.Type {
	case MessageTypeHello:
		c.Role = head.Role
		if head.Role == RoleContent && head.TabID != 0 {
			c.hub.bindTab(c, head.TabID)
		}
		c.log.Debug("client hello",
			zap.String("clientID", c.ID),
			zap.String("client", c.name),
			zap.String("role", head.Role),
			zap.Int("tabID", head.TabID))

	case MessageTypeTabActivated:
		if head.TabID != 0 {
			c.hub.SetActiveTab(head.TabID)
		}

	default:
		c.dispatch(head.ID, data)
	}
}

// dispatch 异步处理命令，响应带上请求的 id；未知命令不回复
func (c *Client) dispatch(id string, data []byte) {
	if c.hub.router == nil {
		return
	}

	var req command.Request
	if err := json.Unmarshal(data, &req); err != nil {
		return
	}

	c.hub.router.DispatchAsync(c.hub.context(), req, func(resp any) {
		c.sendMessage(&Message{Type: MessageTypeResponse, ID: id, Response: resp, Timestamp: time.Now()})
	})
}

// sendMessage 发送消息给客户端，缓冲区已满或连接已注销时丢弃
func (c *Client) sendMessage(msg *Message) {
	c.hub.send(c, msg)
}

func (c *Client) sendError(id, reason string) {
	c.sendMessage(&Message{Type: MessageTypeError, ID: id, Error: reason, Timestamp: time.Now()})
}
