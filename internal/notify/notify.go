// Package notify 将用户可见的通知（验证码、新邮件、认证失败）分发给多个接收器。
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Priority 通知优先级
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Kind 通知类型
type Kind string

const (
	KindCodeFound  Kind = "code_found"
	KindNewMail    Kind = "new_mail"
	KindAuthFailed Kind = "auth_failed"
)

// 通知标题
const (
	TitleCodeFound  = "Verification Code Found"
	TitleNewMail    = "New Email Received"
	TitleAuthFailed = "Authentication Failed"
)

// Notification 一条通知
type Notification struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Priority  Priority  `json:"priority"`
	Code      string    `json:"code,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// CodeFound 构造验证码通知
func CodeFound(code, sender string) *Notification {
	return newNotification(KindCodeFound, TitleCodeFound,
		fmt.Sprintf("Code: %s\nFrom: %s", code, sender), PriorityHigh, code)
}

// NewMail 构造新邮件通知
func NewMail(sender, subject string) *Notification {
	if subject == "" {
		subject = "No Subject"
	}
	return newNotification(KindNewMail, TitleNewMail,
		fmt.Sprintf("From: %s\n%s", sender, subject), PriorityNormal, "")
}

// AuthFailed 构造凭证失效通知
func AuthFailed() *Notification {
	return newNotification(KindAuthFailed, TitleAuthFailed,
		"Your API key is invalid. Please log in again.", PriorityHigh, "")
}

func newNotification(kind Kind, title, message string, priority Priority, code string) *Notification {
	return &Notification{
		ID:        uuid.NewString(),
		Kind:      kind,
		Title:     title,
		Message:   message,
		Priority:  priority,
		Code:      code,
		Timestamp: time.Now(),
	}
}

// Receiver 通知接收器
type Receiver interface {
	Send(ctx context.Context, n *Notification) error
}

// ReceiverFunc 函数形式的接收器
type ReceiverFunc func(ctx context.Context, n *Notification) error

// Send 实现 Receiver
func (f ReceiverFunc) Send(ctx context.Context, n *Notification) error {
	return f(ctx, n)
}

// Counter 记录通知投递结果，由监控模块实现
type Counter interface {
	IncNotification(kind string)
}

// Center 通知中心
//
// 接收器失败只记录日志，不影响其他接收器，也不向调用方返回错误。
type Center struct {
	mu        sync.RWMutex
	receivers []Receiver
	counter   Counter
	logger    *zap.Logger
}

// NewCenter 创建通知中心
func NewCenter(logger *zap.Logger, receivers ...Receiver) *Center {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Center{receivers: receivers, logger: logger}
}

// AddReceiver 添加接收器
func (c *Center) AddReceiver(r Receiver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.receivers = append(c.receivers, r)
}

// SetCounter 设置投递计数器
func (c *Center) SetCounter(counter Counter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counter = counter
}

// Notify 将通知发送给所有接收器
func (c *Center) Notify(ctx context.Context, n *Notification) {
	c.mu.RLock()
	receivers := make([]Receiver, len(c.receivers))
	copy(receivers, c.receivers)
	counter := c.counter
	c.mu.RUnlock()

	for _, r := range receivers {
		if err := r.Send(ctx, n); err != nil {
			c.logger.Warn("failed to deliver notification",
				zap.String("notification_id", n.ID),
				zap.String("kind", string(n.Kind)),
				zap.Error(err),
			)
		}
	}
	if counter != nil {
		counter.IncNotification(string(n.Kind))
	}
}

// ========== 接收器实现 ==========

// LogReceiver 将通知写入日志
type LogReceiver struct {
	logger *zap.Logger
}

// NewLogReceiver 创建日志接收器
func NewLogReceiver(logger *zap.Logger) *LogReceiver {
	return &LogReceiver{logger: logger}
}

// Send 写日志，高优先级使用 Warn 级别
func (r *LogReceiver) Send(_ context.Context, n *Notification) error {
	fields := []zap.Field{
		zap.String("notification_id", n.ID),
		zap.String("kind", string(n.Kind)),
		zap.String("title", n.Title),
		zap.String("message", n.Message),
	}
	if n.Priority == PriorityHigh {
		r.logger.Warn("notification", fields...)
	} else {
		r.logger.Info("notification", fields...)
	}
	return nil
}

// WebhookReceiver 将通知以 JSON POST 到指定地址
type WebhookReceiver struct {
	url    string
	client *http.Client
}

// NewWebhookReceiver 创建 Webhook 接收器
func NewWebhookReceiver(url string, client *http.Client) *WebhookReceiver {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookReceiver{url: url, client: client}
}

// Send 发送通知
func (r *WebhookReceiver) Send(ctx context.Context, n *Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "cybertemp-agent")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
