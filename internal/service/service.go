// Package service 实现邮件代理的后台业务：轮询、验证码分发、身份生成、
// 域名与套餐刷新以及会话操作。所有状态读写都经过 storage.State。
package service

import (
	"context"
	"errors"

	"cybertemp/agent/internal/domain"
	"cybertemp/agent/internal/notify"
	"cybertemp/agent/internal/remote"
)

var (
	// ErrUsernameRequired 非随机生成时未提供用户名
	ErrUsernameRequired = errors.New("username is required")
	// ErrNoCredential 保存凭证时未提供 API Key
	ErrNoCredential = errors.New("no api key provided")
	// ErrInvalidTheme 不支持的主题
	ErrInvalidTheme = errors.New("invalid theme")
)

// MailSource 拉取邮件
type MailSource interface {
	GetMail(ctx context.Context, email, apiKey string) ([]domain.Message, error)
}

// DomainSource 拉取可用域名
type DomainSource interface {
	GetDomains(ctx context.Context) ([]string, error)
}

// UserSource 拉取账户信息
type UserSource interface {
	GetUser(ctx context.Context, apiKey string) (*remote.UserInfo, error)
}

// Remote 远程服务的全部能力，*remote.Client 实现了它
type Remote interface {
	MailSource
	DomainSource
	UserSource
}

// Notifier 发送用户通知
type Notifier interface {
	Notify(ctx context.Context, n *notify.Notification)
}

// TabMessenger 向当前活动标签页的内容脚本发送消息。
//
// 实现必须立即返回；返回 false 表示没有可投递的标签页，调用方不会重试。
type TabMessenger interface {
	SendFillCode(code string) bool
}

// EventPublisher 向所有客户端广播邮件列表更新
type EventPublisher interface {
	PublishEmails(msgs []domain.Message)
}

// PollRecorder 记录轮询结果，由监控模块实现
type PollRecorder interface {
	ObservePoll(result string)
	IncCodeExtracted()
}

// IdentityGuard 串行化身份切换与轮询结果写入，由 *Poller 实现
type IdentityGuard interface {
	// SwitchIdentity 与轮询结果写入互斥地执行 change，成功后清空去重游标
	SwitchIdentity(change func() error) error
}

// 轮询结果
const (
	PollSkipped    = "skipped"
	PollEmpty      = "empty"
	PollUnchanged  = "unchanged"
	PollStale      = "stale"
	PollNew        = "new"
	PollAuthFailed = "auth_failed"
	PollError      = "error"
)

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, *notify.Notification) {}

type nopTabs struct{}

func (nopTabs) SendFillCode(string) bool { return false }

type nopEvents struct{}

func (nopEvents) PublishEmails([]domain.Message) {}

type nopRecorder struct{}

func (nopRecorder) ObservePoll(string) {}
func (nopRecorder) IncCodeExtracted()  {}
