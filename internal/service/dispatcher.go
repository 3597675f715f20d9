package service

import (
	"context"

	"go.uber.org/zap"

	"cybertemp/agent/internal/domain"
	"cybertemp/agent/internal/notify"
	"cybertemp/agent/internal/storage"
)

// Dispatcher 把新邮件转换为自动填充指令和桌面通知
type Dispatcher struct {
	state    *storage.State
	tabs     TabMessenger
	notifier Notifier
	logger   *zap.Logger
}

// NewDispatcher 创建分发器，tabs 与 notifier 为 nil 时使用空实现
func NewDispatcher(state *storage.State, tabs TabMessenger, notifier Notifier, logger *zap.Logger) *Dispatcher {
	if tabs == nil {
		tabs = nopTabs{}
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{state: state, tabs: tabs, notifier: notifier, logger: logger}
}

// Dispatch 处理一封新邮件，code 为空表示没有提取到验证码。
//
// 找到验证码时先向活动标签页发送 fill_code（不等待、不重试），再发出验证码通知；
// 否则发出新邮件通知。
func (d *Dispatcher) Dispatch(ctx context.Context, msg domain.Message, code string) {
	if code == "" {
		d.notifier.Notify(ctx, notify.NewMail(msg.Sender(), msg.Subject))
		return
	}

	prefs, err := d.state.Preferences(ctx)
	if err != nil {
		d.logger.Warn("failed to load preferences, using defaults", zap.Error(err))
		prefs = domain.DefaultPreferences()
	}

	if prefs.EnableAutofill {
		if !d.tabs.SendFillCode(code) {
			d.logger.Debug("no active tab for autofill", zap.String("message_id", msg.ID.String()))
		}
	}

	d.notifier.Notify(ctx, notify.CodeFound(code, msg.Sender()))
}
