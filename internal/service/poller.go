package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"cybertemp/agent/internal/domain"
	"cybertemp/agent/internal/extract"
	"cybertemp/agent/internal/notify"
	"cybertemp/agent/internal/remote"
	"cybertemp/agent/internal/storage"
)

// Poller 邮件轮询器
//
// 去重游标只保存在内存中，重启后第一次轮询会把最新邮件当作新邮件处理。
// 定时轮询与手动刷新可以并发执行，游标的互斥锁只保证内存安全。
// 拉取结果在 commitMu 内写入，写入前重新确认身份未变；身份切换经由
// SwitchIdentity 持有同一把锁，因此旧地址的邮件不会写进新身份的缓存。
type Poller struct {
	state      *storage.State
	source     MailSource
	extractor  *extract.Extractor
	dispatcher *Dispatcher
	events     EventPublisher
	notifier   Notifier
	recorder   PollRecorder
	logger     *zap.Logger

	commitMu sync.Mutex

	mu     sync.Mutex
	cursor domain.MessageID
}

// PollerOption 轮询器选项
type PollerOption func(*Poller)

// WithEvents 设置邮件列表更新的广播目标
func WithEvents(events EventPublisher) PollerOption {
	return func(p *Poller) { p.events = events }
}

// WithPollNotifier 设置认证失败通知的接收方
func WithPollNotifier(n Notifier) PollerOption {
	return func(p *Poller) { p.notifier = n }
}

// WithPollRecorder 设置轮询指标记录器
func WithPollRecorder(r PollRecorder) PollerOption {
	return func(p *Poller) { p.recorder = r }
}

// WithExtractor 替换验证码提取器
func WithExtractor(e *extract.Extractor) PollerOption {
	return func(p *Poller) { p.extractor = e }
}

// NewPoller 创建邮件轮询器
func NewPoller(state *storage.State, source MailSource, dispatcher *Dispatcher, logger *zap.Logger, opts ...PollerOption) *Poller {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Poller{
		state:      state,
		source:     source,
		extractor:  extract.New(),
		dispatcher: dispatcher,
		events:     nopEvents{},
		notifier:   nopNotifier{},
		recorder:   nopRecorder{},
		logger:     logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Cursor 返回当前去重游标
func (p *Poller) Cursor() domain.MessageID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cursor
}

// ResetCursor 清空去重游标，下一次轮询会重新处理最新邮件
func (p *Poller) ResetCursor() {
	p.mu.Lock()
	p.cursor = ""
	p.mu.Unlock()
}

// SwitchIdentity 与轮询结果写入互斥地执行 change，成功后清空去重游标
func (p *Poller) SwitchIdentity(change func() error) error {
	p.commitMu.Lock()
	defer p.commitMu.Unlock()

	if err := change(); err != nil {
		return err
	}
	p.ResetCursor()
	return nil
}

// advance 最新邮件与游标不同时推进游标，返回旧值和是否推进
func (p *Poller) advance(id domain.MessageID) (domain.MessageID, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id == p.cursor {
		return p.cursor, false
	}
	prev := p.cursor
	p.cursor = id
	return prev, true
}

// rollback 持久化失败时恢复游标，前提是期间没有其他轮询推进过它
func (p *Poller) rollback(id, prev domain.MessageID) {
	p.mu.Lock()
	if p.cursor == id {
		p.cursor = prev
	}
	p.mu.Unlock()
}

// Poll 执行一次轮询。
//
// 没有身份或凭证时静默跳过。网络与解析错误只中止本次轮询并返回给调用方记录，
// 不修改任何持久化状态；只有服务端明确表示 API Key 无效时才清除凭证。
func (p *Poller) Poll(ctx context.Context) error {
	email, ok, err := p.state.Identity(ctx)
	if err != nil {
		p.recorder.ObservePoll(PollError)
		return fmt.Errorf("load identity: %w", err)
	}
	if !ok {
		p.recorder.ObservePoll(PollSkipped)
		return nil
	}

	apiKey, _, err := p.state.Credential(ctx)
	if err != nil {
		p.recorder.ObservePoll(PollError)
		return fmt.Errorf("load credential: %w", err)
	}
	if apiKey == "" {
		p.recorder.ObservePoll(PollSkipped)
		return nil
	}

	msgs, err := p.source.GetMail(ctx, email, apiKey)
	if err != nil {
		if errors.Is(err, remote.ErrInvalidCredential) {
			p.recorder.ObservePoll(PollAuthFailed)
			p.handleInvalidCredential(ctx)
			return err
		}
		p.recorder.ObservePoll(PollError)
		p.logger.Warn("mail poll failed", zap.String("email", email), zap.Error(err))
		return err
	}

	if len(msgs) == 0 {
		p.recorder.ObservePoll(PollEmpty)
		return nil
	}

	newest := msgs[0]
	result, err := p.commit(ctx, email, msgs)
	if err != nil || result != PollNew {
		p.recorder.ObservePoll(result)
		return err
	}

	code, found := p.extractor.Extract(&newest)
	if found {
		p.recorder.IncCodeExtracted()
	}

	p.logger.Info("new mail received",
		zap.String("email", email),
		zap.String("message_id", newest.ID.String()),
		zap.Int("count", len(msgs)),
		zap.Bool("code_found", found),
	)

	if p.dispatcher != nil {
		p.dispatcher.Dispatch(ctx, newest, code)
	}
	p.recorder.ObservePoll(PollNew)
	return nil
}

// commit 在身份未变时推进游标并写入邮件列表
func (p *Poller) commit(ctx context.Context, email string, msgs []domain.Message) (string, error) {
	p.commitMu.Lock()
	defer p.commitMu.Unlock()

	current, ok, err := p.state.Identity(ctx)
	if err != nil {
		return PollError, fmt.Errorf("reload identity: %w", err)
	}
	if !ok || current != email {
		p.logger.Debug("identity changed during poll, discarding result",
			zap.String("polled", email), zap.String("current", current))
		return PollStale, nil
	}

	newest := msgs[0]
	prev, advanced := p.advance(newest.ID)
	if !advanced {
		return PollUnchanged, nil
	}

	if err := p.state.SetMessages(ctx, msgs); err != nil {
		p.rollback(newest.ID, prev)
		return PollError, fmt.Errorf("persist messages: %w", err)
	}
	p.events.PublishEmails(msgs)
	return PollNew, nil
}

// handleInvalidCredential 清除凭证并通知用户重新登录，凭证已为空时不重复通知
func (p *Poller) handleInvalidCredential(ctx context.Context) {
	current, _, err := p.state.Credential(ctx)
	if err != nil || current == "" {
		return
	}

	p.logger.Warn("api key rejected by server, clearing credential")
	if err := p.state.SetCredential(ctx, ""); err != nil {
		p.logger.Error("failed to clear credential", zap.Error(err))
		return
	}
	p.notifier.Notify(ctx, notify.AuthFailed())
}
