package command

import (
	"context"
	"errors"
	"sort"

	"go.uber.org/zap"

	"cybertemp/agent/internal/domain"
	"cybertemp/agent/internal/fields"
	"cybertemp/agent/internal/pool"
	"cybertemp/agent/internal/service"
	"cybertemp/agent/internal/storage"
)

// 返回给客户端的错误文案
const (
	msgNoAPIKey        = "No API key provided"
	msgStorageFailed   = "Storage save failed"
	msgInvalidRequest  = "Invalid request"
	msgUsernameMissing = "Username is required"
)

// Generator 生成身份
type Generator interface {
	Generate(ctx context.Context, in service.GenerateInput) (string, error)
}

// Poller 执行一次邮件轮询
type Poller interface {
	Poll(ctx context.Context) error
}

// Refresher 刷新域名与套餐
type Refresher interface {
	RefreshDomains(ctx context.Context) error
	RefreshPlan(ctx context.Context) error
}

// Session 会话读写操作
type Session interface {
	SaveAPIKey(ctx context.Context, apiKey string) error
	Logout(ctx context.Context) error
	CurrentEmail(ctx context.Context) (string, error)
	TerminateSession(ctx context.Context) error
	ClearInbox(ctx context.Context) error
	DeleteEmail(ctx context.Context, id domain.MessageID) error
	SetPreferences(ctx context.Context, patch domain.PreferencesPatch) error
	SelectDomain(ctx context.Context, d string) error
	Snapshot(ctx context.Context) (*storage.Snapshot, error)
	Preferences(ctx context.Context) (domain.Preferences, error)
}

// Submitter 异步执行副作用
type Submitter interface {
	TrySubmit(name string, task pool.Task) error
}

// Deps 路由依赖的业务组件
type Deps struct {
	Identity  Generator
	Poller    Poller
	Refresher Refresher
	Session   Session
	Pool      Submitter
	Recorder  Recorder
	Logger    *zap.Logger
}

// FieldsResult 输入框分类响应
type FieldsResult struct {
	Enabled    bool            `json:"enabled"`
	Fields     []fields.Result `json:"fields"`
	FillTarget int             `json:"fillTarget"`
}

// Router 请求分发表
type Router struct {
	handlers map[Kind]HandlerFunc
	deps     Deps
	logger   *zap.Logger
}

// NewRouter 创建路由并注册全部请求类型
func NewRouter(deps Deps) *Router {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	r := &Router{
		handlers: make(map[Kind]HandlerFunc),
		deps:     deps,
		logger:   deps.Logger,
	}

	r.Handle(KindGenerateEmail, r.generateEmail)
	r.Handle(KindSaveAPIKey, r.saveAPIKey)
	r.Handle(KindRefreshMail, r.refreshMail)
	r.Handle(KindGetCurrentEmail, r.getCurrentEmail)
	r.Handle(KindFetchDomains, r.fetchDomains)
	r.Handle(KindFetchUserStats, r.fetchUserStats)
	r.Handle(KindTerminate, r.simple(deps.Session.TerminateSession))
	r.Handle(KindClearInbox, r.simple(deps.Session.ClearInbox))
	r.Handle(KindDeleteEmail, r.deleteEmail)
	r.Handle(KindLogout, r.simple(deps.Session.Logout))
	r.Handle(KindGetState, r.getState)
	r.Handle(KindSetPreferences, r.setPreferences)
	r.Handle(KindSelectDomain, r.selectDomain)
	r.Handle(KindClassifyFields, r.classifyFields)
	return r
}

// Handle 注册或替换一类请求的处理函数
func (r *Router) Handle(kind Kind, h HandlerFunc) {
	r.handlers[kind] = h
}

// Kinds 返回已注册的请求类型
func (r *Router) Kinds() []Kind {
	kinds := make([]Kind, 0, len(r.handlers))
	for k := range r.handlers {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Dispatch 同步处理请求。未知类型返回 false，调用方应忽略该请求。
func (r *Router) Dispatch(ctx context.Context, req Request) (any, bool) {
	h, ok := r.handlers[req.Type]
	if !ok {
		r.logger.Debug("ignoring unknown command", zap.String("type", string(req.Type)))
		r.observe(req.Type, "unknown")
		return nil, false
	}

	resp := h(ctx, req)
	r.observe(req.Type, outcome(resp))
	return resp, true
}

// DispatchAsync 在独立协程中处理请求，完成后调用 reply。未知类型不会调用 reply。
func (r *Router) DispatchAsync(ctx context.Context, req Request, reply func(any)) {
	go func() {
		resp, ok := r.Dispatch(ctx, req)
		if ok && reply != nil {
			reply(resp)
		}
	}()
}

func (r *Router) observe(kind Kind, result string) {
	if r.deps.Recorder != nil {
		r.deps.Recorder.ObserveCommand(string(kind), result)
	}
}

func outcome(resp any) string {
	switch v := resp.(type) {
	case Result:
		if !v.Success {
			return "error"
		}
	case EmailResult:
		if v.Error != "" {
			return "error"
		}
	}
	return "ok"
}

func fail(err error) Result {
	return Result{Success: false, Error: err.Error()}
}

// simple 包装不需要参数的会话操作
func (r *Router) simple(fn func(ctx context.Context) error) HandlerFunc {
	return func(ctx context.Context, _ Request) any {
		if err := fn(ctx); err != nil {
			return fail(err)
		}
		return Result{Success: true}
	}
}

// ========== 处理函数 ==========

func (r *Router) generateEmail(ctx context.Context, req Request) any {
	var in service.GenerateInput
	if err := req.Decode(&in); err != nil {
		return EmailResult{Error: msgInvalidRequest}
	}

	email, err := r.deps.Identity.Generate(ctx, in)
	if err != nil {
		if errors.Is(err, service.ErrUsernameRequired) {
			return EmailResult{Error: msgUsernameMissing}
		}
		return EmailResult{Error: err.Error()}
	}
	return EmailResult{Email: email}
}

func (r *Router) saveAPIKey(ctx context.Context, req Request) any {
	var in struct {
		APIKey string `json:"apiKey"`
	}
	if err := req.Decode(&in); err != nil {
		return Result{Error: msgInvalidRequest}
	}

	if err := r.deps.Session.SaveAPIKey(ctx, in.APIKey); err != nil {
		if errors.Is(err, service.ErrNoCredential) {
			r.logger.Warn("save api key rejected: no key provided")
			return Result{Error: msgNoAPIKey}
		}
		r.logger.Error("failed to save api key", zap.Error(err))
		return Result{Error: msgStorageFailed}
	}

	r.afterLogin()
	return Result{Success: true}
}

// afterLogin 保存凭证后立即拉取邮件和套餐，不阻塞响应
func (r *Router) afterLogin() {
	task := func(ctx context.Context) {
		if err := r.deps.Poller.Poll(ctx); err != nil {
			r.logger.Debug("initial poll failed", zap.Error(err))
		}
		if err := r.deps.Refresher.RefreshPlan(ctx); err != nil {
			r.logger.Debug("initial plan refresh failed", zap.Error(err))
		}
	}

	if r.deps.Pool == nil {
		go task(context.Background())
		return
	}
	if err := r.deps.Pool.TrySubmit("save_api_key.sync", task); err != nil {
		r.logger.Warn("failed to schedule post-login sync", zap.Error(err))
	}
}

// refreshMail 轮询失败已由轮询器记录，这里总是返回成功
func (r *Router) refreshMail(ctx context.Context, _ Request) any {
	_ = r.deps.Poller.Poll(ctx)
	return Result{Success: true}
}

func (r *Router) getCurrentEmail(ctx context.Context, _ Request) any {
	email, err := r.deps.Session.CurrentEmail(ctx)
	if err != nil {
		r.logger.Warn("failed to read current email", zap.Error(err))
	}
	return EmailResult{Email: email}
}

func (r *Router) fetchDomains(ctx context.Context, _ Request) any {
	_ = r.deps.Refresher.RefreshDomains(ctx)
	return Result{Success: true}
}

func (r *Router) fetchUserStats(ctx context.Context, _ Request) any {
	_ = r.deps.Refresher.RefreshPlan(ctx)
	return Result{Success: true}
}

// deleteEmail 请求的 id 字段用于关联响应，邮件 ID 放在 emailId 中
func (r *Router) deleteEmail(ctx context.Context, req Request) any {
	var in struct {
		EmailID domain.MessageID `json:"emailId"`
	}
	if err := req.Decode(&in); err != nil || in.EmailID == "" {
		return Result{Error: msgInvalidRequest}
	}

	if err := r.deps.Session.DeleteEmail(ctx, in.EmailID); err != nil {
		return fail(err)
	}
	return Result{Success: true}
}

func (r *Router) getState(ctx context.Context, _ Request) any {
	snap, err := r.deps.Session.Snapshot(ctx)
	if err != nil {
		return fail(err)
	}
	return snap
}

func (r *Router) setPreferences(ctx context.Context, req Request) any {
	var patch domain.PreferencesPatch
	if err := req.Decode(&patch); err != nil {
		return Result{Error: msgInvalidRequest}
	}
	if patch.IsEmpty() {
		return Result{Success: true}
	}
	if err := r.deps.Session.SetPreferences(ctx, patch); err != nil {
		return fail(err)
	}
	return Result{Success: true}
}

func (r *Router) selectDomain(ctx context.Context, req Request) any {
	var in struct {
		Domain string `json:"domain"`
	}
	if err := req.Decode(&in); err != nil {
		return Result{Error: msgInvalidRequest}
	}
	if err := r.deps.Session.SelectDomain(ctx, in.Domain); err != nil {
		return fail(err)
	}
	return Result{Success: true}
}

func (r *Router) classifyFields(ctx context.Context, req Request) any {
	var in struct {
		Fields  []fields.Field `json:"fields"`
		Focused *int           `json:"focused"`
	}
	if err := req.Decode(&in); err != nil {
		return Result{Error: msgInvalidRequest}
	}

	prefs, err := r.deps.Session.Preferences(ctx)
	if err != nil {
		prefs = domain.DefaultPreferences()
	}
	if !prefs.EnableDetection {
		return FieldsResult{Enabled: false, Fields: []fields.Result{}, FillTarget: -1}
	}

	focused := -1
	if in.Focused != nil {
		focused = *in.Focused
	}
	return FieldsResult{
		Enabled:    true,
		Fields:     fields.Classify(in.Fields),
		FillTarget: fields.FillTarget(in.Fields, focused),
	}
}
