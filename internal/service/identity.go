package service

import (
	"context"
	"fmt"
	"math/rand"
	"strings"

	"go.uber.org/zap"

	"cybertemp/agent/internal/domain"
	"cybertemp/agent/internal/storage"
)

// 随机本地部分的字符集与长度
const (
	localPartAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	localPartLength   = 8
)

// GenerateInput 生成身份的参数
type GenerateInput struct {
	Random   bool   `json:"random"`
	Username string `json:"username,omitempty"`
	Domain   string `json:"domain,omitempty"`
}

// IdentityService 临时邮箱身份生成
type IdentityService struct {
	state    *storage.State
	domains  DomainSource
	guard    IdentityGuard
	fallback []string
	intn     func(n int) int
	logger   *zap.Logger
}

// NewIdentityService 创建身份服务
//
// 参数:
//   - fallbackDomain: 缓存为空且远程获取失败时使用的域名
//   - guard: 身份切换与轮询写入互斥并重置游标，通常是 *Poller，可为 nil
func NewIdentityService(state *storage.State, domains DomainSource, guard IdentityGuard, fallbackDomain string, logger *zap.Logger) *IdentityService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IdentityService{
		state:    state,
		domains:  domains,
		guard:    guard,
		fallback: []string{fallbackDomain},
		intn:     rand.Intn,
		logger:   logger,
	}
}

// Generate 生成并保存新身份，返回完整邮箱地址。
//
// 随机生成时本地部分为 8 位小写字母数字，域名从域名列表中随机选择。
// 指定用户名时域名依次取：参数、用户名中 @ 之后的部分、弹窗选中的域名、随机域名。
// 成功后清空邮件缓存并重置去重游标；参数不合法时不修改任何状态。
func (s *IdentityService) Generate(ctx context.Context, in GenerateInput) (string, error) {
	var localPart, host string

	if in.Random {
		localPart = s.randomLocalPart()
	} else {
		username := strings.TrimSpace(in.Username)
		if username == "" {
			return "", ErrUsernameRequired
		}
		localPart, host = domain.SplitAddress(username)
		if err := domain.ValidateLocalPart(localPart); err != nil {
			return "", fmt.Errorf("invalid username %q: %w", localPart, err)
		}
		if d := strings.TrimSpace(in.Domain); d != "" {
			host = strings.ToLower(d)
		}
		if host == "" {
			selected, err := s.state.SelectedDomain(ctx)
			if err != nil {
				return "", err
			}
			host = selected
		}
		if host != "" {
			if err := domain.ValidateDomain(host); err != nil {
				return "", fmt.Errorf("invalid domain %q: %w", host, err)
			}
		}
	}

	if host == "" {
		list := s.domainList(ctx)
		host = list[s.intn(len(list))]
	}

	email := domain.JoinAddress(localPart, host)
	replace := func() error { return s.state.ReplaceIdentity(ctx, email) }
	if err := switchIdentity(s.guard, replace); err != nil {
		return "", fmt.Errorf("save identity: %w", err)
	}

	s.logger.Info("identity generated", zap.String("email", email), zap.Bool("random", in.Random))
	return email, nil
}

// domainList 返回可用域名：缓存、远程获取（成功时写入缓存）、兜底域名
func (s *IdentityService) domainList(ctx context.Context) []string {
	cached, err := s.state.Domains(ctx)
	if err != nil {
		s.logger.Warn("failed to load cached domains", zap.Error(err))
	}
	if len(cached) > 0 {
		return cached
	}

	fetched, err := s.domains.GetDomains(ctx)
	if err != nil || len(fetched) == 0 {
		s.logger.Warn("failed to fetch domains for generation, using fallback",
			zap.Strings("fallback", s.fallback), zap.Error(err))
		return s.fallback
	}
	if err := s.state.SetDomains(ctx, fetched); err != nil {
		s.logger.Warn("failed to cache domains", zap.Error(err))
	}
	return fetched
}

func (s *IdentityService) randomLocalPart() string {
	var b strings.Builder
	b.Grow(localPartLength)
	for i := 0; i < localPartLength; i++ {
		b.WriteByte(localPartAlphabet[s.intn(len(localPartAlphabet))])
	}
	return b.String()
}

// switchIdentity 有 guard 时经由它修改身份
func switchIdentity(guard IdentityGuard, change func() error) error {
	if guard == nil {
		return change()
	}
	return guard.SwitchIdentity(change)
}
