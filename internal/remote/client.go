package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"cybertemp/agent/internal/config"
	"cybertemp/agent/internal/domain"
)

// 接口路径
const (
	EndpointDomains = "/getDomains"
	EndpointUser    = "/api/user/me"
	EndpointMail    = "/getMail"
)

// maxErrorBody 读取错误响应体的上限
const maxErrorBody = 64 << 10

// Recorder 记录远程请求耗时，由监控模块实现
type Recorder interface {
	ObserveRemote(endpoint, outcome string, d time.Duration)
}

// UserInfo /api/user/me 的响应
type UserInfo struct {
	Plan *struct {
		Type   string `json:"type"`
		Status string `json:"status"`
	} `json:"plan"`
}

// Client CyberTemp REST API 客户端
type Client struct {
	baseURL   string
	mailLimit int
	http      *http.Client
	limiter   *rate.Limiter
	recorder  Recorder
	logger    *zap.Logger
}

// Option 客户端选项
type Option func(*Client)

// WithHTTPClient 替换底层 HTTP 客户端
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithRecorder 设置请求耗时记录器
func WithRecorder(r Recorder) Option {
	return func(c *Client) { c.recorder = r }
}

// WithLogger 设置日志记录器
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient 创建 API 客户端
func NewClient(cfg config.RemoteConfig, opts ...Option) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	limit := cfg.MailLimit
	if limit <= 0 {
		limit = 10
	}

	c := &Client{
		baseURL:   cfg.BaseURL,
		mailLimit: limit,
		http:      &http.Client{Timeout: timeout},
		logger:    zap.NewNop(),
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetDomains 获取可用域名列表，不需要凭证
func (c *Client) GetDomains(ctx context.Context) ([]string, error) {
	var domains []string
	if err := c.getJSON(ctx, EndpointDomains, nil, "", &domains); err != nil {
		return nil, err
	}
	return domains, nil
}

// GetUser 获取当前凭证对应的用户信息
func (c *Client) GetUser(ctx context.Context, apiKey string) (*UserInfo, error) {
	var info UserInfo
	if err := c.getJSON(ctx, EndpointUser, nil, apiKey, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// GetMail 获取邮箱的最新邮件（最新在前）
func (c *Client) GetMail(ctx context.Context, email, apiKey string) ([]domain.Message, error) {
	query := url.Values{}
	query.Set("email", email)
	query.Set("limit", strconv.Itoa(c.mailLimit))

	var msgs []domain.Message
	if err := c.getJSON(ctx, EndpointMail, query, apiKey, &msgs); err != nil {
		return nil, err
	}
	for i := range msgs {
		msgs[i].Normalize()
	}
	return msgs, nil
}

// Ping 检查远程服务是否可达（用于就绪检查）
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.GetDomains(ctx)
	return err
}

func (c *Client) getJSON(ctx context.Context, endpoint string, query url.Values, apiKey string, out any) (err error) {
	start := time.Now()
	defer func() {
		if c.recorder != nil {
			c.recorder.ObserveRemote(endpoint, outcome(err), time.Since(start))
		}
	}()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%s: rate limiter: %w", endpoint, err)
		}
	}

	u := c.baseURL + endpoint
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if apiKey != "" {
		req.Header.Set("x-api-key", apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: request failed: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		apiErr := newAPIError(endpoint, resp.StatusCode, body)
		c.logger.Debug("remote api error",
			zap.String("endpoint", endpoint),
			zap.Int("status", resp.StatusCode),
			zap.String("code", apiErr.Code),
		)
		return apiErr
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: failed to decode response: %w", endpoint, err)
	}
	return nil
}

func outcome(err error) string {
	var apiErr *APIError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidCredential):
		return "invalid_credential"
	case errors.As(err, &apiErr):
		return "http_" + strconv.Itoa(apiErr.StatusCode)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}
