package httptransport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"cybertemp/agent/internal/auth"
	"cybertemp/agent/internal/command"
	"cybertemp/agent/internal/config"
	"cybertemp/agent/internal/health"
	"cybertemp/agent/internal/middleware"
	"cybertemp/agent/internal/monitoring"
	"cybertemp/agent/internal/storage/memory"
)

// fakeCommands 只认识 GET_CURRENT_EMAIL，其余命令视为未知
type fakeCommands struct {
	got []command.Request
}

func (f *fakeCommands) Dispatch(_ context.Context, req command.Request) (any, bool) {
	f.got = append(f.got, req)
	if req.Type != command.KindGetCurrentEmail {
		return nil, false
	}
	return command.EmailResult{Email: "a1b2@x.com"}, true
}

func (f *fakeCommands) Kinds() []command.Kind {
	return []command.Kind{command.KindGetCurrentEmail}
}

func newTestRouter(t *testing.T, origins ...string) (*gin.Engine, *fakeCommands) {
	t.Helper()
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return buildRouter(t, origins, nil)
}

func buildRouter(t *testing.T, origins []string, tokens middleware.TokenValidator) (*gin.Engine, *fakeCommands) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cmds := &fakeCommands{}
	cfg := &config.Config{CORS: config.CORSConfig{AllowedOrigins: origins}}

	r := NewRouter(RouterDependencies{
		Config:   cfg,
		Commands: cmds,
		Health:   health.NewHealthChecker(memory.NewStore(), nil, zap.NewNop()),
		Metrics:  monitoring.NewMetrics(nil),
		Tokens:   tokens,
		Logger:   zap.NewNop(),
	})
	return r, cmds
}

func postCommand(r http.Handler, body, contentType string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/command", strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestRouter_Command(t *testing.T) {
	t.Run("已知命令返回命令响应体", func(t *testing.T) {
		r, cmds := newTestRouter(t)
		rec := postCommand(r, `{"id":"1","type":"GET_CURRENT_EMAIL"}`, "application/json")

		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"email":"a1b2@x.com"}`, rec.Body.String())
		require.Len(t, cmds.got, 1)
		assert.Equal(t, "1", cmds.got[0].ID)
	})

	t.Run("请求体字段透传给命令", func(t *testing.T) {
		r, cmds := newTestRouter(t)
		postCommand(r, `{"type":"DELETE_EMAIL","emailId":"42"}`, "application/json; charset=utf-8")

		require.Len(t, cmds.got, 1)
		var payload struct {
			EmailID string `json:"emailId"`
		}
		require.NoError(t, cmds.got[0].Decode(&payload))
		assert.Equal(t, "42", payload.EmailID)
	})

	t.Run("未知命令没有响应体", func(t *testing.T) {
		r, _ := newTestRouter(t)
		rec := postCommand(r, `{"type":"NOPE"}`, "application/json")

		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Empty(t, rec.Body.String())
	})

	t.Run("缺少命令类型", func(t *testing.T) {
		r, cmds := newTestRouter(t)
		rec := postCommand(r, `{"id":"1"}`, "application/json")

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		var resp Response
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, MsgCommandTypeRequired, resp.Msg)
		assert.Empty(t, cmds.got)
	})

	t.Run("非法 JSON", func(t *testing.T) {
		r, _ := newTestRouter(t)
		rec := postCommand(r, `{"type":`, "application/json")

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		var resp Response
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, CodeBadRequest, resp.Code)
		assert.Equal(t, MsgInvalidJSON, resp.Msg)
	})

	t.Run("Content-Type 不是 JSON", func(t *testing.T) {
		r, _ := newTestRouter(t)
		rec := postCommand(r, `type=GET_STATE`, "application/x-www-form-urlencoded")
		assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
	})

	t.Run("请求体过大", func(t *testing.T) {
		r, _ := newTestRouter(t)
		big := `{"type":"CLASSIFY_FIELDS","pad":"` + strings.Repeat("x", 2<<20) + `"}`
		rec := postCommand(r, big, "application/json")
		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	})
}

func TestRouter_ListCommands(t *testing.T) {
	r, _ := newTestRouter(t)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/commands", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"code":200,"msg":"ok","data":["GET_CURRENT_EMAIL"]}`, rec.Body.String())
}

func TestRouter_HealthAndMetrics(t *testing.T) {
	r, _ := newTestRouter(t)

	t.Run("存活检查", func(t *testing.T) {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("就绪检查", func(t *testing.T) {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("指标包含 HTTP 请求计数", func(t *testing.T) {
		postCommand(r, `{"type":"GET_CURRENT_EMAIL"}`, "application/json")

		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `cybertemp_http_requests_total{endpoint="/v1/command",method="POST",status_code="200"} 1`)
	})
}

func TestRouter_NotFoundAndHeaders(t *testing.T) {
	r, _ := newTestRouter(t)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/unknown", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
}

func TestRouter_CORS(t *testing.T) {
	t.Run("允许列表内的来源", func(t *testing.T) {
		r, _ := newTestRouter(t, "chrome-extension://abc")

		req := httptest.NewRequest(http.MethodOptions, "/v1/command", nil)
		req.Header.Set("Origin", "chrome-extension://abc")
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)

		assert.Equal(t, "chrome-extension://abc", rec.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("允许所有来源", func(t *testing.T) {
		r, _ := newTestRouter(t)

		req := httptest.NewRequest(http.MethodGet, "/v1/commands", nil)
		req.Header.Set("Origin", "http://localhost:3000")
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)

		assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("默认只允许扩展来源", func(t *testing.T) {
		r, cmds := buildRouter(t, config.DefaultAllowedOrigins, nil)

		req := httptest.NewRequest(http.MethodOptions, "/v1/command", nil)
		req.Header.Set("Origin", "moz-extension://1234-5678")
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		assert.Equal(t, "moz-extension://1234-5678", rec.Header().Get("Access-Control-Allow-Origin"))

		req = httptest.NewRequest(http.MethodPost, "/v1/command", strings.NewReader(`{"type":"LOGOUT"}`))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Origin", "https://evil.example")
		rec = httptest.NewRecorder()
		r.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
		assert.Empty(t, cmds.got)
	})
}

func TestRouter_Token(t *testing.T) {
	tokens, err := auth.NewManager([]byte("0123456789abcdef0123456789abcdef"), time.Hour)
	require.NoError(t, err)
	token, err := tokens.Issue("chrome")
	require.NoError(t, err)

	r, cmds := buildRouter(t, config.DefaultAllowedOrigins, tokens)

	send := func(authorization string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/command", strings.NewReader(`{"type":"GET_CURRENT_EMAIL"}`))
		req.Header.Set("Content-Type", "application/json")
		if authorization != "" {
			req.Header.Set("Authorization", authorization)
		}
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		return rec
	}

	t.Run("缺少令牌", func(t *testing.T) {
		rec := send("")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.JSONEq(t, `{"code":401,"msg":"authentication required"}`, rec.Body.String())
	})

	t.Run("令牌无效", func(t *testing.T) {
		rec := send("Bearer forged")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("命令列表同样需要令牌", func(t *testing.T) {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/commands", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	assert.Empty(t, cmds.got)

	t.Run("有效令牌", func(t *testing.T) {
		rec := send("Bearer " + token)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"email":"a1b2@x.com"}`, rec.Body.String())
		assert.Len(t, cmds.got, 1)
	})

	t.Run("健康检查不需要令牌", func(t *testing.T) {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}
