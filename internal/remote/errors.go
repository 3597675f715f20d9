package remote

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrInvalidCredential 服务端明确表示 API Key 无效，调用方应清除凭证
var ErrInvalidCredential = errors.New("invalid api key")

// invalidKeyCode 服务端返回的无效凭证错误码
const invalidKeyCode = "INVALID_API_KEY"

// APIError 远程接口返回的非 2xx 响应
type APIError struct {
	Endpoint   string
	StatusCode int
	Code       string
	Message    string
	Body       string

	err error
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Body
	}
	if e.Code != "" {
		return fmt.Sprintf("%s: unexpected status %d (%s): %s", e.Endpoint, e.StatusCode, e.Code, msg)
	}
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Endpoint, e.StatusCode, msg)
}

// Unwrap 无效凭证时返回 ErrInvalidCredential
func (e *APIError) Unwrap() error {
	return e.err
}

// errorBody 服务端错误响应体
type errorBody struct {
	Code    string `json:"code"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

// newAPIError 解析错误响应体。
//
// 只有 401 且响应体可解析、并明确指出凭证无效时才视为凭证失效；
// 无法解析的 401 或其他错误码（如 RATE_LIMITED）都是临时错误。
func newAPIError(endpoint string, status int, body []byte) *APIError {
	apiErr := &APIError{
		Endpoint:   endpoint,
		StatusCode: status,
		Body:       strings.TrimSpace(string(body)),
	}

	var parsed errorBody
	if err := json.Unmarshal(body, &parsed); err != nil {
		return apiErr
	}
	apiErr.Code = parsed.Code
	apiErr.Message = parsed.Error
	if apiErr.Message == "" {
		apiErr.Message = parsed.Message
	}

	if status == http.StatusUnauthorized &&
		(parsed.Code == invalidKeyCode || strings.Contains(strings.ToLower(parsed.Error), "invalid api key")) {
		apiErr.err = ErrInvalidCredential
	}
	return apiErr
}
