// Package command 是弹窗与内容脚本访问后台的唯一入口：按请求类型分发到对应的业务处理函数。
package command

import (
	"context"
	"encoding/json"
	"fmt"
)

// Kind 请求类型
type Kind string

const (
	KindGenerateEmail   Kind = "GENERATE_EMAIL"
	KindSaveAPIKey      Kind = "SAVE_API_KEY"
	KindRefreshMail     Kind = "REFRESH_MAIL"
	KindGetCurrentEmail Kind = "GET_CURRENT_EMAIL"
	KindFetchDomains    Kind = "FETCH_DOMAINS"
	KindFetchUserStats  Kind = "FETCH_USER_STATS"
	KindTerminate       Kind = "TERMINATE_SESSION"
	KindClearInbox      Kind = "CLEAR_INBOX"
	KindDeleteEmail     Kind = "DELETE_EMAIL"
	KindLogout          Kind = "LOGOUT"
	KindGetState        Kind = "GET_STATE"
	KindSetPreferences  Kind = "SET_PREFERENCES"
	KindSelectDomain    Kind = "SELECT_DOMAIN"
	KindClassifyFields  Kind = "CLASSIFY_FIELDS"
)

// Request 一条请求。请求体是扁平 JSON，除 id 与 type 外的字段由各处理函数自行解码。
type Request struct {
	ID   string `json:"id,omitempty"`
	Type Kind   `json:"type"`

	raw json.RawMessage
}

// NewRequest 用 payload 的字段构造请求，payload 可以为 nil
func NewRequest(kind Kind, payload any) (Request, error) {
	req := Request{Type: kind}
	if payload == nil {
		return req, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return req, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	req.raw = raw
	return req, nil
}

// UnmarshalJSON 读取 id 与 type 并保留完整请求体
func (r *Request) UnmarshalJSON(data []byte) error {
	var head struct {
		ID   string `json:"id"`
		Type Kind   `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}
	r.ID = head.ID
	r.Type = head.Type
	r.raw = append(json.RawMessage(nil), data...)
	return nil
}

// Decode 将请求体解码到 dst
func (r Request) Decode(dst any) error {
	if len(r.raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.raw, dst); err != nil {
		return fmt.Errorf("decode %s request: %w", r.Type, err)
	}
	return nil
}

// Result 通用的成功/失败响应
type Result struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// EmailResult 身份相关的响应
type EmailResult struct {
	Email string `json:"email,omitempty"`
	Error string `json:"error,omitempty"`
}

// HandlerFunc 处理一类请求，返回值会被序列化为响应
type HandlerFunc func(ctx context.Context, req Request) any

// Recorder 记录命令处理结果，由监控模块实现
type Recorder interface {
	ObserveCommand(kind, outcome string)
}
