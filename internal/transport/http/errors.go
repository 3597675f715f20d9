package httptransport

import (
	"errors"
	"net/http"
)

// 传输层提示信息
const (
	MsgOK                  = "ok"
	MsgInvalidJSON         = "invalid JSON body"
	MsgRequestBodyTooLarge = "request body too large"
	MsgCommandTypeRequired = "command type is required"
	MsgRouteNotFound       = "route not found"
)

// bindErrorMessage 将请求体读取错误映射为提示信息与状态码
func bindErrorMessage(err error) (int, string) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return http.StatusRequestEntityTooLarge, MsgRequestBodyTooLarge
	}
	return http.StatusBadRequest, MsgInvalidJSON
}
