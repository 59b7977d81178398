package imageproxy

import (
	"net/http"
)

// 错误码，随 JSON 响应返回给调用方。
const (
	CodeMissingParam    = "missing_param_u"
	CodeInvalidURL      = "invalid_url"
	CodeInvalidProtocol = "invalid_protocol"
	CodeHostNotAllowed  = "host_not_allowed"
	CodeNotImage        = "not_image"
	CodeProxyError      = "proxy_error"
)

// Error 是图片获取失败。Status 是返回给调用方的 HTTP 状态。
type Error struct {
	Code           string
	Status         int
	UpstreamStatus int
	Detail         string
	Err            error
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return "imageproxy: " + e.Code
	}
	return "imageproxy: " + e.Code + ": " + e.Detail
}

func (e *Error) Unwrap() error { return e.Err }

func newInputError(code, detail string) *Error {
	return &Error{Code: code, Status: http.StatusBadRequest, Detail: detail}
}
