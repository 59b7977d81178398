package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
)

// Class 是失败分类。
type Class int

const (
	ClassOK        Class = iota // 成功
	ClassRetryable              // 可重试：超时、429、5xx、网络错误
	ClassTerminal               // 终止：其余 4xx、响应体格式错误、调用方取消
)

func (c Class) String() string {
	switch c {
	case ClassOK:
		return "ok"
	case ClassRetryable:
		return "retryable"
	case ClassTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// StatusError 表示上游返回了非 2xx 状态码。
type StatusError struct {
	Code int
	Body string // 截断后的响应体，用于排查
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upstream status %d", e.Code)
	}
	return fmt.Sprintf("upstream status %d: %s", e.Code, e.Body)
}

// Retryable 429 与 5xx 可重试。
func (e *StatusError) Retryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// DecodeError 表示响应体无法解析，属于终止错误。
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return "decode upstream body: " + e.Err.Error() }
func (e *DecodeError) Unwrap() error { return e.Err }

// attemptTimeoutError 表示单次尝试超过了自身的超时时间（调用方上下文仍有效）。
type attemptTimeoutError struct {
	Err error
}

func (e *attemptTimeoutError) Error() string { return "attempt timeout: " + e.Err.Error() }
func (e *attemptTimeoutError) Unwrap() error { return e.Err }

// ExhaustedError 表示所有尝试都以可重试错误结束。
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("upstream retries exhausted after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// Classify 判断错误是否值得重试。
func Classify(err error) Class {
	if err == nil {
		return ClassOK
	}

	var exhausted *ExhaustedError
	if errors.As(err, &exhausted) {
		return ClassTerminal
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		if statusErr.Retryable() {
			return ClassRetryable
		}
		return ClassTerminal
	}
	var decodeErr *DecodeError
	if errors.As(err, &decodeErr) {
		return ClassTerminal
	}
	var timeoutErr *attemptTimeoutError
	if errors.As(err, &timeoutErr) {
		return ClassRetryable
	}
	// 调用方主动取消或整体截止时间已到，不再重试
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ClassTerminal
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassRetryable
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return ClassRetryable
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return ClassRetryable
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "connection reset") || strings.Contains(msg, "connection refused") || strings.Contains(msg, "no such host") {
		return ClassRetryable
	}
	return ClassTerminal
}

// StatusCode 返回错误链中的上游状态码，没有则为 0。
func StatusCode(err error) int {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code
	}
	return 0
}

func snippet(b []byte, max int) string {
	s := strings.TrimSpace(string(b))
	if len(s) > max {
		return s[:max]
	}
	return s
}
