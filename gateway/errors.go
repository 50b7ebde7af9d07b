package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"
)

// 统一的网关错误分类，用于对齐 HTTP 状态、可重试性与熔断策略。
type ErrorClass string

const (
	ClassBadRequest        ErrorClass = "BAD_REQUEST"        // 请求校验失败
	ClassUnauthorized      ErrorClass = "UNAUTHORIZED"       // 网关密钥或上游凭证无效
	ClassRateLimited       ErrorClass = "RATE_LIMITED"       // 上游 429 或本地配额
	ClassTransient         ErrorClass = "TRANSIENT"          // 上游 5xx / 网络错误
	ClassPermanent         ErrorClass = "PERMANENT"          // 上游非认证/限流类 4xx
	ClassBreakerOpen       ErrorClass = "BREAKER_OPEN"       // 熔断器打开
	ClassResourceExhausted ErrorClass = "RESOURCE_EXHAUSTED" // 队列/连接池已满
	ClassCancelled         ErrorClass = "CANCELLED"          // 调用方取消
	ClassTimeout           ErrorClass = "TIMEOUT"            // 截止时间已过
	ClassInternal          ErrorClass = "INTERNAL"           // 意外错误
)

// Error 是网关内部与对外统一的类型化错误。
type Error struct {
	Class      ErrorClass    `json:"class"`
	Message    string        `json:"message"`
	HTTPStatus int           `json:"http_status,omitempty"`
	Retryable  bool          `json:"retryable"`
	Provider   string        `json:"provider,omitempty"`
	RequestID  string        `json:"request_id,omitempty"`
	RetryAfter time.Duration `json:"-"` // 上游重试提示，仅 RATE_LIMITED 有意义
}

func (e *Error) Error() string { return string(e.Class) + ": " + e.Message }

// NewError 构造一个不可重试的类型化错误。
func NewError(class ErrorClass, msg string) *Error {
	return &Error{Class: class, Message: msg, HTTPStatus: defaultStatus(class)}
}

// ClassOf 返回错误的分类；非类型化错误按 context 取消/超时归类，其余记为 INTERNAL。
func ClassOf(err error) ErrorClass {
	if err == nil {
		return ""
	}
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Class
	}
	switch {
	case errors.Is(err, context.Canceled):
		return ClassCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return ClassTimeout
	default:
		return ClassInternal
	}
}

// IsRetryable 判断错误是否值得重试。
// 仅 TRANSIENT 与 RATE_LIMITED 可重试；其余分类立即上浮。
func IsRetryable(err error) bool {
	switch ClassOf(err) {
	case ClassTransient, ClassRateLimited:
		return true
	default:
		return false
	}
}

// IsClientFault 判断错误是否由调用方引起。
// 客户端错误不计入熔断失败。
func IsClientFault(err error) bool {
	switch ClassOf(err) {
	case ClassBadRequest, ClassUnauthorized:
		return true
	default:
		return false
	}
}

// RetryAfterHint 提取上游的重试提示；没有则返回 0。
func RetryAfterHint(err error) time.Duration {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.RetryAfter
	}
	return 0
}

// HTTPStatusOf 返回错误对应的 HTTP 状态码。
func HTTPStatusOf(err error) int {
	var ge *Error
	if errors.As(err, &ge) && ge.HTTPStatus != 0 {
		return ge.HTTPStatus
	}
	return defaultStatus(ClassOf(err))
}

func defaultStatus(class ErrorClass) int {
	switch class {
	case ClassBadRequest:
		return http.StatusBadRequest
	case ClassUnauthorized:
		return http.StatusUnauthorized
	case ClassRateLimited:
		return http.StatusTooManyRequests
	case ClassTransient:
		return http.StatusBadGateway
	case ClassPermanent:
		return http.StatusUnprocessableEntity
	case ClassBreakerOpen, ClassResourceExhausted:
		return http.StatusServiceUnavailable
	case ClassCancelled:
		return 499 // client closed request
	case ClassTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// MapUpstreamStatus 将上游 HTTP 状态码映射为带有合适重试标记的 *Error。
// 这是所有 Provider 适配器共用的错误映射函数。
func MapUpstreamStatus(status int, msg, provider string) *Error {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return &Error{Class: ClassUnauthorized, Message: msg, HTTPStatus: status, Provider: provider}
	case http.StatusTooManyRequests:
		return &Error{Class: ClassRateLimited, Message: msg, HTTPStatus: status, Retryable: true, Provider: provider}
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return &Error{Class: ClassTransient, Message: msg, HTTPStatus: status, Retryable: true, Provider: provider}
	case http.StatusServiceUnavailable, http.StatusBadGateway:
		return &Error{Class: ClassTransient, Message: msg, HTTPStatus: status, Retryable: true, Provider: provider}
	case 529: // 部分上游用 529 表示模型过载
		return &Error{Class: ClassTransient, Message: msg, HTTPStatus: status, Retryable: true, Provider: provider}
	default:
		if status >= 500 {
			return &Error{Class: ClassTransient, Message: msg, HTTPStatus: status, Retryable: true, Provider: provider}
		}
		// 检查配额/信用关键字：配额耗尽按限流处理
		lower := strings.ToLower(msg)
		if strings.Contains(lower, "quota") || strings.Contains(lower, "credit") {
			return &Error{Class: ClassRateLimited, Message: msg, HTTPStatus: status, Retryable: true, Provider: provider}
		}
		return &Error{Class: ClassPermanent, Message: msg, HTTPStatus: status, Provider: provider}
	}
}
