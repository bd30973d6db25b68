package errcode

import (
	"context"
	"errors"
	"net/http"
)

// 错误码约定：
// - 0：无错误
// - 4xxx：业务可恢复/告警类错误（例如评估已完成但未能落库）
// - 5xxx：系统错误（需要中断流程）
const (
	OK                 = 0
	ResourceMissing    = 4004
	PersistenceWarning = 4010
	SystemError        = 5000
)

// 错误分类。各层用 fmt.Errorf("%w: ...") 包装，调用方用 errors.Is 判断。
var (
	ErrConfiguration = errors.New("configuration error")
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrForbidden     = errors.New("forbidden")
	ErrValidation    = errors.New("validation error")
	ErrTransport     = errors.New("transport error")
	ErrTimeout       = errors.New("timeout")
)

// Warning 表示“结果已拿到但未能持久化”，不是错误，随成功结果一起返回给用户。
type Warning struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Queued  bool   `json:"queued"`
}

// NewPersistenceWarning 从持久化失败的原因构造降级提示。
func NewPersistenceWarning(cause error, queued bool) *Warning {
	msg := "evaluation could not be saved"
	if cause != nil {
		msg = msg + ": " + cause.Error()
	}
	return &Warning{Code: PersistenceWarning, Message: msg, Queued: queued}
}

// Timeout 将 context 超时统一归类为 ErrTimeout，其余错误保持原样。
func Timeout(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ErrTimeout) {
		return errors.Join(ErrTimeout, err)
	}
	return err
}

// Retryable 仅对传输层/超时错误提供重试入口；Forbidden、Conflict 等是终态。
func Retryable(err error) bool {
	return errors.Is(err, ErrTransport) || errors.Is(err, ErrTimeout)
}

// HTTPStatus 将错误分类映射为 HTTP 状态码。
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrTransport):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
