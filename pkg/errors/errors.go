// Package errors 提供统一错误辅助，不依赖 internal；区分配置错误（致命）与瞬时错误（下个 tick 重试）
package errors

import (
	"errors"
	"fmt"
)

// 常用哨兵错误
var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidArg        = errors.New("invalid argument")
	ErrDuplicateJob      = errors.New("duplicate active job")
	ErrNotRevertible     = errors.New("job type is not revertible")
	ErrInvalidTransition = errors.New("invalid state transition")
)

// ConfigurationError 部署缺陷：缺少模板或主 workflow 映射。致命，不得 catch-and-continue
type ConfigurationError struct {
	Kind    string // template | workflow | pool
	JobType string
	Msg     string
}

func (e *ConfigurationError) Error() string {
	if e.JobType == "" {
		return fmt.Sprintf("configuration error (%s): %s", e.Kind, e.Msg)
	}
	return fmt.Sprintf("configuration error (%s, job_type=%s): %s", e.Kind, e.JobType, e.Msg)
}

// NewConfigurationError 构造 ConfigurationError
func NewConfigurationError(kind, jobType, msg string) error {
	return &ConfigurationError{Kind: kind, JobType: jobType, Msg: msg}
}

// IsConfigurationError 判断 err 链中是否有 ConfigurationError
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// TransientError 外部依赖（capacity provider、workflow engine）调用失败，下个 tick 重试
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient failure in %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient 将 err 标记为瞬时错误；err 为 nil 时返回 nil
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

// IsTransient 判断 err 链中是否有 TransientError
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Wrap 包装错误并附加消息
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Wrapf 带格式的 Wrap
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is 同标准库 errors.Is，便于调用方只引入本包
func Is(err, target error) bool { return errors.Is(err, target) }

// As 同标准库 errors.As
func As(err error, target any) bool { return errors.As(err, target) }

// New 同标准库 errors.New
func New(msg string) error { return errors.New(msg) }
