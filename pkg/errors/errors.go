package errors

import (
	"errors"
	"fmt"
)

// ErrorCode 错误码类型
type ErrorCode string

const (
	CodeInvalidInput ErrorCode = "INVALID_INPUT"
	CodeNotFound     ErrorCode = "NOT_FOUND"
	CodeInternal     ErrorCode = "INTERNAL_ERROR"

	// 工具调度错误
	CodeUnknownTool   ErrorCode = "UNKNOWN_TOOL"
	CodeArgumentParse ErrorCode = "ARGUMENT_PARSE_ERROR"
	CodeToolTimeout   ErrorCode = "TOOL_TIMEOUT"
	CodeToolFailure   ErrorCode = "TOOL_FAILURE"

	// 模型调用错误
	CodeModelTransient ErrorCode = "MODEL_TRANSIENT"
	CodeModelFatal     ErrorCode = "MODEL_FATAL"

	// 非致命后台错误 (记录后继续)
	CodeCompaction  ErrorCode = "COMPACTION_FAILURE"
	CodePersistence ErrorCode = "PERSISTENCE_FAILURE"
)

// AppError 应用错误
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error 实现 error 接口
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 实现 errors.Unwrap
func (e *AppError) Unwrap() error {
	return e.Err
}

// New 创建指定错误码的错误
func New(code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Wrap 创建带原因的错误
func Wrap(code ErrorCode, message string, cause error) *AppError {
	return &AppError{Code: code, Message: message, Err: cause}
}

// NewInvalidInputError 创建无效输入错误
func NewInvalidInputError(message string) *AppError {
	return &AppError{Code: CodeInvalidInput, Message: message}
}

// NewNotFoundError 创建未找到错误
func NewNotFoundError(message string) *AppError {
	return &AppError{Code: CodeNotFound, Message: message}
}

// NewInternalError 创建内部错误
func NewInternalError(message string) *AppError {
	return &AppError{Code: CodeInternal, Message: message}
}

// CodeOf 返回错误的错误码, 非 AppError 返回 CodeInternal
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}

// Is 判断错误是否携带指定错误码
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// IsNotFound 判断是否为未找到错误
func IsNotFound(err error) bool {
	return Is(err, CodeNotFound)
}

// IsRetryable 判断模型错误是否可重试
func IsRetryable(err error) bool {
	return Is(err, CodeModelTransient)
}
