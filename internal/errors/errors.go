package errors

import (
	stdErrors "errors"
	"fmt"
	"maps"
)

// Code 标识一类运行时失败，API 响应、审计日志与告警都以它为键。
type Code string

// Severity 决定日志级别与是否触发告警。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Kind 区分失败来自哪一方。扩展代码的失败会被转换为结果数据，
// 宿主误用和宿主基础设施故障则以 error 返回给调用方。
type Kind string

const (
	KindExtension Kind = "extension"
	KindMisuse    Kind = "misuse"
	KindHost      Kind = "host"
)

// Attributes 是某个错误码的默认描述。
type Attributes struct {
	Message   string
	Severity  Severity
	Kind      Kind
	Retryable bool
}

// 宿主通用错误码。
const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeNotFound              Code = "NOT_FOUND"
	CodeConflict              Code = "CONFLICT"
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
	CodeStorageFailure        Code = "STORAGE_FAILURE"
	CodeQueueFailure          Code = "QUEUE_FAILURE"
)

// 算子与插件相关错误码。
const (
	CodeResolutionFailed      Code = "RESOLUTION_FAILED"
	CodeValidationFailed      Code = "VALIDATION_FAILED"
	CodeExecutionFailed       Code = "EXECUTION_FAILED"
	CodeRegistrationInvalid   Code = "REGISTRATION_INVALID"
	CodeFetchMalformed        Code = "FETCH_MALFORMED"
	CodeFetchFailed           Code = "FETCH_FAILED"
	CodeScriptLoadFailed      Code = "SCRIPT_LOAD_FAILED"
	CodeOperatorNotFound      Code = "OPERATOR_NOT_FOUND"
	CodeAlreadyExecuting      Code = "ALREADY_EXECUTING"
	CodeOperatorPanic         Code = "OPERATOR_PANIC"
	CodeOperatorNotExecutable Code = "OPERATOR_NOT_EXECUTABLE"
)

var attributes = map[Code]Attributes{
	CodeUnknown:               {"unknown error", SeverityCritical, KindHost, false},
	CodeInvalidArgument:       {"invalid argument", SeverityInfo, KindMisuse, false},
	CodeNotFound:              {"resource not found", SeverityInfo, KindHost, false},
	CodeConflict:              {"resource conflict", SeverityWarning, KindMisuse, false},
	CodeInitializationFailure: {"service not initialized", SeverityWarning, KindHost, true},
	CodeStorageFailure:        {"storage failure", SeverityCritical, KindHost, true},
	CodeQueueFailure:          {"queue failure", SeverityCritical, KindHost, true},

	CodeResolutionFailed:      {"operator resolution failed", SeverityWarning, KindExtension, false},
	CodeValidationFailed:      {"operator params are invalid", SeverityInfo, KindExtension, false},
	CodeExecutionFailed:       {"operator execution failed", SeverityWarning, KindExtension, false},
	CodeRegistrationInvalid:   {"invalid registration", SeverityCritical, KindMisuse, false},
	CodeFetchMalformed:        {"malformed plugin metadata", SeverityCritical, KindHost, false},
	CodeFetchFailed:           {"plugin metadata fetch failed", SeverityWarning, KindHost, true},
	CodeScriptLoadFailed:      {"plugin script failed to load", SeverityWarning, KindExtension, false},
	CodeOperatorNotFound:      {"operator not found", SeverityInfo, KindMisuse, false},
	CodeAlreadyExecuting:      {"executor is already running", SeverityWarning, KindMisuse, false},
	CodeOperatorPanic:         {"operator panicked", SeverityCritical, KindExtension, false},
	CodeOperatorNotExecutable: {"operator cannot be executed", SeverityInfo, KindMisuse, false},
}

// AttributesOf 返回错误码的默认描述，未知错误码按 UNKNOWN 处理。
func AttributesOf(code Code) Attributes {
	if attr, ok := attributes[code]; ok {
		return attr
	}
	return attributes[CodeUnknown]
}

// Error 是带错误码的失败。属性在构造时从错误码取默认值，可被 Option 覆盖。
type Error struct {
	code     Code
	message  string
	cause    error
	attrs    Attributes
	metadata map[string]string
}

// Option 在构造时调整 Error。
type Option func(*Error)

// WithMetadata 附加一个键值，例如 plugin 或 remote_code。
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = map[string]string{}
		}
		e.metadata[key] = value
	}
}

// WithRetryable 覆盖默认的可重试标记。
func WithRetryable(retryable bool) Option {
	return func(e *Error) { e.attrs.Retryable = retryable }
}

// WithSeverity 覆盖默认严重程度。
func WithSeverity(sev Severity) Option {
	return func(e *Error) { e.attrs.Severity = sev }
}

// New 创建错误。message 为空时使用错误码的默认描述。
func New(code Code, message string, opts ...Option) *Error {
	attrs := AttributesOf(code)
	if message == "" {
		message = attrs.Message
	}
	e := &Error{code: code, message: message, attrs: attrs}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Newf 是 New 的格式化版本。
func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap 给已有 error 加上错误码，cause 仍可通过 errors.Is/As 访问。
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause == nil {
		return fmt.Sprintf("[%s] %s", e.code, e.message)
	}
	return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 按错误码比较，使 errors.Is(err, New(code, "")) 在链上任意位置命中。
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e != nil && t != nil && e.code == t.code
}

// Code 返回错误码，nil 接收者视为 UNKNOWN。
func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

// Message 返回不含 cause 的描述。
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// Metadata 返回附加信息的副本。
func (e *Error) Metadata() map[string]string {
	if e == nil || len(e.metadata) == 0 {
		return nil
	}
	return maps.Clone(e.metadata)
}

func (e *Error) Retryable() bool { return e != nil && e.attrs.Retryable }

func (e *Error) Severity() Severity {
	if e == nil {
		return SeverityInfo
	}
	return e.attrs.Severity
}

func (e *Error) Kind() Kind {
	if e == nil {
		return KindHost
	}
	return e.attrs.Kind
}

// From 取出错误链上最外层的 *Error。
func From(err error) (*Error, bool) {
	var target *Error
	if err == nil || !stdErrors.As(err, &target) {
		return nil, false
	}
	return target, true
}

// CodeOf 返回链上的错误码，未编码的 error 为 UNKNOWN。
func CodeOf(err error) Code {
	e, _ := From(err)
	return e.Code()
}

// HasCode 判断链上是否有指定错误码。
func HasCode(err error, code Code) bool {
	return stdErrors.Is(err, &Error{code: code})
}

// RetryableError 判断任意 error 是否值得重试。
func RetryableError(err error) bool {
	e, _ := From(err)
	return e.Retryable()
}

// SeverityOf 返回严重程度，未编码的 error 按 UNKNOWN 计。
func SeverityOf(err error) Severity {
	if e, ok := From(err); ok {
		return e.Severity()
	}
	return attributes[CodeUnknown].Severity
}

// KindOf 返回失败来源，未编码的 error 视为宿主故障。
func KindOf(err error) Kind {
	e, _ := From(err)
	return e.Kind()
}
