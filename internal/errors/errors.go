package errors

import (
	stdErrors "errors"
	"log/slog"
	"sort"
	"strings"
)

// Error 携带错误码、面向调用方的说明、可选的底层原因和按键排序的上下文字段。
// 是否重试、是否告警、严重程度都由错误码决定，调用点不再覆盖。
type Error struct {
	code    Code
	message string
	cause   error
	fields  []field
}

type field struct {
	key   string
	value string
}

// Option 在构造时修改 Error。
type Option func(*Error)

// WithMetadata 附加一个上下文字段，同名字段后写覆盖先写。
func WithMetadata(key, value string) Option {
	return func(e *Error) { e.set(key, value) }
}

func (e *Error) set(key, value string) {
	i := sort.Search(len(e.fields), func(i int) bool { return e.fields[i].key >= key })
	if i < len(e.fields) && e.fields[i].key == key {
		e.fields[i].value = value
		return
	}
	e.fields = append(e.fields, field{})
	copy(e.fields[i+1:], e.fields[i:])
	e.fields[i] = field{key: key, value: value}
}

// New 创建错误，message 为空时使用错误码登记的默认说明。
func New(code Code, message string, opts ...Option) *Error {
	if message == "" {
		message = AttributesOf(code).Message
	}
	e := &Error{code: code, message: message}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Wrap 与 New 相同，并记录 cause。
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

// Error 输出 "[CODE] message (k=v, ...): cause"。
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	b.WriteByte('[')
	b.WriteString(string(e.code))
	b.WriteString("] ")
	b.WriteString(e.message)
	for i, f := range e.fields {
		if i == 0 {
			b.WriteString(" (")
		} else {
			b.WriteString(", ")
		}
		b.WriteString(f.key)
		b.WriteByte('=')
		b.WriteString(f.value)
	}
	if len(e.fields) > 0 {
		b.WriteByte(')')
	}
	if e.cause != nil {
		b.WriteString(": ")
		b.WriteString(e.cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 按错误码比较，errors.Is(err, lease.ErrNotActive) 不要求同一个实例。
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e != nil && t != nil && e.code == t.code
}

// LogValue 让 slog 以分组形式输出错误码与字段。
func (e *Error) LogValue() slog.Value {
	if e == nil {
		return slog.Value{}
	}
	attrs := make([]slog.Attr, 0, len(e.fields)+3)
	attrs = append(attrs, slog.String("code", string(e.code)), slog.String("message", e.message))
	for _, f := range e.fields {
		attrs = append(attrs, slog.String(f.key, f.value))
	}
	if e.cause != nil {
		attrs = append(attrs, slog.String("cause", e.cause.Error()))
	}
	return slog.GroupValue(attrs...)
}

func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// Metadata 返回字段的副本，没有字段时返回 nil。
func (e *Error) Metadata() map[string]string {
	if e == nil || len(e.fields) == 0 {
		return nil
	}
	out := make(map[string]string, len(e.fields))
	for _, f := range e.fields {
		out[f.key] = f.value
	}
	return out
}

func (e *Error) attributes() Attributes {
	if e == nil {
		return Attributes{Severity: SeverityInfo}
	}
	return AttributesOf(e.code)
}

func (e *Error) Retryable() bool    { return e.attributes().Retryable }
func (e *Error) ShouldAlert() bool  { return e.attributes().Alert }
func (e *Error) Severity() Severity { return e.attributes().Severity }

// From 返回错误链上最外层的 *Error。
func From(err error) (*Error, bool) {
	var target *Error
	if err == nil || !stdErrors.As(err, &target) {
		return nil, false
	}
	return target, true
}

// CodeOf 返回最外层 *Error 的错误码，普通错误视为 UNKNOWN。
func CodeOf(err error) Code {
	if e, ok := From(err); ok {
		return e.Code()
	}
	return CodeUnknown
}

// MetadataOf 沿错误链查找 key，外层的值优先。
func MetadataOf(err error, key string) (string, bool) {
	for err != nil {
		if e, ok := From(err); ok {
			for _, f := range e.fields {
				if f.key == key {
					return f.value, true
				}
			}
			err = e.cause
			continue
		}
		return "", false
	}
	return "", false
}

func RetryableError(err error) bool {
	e, ok := From(err)
	return ok && e.Retryable()
}

func ShouldAlert(err error) bool {
	e, ok := From(err)
	return ok && e.ShouldAlert()
}

// SeverityOf 返回错误的严重程度，普通错误按 UNKNOWN 处理。
func SeverityOf(err error) Severity {
	if e, ok := From(err); ok {
		return e.Severity()
	}
	return AttributesOf(CodeUnknown).Severity
}
