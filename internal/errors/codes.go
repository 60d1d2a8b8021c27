package errors

import "sync"

// Code 是对外暴露的错误码，HTTP 响应、告警与审计日志都以它为准。
type Code string

// Severity 决定告警级别。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Attributes 是错误码的默认描述。
type Attributes struct {
	Message   string
	Severity  Severity
	Retryable bool
	Alert     bool
}

// 通用错误码，业务包在各自的 errors.go 中注册领域错误码。
const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeNotFound              Code = "NOT_FOUND"
	CodeConflict              Code = "CONFLICT"
	CodeUnauthenticated       Code = "UNAUTHENTICATED"
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
	CodeStorageFailure        Code = "STORAGE_FAILURE"
	CodePublishFailure        Code = "PUBLISH_FAILURE"
	CodeTimeout               Code = "TIMEOUT"
)

// catalog 保存错误码到默认描述的映射。未登记的错误码按 UNKNOWN 处理。
type catalog struct {
	mu      sync.RWMutex
	entries map[Code]Attributes
}

var codes = &catalog{entries: map[Code]Attributes{
	CodeUnknown:               {Message: "unknown error", Severity: SeverityCritical, Alert: true},
	CodeInvalidArgument:       {Message: "invalid argument", Severity: SeverityInfo},
	CodeNotFound:              {Message: "resource not found", Severity: SeverityInfo},
	CodeConflict:              {Message: "resource conflict", Severity: SeverityWarning},
	CodeUnauthenticated:       {Message: "caller identity missing or invalid", Severity: SeverityWarning},
	CodeInitializationFailure: {Message: "service not initialized", Severity: SeverityWarning, Retryable: true, Alert: true},
	CodeStorageFailure:        {Message: "storage failure", Severity: SeverityCritical, Retryable: true, Alert: true},
	CodePublishFailure:        {Message: "event publish failure", Severity: SeverityWarning, Retryable: true, Alert: true},
	CodeTimeout:               {Message: "operation timed out", Severity: SeverityWarning, Retryable: true, Alert: true},
}}

func (c *catalog) set(code Code, attr Attributes) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[code] = attr
}

func (c *catalog) lookup(code Code) (Attributes, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	attr, ok := c.entries[code]
	if !ok {
		return c.entries[CodeUnknown], false
	}
	return attr, true
}

// Register 登记业务错误码，通常在包的 init 中调用。
// 空的 Severity 视为 info，重复登记以最后一次为准。
func Register(code Code, attr Attributes) {
	if attr.Severity == "" {
		attr.Severity = SeverityInfo
	}
	codes.set(code, attr)
}

// AttributesOf 返回错误码的描述，未登记时返回 UNKNOWN 的描述。
func AttributesOf(code Code) Attributes {
	attr, _ := codes.lookup(code)
	return attr
}

// Registered 报告错误码是否已经登记。
func Registered(code Code) bool {
	_, ok := codes.lookup(code)
	return ok
}
