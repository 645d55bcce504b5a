package pipeline

import (
	"errors"
	"fmt"
)

// ServiceError 统一的服务错误类型
type ServiceError struct {
	Service   string // 服务名称
	Operation string // 操作名称
	Err       error  // 原始错误
}

// Error 返回格式化的错误信息：[Service.Operation] error message
func (e *ServiceError) Error() string {
	return fmt.Sprintf("[%s.%s] %v", e.Service, e.Operation, e.Err)
}

// Unwrap 返回原始错误，支持 errors.Is/errors.As 链式查询
func (e *ServiceError) Unwrap() error {
	return e.Err
}

// WrapError 创建带服务上下文的错误。如果 err 为 nil，返回 nil。
func WrapError(service, operation string, err error) error {
	if err == nil {
		return nil
	}
	return &ServiceError{Service: service, Operation: operation, Err: err}
}

// TemplateNotFoundError is fatal to a run and surfaced immediately.
type TemplateNotFoundError struct {
	TemplateID string
}

func (e *TemplateNotFoundError) Error() string {
	return fmt.Sprintf("template not found: %s", e.TemplateID)
}

// SchemaDiscoveryError is fatal to the analysis phase for the affected data
// source. It is never retried by SchemaDiscovery itself; retry policy belongs
// to the orchestrator.
type SchemaDiscoveryError struct {
	DataSourceID string
	Err          error
}

func (e *SchemaDiscoveryError) Error() string {
	return fmt.Sprintf("schema discovery failed for data source %s: %v", e.DataSourceID, e.Err)
}

func (e *SchemaDiscoveryError) Unwrap() error { return e.Err }

// ExecFailureReason classifies a SQL execution failure.
type ExecFailureReason string

const (
	ExecFailSyntax     ExecFailureReason = "syntax"
	ExecFailTimeout    ExecFailureReason = "timeout"
	ExecFailConnection ExecFailureReason = "connection"
)

// SqlExecutionError carries the failure class so the orchestrator can record
// it on the resolved value without aborting the run.
type SqlExecutionError struct {
	Reason       ExecFailureReason
	DataSourceID string
	Err          error
}

func (e *SqlExecutionError) Error() string {
	return fmt.Sprintf("sql execution failed (%s) on data source %s: %v", e.Reason, e.DataSourceID, e.Err)
}

func (e *SqlExecutionError) Unwrap() error { return e.Err }

// CacheCorruptionError marks a malformed cache entry. Treated as a miss:
// the entry is invalidated and regeneration triggered.
type CacheCorruptionError struct {
	Key string
}

func (e *CacheCorruptionError) Error() string {
	return fmt.Sprintf("corrupt cache entry: %s", e.Key)
}

// ErrRateLimited is returned when the model rate limiter stayed saturated for
// the whole request timeout. Callers may retry.
var ErrRateLimited = errors.New("llm rate limiter saturated")
