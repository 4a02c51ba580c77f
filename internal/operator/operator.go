// Package operator 定义算子契约、执行上下文、结果以及算子注册表。
package operator

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"

	xerrors "OperatorHub/internal/errors"
)

// Config 描述算子的静态配置。
type Config struct {
	Name            string
	Label           string
	Description     string
	CanExecute      bool
	Unlisted        bool
	NeedsResolution bool
}

// Operator 是一个可被发现、参数化、校验并执行的行为单元。
// 除 URI/Config/Execute 外的方法均可通过嵌入 Base 获得默认实现。
type Operator interface {
	URI() string
	Config() Config
	ResolveInput(ctx context.Context, ectx *ExecutionContext) (*Object, error)
	ResolveOutput(ctx context.Context, ectx *ExecutionContext, result Result) (*Object, error)
	Execute(ctx context.Context, ectx *ExecutionContext) (any, error)
	NeedsUserInput(ctx context.Context, ectx *ExecutionContext) bool
	NeedsOutput(ctx context.Context, ectx *ExecutionContext, result Result) bool
	UseHooks(ectx *ExecutionContext) Hooks
}

// Base 提供可选能力的默认实现：无输入/输出 schema，不需要用户输入，不需要输出，无 hooks。
type Base struct {
	Namespace string
	Cfg       Config
}

// NewBase 构造 Base，CanExecute 默认为 true。
func NewBase(namespace, name, label string) Base {
	return Base{Namespace: namespace, Cfg: Config{Name: name, Label: label, CanExecute: true}}
}

// URI 返回 <namespace>/<name>。
func (b Base) URI() string { return b.Namespace + "/" + b.Cfg.Name }

// Config 返回静态配置。
func (b Base) Config() Config { return b.Cfg }

// ResolveInput 默认没有输入 schema。
func (Base) ResolveInput(context.Context, *ExecutionContext) (*Object, error) { return nil, nil }

// ResolveOutput 默认没有输出 schema。
func (Base) ResolveOutput(context.Context, *ExecutionContext, Result) (*Object, error) {
	return nil, nil
}

// Execute 默认报错，具体算子必须覆盖。
func (b Base) Execute(context.Context, *ExecutionContext) (any, error) {
	return nil, xerrors.Newf(xerrors.CodeExecutionFailed, "operator %s does not implement Execute", b.URI())
}

// NeedsUserInput 默认 false。
func (Base) NeedsUserInput(context.Context, *ExecutionContext) bool { return false }

// NeedsOutput 默认 false。
func (Base) NeedsOutput(context.Context, *ExecutionContext, Result) bool { return false }

// UseHooks 默认无 hooks。
func (Base) UseHooks(*ExecutionContext) Hooks { return nil }

// SplitURI 把 URI 拆为 namespace 与 name。namespace 本身可以包含斜杠。
func SplitURI(uri string) (namespace, name string, err error) {
	i := strings.LastIndex(uri, "/")
	if i <= 0 || i == len(uri)-1 {
		return "", "", xerrors.Newf(xerrors.CodeRegistrationInvalid, "operator uri %q must look like <namespace>/<name>", uri)
	}
	return uri[:i], uri[i+1:], nil
}

// Protect 调用不可信的扩展代码，把 panic 转换为带错误码的 error。
func Protect[T any](uri string, fn func() (T, error)) (out T, err error) {
	defer func() {
		if r := recover(); r != nil {
			var zero T
			out = zero
			err = xerrors.New(xerrors.CodeOperatorPanic, fmt.Sprintf("operator %s panicked: %v", uri, r),
				xerrors.WithMetadata("stack", string(debug.Stack())))
		}
	}()
	return fn()
}

// ProtectBool 用于只返回 bool 的能力；panic 时返回 fallback。
func ProtectBool(uri string, fallback bool, fn func() bool) (bool, error) {
	v, err := Protect(uri, func() (bool, error) { return fn(), nil })
	if err != nil {
		return fallback, err
	}
	return v, nil
}
