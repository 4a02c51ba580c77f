package remote

import (
	"context"
	"log/slog"

	xerrors "OperatorHub/internal/errors"
	"OperatorHub/internal/operator"
)

// ExecuteRequest 是远程执行与解析接口的请求体。
type ExecuteRequest = contextPayload

// ExecuteResponse 是 /operators/execute 的响应体。
type ExecuteResponse struct {
	Result any       `json:"result,omitempty"`
	Error  *APIError `json:"error,omitempty"`
}

// ResolveResponse 是 /operators/resolve-input 的响应体。
type ResolveResponse struct {
	Schema *operator.Object `json:"schema"`
}

// Operator 把远程服务上的算子代理为本地 Operator，执行与输入解析都转发到服务端。
type Operator struct {
	operator.Base
	client *Client
}

// NewOperator 根据远程摘要创建代理算子。
func NewOperator(client *Client, summary operator.Summary) (*Operator, error) {
	ns, name, err := operator.SplitURI(summary.URI)
	if err != nil {
		return nil, err
	}
	return &Operator{
		Base: operator.Base{Namespace: ns, Cfg: operator.Config{
			Name:            name,
			Label:           summary.Label,
			Description:     summary.Description,
			CanExecute:      summary.CanExecute,
			Unlisted:        summary.Unlisted,
			NeedsResolution: true,
		}},
		client: client,
	}, nil
}

// ResolveInput 请求服务端解析输入 schema。
func (o *Operator) ResolveInput(ctx context.Context, ectx *operator.ExecutionContext) (*operator.Object, error) {
	var out ResolveResponse
	if err := o.client.post(ctx, "/operators/resolve-input", payloadFor(o.URI(), ectx), &out); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeResolutionFailed, err, "remote resolve input")
	}
	return out.Schema, nil
}

// NeedsUserInput 远程算子总是先打开提示。
func (o *Operator) NeedsUserInput(context.Context, *operator.ExecutionContext) bool { return true }

// Execute 请求服务端执行。
func (o *Operator) Execute(ctx context.Context, ectx *operator.ExecutionContext) (any, error) {
	var out ExecuteResponse
	if err := o.client.post(ctx, "/operators/execute", payloadFor(o.URI(), ectx), &out); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeExecutionFailed, err, "remote execute")
	}
	if out.Error != nil {
		return nil, xerrors.New(xerrors.CodeExecutionFailed, out.Error.Message, xerrors.WithMetadata("remote_code", out.Error.Code))
	}
	return out.Result, nil
}

// RegisterOperators 拉取远程算子列表并注册代理。已存在的 URI 跳过并记录警告，返回注册数量。
func RegisterOperators(ctx context.Context, client *Client, registry *operator.Registry) (int, error) {
	listing, err := client.ListOperators(ctx)
	if err != nil {
		return 0, err
	}
	registered := 0
	for _, summary := range listing.AllOperators {
		op, err := NewOperator(client, summary)
		if err != nil {
			client.log.Warn("跳过非法的远程算子", slog.String("operator_uri", summary.URI), slog.Any("error", err))
			continue
		}
		if err := registry.Register(op); err != nil {
			client.log.Warn("远程算子注册失败", slog.String("operator_uri", summary.URI), slog.Any("error", err))
			continue
		}
		registered++
	}
	return registered, nil
}
