package operator

import "context"

// Hooks 是算子 UseHooks 产出的不透明值，执行期间原样传回算子。
type Hooks map[string]any

// State 是调用时宿主应用状态的不可变快照。运行时不解释其内容。
type State struct {
	Dataset        string           `json:"dataset,omitempty"`
	View           []map[string]any `json:"view,omitempty"`
	Filters        map[string]any   `json:"filters,omitempty"`
	Selected       []string         `json:"selected,omitempty"`
	SelectedLabels []map[string]any `json:"selected_labels,omitempty"`
	Extended       map[string]any   `json:"extended,omitempty"`
}

// Clone 复制顶层集合，避免调用方改写快照。
func (s State) Clone() State {
	out := s
	if s.View != nil {
		out.View = append([]map[string]any(nil), s.View...)
	}
	if s.Selected != nil {
		out.Selected = append([]string(nil), s.Selected...)
	}
	if s.SelectedLabels != nil {
		out.SelectedLabels = append([]map[string]any(nil), s.SelectedLabels...)
	}
	out.Filters = cloneMap(s.Filters)
	out.Extended = cloneMap(s.Extended)
	return out
}

// Invoker 允许算子在执行期间排队调用其他算子。
type Invoker interface {
	Enqueue(uri string, params map[string]any) string
}

// ExecutionContext 是一次调用看到的参数、状态与 hooks。构造后不可变，
// 参数变化时通过 WithParams 得到新的上下文。
type ExecutionContext struct {
	op      Operator
	params  map[string]any
	state   State
	hooks   Hooks
	invoker Invoker
}

// ContextOption 定制 ExecutionContext 的构造。
type ContextOption func(*ExecutionContext)

// WithInvoker 设置执行期间可用的排队调用器。
func WithInvoker(inv Invoker) ContextOption {
	return func(c *ExecutionContext) { c.invoker = inv }
}

// NewExecutionContext 分两阶段构造上下文：先构造不含 hooks 的临时上下文交给 UseHooks，
// 再把 hooks 放入最终上下文。UseHooks 出错或 panic 时 hooks 为空，并返回错误。
func NewExecutionContext(op Operator, params map[string]any, state State, opts ...ContextOption) (*ExecutionContext, error) {
	provisional := &ExecutionContext{op: op, params: cloneMap(params), state: state.Clone()}
	for _, opt := range opts {
		opt(provisional)
	}
	if provisional.params == nil {
		provisional.params = map[string]any{}
	}
	if op == nil {
		return provisional, nil
	}
	hooks, err := Protect(op.URI(), func() (Hooks, error) {
		return op.UseHooks(provisional.withHooks(nil)), nil
	})
	return provisional.withHooks(hooks), err
}

func (c *ExecutionContext) withHooks(h Hooks) *ExecutionContext {
	out := *c
	out.hooks = h
	return &out
}

// WithParams 用新参数重新构造上下文，状态与调用器保持不变。
func (c *ExecutionContext) WithParams(params map[string]any) (*ExecutionContext, error) {
	return NewExecutionContext(c.op, params, c.state, WithInvoker(c.invoker))
}

// Params 返回参数副本。
func (c *ExecutionContext) Params() map[string]any { return cloneMap(c.params) }

// Param 读取单个参数。
func (c *ExecutionContext) Param(key string) (any, bool) {
	v, ok := c.params[key]
	return v, ok
}

// State 返回状态快照副本。
func (c *ExecutionContext) State() State { return c.state.Clone() }

// Hooks 返回 UseHooks 的产出，可能为 nil。
func (c *ExecutionContext) Hooks() Hooks { return c.hooks }

// Operator 返回上下文所属算子。
func (c *ExecutionContext) Operator() Operator { return c.op }

// Trigger 排队调用另一个算子，未配置调用器时返回空字符串。
func (c *ExecutionContext) Trigger(uri string, params map[string]any) string {
	if c.invoker == nil {
		return ""
	}
	return c.invoker.Enqueue(uri, cloneMap(params))
}

type contextKey struct{}

// IntoContext 把执行上下文放入 context.Context，供深层调用读取。
func IntoContext(ctx context.Context, ectx *ExecutionContext) context.Context {
	return context.WithValue(ctx, contextKey{}, ectx)
}

// FromContext 读取 IntoContext 放入的执行上下文。
func FromContext(ctx context.Context) (*ExecutionContext, bool) {
	ectx, ok := ctx.Value(contextKey{}).(*ExecutionContext)
	return ectx, ok
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
