// Package prompt 编排一次"提示式"算子调用的完整生命周期：
// 解析输入 schema、等待有效参数、校验、执行、解析输出 schema，无需输出时自动关闭。
package prompt

import (
	"context"
	"log/slog"
	"sync"

	xerrors "OperatorHub/internal/errors"
	"OperatorHub/internal/executor"
	"OperatorHub/internal/operator"
	"OperatorHub/internal/validation"
	"OperatorHub/pkg/logger"
)

// Snapshot 是控制器对外可观察的状态。
type Snapshot struct {
	Open         bool
	Ready        bool
	OperatorURI  string
	Params       map[string]any
	InputSchema  *operator.Object
	OutputSchema *operator.Object
	OutputError  error
	ResolveError error
	Validation   validation.Result
	Executing    bool
	HasExecuted  bool
	Result       *operator.Result
}

// Option 定制控制器。
type Option func(*Controller)

// WithStateProvider 设置宿主状态来源，解析与执行都会读取最新快照。
func WithStateProvider(fn executor.StateProvider) Option {
	return func(c *Controller) { c.state = fn }
}

// WithExecutorOptions 附加到每个执行器的选项（回调、调用器、历史等）。
func WithExecutorOptions(opts ...executor.Option) Option {
	return func(c *Controller) { c.execOpts = append(c.execOpts, opts...) }
}

// WithValidator 替换默认校验器。
func WithValidator(v *validation.Validator) Option {
	return func(c *Controller) { c.validator = v }
}

// Controller 同一时刻最多驱动一个提示。Close 之后，仍在进行的解析结果会被丢弃。
type Controller struct {
	registry  *operator.Registry
	state     executor.StateProvider
	execOpts  []executor.Option
	validator *validation.Validator
	log       *slog.Logger

	mu           sync.Mutex
	gen          uint64
	seq          uint64
	open         bool
	ready        bool
	op           operator.Operator
	params       map[string]any
	inputSchema  *operator.Object
	outputSchema *operator.Object
	outputErr    error
	resolveErr   error
	validation   validation.Result
	exec         *executor.Executor
}

// NewController 创建控制器。
func NewController(registry *operator.Registry, opts ...Option) *Controller {
	c := &Controller{
		registry:  registry,
		state:     func() operator.State { return operator.State{} },
		validator: validation.NewValidator(),
		log:       logger.Named("prompt"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Prompt 选中一个算子。不需要用户输入且不需要解析的算子会立即执行而不打开提示，
// 但若输入解析失败或参数校验未通过，提示会打开并带上原因；
// 其余情况打开提示并解析输入 schema。
func (c *Controller) Prompt(ctx context.Context, uri string, params map[string]any) error {
	op, err := c.registry.Get(uri)
	if err != nil {
		return err
	}
	opts := append([]executor.Option{executor.WithStateProvider(c.state), executor.WithValidator(c.validator)}, c.execOpts...)
	exec := executor.New(op, opts...)
	exec.SetParams(params)

	c.mu.Lock()
	if c.exec != nil {
		c.exec.Clear()
	}
	c.gen++
	gen := c.gen
	c.resetLocked()
	c.op = op
	c.exec = exec
	c.params = copyParams(params)
	c.mu.Unlock()

	log := c.log.With(slog.String("operator_uri", uri))
	if c.shouldAutoExecute(ctx, op, params) {
		log.Debug("算子无需输入，直接执行")
		_, err := exec.Execute(ctx, params)
		if err != nil {
			return err
		}
		c.afterExecute(ctx, gen)
		return nil
	}

	c.mu.Lock()
	if gen == c.gen {
		c.open = true
	}
	c.mu.Unlock()
	c.resolve(ctx, gen)
	return nil
}

func (c *Controller) shouldAutoExecute(ctx context.Context, op operator.Operator, params map[string]any) bool {
	if op.Config().NeedsResolution {
		return false
	}
	ectx, err := operator.NewExecutionContext(op, params, c.state())
	if err != nil {
		return false
	}
	needsInput, err := operator.ProtectBool(op.URI(), true, func() bool { return op.NeedsUserInput(ctx, ectx) })
	if err != nil {
		c.log.Warn("判断用户输入需求失败", slog.String("operator_uri", op.URI()), slog.Any("error", err))
	}
	return !needsInput
}

// resolve 解析输入 schema 并校验当前参数。只有仍属于当前提示、且是最新一次解析时才写入状态。
func (c *Controller) resolve(ctx context.Context, gen uint64) {
	c.mu.Lock()
	if gen != c.gen || !c.open {
		c.mu.Unlock()
		return
	}
	c.seq++
	seq := c.seq
	op, params := c.op, copyParams(c.params)
	c.ready = false
	c.mu.Unlock()

	var schema *operator.Object
	ectx, err := operator.NewExecutionContext(op, params, c.state())
	if err == nil {
		schema, err = operator.Protect(op.URI(), func() (*operator.Object, error) {
			return op.ResolveInput(operator.IntoContext(ctx, ectx), ectx)
		})
	}
	if err != nil {
		if _, coded := xerrors.From(err); !coded {
			err = xerrors.Wrap(xerrors.CodeResolutionFailed, err, "resolve input")
		}
	}
	vres := c.validator.Validate(params, schema)

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || seq != c.seq || !c.open {
		c.log.Debug("丢弃过期的输入解析结果", slog.String("operator_uri", op.URI()))
		return
	}
	c.inputSchema = schema
	c.resolveErr = err
	c.validation = vres
	c.ready = true
}

// SetParams 更新参数并重新解析输入。
func (c *Controller) SetParams(ctx context.Context, params map[string]any) {
	c.mu.Lock()
	if !c.open {
		c.mu.Unlock()
		return
	}
	gen := c.gen
	c.params = copyParams(params)
	c.exec.SetParams(params)
	c.mu.Unlock()
	c.resolve(ctx, gen)
}

// Execute 校验并执行当前提示的算子。需要输出时解析输出 schema 并保持打开；
// 成功且不需要输出时自动关闭；失败时保持打开并重新解析输入；
// 解析或校验拦下执行时只记录原因。
func (c *Controller) Execute(ctx context.Context) (operator.Result, error) {
	c.mu.Lock()
	if !c.open || c.exec == nil {
		c.mu.Unlock()
		return operator.Result{}, xerrors.New(xerrors.CodeInvalidArgument, "no open prompt")
	}
	gen, exec, params := c.gen, c.exec, copyParams(c.params)
	c.mu.Unlock()

	res, err := exec.Execute(ctx, params)
	if err != nil {
		return res, err
	}
	c.afterExecute(ctx, gen)
	return res, nil
}

func (c *Controller) afterExecute(ctx context.Context, gen uint64) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	exec := c.exec
	c.mu.Unlock()

	snap := exec.Snapshot()
	switch {
	case snap.Blocked:
		c.mu.Lock()
		if gen == c.gen {
			c.open = true
			c.ready = true
			c.resolveErr = snap.ResolveError
			c.validation = snap.Validation
		}
		c.mu.Unlock()
	case snap.Status == executor.StatusAwaitingOutput:
		schema, err := exec.ResolveOutput(ctx)
		if err != nil {
			c.log.Warn("输出 schema 解析失败", slog.Any("error", err))
		}
		c.mu.Lock()
		if gen == c.gen {
			c.open = true
			c.outputSchema = schema
			c.outputErr = err
		}
		c.mu.Unlock()
		c.resolve(ctx, gen)
	case snap.Result != nil && snap.Result.Failed():
		c.mu.Lock()
		open := gen == c.gen && c.open
		c.mu.Unlock()
		if open {
			c.resolve(ctx, gen)
		}
	default:
		c.mu.Lock()
		if gen == c.gen {
			c.open = false
			c.ready = false
		}
		c.mu.Unlock()
	}
}

// Close 立即关闭提示并清空执行器，进行中的解析结果之后会被丢弃。
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	if c.exec != nil {
		c.exec.Clear()
	}
	c.resetLocked()
	c.op = nil
	c.exec = nil
}

// Cancel 等同于 Close。
func (c *Controller) Cancel() { c.Close() }

// Snapshot 返回当前可观察状态。
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	s := Snapshot{
		Open:         c.open,
		Ready:        c.ready,
		Params:       copyParams(c.params),
		InputSchema:  c.inputSchema,
		OutputSchema: c.outputSchema,
		OutputError:  c.outputErr,
		ResolveError: c.resolveErr,
		Validation:   c.validation,
	}
	if c.op != nil {
		s.OperatorURI = c.op.URI()
	}
	exec := c.exec
	c.mu.Unlock()

	if exec != nil {
		es := exec.Snapshot()
		s.Executing = es.Status == executor.StatusExecuting
		s.HasExecuted = es.HasExecuted
		s.Result = es.Result
	}
	return s
}

func (c *Controller) resetLocked() {
	c.open = false
	c.ready = false
	c.params = nil
	c.inputSchema = nil
	c.outputSchema = nil
	c.outputErr = nil
	c.resolveErr = nil
	c.validation = validation.Result{}
}

func copyParams(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
