// Package executor 驱动单个算子的一次次执行：校验、执行、记录结果并决定是否需要输出解析。
package executor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	xerrors "OperatorHub/internal/errors"
	"OperatorHub/internal/observability/metrics"
	"OperatorHub/internal/observability/tracing"
	"OperatorHub/internal/operator"
	"OperatorHub/internal/validation"
	"OperatorHub/pkg/logger"
)

// Status 是执行器状态机的状态。
type Status string

const (
	StatusIdle           Status = "idle"
	StatusExecuting      Status = "executing"
	StatusSucceeded      Status = "succeeded"
	StatusFailed         Status = "failed"
	StatusAwaitingOutput Status = "awaiting_output"
)

// ErrAlreadyExecuting 表示执行器上一次调用尚未结束。
var ErrAlreadyExecuting = xerrors.New(xerrors.CodeAlreadyExecuting, "executor is already running")

// ErrNotExecutable 表示算子配置了 CanExecute=false。
var ErrNotExecutable = xerrors.New(xerrors.CodeOperatorNotExecutable, "operator cannot be executed")

// StateProvider 返回调用时刻的宿主状态快照。
type StateProvider func() operator.State

// Option 定制执行器。
type Option func(*Executor)

// WithStateProvider 设置宿主状态来源。
func WithStateProvider(fn StateProvider) Option {
	return func(e *Executor) { e.state = fn }
}

// WithOnSuccess 设置成功回调，每次成功执行调用一次。
func WithOnSuccess(fn func(operator.Result)) Option {
	return func(e *Executor) { e.onSuccess = fn }
}

// WithOnError 设置失败回调，每次失败执行调用一次。
func WithOnError(fn func(operator.Result)) Option {
	return func(e *Executor) { e.onError = fn }
}

// WithInvoker 让算子在执行期间可以排队调用其他算子。
func WithInvoker(inv operator.Invoker) Option {
	return func(e *Executor) { e.invoker = inv }
}

// WithHistory 在每次执行后记录到最近使用列表。
func WithHistory(h *operator.History) Option {
	return func(e *Executor) { e.history = h }
}

// WithValidator 替换默认的参数校验器。
func WithValidator(v *validation.Validator) Option {
	return func(e *Executor) { e.validator = v }
}

// Snapshot 是执行器可观察状态的副本。
// Blocked 表示最近一次 Execute 在调用算子之前停下（输入解析失败或参数校验未通过），
// 此时 ResolveError 或 Validation 说明原因，Result 与 HasExecuted 保持不变。
type Snapshot struct {
	Status       Status
	Params       map[string]any
	Result       *operator.Result
	Validation   validation.Result
	ResolveError error
	Blocked      bool
	NeedsOutput  bool
	HasExecuted  bool
	OutputSchema *operator.Object
	OutputError  error
}

// Executor 是显式状态机：Idle → Executing → {Succeeded, Failed} → AwaitingOutput → Idle。
type Executor struct {
	op        operator.Operator
	state     StateProvider
	onSuccess func(operator.Result)
	onError   func(operator.Result)
	invoker   operator.Invoker
	history   *operator.History
	validator *validation.Validator
	log       *slog.Logger

	mu           sync.Mutex
	gen          uint64
	status       Status
	params       map[string]any
	result       *operator.Result
	ectx         *operator.ExecutionContext
	validation   validation.Result
	resolveErr   error
	blocked      bool
	needsOutput  bool
	hasExecuted  bool
	outputSchema *operator.Object
	outputErr    error
}

// attempt 是 run 的产物。blocked 为 true 时算子没有被调用。
type attempt struct {
	result     operator.Result
	ectx       *operator.ExecutionContext
	validation validation.Result
	resolveErr error
	blocked    bool
}

// New 创建某个算子的执行器。
func New(op operator.Operator, opts ...Option) *Executor {
	e := &Executor{
		op:        op,
		state:     func() operator.State { return operator.State{} },
		validator: validation.NewValidator(),
		log:       logger.Named("executor"),
		status:    StatusIdle,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Operator 返回执行器绑定的算子。
func (e *Executor) Operator() operator.Operator { return e.op }

// SetParams 更新后续执行默认使用的参数。
func (e *Executor) SetParams(params map[string]any) {
	e.mu.Lock()
	e.params = copyParams(params)
	e.mu.Unlock()
}

// Execute 以最新的宿主状态与参数（overrides 非空时使用 overrides）执行一次。
// 输入解析失败或校验未通过时不调用算子：执行器回到 Idle，只记录原因，不触发回调也不计入指标，
// 返回的 Result 携带该原因。扩展代码的错误与 panic 都记录在返回的 Result 中；
// 只有误用（并发调用、不可执行的算子）才返回 error。
func (e *Executor) Execute(ctx context.Context, overrides map[string]any) (operator.Result, error) {
	if !e.op.Config().CanExecute {
		return operator.Result{}, ErrNotExecutable
	}
	e.mu.Lock()
	if e.status == StatusExecuting {
		e.mu.Unlock()
		return operator.Result{}, ErrAlreadyExecuting
	}
	if overrides != nil {
		e.params = copyParams(overrides)
	}
	params := copyParams(e.params)
	gen := e.gen
	e.status = StatusExecuting
	e.outputSchema, e.outputErr = nil, nil
	e.mu.Unlock()

	uri := e.op.URI()
	log := e.log.With(slog.String("operator_uri", uri))
	ctx, span := tracing.StartOperatorSpan(ctx, "operator.execute", uri)
	started := time.Now()

	a := e.run(ctx, params)
	result, ectx := a.result, a.ectx
	tracing.End(span, result.Err)
	if a.blocked {
		e.mu.Lock()
		if gen == e.gen {
			e.status = StatusIdle
			e.validation = a.validation
			e.resolveErr = a.resolveErr
			e.blocked = true
		}
		e.mu.Unlock()
		log.Debug("算子未被调用", slog.Any("error", result.Err))
		return result, nil
	}

	outcome := "success"
	if result.Failed() {
		outcome = "failure"
	}
	metrics.ObserveExecution(uri, outcome, time.Since(started))
	if e.history != nil {
		e.history.Add(uri)
	}

	needsOutput := false
	if !result.Failed() && ectx != nil {
		v, err := operator.ProtectBool(uri, false, func() bool { return e.op.NeedsOutput(ctx, ectx, result) })
		if err != nil {
			log.Warn("判断输出需求失败", slog.Any("error", err))
		}
		needsOutput = v
	}

	e.mu.Lock()
	if gen != e.gen {
		e.mu.Unlock()
		log.Debug("执行器已被清空，丢弃本次结果")
		return result, nil
	}
	e.result = &result
	e.ectx = ectx
	e.validation = a.validation
	e.resolveErr = nil
	e.blocked = false
	e.needsOutput = needsOutput
	e.hasExecuted = true
	switch {
	case result.Failed():
		e.status = StatusFailed
	case needsOutput:
		e.status = StatusAwaitingOutput
	default:
		e.status = StatusSucceeded
	}
	e.mu.Unlock()

	if result.Failed() {
		log.Warn("算子执行失败", slog.Any("error", result.Err))
		if e.onError != nil {
			e.onError(result)
		}
	} else {
		log.Debug("算子执行成功")
		if e.onSuccess != nil {
			e.onSuccess(result)
		}
	}
	return result, nil
}

func (e *Executor) run(ctx context.Context, params map[string]any) attempt {
	uri := e.op.URI()
	var opts []operator.ContextOption
	if e.invoker != nil {
		opts = append(opts, operator.WithInvoker(e.invoker))
	}
	ectx, err := operator.NewExecutionContext(e.op, params, e.state(), opts...)
	if err != nil {
		return attempt{result: operator.Failure(e.op, err), ectx: ectx}
	}
	ctx = operator.IntoContext(ctx, ectx)

	schema, err := operator.Protect(uri, func() (*operator.Object, error) { return e.op.ResolveInput(ctx, ectx) })
	if err != nil {
		err = asCoded(xerrors.CodeResolutionFailed, err, "resolve input")
		return attempt{result: operator.Failure(e.op, err), ectx: ectx, resolveErr: err, blocked: true}
	}
	vres := e.validator.Validate(ectx.Params(), schema)
	if vres.Invalid() {
		return attempt{result: operator.Failure(e.op, vres.Err()), ectx: ectx, validation: vres, blocked: true}
	}

	value, err := operator.Protect(uri, func() (any, error) { return e.op.Execute(ctx, ectx) })
	if err != nil {
		return attempt{result: operator.Failure(e.op, asCoded(xerrors.CodeExecutionFailed, err, "execute")), ectx: ectx, validation: vres}
	}
	return attempt{result: operator.Success(e.op, value), ectx: ectx, validation: vres}
}

// ResolveOutput 在 AwaitingOutput 状态下解析输出 schema，完成后回到 Idle。
// 错误只记录，不重试。其他状态下返回 nil。
func (e *Executor) ResolveOutput(ctx context.Context) (*operator.Object, error) {
	e.mu.Lock()
	if e.status != StatusAwaitingOutput || e.result == nil {
		e.mu.Unlock()
		return nil, nil
	}
	gen, ectx, result := e.gen, e.ectx, *e.result
	e.mu.Unlock()

	uri := e.op.URI()
	ctx, span := tracing.StartOperatorSpan(ctx, "operator.resolve_output", uri)
	schema, err := operator.Protect(uri, func() (*operator.Object, error) { return e.op.ResolveOutput(ctx, ectx, result) })
	if err != nil {
		err = asCoded(xerrors.CodeResolutionFailed, err, "resolve output")
	}
	tracing.End(span, err)

	e.mu.Lock()
	defer e.mu.Unlock()
	if gen != e.gen {
		return nil, nil
	}
	e.outputSchema, e.outputErr = schema, err
	e.status = StatusIdle
	return schema, err
}

// Clear 重置全部状态；正在进行的执行完成后其结果会被丢弃。
func (e *Executor) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.gen++
	e.status = StatusIdle
	e.params = nil
	e.result = nil
	e.ectx = nil
	e.validation = validation.Result{}
	e.resolveErr = nil
	e.blocked = false
	e.needsOutput = false
	e.hasExecuted = false
	e.outputSchema = nil
	e.outputErr = nil
}

// HasResultOrError 判断是否已有结果（成功或失败）。
func (e *Executor) HasResultOrError() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.result != nil
}

// Status 返回当前状态。
func (e *Executor) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Snapshot 返回可观察状态的副本。
func (e *Executor) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := Snapshot{
		Status:       e.status,
		Params:       copyParams(e.params),
		Validation:   e.validation,
		ResolveError: e.resolveErr,
		Blocked:      e.blocked,
		NeedsOutput:  e.needsOutput,
		HasExecuted:  e.hasExecuted,
		OutputSchema: e.outputSchema,
		OutputError:  e.outputErr,
	}
	if e.result != nil {
		r := *e.result
		s.Result = &r
	}
	return s
}

func asCoded(code xerrors.Code, err error, stage string) error {
	if _, ok := xerrors.From(err); ok {
		return err
	}
	return xerrors.Wrap(code, err, stage)
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
