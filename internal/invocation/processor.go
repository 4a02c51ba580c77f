package invocation

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	xerrors "OperatorHub/internal/errors"
	"OperatorHub/internal/executor"
	"OperatorHub/internal/observability/alerting"
	"OperatorHub/internal/operator"
	"OperatorHub/pkg/logger"
)

// Runner 执行一条调用请求。返回的 error 只表示宿主侧问题（例如算子不存在）。
type Runner interface {
	Run(ctx context.Context, req Request) (operator.Result, error)
}

// RunnerFunc 将函数适配为 Runner。
type RunnerFunc func(ctx context.Context, req Request) (operator.Result, error)

// Run 调用函数本身。
func (f RunnerFunc) Run(ctx context.Context, req Request) (operator.Result, error) {
	return f(ctx, req)
}

// ExecutorRunner 为每条请求从注册表取出算子并新建执行器运行。
type ExecutorRunner struct {
	Registry *operator.Registry
	Options  []executor.Option
}

// Run 实现 Runner。
func (r ExecutorRunner) Run(ctx context.Context, req Request) (operator.Result, error) {
	op, err := r.Registry.Get(req.OperatorURI)
	if err != nil {
		return operator.Result{}, err
	}
	return executor.New(op, r.Options...).Execute(ctx, req.Params)
}

// Processor 把队列中新入队的请求投递到 Dispatcher，并消费 Dispatcher 中的消息交给 Runner 执行，
// 执行结果通过队列的 mark 方法回写。队列只存在于本进程，消息上带着实例 ID，
// 其他实例取到时返回 ErrNotOwned 交还给传输层。
type Processor struct {
	queue       *Queue
	dispatcher  Dispatcher
	runner      Runner
	workerCount int
	instance    string
	logger      *slog.Logger
	alerts      alerting.Dispatcher

	mu        sync.Mutex
	published map[string]struct{}
	pending   chan Envelope
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(l *slog.Logger) ProcessorOption {
	return func(p *Processor) { p.logger = l }
}

// WithAlerts 在请求失败时发送告警，是否转发由 Dispatcher 的阈值决定。
func WithAlerts(d alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) { p.alerts = d }
}

// WithInstanceID 指定实例 ID，默认随机生成。
func WithInstanceID(id string) ProcessorOption {
	return func(p *Processor) {
		if id != "" {
			p.instance = id
		}
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(queue *Queue, dispatcher Dispatcher, runner Runner, opts ...ProcessorOption) *Processor {
	p := &Processor{
		queue:       queue,
		dispatcher:  dispatcher,
		runner:      runner,
		workerCount: 1,
		instance:    uuid.NewString(),
		logger:      logger.Named("invocation.processor"),
		published:   make(map[string]struct{}),
		pending:     make(chan Envelope, 256),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Instance 返回写入消息的实例 ID。
func (p *Processor) Instance() string { return p.instance }

// Start 订阅队列并开始消费，直到 ctx 结束。
func (p *Processor) Start(ctx context.Context) error {
	if p.queue == nil || p.dispatcher == nil || p.runner == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "调用处理器未初始化")
	}
	sub := p.queue.Subscribe(p.observe)
	defer p.queue.Unsubscribe(sub)
	p.observe(p.queue.Snapshot())

	go p.publishLoop(ctx)
	return p.dispatcher.Consume(ctx, p.workerCount, p.handle)
}

// observe 收集尚未投递的 queued 请求。订阅回调同步执行，因此这里只入 channel。
// published 记录已交给 publishLoop 的 ID，请求离开 queued 状态时在 handle 中移除。
// 缓冲已满时撤销记录，该请求会在队列下一次变更通知的快照中再次被收集。
func (p *Processor) observe(snap Snapshot) {
	for _, req := range snap.Requests {
		if req.Status != StatusQueued {
			continue
		}
		// 通知可能晚于后续变更到达，以队列当前状态为准。
		if current, ok := p.queue.Get(req.ID); !ok || current.Status != StatusQueued {
			continue
		}
		p.mu.Lock()
		_, seen := p.published[req.ID]
		if !seen {
			p.published[req.ID] = struct{}{}
		}
		p.mu.Unlock()
		if seen {
			continue
		}
		select {
		case p.pending <- Envelope{ID: req.ID, OperatorURI: req.OperatorURI, Instance: p.instance}:
		default:
			p.mu.Lock()
			delete(p.published, req.ID)
			p.mu.Unlock()
			p.logger.Warn("待投递缓冲已满，稍后重试", slog.String("invocation_id", req.ID))
		}
	}
}

func (p *Processor) publishLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-p.pending:
			if err := p.dispatcher.Publish(ctx, env); err != nil {
				p.logger.Error("投递调用请求失败", slog.Any("error", err), slog.String("invocation_id", env.ID))
				p.forget(env.ID)
				p.queue.MarkAsFailed(env.ID, xerrors.Wrap(xerrors.CodeQueueFailure, err, "publish"))
			}
		}
	}
}

func (p *Processor) forget(id string) {
	p.mu.Lock()
	delete(p.published, id)
	p.mu.Unlock()
}

func (p *Processor) handle(ctx context.Context, env Envelope) error {
	id := env.ID
	if env.Instance != "" && env.Instance != p.instance {
		p.logger.Debug("交还其他实例的调用请求", slog.String("invocation_id", id), slog.String("instance", env.Instance))
		return ErrNotOwned
	}
	req, ok := p.queue.Get(id)
	if !ok {
		p.logger.Debug("本实例没有该调用请求", slog.String("invocation_id", id))
		return ErrNotOwned
	}
	marked := p.queue.MarkAsExecuting(id)
	p.forget(id)
	if !marked {
		p.logger.Debug("跳过非排队状态的请求", slog.String("invocation_id", id), slog.String("status", string(req.Status)))
		return nil
	}

	result, err := p.runner.Run(ctx, req)
	if err == nil && result.Failed() {
		err = result.Err
	}
	if err != nil {
		p.queue.MarkAsFailed(id, err)
		logger.Audit().Warn("调用请求执行失败",
			slog.String("invocation_id", id),
			slog.String("operator_uri", req.OperatorURI),
			slog.String("error", err.Error()),
			slog.String("error_code", string(xerrors.CodeOf(err))),
			slog.String("error_kind", string(xerrors.KindOf(err))),
		)
		if p.alerts != nil {
			if alertErr := p.alerts.Notify(ctx, alerting.EventFromError(req.OperatorURI, id, err)); alertErr != nil {
				p.logger.Warn("发送告警失败", slog.String("invocation_id", id), slog.Any("error", alertErr))
			}
		}
		return nil
	}
	p.queue.MarkAsCompleted(id)
	logger.Audit().Info("调用请求执行成功",
		slog.String("invocation_id", id),
		slog.String("operator_uri", req.OperatorURI),
	)
	return nil
}
